package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/api"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/config"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/cursor"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/poller"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/ratelimit"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/retry"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/sink"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/source"

	_ "github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/source/buildkite"
	_ "github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/source/jenkins"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the sources config file")
	once := flag.Bool("once", false, "run a single poll cycle and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 3
	}
	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 3
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Infow("shutdown signal received")
		cancel()
	}()

	store, err := cursor.Open(ctx, cfg, log)
	if err != nil {
		log.Errorw("open cursor store", "backend", cfg.CursorBackend, "error", err)
		return 2
	}
	defer store.Close()

	archiver, err := sink.NewArchiver(ctx, cfg, log)
	if err != nil {
		log.Errorw("init reject archiver", "error", err)
		return 2
	}

	committer := poller.NewCommitter(store, log)
	writer := sink.NewInfluxWriter(cfg, log)
	batcher := sink.NewBatcher(cfg, writer, archiver, committer.OnBatch, log)

	policy := retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}
	targets := make([]poller.Target, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		client, err := source.New(sc, ratelimit.New(sc.RateLimit, sc.Burst), policy, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: source %s: %v\n", sc.Name, err)
			return 3
		}
		targets = append(targets, poller.Target{Client: client, Config: sc})
	}

	p := poller.New(cfg, targets, committer, batcher, log)

	if *once {
		report := p.RunOnce(ctx)
		log.Infow("one-shot cycle complete",
			"outcome", report.Outcome,
			"ingested", report.BuildsIngested,
			"rejected", report.BuildsRejected,
			"duration", report.Duration())
		return report.ExitCode()
	}

	server := api.New(cfg, p)
	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: server.Router()}
	go func() {
		log.Infow("http listening", "addr", cfg.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("listen", "error", err)
		}
	}()

	log.Infow("collector started",
		"sources", len(cfg.Sources),
		"poll_interval", cfg.PollInterval,
		"influx", cfg.InfluxURL,
		"measurement", cfg.Measurement)
	p.Run(ctx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	return 0
}

func newLogger(cfg config.Config) (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}
	var zcfg zap.Config
	if cfg.LogFormat == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
