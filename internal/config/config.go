package config

import (
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Cursor store backends.
const (
	CursorBackendFile     = "file"
	CursorBackendRedis    = "redis"
	CursorBackendPostgres = "postgres"
)

// Duration accepts "90s" / "24h" style values in YAML. Bare integers
// are taken as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return errors.Wrapf(perr, "invalid duration %q", s)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	return errors.Newf("invalid duration value %q", value.Value)
}

// SourceConfig describes one CI server to poll. Name becomes the
// "source" tag on every metric written for it.
type SourceConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Token    string `yaml:"token"`

	// View scopes Jenkins job discovery to a named view.
	View string `yaml:"view"`

	// Org is the Buildkite organization slug.
	Org string `yaml:"org"`

	// PollInterval, when set, polls this source less often than the
	// global interval. Lookback bounds first-sight ingestion; zero
	// inherits the global default.
	PollInterval Duration `yaml:"poll_interval"`
	Lookback     Duration `yaml:"lookback"`

	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// Config holds runtime configuration for the collector. Scalars come
// from environment variables; the source list comes from a YAML file
// (or the single-Jenkins environment fallback).
type Config struct {
	Sources []SourceConfig

	InfluxURL      string
	InfluxDB       string
	Measurement    string
	InfluxUsername string
	InfluxPassword string
	InfluxTimeout  time.Duration

	PollInterval time.Duration
	Lookback     time.Duration
	CycleTimeout time.Duration
	DrainTimeout time.Duration

	WorkerPoolSize int
	SourceWorkers  int

	BatchSize     int
	BatchInterval time.Duration

	RetryMaxAttempts     int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	SinkRetryMaxAttempts int

	CursorBackend string
	CursorFile    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string

	RejectArchiveDir         string
	RejectArchiveS3Bucket    string
	RejectArchiveS3Region    string
	RejectArchiveS3Endpoint  string
	RejectArchiveS3PathStyle bool

	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

// Load reads configuration from environment variables with sane
// defaults, then loads the source list from path (or COLLECTOR_CONFIG
// when path is empty). ${VAR} references inside the file expand from
// the environment before parsing so tokens stay out of files.
func Load(path string) (Config, error) {
	cfg := Config{
		InfluxURL:      getEnv("INFLUX_URL", "http://localhost:8086"),
		InfluxDB:       getEnv("INFLUX_DB", "jenkins"),
		Measurement:    getEnv("MEASUREMENT", "jenkins_custom_data"),
		InfluxUsername: getEnv("INFLUX_USERNAME", ""),
		InfluxPassword: getEnv("INFLUX_PASSWORD", ""),
		InfluxTimeout:  getEnvDuration("INFLUX_TIMEOUT", 10*time.Second),

		PollInterval: getEnvDuration("POLL_INTERVAL", time.Minute),
		Lookback:     getEnvDuration("LOOKBACK", 24*time.Hour),
		CycleTimeout: getEnvDuration("CYCLE_TIMEOUT", 5*time.Minute),
		DrainTimeout: getEnvDuration("DRAIN_TIMEOUT", 30*time.Second),

		WorkerPoolSize: getEnvInt("WORKER_POOL_SIZE", 8),
		SourceWorkers:  getEnvInt("SOURCE_WORKERS", 4),

		BatchSize:     getEnvInt("BATCH_SIZE", 500),
		BatchInterval: getEnvDuration("BATCH_INTERVAL", 5*time.Second),

		RetryMaxAttempts:     getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:       getEnvDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:        getEnvDuration("RETRY_MAX_DELAY", 5*time.Second),
		SinkRetryMaxAttempts: getEnvInt("SINK_RETRY_MAX_ATTEMPTS", 5),

		CursorBackend: getEnv("CURSOR_BACKEND", CursorBackendFile),
		CursorFile:    getEnv("CURSOR_FILE", "build-cursors.json"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		PostgresDSN:   getEnv("POSTGRES_DSN", ""),

		RejectArchiveDir:         getEnv("REJECT_ARCHIVE_DIR", ""),
		RejectArchiveS3Bucket:    getEnv("REJECT_ARCHIVE_S3_BUCKET", ""),
		RejectArchiveS3Region:    getEnv("REJECT_ARCHIVE_S3_REGION", ""),
		RejectArchiveS3Endpoint:  getEnv("REJECT_ARCHIVE_S3_ENDPOINT", ""),
		RejectArchiveS3PathStyle: getEnvBool("REJECT_ARCHIVE_S3_PATH_STYLE", false),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "console"),
	}

	if path == "" {
		path = getEnv("COLLECTOR_CONFIG", "")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config file %s", path)
		}
		var file struct {
			Sources []SourceConfig `yaml:"sources"`
		}
		if err := yaml.Unmarshal([]byte(os.Expand(string(raw), os.Getenv)), &file); err != nil {
			return Config{}, errors.Wrapf(err, "parse config file %s", path)
		}
		cfg.Sources = file.Sources
	}
	if len(cfg.Sources) == 0 {
		if url := getEnv("JENKINS_URL", ""); url != "" {
			cfg.Sources = append(cfg.Sources, SourceConfig{
				Name:     getEnv("JENKINS_INSTANCE", "jenkins"),
				Type:     "jenkins",
				URL:      url,
				Username: getEnv("JENKINS_USER", ""),
				Token:    getEnv("JENKINS_TOKEN", ""),
				View:     getEnv("JENKINS_VIEW", ""),
			})
		}
	}

	for i := range cfg.Sources {
		s := &cfg.Sources[i]
		if s.Lookback == 0 {
			s.Lookback = Duration(cfg.Lookback)
		}
		if s.RateLimit <= 0 {
			s.RateLimit = 5
		}
		if s.Burst <= 0 {
			s.Burst = int(math.Ceil(s.RateLimit * 2))
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the collector cannot run with.
func (c Config) Validate() error {
	if len(c.Sources) == 0 {
		return errors.New("no sources configured: provide a config file or JENKINS_URL")
	}
	seen := map[string]bool{}
	for _, s := range c.Sources {
		if s.Name == "" {
			return errors.New("source with empty name")
		}
		if seen[s.Name] {
			return errors.Newf("duplicate source name %q", s.Name)
		}
		seen[s.Name] = true
		switch s.Type {
		case "jenkins":
			if s.URL == "" {
				return errors.Newf("source %q: jenkins sources require url", s.Name)
			}
		case "buildkite":
			if s.Org == "" || s.Token == "" {
				return errors.Newf("source %q: buildkite sources require org and token", s.Name)
			}
		case "":
			return errors.Newf("source %q: missing type", s.Name)
		default:
			return errors.Newf("source %q: unknown type %q", s.Name, s.Type)
		}
	}
	if c.InfluxURL == "" || c.InfluxDB == "" {
		return errors.New("influx url and database are required")
	}
	if c.PollInterval <= 0 || c.BatchInterval <= 0 || c.CycleTimeout <= 0 {
		return errors.New("poll_interval, batch_interval and cycle_timeout must be positive")
	}
	if c.BatchSize < 1 || c.WorkerPoolSize < 1 || c.SourceWorkers < 1 {
		return errors.New("batch_size, worker_pool_size and source_workers must be at least 1")
	}
	if c.RetryMaxAttempts < 1 || c.SinkRetryMaxAttempts < 1 {
		return errors.New("retry attempt counts must be at least 1")
	}
	switch c.CursorBackend {
	case CursorBackendFile:
		if c.CursorFile == "" {
			return errors.New("cursor_file is required for the file cursor backend")
		}
	case CursorBackendRedis:
		if c.RedisAddr == "" {
			return errors.New("redis_addr is required for the redis cursor backend")
		}
	case CursorBackendPostgres:
		if c.PostgresDSN == "" {
			return errors.New("postgres_dsn is required for the postgres cursor backend")
		}
	default:
		return errors.Newf("unknown cursor backend %q", c.CursorBackend)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
