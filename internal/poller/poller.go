package poller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/config"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/models"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/sink"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/source"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/telemetry"
)

// Target pairs a source client with the configuration it was built
// from.
type Target struct {
	Client source.Client
	Config config.SourceConfig
}

// Poller drives poll cycles across all configured sources. Sources are
// polled concurrently; within a source, jobs fan out over a per-source
// worker allowance drawn from one bounded global pool.
type Poller struct {
	cfg     config.Config
	targets []Target
	commit  *Committer
	batcher *sink.Batcher
	flights *flightRegistry
	workers chan struct{}
	log     *zap.SugaredLogger

	mu         sync.Mutex
	lastStart  map[string]time.Time
	lastReport *models.CycleReport
}

func New(cfg config.Config, targets []Target, commit *Committer, batcher *sink.Batcher, log *zap.SugaredLogger) *Poller {
	return &Poller{
		cfg:       cfg,
		targets:   targets,
		commit:    commit,
		batcher:   batcher,
		flights:   newFlightRegistry(),
		workers:   make(chan struct{}, cfg.WorkerPoolSize),
		log:       log,
		lastStart: make(map[string]time.Time),
	}
}

// Run polls on the configured interval until ctx is cancelled, then
// waits out in-flight cycles up to the drain timeout. Cycles are
// allowed to overlap a slow predecessor; single-flight tracking keeps
// any one job from being polled twice at once.
func (p *Poller) Run(ctx context.Context) {
	bctx, stopBatcher := context.WithCancel(context.Background())
	defer stopBatcher()
	go p.batcher.Start(bctx)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var cycles sync.WaitGroup
	runOne := func() {
		cycles.Add(1)
		go func() {
			defer cycles.Done()
			p.runCycle(ctx)
		}()
	}

	runOne()
	for {
		select {
		case <-ctx.Done():
			done := make(chan struct{})
			go func() {
				cycles.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(p.cfg.DrainTimeout):
				p.log.Warnw("drain timeout elapsed with cycles still running")
			}
			return
		case <-ticker.C:
			runOne()
		}
	}
}

// RunOnce executes a single cycle synchronously. The batch buffer is
// drained before it returns, so the report reflects final sink
// outcomes.
func (p *Poller) RunOnce(ctx context.Context) models.CycleReport {
	return p.runCycle(ctx)
}

// LastReport returns a copy of the most recent cycle report, nil before
// the first cycle completes.
func (p *Poller) LastReport() *models.CycleReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastReport == nil {
		return nil
	}
	r := *p.lastReport
	return &r
}

func (p *Poller) runCycle(ctx context.Context) models.CycleReport {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CycleTimeout)
	defer cancel()

	report := models.CycleReport{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
	log := p.log.With("cycle", report.ID)
	log.Infow("cycle started", "sources", len(p.targets))

	results := make([]*sourceResult, len(p.targets))
	skipped := make([]bool, len(p.targets))
	var wg sync.WaitGroup
	for i, t := range p.targets {
		if !p.shouldPoll(t, report.StartedAt) {
			skipped[i] = true
			continue
		}
		wg.Add(1)
		go func(i int, t Target) {
			defer wg.Done()
			r := p.pollSource(cctx, t)
			results[i] = &r
		}(i, t)
	}
	wg.Wait()

	// Flush whatever the cycle buffered. Cancellation must not eat
	// records that were already fetched, so the drain survives it but
	// stays time-bounded.
	drainCtx, drainCancel := context.WithTimeout(context.WithoutCancel(cctx), p.cfg.DrainTimeout)
	p.batcher.Drain(drainCtx)
	drainCancel()

	for i, t := range p.targets {
		if skipped[i] {
			report.Sources = append(report.Sources, models.SourceReport{
				Source:  t.Client.Name(),
				Outcome: models.OutcomeSkipped,
			})
			continue
		}
		sr := p.assembleSource(results[i])
		report.Sources = append(report.Sources, sr)
		report.BuildsIngested += sr.BuildsIngested
		report.BuildsRejected += sr.BuildsRejected
		for _, j := range sr.Jobs {
			if j.Outcome == models.OutcomeSkipped {
				report.SkippedInFlight++
			}
		}
	}
	report.FinishedAt = time.Now().UTC()
	report.Outcome = cycleOutcome(report.Sources)

	telemetry.CyclesTotal.WithLabelValues(report.Outcome).Inc()
	telemetry.LastCycleUnix.Set(float64(report.FinishedAt.Unix()))

	p.mu.Lock()
	p.lastReport = &report
	p.mu.Unlock()

	log.Infow("cycle finished",
		"outcome", report.Outcome,
		"ingested", report.BuildsIngested,
		"rejected", report.BuildsRejected,
		"skipped_in_flight", report.SkippedInFlight,
		"duration", report.Duration())
	return report
}

// shouldPoll applies a source's own poll interval when it has one.
func (p *Poller) shouldPoll(t Target, now time.Time) bool {
	interval := time.Duration(t.Config.PollInterval)
	if interval <= 0 {
		return true
	}
	name := t.Client.Name()
	p.mu.Lock()
	defer p.mu.Unlock()
	if last, ok := p.lastStart[name]; ok && now.Sub(last) < interval {
		return false
	}
	p.lastStart[name] = now
	return true
}

type sourceResult struct {
	name    string
	listErr error
	auth    bool
	units   []unitResult
}

func (p *Poller) pollSource(ctx context.Context, t Target) sourceResult {
	name := t.Client.Name()
	res := sourceResult{name: name}
	log := p.log.With("source", name)

	jobs, err := t.Client.ListJobs(ctx)
	if err != nil {
		res.listErr = err
		res.auth = source.IsAuthError(err)
		log.Errorw("job discovery failed", "error", err)
		return res
	}
	log.Debugw("discovered jobs", "count", len(jobs))

	// One bad credential fails the whole source: srcCtx aborts the
	// remaining units on the first auth error.
	srcCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		slots = make(chan struct{}, p.cfg.SourceWorkers)
	)
launch:
	for _, job := range jobs {
		select {
		case slots <- struct{}{}:
		case <-srcCtx.Done():
			break launch
		}
		select {
		case p.workers <- struct{}{}:
		case <-srcCtx.Done():
			<-slots
			break launch
		}
		wg.Add(1)
		go func(job models.Job) {
			defer wg.Done()
			defer func() { <-p.workers; <-slots }()
			ur := p.pollJob(srcCtx, t, job)
			mu.Lock()
			res.units = append(res.units, ur)
			if ur.err != nil && source.IsAuthError(ur.err) {
				res.auth = true
				cancel()
			}
			mu.Unlock()
		}(job)
	}
	wg.Wait()
	return res
}

// assembleSource finishes job reports with post-drain sink outcomes and
// rolls them up into the source verdict.
func (p *Poller) assembleSource(r *sourceResult) models.SourceReport {
	sr := models.SourceReport{Source: r.name}
	if r.listErr != nil {
		sr.Outcome = models.OutcomeFailure
		sr.Error = r.listErr.Error()
		return sr
	}

	var okJobs, partialJobs, failedJobs int
	for _, ur := range r.units {
		rep := ur.report
		if rep.Outcome != models.OutcomeSkipped {
			stats := p.commit.Stats(rep.Source, rep.Job)
			rep.BuildsIngested = stats.Written - ur.before.Written
			rep.BuildsRejected = stats.Rejected - ur.before.Rejected
			rep.Cursor = p.commit.CursorValue(rep.Source, rep.Job)
			if rep.Outcome == models.OutcomeSuccess &&
				(rep.BuildsRejected > 0 || rep.BuildsIngested < ur.submitted) {
				rep.Outcome = models.OutcomePartial
			}
		}
		sr.Jobs = append(sr.Jobs, rep)
		sr.BuildsIngested += rep.BuildsIngested
		sr.BuildsRejected += rep.BuildsRejected
		switch rep.Outcome {
		case models.OutcomeSuccess:
			okJobs++
		case models.OutcomePartial:
			partialJobs++
		case models.OutcomeFailure:
			failedJobs++
			if sr.Error == "" {
				sr.Error = rep.Error
			}
		}
	}

	switch {
	case r.auth:
		sr.Outcome = models.OutcomeFailure
		if sr.Error == "" {
			sr.Error = "authentication failed"
		}
	case partialJobs == 0 && failedJobs == 0:
		sr.Outcome = models.OutcomeSuccess
	case okJobs == 0 && partialJobs == 0:
		sr.Outcome = models.OutcomeFailure
	default:
		sr.Outcome = models.OutcomePartial
	}
	return sr
}

// cycleOutcome rolls source verdicts into the cycle verdict. Sources
// skipped by their own interval do not count.
func cycleOutcome(sources []models.SourceReport) string {
	var ok, failed, ran int
	for _, s := range sources {
		if s.Outcome == models.OutcomeSkipped {
			continue
		}
		ran++
		switch s.Outcome {
		case models.OutcomeSuccess:
			ok++
		case models.OutcomeFailure:
			failed++
		}
	}
	switch {
	case ran == 0 || ok == ran:
		return models.OutcomeSuccess
	case failed == ran:
		return models.OutcomeFailure
	default:
		return models.OutcomePartial
	}
}
