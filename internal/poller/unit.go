package poller

import (
	"context"
	"sync"
	"time"

	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/models"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/normalize"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/sink"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/source"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/telemetry"
)

// flightRegistry enforces one concurrent poll per (source, job). A job
// whose previous poll is still running is skipped, not queued.
type flightRegistry struct {
	mu     sync.Mutex
	active map[unitKey]bool
}

func newFlightRegistry() *flightRegistry {
	return &flightRegistry{active: make(map[unitKey]bool)}
}

func (r *flightRegistry) begin(k unitKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[k] {
		return false
	}
	r.active[k] = true
	return true
}

func (r *flightRegistry) end(k unitKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, k)
}

// unitResult carries one job report plus what the enrichment pass after
// the cycle drain needs to finish it.
type unitResult struct {
	report    models.JobReport
	submitted int
	before    Stats
	err       error
}

// pollJob ingests new terminal builds for one job: everything after the
// cursor, in ascending order, stopping at the first build still running
// or the first fetch that fails so the committed prefix stays
// contiguous.
func (p *Poller) pollJob(ctx context.Context, t Target, job models.Job) unitResult {
	name := t.Client.Name()
	k := unitKey{name, job.Path}
	res := unitResult{report: models.JobReport{Source: name, Job: job.Path, Outcome: models.OutcomeSuccess}}

	if !p.flights.begin(k) {
		telemetry.JobsSkippedInFlight.Inc()
		p.log.Debugw("previous poll still running, skipping", "source", name, "job", job.Path)
		res.report.Outcome = models.OutcomeSkipped
		return res
	}
	defer p.flights.end(k)
	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()

	res.before = p.commit.Stats(name, job.Path)

	since, haveCursor, err := p.commit.Cursor(ctx, name, job.Path)
	if err != nil {
		p.log.Errorw("cursor read failed, job skipped this cycle", "source", name, "job", job.Path, "error", err)
		res.report.Outcome = models.OutcomeFailure
		res.report.Error = err.Error()
		res.err = err
		return res
	}

	refs, err := t.Client.ListBuilds(ctx, job, since)
	if err != nil {
		telemetry.FetchFailures.WithLabelValues(name).Inc()
		res.report.Outcome = models.OutcomeFailure
		res.report.Error = err.Error()
		res.err = err
		return res
	}

	cutoff := time.Now().Add(-time.Duration(t.Config.Lookback))
	// On first sight of a job only builds inside the lookback window
	// are taken. Once one build is in, every later one is too, so the
	// committed prefix has no holes.
	ingesting := haveCursor
	for _, ref := range refs {
		if !ingesting {
			if !ref.StartedAt.IsZero() && ref.StartedAt.Before(cutoff) {
				continue
			}
			ingesting = true
		}
		rec, err := t.Client.FetchBuild(ctx, job, ref)
		if err != nil {
			if source.IsNotFound(err) {
				// Rotated away between listing and fetch: nothing to
				// ingest and nothing to hold the cursor for.
				p.commit.MarkSkipped(ctx, name, job.Path, ref.Number)
				continue
			}
			telemetry.FetchFailures.WithLabelValues(name).Inc()
			p.log.Warnw("build fetch failed", "source", name, "job", job.Path, "build", ref.Number, "error", err)
			res.err = err
			res.report.Error = err.Error()
			if res.submitted > 0 {
				res.report.Outcome = models.OutcomePartial
			} else {
				res.report.Outcome = models.OutcomeFailure
			}
			break
		}
		if !rec.Result.Terminal() {
			// Still running: picked up again next cycle. Later builds
			// wait too, or the cursor would jump past this one.
			break
		}
		if p.commit.Track(name, job.Path, ref.Number) {
			p.batcher.Add(ctx, sink.Entry{
				Metric: normalize.Build(rec, p.cfg.Measurement),
				Source: name,
				Job:    job.Path,
				Number: ref.Number,
			})
			res.submitted++
		}
	}
	if res.submitted == 0 {
		// No batch result will arrive for this job, so retry any
		// cursor advance an earlier cycle had to withhold.
		p.commit.Reconcile(ctx, name, job.Path)
	}
	return res
}
