package poller

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/config"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/cursor"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/models"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/sink"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/source"
)

type fakeSource struct {
	name string

	mu       sync.Mutex
	jobs     []models.Job
	listErr  error
	builds   map[string][]source.BuildRef
	records  map[string]map[int64]*models.BuildRecord
	fetchErr map[string]map[int64]error
	onFetch  func(job string, number int64)
}

func newFakeSource(name string, jobs ...string) *fakeSource {
	s := &fakeSource{
		name:     name,
		builds:   make(map[string][]source.BuildRef),
		records:  make(map[string]map[int64]*models.BuildRecord),
		fetchErr: make(map[string]map[int64]error),
	}
	for _, j := range jobs {
		s.jobs = append(s.jobs, models.Job{Source: name, Path: j, Name: j})
		s.records[j] = make(map[int64]*models.BuildRecord)
		s.fetchErr[j] = make(map[int64]error)
	}
	return s
}

func (s *fakeSource) addBuild(job string, n int64, result models.Result, started time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builds[job] = append(s.builds[job], source.BuildRef{Number: n, StartedAt: started})
	s.records[job][n] = &models.BuildRecord{
		Job:       models.Job{Source: s.name, Path: job, Name: job},
		Number:    n,
		Result:    result,
		RawResult: string(result),
		StartedAt: started,
		Duration:  time.Minute,
		Trigger:   models.Trigger{Type: models.TriggerManual, User: "dev"},
	}
}

func (s *fakeSource) setResult(job string, n int64, result models.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[job][n]
	rec.Result = result
	rec.RawResult = string(result)
}

func (s *fakeSource) failFetch(job string, n int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErr[job][n] = err
}

func (s *fakeSource) Name() string { return s.name }
func (s *fakeSource) Type() string { return "fake" }

func (s *fakeSource) ListJobs(ctx context.Context) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]models.Job(nil), s.jobs...), nil
}

func (s *fakeSource) ListBuilds(ctx context.Context, job models.Job, since int64) ([]source.BuildRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []source.BuildRef
	for _, ref := range s.builds[job.Path] {
		if ref.Number > since {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (s *fakeSource) FetchBuild(ctx context.Context, job models.Job, ref source.BuildRef) (*models.BuildRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	hook := s.onFetch
	err := s.fetchErr[job.Path][ref.Number]
	rec := s.records[job.Path][ref.Number]
	s.mu.Unlock()
	if hook != nil {
		hook(job.Path, ref.Number)
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return rec, nil
}

type sinkAttempt struct {
	entries []sink.Entry
	err     error
}

type harness struct {
	poller *Poller
	commit *Committer
	store  cursor.Store

	mu       sync.Mutex
	sinkFn   func(entries []sink.Entry) error
	attempts []sinkAttempt
}

func (h *harness) WriteBatch(ctx context.Context, entries []sink.Entry) error {
	h.mu.Lock()
	fn := h.sinkFn
	h.mu.Unlock()
	var err error
	if fn != nil {
		err = fn(entries)
	}
	h.mu.Lock()
	h.attempts = append(h.attempts, sinkAttempt{entries: append([]sink.Entry(nil), entries...), err: err})
	h.mu.Unlock()
	return err
}

func (h *harness) setSink(fn func(entries []sink.Entry) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinkFn = fn
}

// delivered flattens the entries of every successful write in order.
func (h *harness) delivered() []sink.Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []sink.Entry
	for _, a := range h.attempts {
		if a.err == nil {
			out = append(out, a.entries...)
		}
	}
	return out
}

func (h *harness) cursor(t *testing.T, src, job string) (int64, bool) {
	t.Helper()
	n, ok, err := h.store.Get(context.Background(), src, job)
	if err != nil {
		t.Fatalf("cursor get: %v", err)
	}
	return n, ok
}

func newHarness(t *testing.T, sources ...*fakeSource) *harness {
	t.Helper()
	log := zap.NewNop().Sugar()
	store, err := cursor.OpenFile(filepath.Join(t.TempDir(), "cursors.json"), log)
	if err != nil {
		t.Fatalf("open cursor store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Config{
		Measurement:    "builds",
		PollInterval:   time.Minute,
		Lookback:       24 * time.Hour,
		CycleTimeout:   30 * time.Second,
		DrainTimeout:   5 * time.Second,
		WorkerPoolSize: 4,
		SourceWorkers:  2,
		BatchSize:      100,
		BatchInterval:  time.Hour,
	}

	h := &harness{store: store}
	h.commit = NewCommitter(store, log)
	batcher := sink.NewBatcher(cfg, h, nil, h.commit.OnBatch, log)

	var targets []Target
	for _, s := range sources {
		targets = append(targets, Target{
			Client: s,
			Config: config.SourceConfig{Name: s.name, Type: "fake", Lookback: config.Duration(cfg.Lookback)},
		})
	}
	h.poller = New(cfg, targets, h.commit, batcher, log)
	return h
}

func TestCycleIngestsNewBuildsOnce(t *testing.T) {
	src := newFakeSource("ci", "app")
	now := time.Now()
	src.addBuild("app", 1, models.ResultSuccess, now.Add(-3*time.Hour))
	src.addBuild("app", 2, models.ResultFailure, now.Add(-2*time.Hour))
	src.addBuild("app", 3, models.ResultUnstable, now.Add(-time.Hour))
	h := newHarness(t, src)

	report := h.poller.RunOnce(context.Background())
	if report.Outcome != models.OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", report.Outcome)
	}
	if report.BuildsIngested != 3 {
		t.Fatalf("ingested = %d, want 3", report.BuildsIngested)
	}
	got := h.delivered()
	if len(got) != 3 || got[0].Number != 1 || got[2].Number != 3 {
		t.Fatalf("delivered %d entries: %+v", len(got), got)
	}
	if n, ok := h.cursor(t, "ci", "app"); !ok || n != 3 {
		t.Fatalf("cursor = %d (%v), want 3", n, ok)
	}

	report = h.poller.RunOnce(context.Background())
	if report.BuildsIngested != 0 {
		t.Fatalf("second cycle ingested %d builds", report.BuildsIngested)
	}
	if got := h.delivered(); len(got) != 3 {
		t.Fatalf("second cycle re-delivered builds: %d entries", len(got))
	}
}

func TestRunningBuildPinsCursor(t *testing.T) {
	src := newFakeSource("ci", "app")
	now := time.Now()
	src.addBuild("app", 1, models.ResultSuccess, now.Add(-4*time.Hour))
	src.addBuild("app", 2, models.ResultSuccess, now.Add(-3*time.Hour))
	src.addBuild("app", 3, models.ResultRunning, now.Add(-2*time.Hour))
	src.addBuild("app", 4, models.ResultSuccess, now.Add(-time.Hour))
	h := newHarness(t, src)

	h.poller.RunOnce(context.Background())
	if got := h.delivered(); len(got) != 2 || got[1].Number != 2 {
		t.Fatalf("delivered %+v, want builds 1 and 2", got)
	}
	if n, _ := h.cursor(t, "ci", "app"); n != 2 {
		t.Fatalf("cursor = %d, want 2", n)
	}

	src.setResult("app", 3, models.ResultAborted)
	h.poller.RunOnce(context.Background())
	if got := h.delivered(); len(got) != 4 || got[3].Number != 4 {
		t.Fatalf("delivered %+v, want builds 3 and 4 appended", got)
	}
	if n, _ := h.cursor(t, "ci", "app"); n != 4 {
		t.Fatalf("cursor = %d, want 4", n)
	}
}

func TestVanishedBuildDoesNotPinCursor(t *testing.T) {
	src := newFakeSource("ci", "app")
	now := time.Now()
	src.addBuild("app", 1, models.ResultSuccess, now.Add(-3*time.Hour))
	src.addBuild("app", 2, models.ResultSuccess, now.Add(-2*time.Hour))
	src.addBuild("app", 3, models.ResultSuccess, now.Add(-time.Hour))
	src.failFetch("app", 2, &source.APIError{StatusCode: 404, URL: "http://ci/job/app/2"})
	h := newHarness(t, src)

	report := h.poller.RunOnce(context.Background())
	if report.Outcome != models.OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", report.Outcome)
	}
	got := h.delivered()
	if len(got) != 2 || got[0].Number != 1 || got[1].Number != 3 {
		t.Fatalf("delivered %+v, want builds 1 and 3", got)
	}
	if n, _ := h.cursor(t, "ci", "app"); n != 3 {
		t.Fatalf("cursor = %d, want 3", n)
	}
}

func TestFetchFailureBlocksCursor(t *testing.T) {
	src := newFakeSource("ci", "app")
	now := time.Now()
	src.addBuild("app", 1, models.ResultSuccess, now.Add(-3*time.Hour))
	src.addBuild("app", 2, models.ResultSuccess, now.Add(-2*time.Hour))
	src.addBuild("app", 3, models.ResultSuccess, now.Add(-time.Hour))
	src.failFetch("app", 2, &source.APIError{StatusCode: 500, URL: "http://ci/job/app/2"})
	h := newHarness(t, src)

	report := h.poller.RunOnce(context.Background())
	if report.Outcome != models.OutcomePartial {
		t.Fatalf("outcome = %s, want partial", report.Outcome)
	}
	got := h.delivered()
	if len(got) != 1 || got[0].Number != 1 {
		t.Fatalf("delivered %+v, want only build 1", got)
	}
	if n, _ := h.cursor(t, "ci", "app"); n != 1 {
		t.Fatalf("cursor = %d, want 1", n)
	}

	src.failFetch("app", 2, nil)
	report = h.poller.RunOnce(context.Background())
	if report.Outcome != models.OutcomeSuccess {
		t.Fatalf("recovery outcome = %s, want success", report.Outcome)
	}
	if n, _ := h.cursor(t, "ci", "app"); n != 3 {
		t.Fatalf("cursor after recovery = %d, want 3", n)
	}
}

func TestSinkRejectionCommitsPrefixOnly(t *testing.T) {
	src := newFakeSource("ci", "app")
	now := time.Now()
	src.addBuild("app", 1, models.ResultSuccess, now.Add(-3*time.Hour))
	src.addBuild("app", 2, models.ResultSuccess, now.Add(-2*time.Hour))
	src.addBuild("app", 3, models.ResultSuccess, now.Add(-time.Hour))
	h := newHarness(t, src)
	h.setSink(func(entries []sink.Entry) error {
		for i, e := range entries {
			if e.Number == 2 {
				return &sink.RejectedError{
					StatusCode: 400,
					Message:    "unable to parse",
					Line:       sink.EncodeMetric(entries[i].Metric),
				}
			}
		}
		return nil
	})

	report := h.poller.RunOnce(context.Background())
	if report.Outcome != models.OutcomePartial {
		t.Fatalf("outcome = %s, want partial", report.Outcome)
	}
	if report.BuildsIngested != 2 || report.BuildsRejected != 1 {
		t.Fatalf("ingested/rejected = %d/%d, want 2/1", report.BuildsIngested, report.BuildsRejected)
	}
	if n, _ := h.cursor(t, "ci", "app"); n != 1 {
		t.Fatalf("cursor = %d, want 1: the rejection must pin it", n)
	}

	h.setSink(nil)
	report = h.poller.RunOnce(context.Background())
	if report.Outcome != models.OutcomeSuccess {
		t.Fatalf("recovery outcome = %s, want success", report.Outcome)
	}
	if n, _ := h.cursor(t, "ci", "app"); n != 3 {
		t.Fatalf("cursor after recovery = %d, want 3", n)
	}
}

func TestSinkOutageWithholdsAllCommits(t *testing.T) {
	src := newFakeSource("ci", "app")
	now := time.Now()
	src.addBuild("app", 1, models.ResultSuccess, now.Add(-2*time.Hour))
	src.addBuild("app", 2, models.ResultSuccess, now.Add(-time.Hour))
	h := newHarness(t, src)
	h.setSink(func([]sink.Entry) error {
		return &sink.UnavailableError{StatusCode: 503, Message: "overloaded"}
	})

	report := h.poller.RunOnce(context.Background())
	if report.Outcome != models.OutcomePartial {
		t.Fatalf("outcome = %s, want partial", report.Outcome)
	}
	if report.BuildsIngested != 0 {
		t.Fatalf("ingested = %d during outage", report.BuildsIngested)
	}
	if _, ok := h.cursor(t, "ci", "app"); ok {
		t.Fatal("cursor advanced during sink outage")
	}

	h.setSink(nil)
	report = h.poller.RunOnce(context.Background())
	if report.BuildsIngested != 2 {
		t.Fatalf("ingested after recovery = %d, want 2", report.BuildsIngested)
	}
	if n, _ := h.cursor(t, "ci", "app"); n != 2 {
		t.Fatalf("cursor after recovery = %d, want 2", n)
	}
}

func TestAuthFailureIsolatedToItsSource(t *testing.T) {
	bad := newFakeSource("locked", "app")
	bad.listErr = &source.APIError{StatusCode: 401, URL: "http://locked/api/json"}
	good := newFakeSource("open", "app")
	good.addBuild("app", 1, models.ResultSuccess, time.Now().Add(-time.Hour))
	h := newHarness(t, bad, good)

	report := h.poller.RunOnce(context.Background())
	if report.Outcome != models.OutcomePartial {
		t.Fatalf("cycle outcome = %s, want partial", report.Outcome)
	}
	byName := map[string]models.SourceReport{}
	for _, s := range report.Sources {
		byName[s.Source] = s
	}
	if byName["locked"].Outcome != models.OutcomeFailure {
		t.Fatalf("locked source outcome = %s, want failure", byName["locked"].Outcome)
	}
	if byName["open"].Outcome != models.OutcomeSuccess || byName["open"].BuildsIngested != 1 {
		t.Fatalf("open source report = %+v", byName["open"])
	}
	if report.ExitCode() != 1 {
		t.Fatalf("exit code = %d, want 1", report.ExitCode())
	}
}

func TestAllSourcesFailingFailsCycle(t *testing.T) {
	bad := newFakeSource("locked", "app")
	bad.listErr = &source.APIError{StatusCode: 403, URL: "http://locked/api/json"}
	h := newHarness(t, bad)

	report := h.poller.RunOnce(context.Background())
	if report.Outcome != models.OutcomeFailure {
		t.Fatalf("outcome = %s, want failure", report.Outcome)
	}
	if report.ExitCode() != 2 {
		t.Fatalf("exit code = %d, want 2", report.ExitCode())
	}
}

func TestOverlappingPollSkipsInFlightJob(t *testing.T) {
	src := newFakeSource("ci", "app")
	src.addBuild("app", 1, models.ResultSuccess, time.Now().Add(-time.Hour))
	h := newHarness(t, src)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	src.onFetch = func(string, int64) {
		once.Do(func() {
			close(started)
			<-release
		})
	}

	firstDone := make(chan models.CycleReport, 1)
	go func() {
		firstDone <- h.poller.RunOnce(context.Background())
	}()
	<-started

	second := h.poller.RunOnce(context.Background())
	if second.SkippedInFlight != 1 {
		t.Fatalf("skipped_in_flight = %d, want 1", second.SkippedInFlight)
	}
	if second.Outcome != models.OutcomeSuccess {
		t.Fatalf("second cycle outcome = %s, want success", second.Outcome)
	}

	close(release)
	first := <-firstDone
	if first.BuildsIngested != 1 {
		t.Fatalf("first cycle ingested = %d, want 1", first.BuildsIngested)
	}
	if got := h.delivered(); len(got) != 1 {
		t.Fatalf("delivered %d entries, want the single build once", len(got))
	}
}

func TestLookbackBoundsFirstSight(t *testing.T) {
	src := newFakeSource("ci", "app")
	now := time.Now()
	src.addBuild("app", 1, models.ResultSuccess, now.Add(-48*time.Hour))
	src.addBuild("app", 2, models.ResultSuccess, now.Add(-time.Hour))
	src.addBuild("app", 3, models.ResultSuccess, now.Add(-time.Minute))
	h := newHarness(t, src)

	h.poller.RunOnce(context.Background())
	got := h.delivered()
	if len(got) != 2 || got[0].Number != 2 {
		t.Fatalf("delivered %+v, want builds 2 and 3 only", got)
	}
	if n, _ := h.cursor(t, "ci", "app"); n != 3 {
		t.Fatalf("cursor = %d, want 3", n)
	}
}

func TestPerSourceIntervalSkipsEagerRepolling(t *testing.T) {
	src := newFakeSource("ci", "app")
	src.addBuild("app", 1, models.ResultSuccess, time.Now().Add(-time.Hour))
	h := newHarness(t, src)
	h.poller.targets[0].Config.PollInterval = config.Duration(time.Hour)

	first := h.poller.RunOnce(context.Background())
	if first.Sources[0].Outcome != models.OutcomeSuccess {
		t.Fatalf("first cycle source outcome = %s", first.Sources[0].Outcome)
	}
	second := h.poller.RunOnce(context.Background())
	if second.Sources[0].Outcome != models.OutcomeSkipped {
		t.Fatalf("second cycle source outcome = %s, want skipped", second.Sources[0].Outcome)
	}
	if second.Outcome != models.OutcomeSuccess {
		t.Fatalf("cycle with only skipped sources = %s, want success", second.Outcome)
	}
}

func TestCancellationCommitsContiguousPrefix(t *testing.T) {
	src := newFakeSource("ci", "app")
	now := time.Now()
	for n := int64(1); n <= 5; n++ {
		src.addBuild("app", n, models.ResultSuccess, now.Add(-time.Duration(6-n)*time.Hour))
	}
	h := newHarness(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	src.onFetch = func(_ string, number int64) {
		if number == 3 {
			cancel()
		}
	}

	report := h.poller.RunOnce(ctx)
	if report.Outcome != models.OutcomePartial {
		t.Fatalf("outcome = %s, want partial", report.Outcome)
	}
	got := h.delivered()
	if len(got) != 2 || got[1].Number != 2 {
		t.Fatalf("delivered %+v, want builds 1 and 2 despite cancellation", got)
	}
	if n, _ := h.cursor(t, "ci", "app"); n != 2 {
		t.Fatalf("cursor = %d, want 2", n)
	}
}
