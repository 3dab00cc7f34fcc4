package poller

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/cursor"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/sink"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/telemetry"
)

type outcome uint8

const (
	outcomePending outcome = iota
	outcomeWritten
	outcomeSkipped
	outcomeRejected
	outcomeFailed
)

type unitKey struct {
	source string
	job    string
}

type unitState struct {
	// numbers holds attempted build numbers in ascending order. Resolved
	// prefixes are pruned once the cursor has advanced past them.
	numbers  []int64
	outcomes map[int64]outcome

	cursor     int64
	haveCursor bool

	writtenTotal  int
	rejectedTotal int
}

// Stats are cumulative per-job counters since process start. Callers
// diff two snapshots to get per-cycle numbers.
type Stats struct {
	Written  int
	Rejected int
}

// Committer owns cursor advancement. Pollers register every build they
// attempt, in ascending order, before handing its record to the
// batcher; batch results then resolve those attempts and the cursor
// moves over the longest contiguous run of resolved ones. A rejected or
// unresolved build pins the cursor so the builds behind it are seen
// again next cycle.
type Committer struct {
	store cursor.Store
	log   *zap.SugaredLogger

	mu    sync.Mutex
	units map[unitKey]*unitState
}

func NewCommitter(store cursor.Store, log *zap.SugaredLogger) *Committer {
	return &Committer{
		store: store,
		log:   log,
		units: make(map[unitKey]*unitState),
	}
}

// Cursor returns the last committed build number for a job, reading
// through to the store on first sight.
func (c *Committer) Cursor(ctx context.Context, source, job string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.unit(unitKey{source, job})
	if st.haveCursor {
		return st.cursor, true, nil
	}
	n, ok, err := c.store.Get(ctx, source, job)
	if err != nil {
		return 0, false, err
	}
	if ok {
		st.cursor, st.haveCursor = n, true
	}
	return n, ok, nil
}

// Track registers one attempted build and reports whether its record
// should go to the batcher. False means an earlier round already wrote
// it and only the cursor still lags behind a blocked neighbor. Call
// before handing the record over so the batch result always finds the
// attempt; numbers must arrive in ascending order per job.
func (c *Committer) Track(source, job string, number int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unit(unitKey{source, job}).track(number)
}

// MarkSkipped resolves a build that vanished from its source before it
// could be fetched. Skipped builds do not pin the cursor.
func (c *Committer) MarkSkipped(ctx context.Context, source, job string, number int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := unitKey{source, job}
	st := c.unit(k)
	st.track(number)
	st.resolve(number, outcomeSkipped)
	c.tryAdvance(ctx, k, st)
}

// Reconcile retries a withheld cursor advance for one job. Units call
// it when a cycle gave them nothing new to submit, so a store hiccup on
// a quiet job does not leave its cursor behind until restart.
func (c *Committer) Reconcile(ctx context.Context, source, job string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := unitKey{source, job}
	if st, ok := c.units[k]; ok && len(st.numbers) > 0 {
		c.tryAdvance(ctx, k, st)
	}
}

// OnBatch consumes one flushed batch. Wire it to the batcher as its
// ResultFunc.
func (c *Committer) OnBatch(ctx context.Context, res sink.BatchResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	perEntry := c.classify(res)
	touched := make(map[unitKey]*unitState)
	for i, e := range res.Entries {
		k := unitKey{e.Source, e.Job}
		st := c.unit(k)
		if st.resolve(e.Number, perEntry[i]) {
			switch perEntry[i] {
			case outcomeWritten:
				st.writtenTotal++
				telemetry.BuildsIngested.WithLabelValues(e.Source).Inc()
			case outcomeRejected:
				st.rejectedTotal++
				telemetry.BuildsRejected.WithLabelValues(e.Source).Inc()
			}
		}
		touched[k] = st
	}
	for k, st := range touched {
		c.tryAdvance(ctx, k, st)
	}
}

// classify maps a batch result onto a per-entry outcome slice.
func (c *Committer) classify(res sink.BatchResult) []outcome {
	out := make([]outcome, len(res.Entries))
	switch {
	case res.Err == nil:
		for i := range out {
			out[i] = outcomeWritten
		}
	case sink.IsRejected(res.Err):
		if len(res.Rejected) == 0 {
			// Nothing could be singled out, so nothing may be trusted
			// as written.
			for i := range out {
				out[i] = outcomeRejected
			}
			return out
		}
		for i := range out {
			out[i] = outcomeWritten
		}
		for _, i := range res.Rejected {
			out[i] = outcomeRejected
		}
	default:
		// Sink unavailable: nothing was written, everything will be
		// re-fetched and re-sent once the cursor holds it back.
		for i := range out {
			out[i] = outcomeFailed
		}
	}
	return out
}

// Stats snapshots the cumulative counters for one job.
func (c *Committer) Stats(source, job string) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.unit(unitKey{source, job})
	return Stats{Written: st.writtenTotal, Rejected: st.rejectedTotal}
}

// CursorValue returns the in-memory committed cursor, zero when none
// has been committed yet.
func (c *Committer) CursorValue(source, job string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unit(unitKey{source, job}).cursor
}

func (c *Committer) unit(k unitKey) *unitState {
	st, ok := c.units[k]
	if !ok {
		st = &unitState{outcomes: make(map[int64]outcome)}
		c.units[k] = st
	}
	return st
}

// tryAdvance commits the longest contiguous prefix of resolved
// attempts. A failed store write leaves the state untouched so a later
// result retries it; the sink writes behind it stand either way.
func (c *Committer) tryAdvance(ctx context.Context, k unitKey, st *unitState) {
	resolved := 0
	var target int64
	for _, n := range st.numbers {
		o := st.outcomes[n]
		if o != outcomeWritten && o != outcomeSkipped {
			break
		}
		target = n
		resolved++
	}
	if resolved == 0 {
		return
	}
	if !st.haveCursor || target > st.cursor {
		if err := c.store.Advance(ctx, k.source, k.job, target); err != nil {
			c.log.Warnw("cursor advance failed, writes stand and will be retried",
				"source", k.source, "job", k.job, "build", target, "error", err)
			return
		}
		st.cursor, st.haveCursor = target, true
	}
	for _, n := range st.numbers[:resolved] {
		delete(st.outcomes, n)
	}
	st.numbers = append([]int64(nil), st.numbers[resolved:]...)
}

func (st *unitState) track(n int64) bool {
	if o, ok := st.outcomes[n]; ok {
		switch o {
		case outcomeFailed, outcomeRejected:
			// A re-attempt after a failed or rejected round starts
			// fresh.
			st.outcomes[n] = outcomePending
			return true
		case outcomePending:
			return true
		default:
			// Written or skipped already; only the cursor lags.
			return false
		}
	}
	st.numbers = append(st.numbers, n)
	st.outcomes[n] = outcomePending
	return true
}

// resolve moves one attempt out of pending. Reports whether the state
// changed; late duplicate results are ignored.
func (st *unitState) resolve(n int64, o outcome) bool {
	if cur, ok := st.outcomes[n]; !ok || cur != outcomePending {
		return false
	}
	st.outcomes[n] = o
	return true
}
