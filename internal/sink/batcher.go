package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/config"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/telemetry"
)

// Batcher accumulates entries and flushes them once the batch fills or
// the interval elapses. The producer that fills a batch pays for its
// flush, which throttles pollers while the sink is slow.
type Batcher struct {
	writer   BatchWriter
	archiver Archiver
	onResult ResultFunc
	log      *zap.SugaredLogger

	size     int
	interval time.Duration

	mu  sync.Mutex
	buf []Entry

	// flushMu serializes flushes so results reach onResult in order.
	flushMu sync.Mutex
}

func NewBatcher(cfg config.Config, writer BatchWriter, archiver Archiver, onResult ResultFunc, log *zap.SugaredLogger) *Batcher {
	return &Batcher{
		writer:   writer,
		archiver: archiver,
		onResult: onResult,
		log:      log,
		size:     cfg.BatchSize,
		interval: cfg.BatchInterval,
	}
}

// Add queues one entry, flushing synchronously when the batch is full.
func (b *Batcher) Add(ctx context.Context, e Entry) {
	b.mu.Lock()
	b.buf = append(b.buf, e)
	full := len(b.buf) >= b.size
	telemetry.BatchBufferSize.Set(float64(len(b.buf)))
	b.mu.Unlock()
	if full {
		b.Flush(ctx)
	}
}

// Start flushes on the configured interval until ctx is cancelled.
func (b *Batcher) Start(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}

// Drain performs a final flush. Call after producers have stopped.
func (b *Batcher) Drain(ctx context.Context) {
	b.Flush(ctx)
}

// Flush writes everything currently buffered and reports the outcome.
func (b *Batcher) Flush(ctx context.Context) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	entries := b.buf
	b.buf = nil
	telemetry.BatchBufferSize.Set(0)
	b.mu.Unlock()
	if len(entries) == 0 {
		return
	}

	err := b.writer.WriteBatch(ctx, entries)
	res := BatchResult{Entries: entries, Err: err}
	switch {
	case err == nil:
		telemetry.BatchesWritten.Inc()
	case IsRejected(err):
		var rejected *RejectedError
		errors.As(err, &rejected)
		res.Rejected = matchRejected(entries, rejected.Line)
		b.archiveRejected(ctx, entries, res.Rejected, rejected)
	default:
		telemetry.BatchWriteFailures.Inc()
		b.log.Errorw("batch write failed", "records", len(entries), "error", err)
	}
	if b.onResult != nil {
		b.onResult(ctx, res)
	}
}

// matchRejected maps the line quoted in a parse error back to its
// entry. Error messages sometimes truncate the line, so a unique
// prefix match counts too. No match, or an ambiguous one, returns nil
// and the whole batch is treated as refused.
func matchRejected(entries []Entry, line string) []int {
	if line == "" {
		return nil
	}
	match := -1
	for i, e := range entries {
		encoded := EncodeMetric(e.Metric)
		if encoded == line || strings.HasPrefix(encoded, line) {
			if match != -1 {
				return nil
			}
			match = i
		}
	}
	if match == -1 {
		return nil
	}
	return []int{match}
}

func (b *Batcher) archiveRejected(ctx context.Context, entries []Entry, rejected []int, cause *RejectedError) {
	if len(rejected) == 0 {
		rejected = make([]int, len(entries))
		for i := range entries {
			rejected[i] = i
		}
	}
	for _, i := range rejected {
		e := entries[i]
		b.log.Warnw("sink rejected record",
			"source", e.Source, "job", e.Job, "build", e.Number,
			"status", cause.StatusCode, "error", cause.Message)
	}
	if b.archiver == nil {
		return
	}

	var body strings.Builder
	fmt.Fprintf(&body, "# rejected with status %d: %s\n", cause.StatusCode, cause.Message)
	for _, i := range rejected {
		body.WriteString(EncodeMetric(entries[i].Metric))
		body.WriteByte('\n')
	}
	now := time.Now().UTC()
	key := fmt.Sprintf("rejected/%s/%s-%s.lp", now.Format("2006-01-02"), now.Format("150405"), uuid.NewString()[:8])
	if err := b.archiver.Archive(ctx, key, []byte(body.String())); err != nil {
		b.log.Errorw("archiving rejected records failed", "key", key, "error", err)
	}
}
