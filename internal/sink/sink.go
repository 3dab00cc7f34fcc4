package sink

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/models"
)

// Entry couples one normalized metric with the identity the committer
// needs when the batch outcome comes back.
type Entry struct {
	Metric models.Metric
	Source string
	Job    string
	Number int64
}

// BatchResult reports the outcome of one flushed batch.
//
// Err == nil: every entry was written. Err is a *RejectedError: the
// entries indexed by Rejected were refused and the rest were written
// (the store keeps valid lines on a partial write); an empty Rejected
// means no entry could be singled out and none may be treated as
// written. Err is a *UnavailableError: nothing was written and the
// whole batch is safe to retry next cycle.
type BatchResult struct {
	Entries  []Entry
	Err      error
	Rejected []int
}

// ResultFunc observes every flushed batch. The batcher invokes it
// sequentially, in flush order, with the flushing call's context.
type ResultFunc func(ctx context.Context, res BatchResult)

// BatchWriter sends one encoded batch to the metrics store.
type BatchWriter interface {
	WriteBatch(ctx context.Context, entries []Entry) error
}

// RejectedError means the store refused batch content. Retrying the
// same bytes cannot succeed; the payload is a data-quality problem.
type RejectedError struct {
	StatusCode int
	Message    string
	Line       string
}

func (e *RejectedError) Error() string {
	if e.Line != "" {
		return fmt.Sprintf("sink rejected batch (status %d): %s (line %q)", e.StatusCode, e.Message, e.Line)
	}
	return fmt.Sprintf("sink rejected batch (status %d): %s", e.StatusCode, e.Message)
}

// UnavailableError means the store could not take the write. The batch
// content is fine; the write is retryable.
type UnavailableError struct {
	StatusCode int
	Message    string
}

func (e *UnavailableError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("sink unavailable: %s", e.Message)
	}
	return fmt.Sprintf("sink unavailable (status %d): %s", e.StatusCode, e.Message)
}

// IsRejected reports whether err carries a *RejectedError.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// IsUnavailable reports whether err carries a *UnavailableError.
func IsUnavailable(err error) bool {
	var unavailable *UnavailableError
	return errors.As(err, &unavailable)
}
