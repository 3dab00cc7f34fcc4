package cursor

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/config"
)

// Store persists the highest committed build number per (source, job).
// Advance is monotonic: lower or equal values are silent no-ops, so
// overlapping cycles and replayed commits can never move a cursor
// backwards. Cursors are never deleted; a job removed upstream just
// stops being asked about.
type Store interface {
	// Get returns the cursor and whether one exists yet.
	Get(ctx context.Context, source, job string) (int64, bool, error)

	// Advance raises the cursor to number if it is higher.
	Advance(ctx context.Context, source, job string, number int64) error

	Close() error
}

// Open selects the backend named by cfg.CursorBackend.
func Open(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (Store, error) {
	switch cfg.CursorBackend {
	case config.CursorBackendFile:
		return OpenFile(cfg.CursorFile, log)
	case config.CursorBackendRedis:
		return NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), nil
	case config.CursorBackendPostgres:
		return NewPostgres(ctx, cfg.PostgresDSN)
	default:
		return nil, errors.Newf("unknown cursor backend %q", cfg.CursorBackend)
	}
}
