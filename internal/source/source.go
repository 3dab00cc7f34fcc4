package source

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/config"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/models"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/ratelimit"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/retry"
)

// BuildRef is a lightweight pointer to one build, enough to order work
// and decide whether it falls inside the lookback window.
type BuildRef struct {
	Number    int64
	StartedAt time.Time
	URL       string
}

// Client is implemented once per CI server type. Implementations map
// native status strings into models.Result, apply the shared retry
// policy to transient failures, and surface *APIError for non-2xx
// responses so the dispatcher can branch on the taxonomy.
type Client interface {
	Name() string
	Type() string

	// ListJobs discovers the pollable jobs on the source.
	ListJobs(ctx context.Context) ([]models.Job, error)

	// ListBuilds returns refs for builds numbered strictly greater than
	// since, ascending. since == 0 means no cursor exists yet.
	ListBuilds(ctx context.Context, job models.Job, since int64) ([]BuildRef, error)

	// FetchBuild retrieves the full record for one build.
	FetchBuild(ctx context.Context, job models.Job, ref BuildRef) (*models.BuildRecord, error)
}

// Factory builds a Client from its source configuration.
type Factory func(cfg config.SourceConfig, limiter *ratelimit.Limiter, policy retry.Policy, log *zap.SugaredLogger) (Client, error)

var registry = map[string]Factory{}

// Register binds a source type name to its factory. Called from package
// init in each implementation.
func Register(sourceType string, f Factory) {
	registry[sourceType] = f
}

// New constructs the client for cfg.Type.
func New(cfg config.SourceConfig, limiter *ratelimit.Limiter, policy retry.Policy, log *zap.SugaredLogger) (Client, error) {
	f, ok := registry[cfg.Type]
	if !ok {
		return nil, errors.Newf("unknown source type %q (registered: %v)", cfg.Type, Types())
	}
	return f(cfg, limiter, policy, log)
}

// Types lists the registered source types, sorted.
func Types() []string {
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
