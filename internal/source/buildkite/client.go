package buildkite

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/config"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/models"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/ratelimit"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/retry"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/source"
)

func init() {
	source.Register("buildkite", New)
}

const (
	defaultBaseURL = "https://api.buildkite.com/v2"
	pageSize       = 100
)

// Client polls one Buildkite organization via the REST API. Pipelines
// map to jobs; the pipeline slug is the job path.
type Client struct {
	name    string
	baseURL string
	org     string
	token   string
	http    *http.Client
	limiter *ratelimit.Limiter
	retry   retry.Policy
	log     *zap.SugaredLogger
}

// New builds a Buildkite client from its source configuration.
func New(cfg config.SourceConfig, limiter *ratelimit.Limiter, policy retry.Policy, log *zap.SugaredLogger) (source.Client, error) {
	if cfg.Org == "" || cfg.Token == "" {
		return nil, errors.Newf("buildkite source %q: org and token are required", cfg.Name)
	}
	base := defaultBaseURL
	if cfg.URL != "" {
		base = strings.TrimRight(cfg.URL, "/")
	}
	return &Client{
		name:    cfg.Name,
		baseURL: base,
		org:     cfg.Org,
		token:   cfg.Token,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: limiter,
		retry:   policy,
		log:     log,
	}, nil
}

func (c *Client) Name() string { return c.name }
func (c *Client) Type() string { return "buildkite" }

type pipeline struct {
	Name   string `json:"name"`
	Slug   string `json:"slug"`
	WebURL string `json:"web_url"`
}

// ListJobs pages through the organization's pipelines.
func (c *Client) ListJobs(ctx context.Context) ([]models.Job, error) {
	var jobs []models.Job
	for page := 1; ; page++ {
		endpoint := fmt.Sprintf("%s/organizations/%s/pipelines?page=%d&per_page=%d", c.baseURL, c.org, page, pageSize)
		var pipelines []pipeline
		if err := c.getJSON(ctx, "list pipelines", endpoint, &pipelines); err != nil {
			return nil, err
		}
		for _, p := range pipelines {
			jobs = append(jobs, models.Job{
				Source: c.name,
				Path:   p.Slug,
				Name:   p.Name,
				URL:    p.WebURL,
			})
		}
		if len(pipelines) < pageSize {
			break
		}
	}
	c.log.Debugw("discovered buildkite pipelines", "source", c.name, "count", len(jobs))
	return jobs, nil
}

type buildPayload struct {
	Number     int64      `json:"number"`
	State      string     `json:"state"`
	Source     string     `json:"source"`
	Branch     string     `json:"branch"`
	WebURL     string     `json:"web_url"`
	CreatedAt  *time.Time `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	Creator    *struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"creator"`
	Author *struct {
		Username string `json:"username"`
		Name     string `json:"name"`
	} `json:"author"`
}

// ListBuilds returns refs newer than since, ascending. The API serves
// newest-first.
func (c *Client) ListBuilds(ctx context.Context, job models.Job, since int64) ([]source.BuildRef, error) {
	endpoint := fmt.Sprintf("%s/organizations/%s/pipelines/%s/builds?per_page=%d", c.baseURL, c.org, job.Path, pageSize)
	var builds []buildPayload
	if err := c.getJSON(ctx, "list builds", endpoint, &builds); err != nil {
		return nil, err
	}

	refs := make([]source.BuildRef, 0, len(builds))
	for _, b := range builds {
		if b.Number <= since {
			continue
		}
		refs = append(refs, source.BuildRef{
			Number:    b.Number,
			StartedAt: b.startTime(),
			URL:       b.WebURL,
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Number < refs[j].Number })
	return refs, nil
}

// FetchBuild retrieves one build and maps it into a record.
func (c *Client) FetchBuild(ctx context.Context, job models.Job, ref source.BuildRef) (*models.BuildRecord, error) {
	endpoint := fmt.Sprintf("%s/organizations/%s/pipelines/%s/builds/%d", c.baseURL, c.org, job.Path, ref.Number)
	var b buildPayload
	if err := c.getJSON(ctx, "fetch build", endpoint, &b); err != nil {
		return nil, err
	}

	rec := &models.BuildRecord{
		Job:       job,
		Number:    b.Number,
		Result:    mapState(b.State),
		RawResult: b.State,
		StartedAt: b.startTime(),
		Duration:  b.duration(),
		Trigger:   b.trigger(),
		URL:       b.WebURL,
	}
	if b.Branch != "" {
		rec.Tags = map[string]string{"branch": b.Branch}
	}
	return rec, nil
}

func (b buildPayload) startTime() time.Time {
	if b.StartedAt != nil {
		return *b.StartedAt
	}
	if b.CreatedAt != nil {
		return *b.CreatedAt
	}
	return time.Time{}
}

func (b buildPayload) duration() time.Duration {
	if b.StartedAt == nil || b.FinishedAt == nil {
		return 0
	}
	return b.FinishedAt.Sub(*b.StartedAt)
}

func (b buildPayload) trigger() models.Trigger {
	tr := models.Trigger{}
	switch b.Source {
	case "ui":
		tr.Type = models.TriggerManual
	case "api":
		tr.Type = models.TriggerAPI
	case "webhook":
		tr.Type = models.TriggerWebhook
	case "schedule":
		tr.Type = models.TriggerSchedule
	case "trigger_job":
		tr.Type = models.TriggerUpstream
	default:
		tr.Type = models.TriggerUnknown
	}
	if b.Creator != nil {
		tr.User = b.Creator.Name
		tr.DisplayName = b.Creator.Name
	} else if b.Author != nil {
		tr.User = b.Author.Username
		tr.DisplayName = b.Author.Name
	}
	return tr
}

// mapState folds Buildkite build states into the canonical vocabulary.
func mapState(state string) models.Result {
	switch state {
	case "passed":
		return models.ResultSuccess
	case "failed":
		return models.ResultFailure
	case "soft_failed":
		return models.ResultUnstable
	case "canceled":
		return models.ResultAborted
	case "running", "scheduled", "creating", "blocked", "failing", "canceling":
		// failing and canceling are still in flight; the final state
		// arrives as failed or canceled.
		return models.ResultRunning
	default:
		return models.ResultUnknown
	}
}

func (c *Client) getJSON(ctx context.Context, op, endpoint string, out any) error {
	return c.retry.Do(ctx, "buildkite "+op, source.IsTransient, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return errors.Wrap(err, "build request")
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		resp, err := c.http.Do(req)
		if err != nil {
			return errors.Wrapf(err, "GET %s", endpoint)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &source.APIError{
				StatusCode: resp.StatusCode,
				URL:        endpoint,
				Message:    strings.TrimSpace(string(body)),
			}
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrapf(err, "decode %s", endpoint)
		}
		return nil
	})
}
