package jenkins

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
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
	source.Register("jenkins", New)
}

// Three levels of nesting covers folders and multibranch pipelines.
const jobTree = "jobs[_class,name,fullName,url,buildable,jobs[_class,name,fullName,url,buildable,jobs[_class,name,fullName,url,buildable]]]"

// Client polls one Jenkins controller over its JSON API.
type Client struct {
	name    string
	baseURL string
	view    string
	user    string
	token   string
	http    *http.Client
	limiter *ratelimit.Limiter
	retry   retry.Policy
	log     *zap.SugaredLogger
}

// New builds a Jenkins client from its source configuration.
func New(cfg config.SourceConfig, limiter *ratelimit.Limiter, policy retry.Policy, log *zap.SugaredLogger) (source.Client, error) {
	if cfg.URL == "" {
		return nil, errors.Newf("jenkins source %q: url is required", cfg.Name)
	}
	return &Client{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		view:    cfg.View,
		user:    cfg.Username,
		token:   cfg.Token,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: limiter,
		retry:   policy,
		log:     log,
	}, nil
}

func (c *Client) Name() string { return c.name }
func (c *Client) Type() string { return "jenkins" }

// ListJobs walks the job tree, descending into folders and returning
// buildable leaves. With a view configured, discovery is scoped to it.
func (c *Client) ListJobs(ctx context.Context) ([]models.Job, error) {
	endpoint := c.baseURL + "/api/json?tree=" + jobTree
	if c.view != "" {
		endpoint = c.baseURL + "/view/" + url.PathEscape(c.view) + "/api/json?tree=" + jobTree
	}

	var payload struct {
		Jobs []jobNode `json:"jobs"`
	}
	if err := c.getJSON(ctx, "list jobs", endpoint, &payload); err != nil {
		return nil, err
	}

	var jobs []models.Job
	flattenJobs(c.name, payload.Jobs, &jobs)
	c.log.Debugw("discovered jenkins jobs", "source", c.name, "count", len(jobs))
	return jobs, nil
}

type jobNode struct {
	Class    string    `json:"_class"`
	Name     string    `json:"name"`
	FullName string    `json:"fullName"`
	URL      string    `json:"url"`
	Jobs     []jobNode `json:"jobs"`

	// Pointer distinguishes "disabled" from job types that omit the
	// flag entirely.
	Buildable *bool `json:"buildable"`
}

func flattenJobs(sourceName string, nodes []jobNode, out *[]models.Job) {
	for _, n := range nodes {
		if n.Jobs != nil || strings.Contains(n.Class, "Folder") {
			flattenJobs(sourceName, n.Jobs, out)
			continue
		}
		if n.Buildable != nil && !*n.Buildable {
			continue
		}
		path := n.FullName
		if path == "" {
			path = n.Name
		}
		*out = append(*out, models.Job{
			Source: sourceName,
			Path:   path,
			Name:   n.Name,
			URL:    n.URL,
		})
	}
}

// ListBuilds returns build refs newer than since, ascending. Jenkins
// serves the most recent builds newest-first; the tree field caps the
// response at the controller's build list limit.
func (c *Client) ListBuilds(ctx context.Context, job models.Job, since int64) ([]source.BuildRef, error) {
	endpoint := c.baseURL + jobPath(job.Path) + "/api/json?tree=builds[number,timestamp,url]"

	var payload struct {
		Builds []struct {
			Number    int64  `json:"number"`
			Timestamp int64  `json:"timestamp"`
			URL       string `json:"url"`
		} `json:"builds"`
	}
	if err := c.getJSON(ctx, "list builds", endpoint, &payload); err != nil {
		return nil, err
	}

	refs := make([]source.BuildRef, 0, len(payload.Builds))
	for _, b := range payload.Builds {
		if b.Number <= since {
			continue
		}
		refs = append(refs, source.BuildRef{
			Number:    b.Number,
			StartedAt: time.UnixMilli(b.Timestamp),
			URL:       b.URL,
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Number < refs[j].Number })
	return refs, nil
}

// FetchBuild retrieves the full record for one build, including the
// trigger cause from the build's actions.
func (c *Client) FetchBuild(ctx context.Context, job models.Job, ref source.BuildRef) (*models.BuildRecord, error) {
	endpoint := c.baseURL + jobPath(job.Path) + "/" + strconv.FormatInt(ref.Number, 10) + "/api/json"

	var detail buildDetail
	if err := c.getJSON(ctx, "fetch build", endpoint, &detail); err != nil {
		return nil, err
	}

	raw := detail.Result
	if raw == "" {
		raw = "RUNNING"
	}
	return &models.BuildRecord{
		Job:       job,
		Number:    ref.Number,
		Result:    mapResult(detail.Result, detail.Building),
		RawResult: raw,
		StartedAt: time.UnixMilli(detail.Timestamp),
		Duration:  time.Duration(detail.Duration) * time.Millisecond,
		Trigger:   extractTrigger(detail),
		URL:       detail.URL,
	}, nil
}

type buildDetail struct {
	Number    int64         `json:"number"`
	Result    string        `json:"result"`
	Building  bool          `json:"building"`
	Timestamp int64         `json:"timestamp"`
	Duration  int64         `json:"duration"`
	URL       string        `json:"url"`
	Actions   []buildAction `json:"actions"`
}

type buildAction struct {
	Causes []buildCause `json:"causes"`
}

type buildCause struct {
	Class            string `json:"_class"`
	ShortDescription string `json:"shortDescription"`
	UserID           string `json:"userId"`
	UserName         string `json:"userName"`
	UpstreamProject  string `json:"upstreamProject"`
	UpstreamBuild    int64  `json:"upstreamBuild"`
	Addr             string `json:"addr"`
	Note             string `json:"note"`
}

// mapResult folds Jenkins build results into the canonical vocabulary.
// A null result means the build is still running.
func mapResult(result string, building bool) models.Result {
	if building || result == "" {
		return models.ResultRunning
	}
	switch result {
	case "SUCCESS":
		return models.ResultSuccess
	case "FAILURE":
		return models.ResultFailure
	case "UNSTABLE":
		return models.ResultUnstable
	case "ABORTED":
		return models.ResultAborted
	default:
		return models.ResultUnknown
	}
}

// extractTrigger picks the first recognized cause out of the build's
// actions. Cause classes follow the Jenkins core and plugin names.
func extractTrigger(detail buildDetail) models.Trigger {
	for _, action := range detail.Actions {
		for _, cause := range action.Causes {
			switch {
			case strings.HasSuffix(cause.Class, "Cause$UserIdCause"):
				return models.Trigger{
					Type:        models.TriggerManual,
					User:        cause.UserID,
					DisplayName: cause.UserName,
					Description: cause.ShortDescription,
				}
			case strings.Contains(cause.Class, "TimerTrigger"):
				return models.Trigger{Type: models.TriggerTimer, Description: cause.ShortDescription}
			case strings.Contains(cause.Class, "SCMTrigger"):
				return models.Trigger{Type: models.TriggerSCM, Description: cause.ShortDescription}
			case strings.Contains(cause.Class, "UpstreamCause"):
				desc := cause.ShortDescription
				if cause.UpstreamProject != "" {
					desc = "upstream " + cause.UpstreamProject + " #" + strconv.FormatInt(cause.UpstreamBuild, 10)
				}
				return models.Trigger{Type: models.TriggerUpstream, User: cause.UpstreamProject, Description: desc}
			case strings.Contains(cause.Class, "RemoteCause"):
				desc := cause.Note
				if desc == "" {
					desc = cause.ShortDescription
				}
				return models.Trigger{Type: models.TriggerRemote, User: cause.Addr, Description: desc}
			case strings.Contains(cause.Class, "GitHubPushCause"):
				return models.Trigger{
					Type:        models.TriggerWebhook,
					User:        strings.TrimPrefix(cause.ShortDescription, "Started by GitHub push by "),
					Description: cause.ShortDescription,
				}
			}
		}
	}
	// Older controllers omit cause classes; fall back to the text.
	for _, action := range detail.Actions {
		for _, cause := range action.Causes {
			if user, ok := strings.CutPrefix(cause.ShortDescription, "Started by user "); ok {
				return models.Trigger{Type: models.TriggerManual, User: user, Description: cause.ShortDescription}
			}
			if cause.ShortDescription != "" {
				return models.Trigger{Type: models.TriggerUnknown, Description: cause.ShortDescription}
			}
		}
	}
	return models.Trigger{Type: models.TriggerUnknown}
}

// jobPath turns "folder/app" into "/job/folder/job/app" with each
// segment escaped.
func jobPath(path string) string {
	segments := strings.Split(path, "/")
	var b strings.Builder
	for _, s := range segments {
		b.WriteString("/job/")
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

func (c *Client) getJSON(ctx context.Context, op, endpoint string, out any) error {
	return c.retry.Do(ctx, "jenkins "+op, source.IsTransient, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return errors.Wrap(err, "build request")
		}
		if c.user != "" {
			req.SetBasicAuth(c.user, c.token)
		}
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
