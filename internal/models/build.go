package models

import (
	"time"
)

// Result is the canonical build outcome vocabulary. Every source client
// maps its native status strings into this closed set before records
// leave the client.
type Result string

const (
	ResultSuccess  Result = "SUCCESS"
	ResultFailure  Result = "FAILURE"
	ResultUnstable Result = "UNSTABLE"
	ResultAborted  Result = "ABORTED"
	ResultRunning  Result = "RUNNING"
	ResultUnknown  Result = "UNKNOWN"
)

// Terminal reports whether the outcome is final. RUNNING builds are
// re-fetched on later cycles; UNKNOWN is taken as final with the raw
// status preserved, since an unmapped status would otherwise be
// re-fetched forever.
func (r Result) Terminal() bool {
	return r != ResultRunning
}

// Job identifies one pollable job on one source. Path is the fully
// qualified name (Jenkins folder jobs join with "/", Buildkite uses the
// pipeline slug); Name is the display leaf.
type Job struct {
	Source string `json:"source"`
	Path   string `json:"path"`
	Name   string `json:"name"`
	URL    string `json:"url,omitempty"`
}

// Key is the identity used by cursors and in-flight tracking.
func (j Job) Key() string {
	return j.Source + "/" + j.Path
}

// Trigger describes what started a build.
type Trigger struct {
	Type        string `json:"type"`
	User        string `json:"user,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Trigger types emitted by source clients.
const (
	TriggerManual   = "manual"
	TriggerTimer    = "timer"
	TriggerSCM      = "scm"
	TriggerUpstream = "upstream"
	TriggerRemote   = "remote"
	TriggerWebhook  = "webhook"
	TriggerSchedule = "schedule"
	TriggerAPI      = "api"
	TriggerUnknown  = "unknown"
)

// BuildRecord is one build as fetched from a source, before
// normalization into a Metric.
type BuildRecord struct {
	Job       Job
	Number    int64
	Result    Result
	RawResult string
	StartedAt time.Time
	Duration  time.Duration
	Trigger   Trigger
	Tags      map[string]string
	URL       string
}

// Metric is one normalized time-series record ready for batching.
type Metric struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]any
	Timestamp   time.Time
}

// Outcome values shared by job, source and cycle reports.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// JobReport records how one (source, job) unit of work ended.
type JobReport struct {
	Source         string `json:"source"`
	Job            string `json:"job"`
	Outcome        string `json:"outcome"`
	Error          string `json:"error,omitempty"`
	BuildsIngested int    `json:"builds_ingested"`
	BuildsRejected int    `json:"builds_rejected"`
	Cursor         int64  `json:"cursor"`
}

// SourceReport aggregates the job reports for one source in one cycle.
type SourceReport struct {
	Source         string      `json:"source"`
	Outcome        string      `json:"outcome"`
	Error          string      `json:"error,omitempty"`
	Jobs           []JobReport `json:"jobs"`
	BuildsIngested int         `json:"builds_ingested"`
	BuildsRejected int         `json:"builds_rejected"`
}

// CycleReport summarizes one poll cycle end to end. It is what the
// status endpoint serves and what one-shot mode turns into an exit code.
type CycleReport struct {
	ID              string         `json:"id"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
	Outcome         string         `json:"outcome"`
	Sources         []SourceReport `json:"sources"`
	BuildsIngested  int            `json:"builds_ingested"`
	BuildsRejected  int            `json:"builds_rejected"`
	SkippedInFlight int            `json:"skipped_in_flight"`
}

// Duration is the wall-clock length of the cycle.
func (c *CycleReport) Duration() time.Duration {
	return c.FinishedAt.Sub(c.StartedAt)
}

// ExitCode maps the cycle outcome onto the process exit code used by
// one-shot runs: 0 all sources clean, 1 partial, 2 nothing ingested.
func (c *CycleReport) ExitCode() int {
	switch c.Outcome {
	case OutcomeFailure:
		return 2
	case OutcomePartial:
		return 1
	default:
		return 0
	}
}
