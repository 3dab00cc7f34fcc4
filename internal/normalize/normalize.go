package normalize

import (
	"time"

	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/models"
)

// noneMarker fills tags whose value is unknown, so dashboard group-bys
// see an explicit bucket instead of a silently dropped series.
const noneMarker = "none"

// Build projects one build record into the uniform measurement shape.
// Point identity for the sink is (measurement, tag set, timestamp):
// replaying a build produces an identical point, which the store
// overwrites instead of duplicating.
func Build(rec *models.BuildRecord, measurement string) models.Metric {
	tags := map[string]string{
		"source":            rec.Job.Source,
		"project_name":      rec.Job.Name,
		"project_path":      rec.Job.Path,
		"result":            string(rec.Result),
		"trigger_type":      orNone(rec.Trigger.Type),
		"triggered_by_user": orNone(rec.Trigger.User),
	}
	for k, v := range rec.Tags {
		if _, taken := tags[k]; !taken && v != "" {
			tags[k] = v
		}
	}

	fields := map[string]any{
		"build_number":      rec.Number,
		"build_duration_ms": rec.Duration.Milliseconds(),
		"build_result":      string(rec.Result),
		"build_time":        rec.StartedAt.UTC().Format(time.RFC3339),
	}
	if rec.Trigger.DisplayName != "" {
		fields["user_display_name"] = rec.Trigger.DisplayName
	}
	if rec.Trigger.Description != "" {
		fields["trigger_description"] = rec.Trigger.Description
	}
	if rec.URL != "" {
		fields["build_url"] = rec.URL
	}

	return models.Metric{
		Measurement: measurement,
		Tags:        tags,
		Fields:      fields,
		Timestamp:   rec.StartedAt,
	}
}

func orNone(v string) string {
	if v == "" {
		return noneMarker
	}
	return v
}
