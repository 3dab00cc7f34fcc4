package sink

import (
	"bytes"
	"context"
	"fmt"
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
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/retry"
	"github.com/namrqthakaipa/Jenkins-monitoring-in-Grafana/internal/telemetry"
)

// InfluxWriter posts line-protocol batches to an InfluxDB 1.x /write
// endpoint. Unavailable responses are retried with backoff; rejections
// come back immediately so the committer can withhold cursors.
type InfluxWriter struct {
	writeURL string
	http     *http.Client
	retry    retry.Policy
	log      *zap.SugaredLogger
}

func NewInfluxWriter(cfg config.Config, log *zap.SugaredLogger) *InfluxWriter {
	q := url.Values{}
	q.Set("db", cfg.InfluxDB)
	q.Set("precision", "ns")
	if cfg.InfluxUsername != "" {
		q.Set("u", cfg.InfluxUsername)
		q.Set("p", cfg.InfluxPassword)
	}
	policy := retry.Policy{
		MaxAttempts: cfg.SinkRetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			telemetry.BatchWriteRetries.Inc()
			log.Warnw("retrying sink write", "attempt", attempt, "backoff", wait, "error", err)
		},
	}
	return &InfluxWriter{
		writeURL: strings.TrimRight(cfg.InfluxURL, "/") + "/write?" + q.Encode(),
		http:     &http.Client{Timeout: cfg.InfluxTimeout},
		retry:    policy,
		log:      log,
	}
}

func (w *InfluxWriter) WriteBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	var body bytes.Buffer
	for _, e := range entries {
		body.WriteString(EncodeMetric(e.Metric))
		body.WriteByte('\n')
	}
	payload := body.Bytes()
	return w.retry.Do(ctx, "influx write", IsUnavailable, func(ctx context.Context) error {
		return w.post(ctx, payload)
	})
}

func (w *InfluxWriter) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.writeURL, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp, err := w.http.Do(req)
	if err != nil {
		return &UnavailableError{Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	message := strings.TrimSpace(string(raw))
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return &RejectedError{StatusCode: resp.StatusCode, Message: message, Line: offendingLine(message)}
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		// Bad credentials or a missing database: not retryable and not
		// a content problem, but retrying the bytes cannot help either.
		return &RejectedError{StatusCode: resp.StatusCode, Message: message}
	default:
		return &UnavailableError{StatusCode: resp.StatusCode, Message: message}
	}
}

// offendingLine pulls the quoted line out of a parse error such as
// "unable to parse 'builds,result=x value=': missing field value".
func offendingLine(message string) string {
	start := strings.Index(message, "'")
	end := strings.LastIndex(message, "'")
	if start == -1 || end <= start {
		return ""
	}
	return message[start+1 : end]
}

var (
	measurementEscaper = strings.NewReplacer(",", `\,`, " ", `\ `)
	tagEscaper         = strings.NewReplacer(",", `\,`, " ", `\ `, "=", `\=`)
	stringFieldEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
)

// EncodeMetric renders one metric as an InfluxDB 1.x line. Tags and
// fields are sorted by key so identical metrics encode identically.
func EncodeMetric(m models.Metric) string {
	var b strings.Builder
	b.WriteString(measurementEscaper.Replace(m.Measurement))

	tagKeys := make([]string, 0, len(m.Tags))
	for k, v := range m.Tags {
		if v != "" {
			tagKeys = append(tagKeys, k)
		}
	}
	sort.Strings(tagKeys)
	for _, k := range tagKeys {
		b.WriteByte(',')
		b.WriteString(tagEscaper.Replace(k))
		b.WriteByte('=')
		b.WriteString(tagEscaper.Replace(m.Tags[k]))
	}

	fieldKeys := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		fieldKeys = append(fieldKeys, k)
	}
	sort.Strings(fieldKeys)
	sep := byte(' ')
	for _, k := range fieldKeys {
		b.WriteByte(sep)
		sep = ','
		b.WriteString(tagEscaper.Replace(k))
		b.WriteByte('=')
		b.WriteString(encodeFieldValue(m.Fields[k]))
	}

	if !m.Timestamp.IsZero() {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(m.Timestamp.UnixNano(), 10))
	}
	return b.String()
}

func encodeFieldValue(v any) string {
	switch t := v.(type) {
	case int64:
		return strconv.FormatInt(t, 10) + "i"
	case int:
		return strconv.Itoa(t) + "i"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case string:
		return `"` + stringFieldEscaper.Replace(t) + `"`
	default:
		return `"` + stringFieldEscaper.Replace(fmt.Sprint(t)) + `"`
	}
}
