package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"cloud.google.com/go/logging"
	"google.golang.org/api/option"

	"github.com/andywolf/issuelens/internal/events"
	ilog "github.com/andywolf/issuelens/internal/logging"
)

// DefaultLogID is the Cloud Logging log name used when none is configured.
const DefaultLogID = "issuelens-trace"

// entryLogger is the part of *logging.Logger the exporter needs.
type entryLogger interface {
	Log(logging.Entry)
	Flush() error
}

// CloudLoggingExporter writes one Cloud Logging entry per trace event plus a
// start and end entry per run. Entries are labelled with the run id so a
// whole run can be filtered in the console.
type CloudLoggingExporter struct {
	logger entryLogger
	closer io.Closer
	slog   *slog.Logger
}

// NewCloudLoggingExporter opens a Cloud Logging client for projectID.
func NewCloudLoggingExporter(ctx context.Context, projectID, logID string, opts ...option.ClientOption) (*CloudLoggingExporter, error) {
	if projectID == "" {
		return nil, fmt.Errorf("cloud logging: project id is required")
	}
	if logID == "" {
		logID = DefaultLogID
	}

	client, err := logging.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create cloud logging client: %w", err)
	}

	exp := newCloudLoggingExporter(client.Logger(logID), client)
	client.OnError = func(err error) {
		exp.slog.Warn("cloud logging delivery failed", "error", err)
	}
	return exp, nil
}

func newCloudLoggingExporter(l entryLogger, closer io.Closer) *CloudLoggingExporter {
	return &CloudLoggingExporter{
		logger: l,
		closer: closer,
		slog:   ilog.New("cloudlogging"),
	}
}

func runLabels(run Run) map[string]string {
	labels := map[string]string{"run_id": run.ID}
	if run.Repository != "" {
		labels["repository"] = run.Repository
	}
	if run.IssueNumber > 0 {
		labels["issue_number"] = strconv.Itoa(run.IssueNumber)
	}
	return labels
}

// severityFor maps a trace status onto a Cloud Logging severity.
func severityFor(status events.Status) logging.Severity {
	switch status {
	case events.StatusError:
		return logging.Error
	case events.StatusSuccess:
		return logging.Info
	default:
		return logging.Debug
	}
}

func (c *CloudLoggingExporter) StartRun(run Run) {
	c.logger.Log(logging.Entry{
		Severity: logging.Notice,
		Labels:   runLabels(run),
		Payload: map[string]any{
			"message":  "analysis run started",
			"issueUrl": run.IssueURL,
			"model":    run.Model,
			"mode":     run.Mode,
		},
	})
}

func (c *CloudLoggingExporter) Export(run Run, ev events.TraceEvent) {
	labels := runLabels(run)
	labels["stage"] = ev.Stage
	labels["status"] = string(ev.Status)

	payload := map[string]any{
		"message": fmt.Sprintf("%s %s", ev.Stage, ev.Status),
		"stage":   ev.Stage,
		"status":  string(ev.Status),
	}
	if ev.DurationMs != nil {
		payload["durationMs"] = *ev.DurationMs
	}
	if len(ev.Detail) > 0 {
		payload["detail"] = ev.Detail
	}

	c.logger.Log(logging.Entry{
		Timestamp: ev.Timestamp,
		Severity:  severityFor(ev.Status),
		Labels:    labels,
		Payload:   payload,
	})
}

func (c *CloudLoggingExporter) EndRun(run Run, outcome Outcome) {
	sev := logging.Notice
	if outcome.Status == "failed" {
		sev = logging.Error
	}
	payload := map[string]any{
		"message": "analysis run " + outcome.Status,
		"status":  outcome.Status,
	}
	if outcome.Message != "" {
		payload["error"] = outcome.Message
	}
	c.logger.Log(logging.Entry{
		Severity: sev,
		Labels:   runLabels(run),
		Payload:  payload,
	})
}

// Flush blocks until buffered entries are sent.
func (c *CloudLoggingExporter) Flush(context.Context) error {
	return c.logger.Flush()
}

// Stop flushes and closes the underlying client.
func (c *CloudLoggingExporter) Stop(context.Context) error {
	if err := c.logger.Flush(); err != nil {
		c.slog.Warn("final flush failed", "error", err)
	}
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

var _ Exporter = (*CloudLoggingExporter)(nil)
