package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/andywolf/issuelens/internal/events"
	"github.com/andywolf/issuelens/internal/security"
)

// Stage names in execution order.
const (
	StageResolveReference = "resolve-reference"
	StageFetchIssue       = "fetch-issue"
	StageCreateOutput     = "create-output-location"
	StageBuildModel       = "build-model-handle"
	StageUnderstand       = "understand-issue"
	StageCollectEvidence  = "collect-evidence"
	StageInvestigate      = "investigate-code"
	StagePlan             = "plan-execution"
	StageWriteReport      = "write-report"
	StagePersist          = "persist-artifacts"
)

// Stages lists every stage in the order a run executes them.
var Stages = []string{
	StageResolveReference,
	StageFetchIssue,
	StageCreateOutput,
	StageBuildModel,
	StageUnderstand,
	StageCollectEvidence,
	StageInvestigate,
	StagePlan,
	StageWriteReport,
	StagePersist,
}

// tracer owns the trace of one run. Every event is appended to the run's
// trace and forwarded to emit in the same order.
type tracer struct {
	trace  []events.TraceEvent
	emit   events.Func
	now    func() time.Time
	logger *slog.Logger
}

func (t *tracer) record(ev events.TraceEvent) {
	t.trace = append(t.trace, ev)
	if t.emit != nil {
		t.emit(ev)
	}
}

// snapshot returns a copy of the trace so far.
func (t *tracer) snapshot() []events.TraceEvent {
	out := make([]events.TraceEvent, len(t.trace))
	copy(out, t.trace)
	return out
}

// stageRun is a started stage that has not reported its outcome yet.
type stageRun struct {
	t       *tracer
	name    string
	started time.Time
}

func (t *tracer) begin(stage string, detail map[string]any) *stageRun {
	now := t.now()
	t.record(events.TraceEvent{Timestamp: now.UTC(), Stage: stage, Status: events.StatusStart, Detail: detail})
	t.logger.Debug("stage started", "stage", stage)
	return &stageRun{t: t, name: stage, started: now}
}

func (s *stageRun) outcome(status events.Status, detail map[string]any) events.TraceEvent {
	now := s.t.now()
	ms := now.Sub(s.started).Milliseconds()
	return events.TraceEvent{Timestamp: now.UTC(), Stage: s.name, Status: status, DurationMs: &ms, Detail: detail}
}

// successEvent builds the success event without recording it.
func (s *stageRun) successEvent(detail map[string]any) events.TraceEvent {
	return s.outcome(events.StatusSuccess, detail)
}

// commit records a success event built by successEvent.
func (s *stageRun) commit(ev events.TraceEvent) {
	s.t.record(ev)
	s.t.logger.Info("stage completed", "stage", s.name, "duration_ms", *ev.DurationMs)
}

func (s *stageRun) succeed(detail map[string]any) {
	s.commit(s.successEvent(detail))
}

// fail records the error event with a scrubbed message and returns err
// unchanged.
func (s *stageRun) fail(err error) error {
	ev := s.outcome(events.StatusError, map[string]any{"message": security.ScrubError(err)})
	s.t.record(ev)
	s.t.logger.Warn("stage failed", "stage", s.name, "duration_ms", *ev.DurationMs, "error", err)
	return err
}

// runStage wraps fn with start and outcome events. successDetail may be nil.
func runStage[T any](t *tracer, stage string, startDetail map[string]any, fn func() (T, error), successDetail func(T) map[string]any) (T, error) {
	s := t.begin(stage, startDetail)
	v, err := fn()
	if err != nil {
		var zero T
		return zero, s.fail(err)
	}
	var detail map[string]any
	if successDetail != nil {
		detail = successDetail(v)
	}
	s.succeed(detail)
	return v, nil
}

// maskSecret reports only whether a secret is present and its length.
func maskSecret(v string) string {
	if v == "" {
		return "unset"
	}
	return fmt.Sprintf("set(len=%d)", len(v))
}
