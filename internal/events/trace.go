// Package events defines the trace event contract shared by the analysis
// pipeline, the run store and the streaming transport, plus a JSONL sink for
// keeping a local copy of a run's trace.
package events

import (
	"time"
)

// Status is the outcome marker of a trace event.
type Status string

const (
	// StatusStart is emitted before a stage runs.
	StatusStart Status = "start"
	// StatusSuccess is emitted after a stage returned without error.
	StatusSuccess Status = "success"
	// StatusError is emitted after a stage failed.
	StatusError Status = "error"
)

// TraceEvent records one stage transition of a run.
type TraceEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	Stage      string         `json:"stage"`
	Status     Status         `json:"status"`
	DurationMs *int64         `json:"durationMs,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Func receives trace events in emission order.
type Func func(TraceEvent)

// Duration returns the recorded stage duration, or zero for start events.
func (e TraceEvent) Duration() time.Duration {
	if e.DurationMs == nil {
		return 0
	}
	return time.Duration(*e.DurationMs) * time.Millisecond
}

// Terminal reports whether the event closes a stage.
func (e TraceEvent) Terminal() bool {
	return e.Status == StatusSuccess || e.Status == StatusError
}

// Fanout returns a Func that forwards each event to every non-nil fn in order.
func Fanout(fns ...Func) Func {
	var live []Func
	for _, fn := range fns {
		if fn != nil {
			live = append(live, fn)
		}
	}
	return func(ev TraceEvent) {
		for _, fn := range live {
			fn(ev)
		}
	}
}

// Recorder collects events in memory. It is not safe for concurrent use;
// the pipeline emits from a single goroutine.
type Recorder struct {
	events []TraceEvent
}

// Record appends an event.
func (r *Recorder) Record(ev TraceEvent) {
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []TraceEvent {
	out := make([]TraceEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	return len(r.events)
}

// CheckSequence verifies that every stage contributes one start followed by
// exactly one terminal event before the next stage starts. It returns the
// index of the first offending event, or -1 when the sequence is well formed.
func CheckSequence(trace []TraceEvent) int {
	open := ""
	for i, ev := range trace {
		switch ev.Status {
		case StatusStart:
			if open != "" {
				return i
			}
			open = ev.Stage
		case StatusSuccess, StatusError:
			if open == "" || open != ev.Stage {
				return i
			}
			open = ""
		default:
			return i
		}
	}
	return -1
}
