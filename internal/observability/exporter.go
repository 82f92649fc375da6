// Package observability forwards analysis run traces to external backends.
//
// Hierarchy:
//
//	Run (Trace)
//	  └── Stage (Span): resolve-reference ... persist-artifacts
//
// Exporters are fed by the same trace callback the pipeline uses for the run
// store and streaming clients. They never return errors to the caller;
// delivery problems are logged and dropped so a run is never affected.
package observability

import (
	"context"
	"errors"

	"github.com/andywolf/issuelens/internal/events"
)

// Run identifies the analysis run a trace belongs to.
type Run struct {
	ID          string
	IssueURL    string
	Repository  string
	IssueNumber int
	Model       string
	Mode        string
}

// Outcome is the final status reported when a run ends.
type Outcome struct {
	Status  string // "completed" or "failed"
	Message string
}

// Exporter receives the trace of one or more runs.
type Exporter interface {
	StartRun(run Run)
	Export(run Run, ev events.TraceEvent)
	EndRun(run Run, outcome Outcome)
	Flush(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Observe starts the run on exp and returns a trace callback that exports
// every event for it.
func Observe(exp Exporter, run Run) events.Func {
	if exp == nil {
		return nil
	}
	exp.StartRun(run)
	return func(ev events.TraceEvent) {
		exp.Export(run, ev)
	}
}

// Multi fans out to several exporters.
type Multi []Exporter

// Combine drops nil and no-op exporters. It returns NoOp when nothing is left
// and the single exporter when only one remains.
func Combine(exps ...Exporter) Exporter {
	var live Multi
	for _, e := range exps {
		if e == nil {
			continue
		}
		if _, ok := e.(NoOp); ok {
			continue
		}
		live = append(live, e)
	}
	switch len(live) {
	case 0:
		return NoOp{}
	case 1:
		return live[0]
	}
	return live
}

func (m Multi) StartRun(run Run) {
	for _, e := range m {
		e.StartRun(run)
	}
}

func (m Multi) Export(run Run, ev events.TraceEvent) {
	for _, e := range m {
		e.Export(run, ev)
	}
}

func (m Multi) EndRun(run Run, outcome Outcome) {
	for _, e := range m {
		e.EndRun(run, outcome)
	}
}

func (m Multi) Flush(ctx context.Context) error {
	var errs []error
	for _, e := range m {
		errs = append(errs, e.Flush(ctx))
	}
	return errors.Join(errs...)
}

func (m Multi) Stop(ctx context.Context) error {
	var errs []error
	for _, e := range m {
		errs = append(errs, e.Stop(ctx))
	}
	return errors.Join(errs...)
}
