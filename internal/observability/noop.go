package observability

import (
	"context"

	"github.com/andywolf/issuelens/internal/events"
)

// NoOp is an Exporter that does nothing. Used when no backend is configured.
type NoOp struct{}

func (NoOp) StartRun(Run) {}
func (NoOp) Export(Run, events.TraceEvent) {}
func (NoOp) EndRun(Run, Outcome) {}
func (NoOp) Flush(context.Context) error { return nil }
func (NoOp) Stop(context.Context) error { return nil }

var _ Exporter = NoOp{}
