// Package events carries progress notifications from the scheduler to
// whoever listens: the log, the metrics registry, a live socket.io stream.
package events

import (
	"context"
	"time"

	"github.com/specialistvlad/smelter/internal/ctxlog"
)

// Kind names a point in the life of a run.
type Kind string

const (
	RunStarted    Kind = "run_started"
	RunFinished   Kind = "run_finished"
	FetchStarted  Kind = "fetch_started"
	FetchFinished Kind = "fetch_finished"
	BuildStarted  Kind = "build_started"
	BuildFinished Kind = "build_finished"
	TestStarted   Kind = "test_started"
	TestFinished  Kind = "test_finished"
	// FormulaDone carries the final status of one formula in Status.
	FormulaDone Kind = "formula_done"
	Uninstalled Kind = "uninstalled"
)

// Event is a single notification. Err is empty on success.
type Event struct {
	Kind     Kind          `json:"kind"`
	Formula  string        `json:"formula,omitempty"`
	Status   string        `json:"status,omitempty"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Time     time.Time     `json:"time"`
}

// Failed reports whether the event describes a failure.
func (e Event) Failed() bool { return e.Err != "" }

// Sink receives events. Emit must not block for long and must be safe for
// concurrent use; sinks never fail the run.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

type multi []Sink

// Multi fans each event out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	switch len(m) {
	case 0:
		return Discard
	case 1:
		return m[0]
	}
	return m
}

func (m multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}

// LogSink writes events to the logger found in the context.
type LogSink struct{}

func (LogSink) Emit(ctx context.Context, ev Event) {
	logger := ctxlog.FromContext(ctx)
	args := []any{"event", string(ev.Kind)}
	if ev.Formula != "" {
		args = append(args, "formula", ev.Formula)
	}
	if ev.Status != "" {
		args = append(args, "status", ev.Status)
	}
	if ev.Duration > 0 {
		args = append(args, "duration", ev.Duration)
	}
	if ev.Failed() {
		logger.Warn("Event", append(args, "error", ev.Err)...)
		return
	}
	logger.Debug("Event", args...)
}
