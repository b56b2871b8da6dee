package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Event is one orchestrator state transition. It carries query text and
// violations only; credentials never reach a sink.
type Event struct {
	TraceID    string    `json:"trace_id"`
	SessionID  string    `json:"session_id"`
	Seq        int       `json:"seq"`
	Attempt    int       `json:"attempt"`
	State      string    `json:"state"`
	Question   string    `json:"question"`
	Candidate  string    `json:"candidate,omitempty"`
	Violations []string  `json:"violations,omitempty"`
	Statement  string    `json:"statement,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

type Sink interface {
	Record(ctx context.Context, event Event) error
}

// LogSink writes events to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Record(ctx context.Context, event Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []slog.Attr{
		slog.String("trace_id", event.TraceID),
		slog.String("session_id", event.SessionID),
		slog.Int("seq", event.Seq),
		slog.Int("attempt", event.Attempt),
		slog.String("state", event.State),
		slog.String("question", event.Question),
	}
	if event.Candidate != "" {
		attrs = append(attrs, slog.String("candidate", event.Candidate))
	}
	if len(event.Violations) > 0 {
		attrs = append(attrs, slog.Any("violations", event.Violations))
	}
	if event.Statement != "" {
		attrs = append(attrs, slog.String("statement", event.Statement))
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "turn_transition", attrs...)
	return nil
}

type multiSink []Sink

// Multi fans an event out to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			out = append(out, sink)
		}
	}
	return out
}

func (m multiSink) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type discard struct{}

func (discard) Record(context.Context, Event) error { return nil }

var Discard Sink = discard{}
