package transcript

import (
	"context"
	"errors"
	"log/slog"
)

// Sink receives a completed transcript.
type Sink interface {
	Save(ctx context.Context, t Transcript) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, t Transcript) error

// Save calls f.
func (f SinkFunc) Save(ctx context.Context, t Transcript) error {
	return f(ctx, t)
}

// MultiSink delivers to every sink in order; one failure does not stop the rest.
type MultiSink []Sink

// Save implements Sink.
func (m MultiSink) Save(ctx context.Context, t Transcript) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Save(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes the rendered transcript to a logger.
type LogSink struct {
	Logger *slog.Logger
	Labels Labels
}

// Save implements Sink.
func (s LogSink) Save(_ context.Context, t Transcript) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("call transcript",
		"call_sid", t.CallSID,
		"stream_sid", t.StreamSID,
		"utterances", len(t.Utterances),
		"duration_ms", t.EndedAt.Sub(t.StartedAt).Milliseconds(),
		"transcript", t.Render(s.Labels),
	)
	return nil
}
