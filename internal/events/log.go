package events

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes events to a structured logger.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink returns a sink that records every event as a log line.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish implements Sink.
func (s *LogSink) Publish(_ context.Context, event Event) error {
	entry := s.logger.Info()
	if event.Type == TypeError {
		entry = s.logger.Warn()
	}
	entry = entry.
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Str("resource", event.Resource)
	if event.Kind != "" {
		entry = entry.Str("kind", event.Kind)
	}
	if event.From != "" || event.To != "" {
		entry = entry.Str("from", event.From).Str("to", event.To)
	}
	if event.Operation != "" {
		entry = entry.Str("operation", event.Operation)
	}
	if event.Diagnostic != "" {
		entry = entry.Str("diagnostic", event.Diagnostic)
	}
	if event.Error != "" {
		entry = entry.Str("error", event.Error)
	}
	entry.Msg("resource event")
	return nil
}
