package events

import (
	"context"

	"github.com/rs/zerolog"
)

// NoopSink drops events.
type NoopSink struct{}

// NewNoop returns a sink that logs once and does nothing thereafter.
func NewNoop(logger zerolog.Logger, reason string) *NoopSink {
	if reason != "" {
		logger.Info().Msg(reason)
	}
	return &NoopSink{}
}

// Publish implements Sink.
func (s *NoopSink) Publish(_ context.Context, _ Event) error {
	return nil
}
