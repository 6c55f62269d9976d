package events

import (
	"context"

	"github.com/lifeguard-sh/lifeguard/internal/metrics"
)

// CountingSink wraps another sink and counts published events per type.
type CountingSink struct {
	next    Sink
	metrics *metrics.Metrics
}

// NewCountingSink wraps next with per-type publish counters.
func NewCountingSink(next Sink, m *metrics.Metrics) *CountingSink {
	return &CountingSink{next: next, metrics: m}
}

func (s *CountingSink) Publish(ctx context.Context, event Event) error {
	s.metrics.IncEventPublished(string(event.Type))
	return s.next.Publish(ctx, event)
}
