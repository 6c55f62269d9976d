package events

import "context"

// MultiSink fans out events to multiple sinks.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a sink that dispatches to all provided sinks.
// Nil entries are filtered out.
func NewMultiSink(sinks ...Sink) *MultiSink {
	filtered := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		filtered = append(filtered, sink)
	}
	return &MultiSink{sinks: filtered}
}

// Publish implements Sink. Every sink is attempted; the first error wins.
func (m *MultiSink) Publish(ctx context.Context, event Event) error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
