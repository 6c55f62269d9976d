package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// ChannelSink exposes events on a buffered channel. Publish never blocks:
// when the buffer is full the event is dropped and counted, so a slow
// consumer cannot stall a lifecycle operation.
type ChannelSink struct {
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// NewChannelSink returns a sink buffering up to size events.
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 64
	}
	return &ChannelSink{ch: make(chan Event, size)}
}

// Publish implements Sink.
func (s *ChannelSink) Publish(_ context.Context, event Event) error {
	select {
	case s.ch <- event:
	default:
		s.dropped.Add(1)
	}
	return nil
}

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Dropped reports how many events were discarded on a full buffer.
func (s *ChannelSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close closes the channel. Publish must not be called after Close.
func (s *ChannelSink) Close() {
	s.once.Do(func() { close(s.ch) })
}
