package sinks

import (
	"context"
	"sync"

	"github.com/JakeFAU/story-harvester/internal/progress"
)

// RecentSink keeps the last N events in memory for status endpoints.
type RecentSink struct {
	mu     sync.Mutex
	buf    []progress.Event
	next   int
	filled bool
}

// NewRecentSink keeps up to size events. size <= 0 means 128.
func NewRecentSink(size int) *RecentSink {
	if size <= 0 {
		size = 128
	}
	return &RecentSink{buf: make([]progress.Event, size)}
}

// Consume appends batch, overwriting the oldest events when full.
func (s *RecentSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.buf[s.next] = evt
		s.next = (s.next + 1) % len(s.buf)
		if s.next == 0 {
			s.filled = true
		}
	}
	return nil
}

// Snapshot returns the retained events, oldest first.
func (s *RecentSink) Snapshot() []progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.filled {
		return append([]progress.Event(nil), s.buf[:s.next]...)
	}
	out := make([]progress.Event, 0, len(s.buf))
	out = append(out, s.buf[s.next:]...)
	return append(out, s.buf[:s.next]...)
}

// Close is a no-op; the events stay readable.
func (s *RecentSink) Close(context.Context) error {
	return nil
}
