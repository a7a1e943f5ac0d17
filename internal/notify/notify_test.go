package notify

import (
	"errors"
	"sync"
	"testing"
)

type recordingSink struct {
	mu   sync.Mutex
	sent []Event
	err  error
}

func (s *recordingSink) Send(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, e)
	return s.err
}

func TestDispatcherDeliversAsync(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink)

	for i := 0; i < 10; i++ {
		d.Notify(Event{Kind: EventReminderFired, Subject: "b1"})
	}
	// Close blocks until all in-flight deliveries are handed to the sink.
	d.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.sent) != 10 {
		t.Fatalf("delivered = %d, want 10", len(sink.sent))
	}
}

func TestDispatcherSwallowsSinkErrors(t *testing.T) {
	sink := &recordingSink{err: errors.New("smtp down")}
	d := NewDispatcher(sink)

	// A failing sink logs; it must never propagate or panic.
	d.Notify(Event{Kind: EventJobFailed, Subject: "j1"})
	d.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.sent) != 1 {
		t.Fatalf("delivered = %d, want 1", len(sink.sent))
	}
}
