package ingress

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDebounceCoalescesBurst(t *testing.T) {
	var mu sync.Mutex
	var flushes [][]Event
	d := New(60*time.Millisecond, func(sessionID string, events []Event) {
		mu.Lock()
		defer mu.Unlock()
		flushes = append(flushes, events)
	}, zerolog.Nop())

	d.Add("private_7", "one")
	time.Sleep(20 * time.Millisecond)
	d.Add("private_7", "two")
	time.Sleep(20 * time.Millisecond)
	d.Add("private_7", "three")

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(flushes) != 1 {
		t.Fatalf("expected exactly one flush, got %d", len(flushes))
	}
	if len(flushes[0]) != 3 {
		t.Fatalf("expected 3 batched events, got %d", len(flushes[0]))
	}
	for i, want := range []string{"one", "two", "three"} {
		if flushes[0][i].Payload != want {
			t.Fatalf("event %d: got %v, want %v (order must be arrival order)", i, flushes[0][i].Payload, want)
		}
	}
}

func TestDebounceSeparateSessionsIndependent(t *testing.T) {
	var mu sync.Mutex
	counts := map[string]int{}
	d := New(30*time.Millisecond, func(sessionID string, events []Event) {
		mu.Lock()
		defer mu.Unlock()
		counts[sessionID] += len(events)
	}, zerolog.Nop())

	d.Add("a", 1)
	d.Add("b", 1)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if counts["a"] != 1 || counts["b"] != 1 {
		t.Fatalf("expected independent per-session flushes, got %v", counts)
	}
}

func TestFlushAllDrainsPending(t *testing.T) {
	var mu sync.Mutex
	flushed := 0
	d := New(time.Hour, func(sessionID string, events []Event) {
		mu.Lock()
		defer mu.Unlock()
		flushed++
	}, zerolog.Nop())

	d.Add("x", 1)
	d.Add("y", 1)
	if d.PendingCount() != 2 {
		t.Fatalf("expected 2 pending buffers before drain")
	}
	d.FlushAll()

	mu.Lock()
	defer mu.Unlock()
	if flushed != 2 {
		t.Fatalf("expected FlushAll to flush both sessions, got %d", flushed)
	}
	if d.PendingCount() != 0 {
		t.Fatalf("expected no pending buffers after drain")
	}
}
