// Package ingress implements the message-debouncing ingress: a
// per-session buffer with a single-shot sliding timer that batches
// inbound events within a quiet window before handing them to the
// orchestrator.
package ingress

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultWaitTime is the quiet-window length used when none is
// configured.
const DefaultWaitTime = 1500 * time.Millisecond

// Event is one inbound occurrence buffered for a session.
type Event struct {
	Payload   any
	Arrived   time.Time
}

type buffer struct {
	events []Event
	timer  *time.Timer
}

// Debouncer batches per-session events behind a sliding quiet window.
type Debouncer struct {
	mu       sync.Mutex
	buffers  map[string]*buffer
	waitTime time.Duration
	onFlush  func(sessionID string, events []Event)
	log      zerolog.Logger
}

// New builds a Debouncer. onFlush is invoked without the buffer lock
// held, so a slow flush never blocks new Add calls.
func New(waitTime time.Duration, onFlush func(sessionID string, events []Event), log zerolog.Logger) *Debouncer {
	if waitTime <= 0 {
		waitTime = DefaultWaitTime
	}
	return &Debouncer{
		buffers:  map[string]*buffer{},
		waitTime: waitTime,
		onFlush:  onFlush,
		log:      log.With().Str("component", "ingress").Logger(),
	}
}

// Add appends an event to sessionID's buffer, cancelling any pending
// timer and starting a fresh one, so the window slides with each
// arrival.
func (d *Debouncer) Add(sessionID string, payload any) {
	d.mu.Lock()
	defer d.mu.Unlock()

	evt := Event{Payload: payload, Arrived: time.Now()}
	b, ok := d.buffers[sessionID]
	if ok {
		b.events = append(b.events, evt)
		b.timer.Reset(d.waitTime)
		d.log.Debug().Str("session_id", sessionID).Int("buffered", len(b.events)).Msg("ingress: buffering event")
		return
	}

	b = &buffer{events: []Event{evt}}
	b.timer = time.AfterFunc(d.waitTime, func() { d.flush(sessionID) })
	d.buffers[sessionID] = b
	d.log.Debug().Str("session_id", sessionID).Msg("ingress: new buffer")
}

// flush atomically detaches sessionID's buffer and invokes onFlush
// outside the lock. At most one flush is pending per session, and
// events are delivered in arrival order.
func (d *Debouncer) flush(sessionID string) {
	d.mu.Lock()
	b, ok := d.buffers[sessionID]
	if !ok || len(b.events) == 0 {
		d.mu.Unlock()
		return
	}
	events := b.events
	delete(d.buffers, sessionID)
	d.mu.Unlock()

	d.log.Debug().Str("session_id", sessionID).Int("events", len(events)).Msg("ingress: flushing")
	d.onFlush(sessionID, events)
}

// FlushNow forces an immediate flush, e.g. on shutdown drain.
func (d *Debouncer) FlushNow(sessionID string) {
	d.mu.Lock()
	b, ok := d.buffers[sessionID]
	if ok && b.timer != nil {
		b.timer.Stop()
	}
	d.mu.Unlock()
	d.flush(sessionID)
}

// FlushAll flushes every pending session buffer, used during the
// orderly-shutdown drain.
func (d *Debouncer) FlushAll() {
	d.mu.Lock()
	ids := make([]string, 0, len(d.buffers))
	for id := range d.buffers {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	for _, id := range ids {
		d.FlushNow(id)
	}
}

// PendingCount reports how many sessions currently have a buffered,
// not-yet-flushed batch.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}
