//go:build unit

package messagebus

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errBrokerDown = errors.New("dial tcp 10.0.0.5:5672: connection refused")

type fakeTransport struct {
	mu       sync.Mutex
	sent     []*Envelope
	failures int
	delay    bool
}

func (t *fakeTransport) Send(_ context.Context, env *Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failures != 0 {
		if t.failures > 0 {
			t.failures--
		}

		return errBrokerDown
	}

	t.sent = append(t.sent, env)

	return nil
}

func (t *fakeTransport) SupportsDelay() bool { return t.delay }

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) Sent() []*Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]*Envelope(nil), t.sent...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func changeBatch(ids ...int64) EntityChangedBatchEvent {
	events := make([]EntityChangedEvent, 0, len(ids))
	for range ids {
		events = append(events, EntityChangedEvent{EntityType: "Habit", EntityID: "h-1", Operation: "Updated"})
	}

	return NewEntityChangedBatchEvent(ids, events, time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC), "corr-1")
}
