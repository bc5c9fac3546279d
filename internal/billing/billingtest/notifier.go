package billingtest

import (
	"context"
	"sync"
	"time"

	"github.com/PortNumber53/propcare-billing/internal/billing"
)

// Notifier records notifications and optionally fails them.
type Notifier struct {
	mu   sync.Mutex
	sent []billing.Notification
	Err  error
}

// Notify records n, then returns Err.
func (n *Notifier) Notify(_ context.Context, note billing.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return n.Err
}

// Sent returns the recorded notifications.
func (n *Notifier) Sent() []billing.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]billing.Notification(nil), n.sent...)
}

// Kinds returns the kinds of recorded notifications in order.
func (n *Notifier) Kinds() []billing.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]billing.NotificationKind, 0, len(n.sent))
	for _, note := range n.sent {
		out = append(out, note.Kind)
	}
	return out
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
