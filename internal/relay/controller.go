package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nimbusiq/nimbus/pkg/audio/playback"
)

// Factory constructs a fresh relay for [Controller.Start].
type Factory func() *Relay

// Controller owns at most one relay for a panel instance. Starting a new
// session tears the current one down first.
type Controller struct {
	panel string

	mu      sync.Mutex
	current *Relay
}

// NewController returns a controller for panel.
func NewController(panel string) *Controller {
	return &Controller{panel: panel}
}

// Start stops the current relay abruptly, then builds one with factory and
// starts it. The new relay becomes current even when Start fails, so that
// callers can inspect its state.
func (c *Controller) Start(ctx context.Context, factory Factory) (*Relay, error) {
	c.mu.Lock()
	prev := c.current
	r := factory()
	c.current = r
	c.mu.Unlock()

	// Outside the lock so that Stop can interrupt a slow handshake.
	if prev != nil {
		if err := prev.Stop(playback.Abrupt); err != nil {
			slog.Warn("relay: stopping previous session", "panel", c.panel, "session_id", prev.SessionID(), "err", err)
		}
	}

	// A concurrent Start or Stop may have replaced r in the meantime.
	c.mu.Lock()
	if c.current != r {
		c.mu.Unlock()
		return r, ErrStopped
	}
	if err := r.claim(); err != nil {
		c.mu.Unlock()
		return r, err
	}
	c.mu.Unlock()

	return r, r.start(ctx)
}

// Stop stops the current relay, if any.
func (c *Controller) Stop(mode playback.Mode) error {
	c.mu.Lock()
	r := c.current
	c.current = nil
	c.mu.Unlock()

	if r == nil {
		return nil
	}
	return r.Stop(mode)
}

// Current returns the current relay, or nil.
func (c *Controller) Current() *Relay {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}
