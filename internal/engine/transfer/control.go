// Package transfer implements the chunked, resumable byte-range download loop
// together with its cooperative pause/cancel control and rate limiting.
package transfer

import (
	"context"
	"sync"
)

// ControlState is the cooperative transfer state.
type ControlState int

const (
	StateRunning ControlState = iota
	StatePaused
	StateCancelled
)

func (s ControlState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCancelled:
		return "cancelled"
	default:
		panic("unreachable control state")
	}
}

// Control is a small state machine consulted by the download loop at chunk
// boundaries. Control is cooperative, not preemptive: a chunk already in
// flight completes before a pause or cancel takes effect. Cancelled is
// terminal; Pause and Resume become no-ops afterwards.
type Control struct {
	mu      sync.Mutex
	state   ControlState
	changed chan struct{}
}

func NewControl() *Control {
	return &Control{changed: make(chan struct{})}
}

func (c *Control) Pause() {
	c.transition(StatePaused)
}

func (c *Control) Resume() {
	c.transition(StateRunning)
}

func (c *Control) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateCancelled {
		return
	}

	c.state = StateCancelled
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Control) transition(to ControlState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateCancelled || c.state == to {
		return
	}

	c.state = to
	close(c.changed)
	c.changed = make(chan struct{})
}

// State returns the current state.
func (c *Control) State() ControlState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Cancelled reports whether the control reached its terminal state.
func (c *Control) Cancelled() bool {
	return c.State() == StateCancelled
}

// Wait blocks while the control is paused. It returns the state that ended
// the wait: Running after a resume, Cancelled after a cancel, or the current
// state immediately when not paused. A context cancellation also returns.
func (c *Control) Wait(ctx context.Context) ControlState {
	for {
		c.mu.Lock()
		state := c.state
		changed := c.changed
		c.mu.Unlock()

		if state != StatePaused {
			return state
		}

		select {
		case <-ctx.Done():
			return StateCancelled
		case <-changed:
		}
	}
}
