package transfer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tubefetch/tubefetch/internal/engine/transfer"
)

func TestControl_Transitions(t *testing.T) {
	c := transfer.NewControl()
	assert.Equal(t, transfer.StateRunning, c.State())

	c.Pause()
	assert.Equal(t, transfer.StatePaused, c.State())

	c.Resume()
	assert.Equal(t, transfer.StateRunning, c.State())

	c.Cancel()
	assert.Equal(t, transfer.StateCancelled, c.State())
	assert.True(t, c.Cancelled())
}

func TestControl_CancelledIsTerminal(t *testing.T) {
	c := transfer.NewControl()
	c.Cancel()

	c.Pause()
	assert.Equal(t, transfer.StateCancelled, c.State())

	c.Resume()
	assert.Equal(t, transfer.StateCancelled, c.State())
}

func TestControl_WaitReturnsImmediatelyWhenRunning(t *testing.T) {
	c := transfer.NewControl()

	done := make(chan transfer.ControlState, 1)
	go func() { done <- c.Wait(context.Background()) }()

	select {
	case state := <-done:
		assert.Equal(t, transfer.StateRunning, state)
	case <-time.After(time.Second):
		t.Fatal("Wait blocked on a running control")
	}
}

func TestControl_WaitBlocksUntilResumed(t *testing.T) {
	c := transfer.NewControl()
	c.Pause()

	done := make(chan transfer.ControlState, 1)
	go func() { done <- c.Wait(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Wait returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	c.Resume()

	select {
	case state := <-done:
		assert.Equal(t, transfer.StateRunning, state)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after resume")
	}
}

func TestControl_WaitUnblocksOnCancel(t *testing.T) {
	c := transfer.NewControl()
	c.Pause()

	done := make(chan transfer.ControlState, 1)
	go func() { done <- c.Wait(context.Background()) }()

	c.Cancel()

	select {
	case state := <-done:
		assert.Equal(t, transfer.StateCancelled, state)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after cancel")
	}
}

func TestControl_WaitUnblocksOnContextCancel(t *testing.T) {
	c := transfer.NewControl()
	c.Pause()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan transfer.ControlState, 1)
	go func() { done <- c.Wait(ctx) }()

	cancel()

	select {
	case state := <-done:
		assert.Equal(t, transfer.StateCancelled, state)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after context cancellation")
	}
}
