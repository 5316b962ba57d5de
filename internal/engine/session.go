package engine

import (
	"context"
	"sync"

	"github.com/tubefetch/tubefetch/internal/engine/transfer"
)

const subscriberBuffer = 16

// Session is the live handle for one download run. It owns the cooperative
// control state and fans events out to any number of subscribers. Each
// subscriber gets a bounded queue: the latest known event is replayed on
// subscription, the oldest queued event is dropped under pressure, and the
// terminal event is always delivered.
type Session struct {
	id  string
	url string

	control *transfer.Control
	ctx     context.Context
	cancel  context.CancelFunc

	// Backend hooks, invoked after the control transition. Nil for the
	// native engine, which checks control at chunk boundaries itself.
	onPause  func()
	onResume func()
	onCancel func()

	mu      sync.Mutex
	subs    map[chan DownloadEvent]struct{}
	latest  *DownloadEvent
	onEvent func(DownloadEvent)
	done    bool
}

// NewSession builds a Session for the given request id. The parent context
// contributes values (logger, trace) but not its cancellation; the session
// lives until its own terminal event or Cancel.
func NewSession(parent context.Context, id, url string) *Session {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))

	return &Session{
		id:      id,
		url:     url,
		control: transfer.NewControl(),
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[chan DownloadEvent]struct{}),
	}
}

// ID returns the request id of this download.
func (s *Session) ID() string { return s.id }

// URL returns the originally requested video URL.
func (s *Session) URL() string { return s.url }

// Context returns the session-scoped context, cancelled by Cancel.
func (s *Session) Context() context.Context { return s.ctx }

// Control exposes the transfer control checked at chunk boundaries.
func (s *Session) Control() *transfer.Control { return s.control }

// Events subscribes to the event stream without an explicit unsubscribe.
// The channel is closed after the terminal event.
func (s *Session) Events() <-chan DownloadEvent {
	ch, _ := s.Subscribe()

	return ch
}

// Subscribe returns an event channel plus a cancel function. The latest
// event, if any, is replayed immediately so late subscribers see current
// state.
func (s *Session) Subscribe() (<-chan DownloadEvent, func()) {
	ch := make(chan DownloadEvent, subscriberBuffer)

	s.mu.Lock()
	if s.latest != nil {
		ch <- *s.latest
	}

	if s.done {
		close(ch)
		s.mu.Unlock()

		return ch, func() {}
	}

	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
}

// Pause requests a pause. The running transfer honors it at the next chunk
// boundary. No-op unless the download is currently running.
func (s *Session) Pause() {
	if s.control.State() != transfer.StateRunning {
		return
	}

	s.control.Pause()

	if s.onPause != nil {
		s.onPause()
	}

	s.Emit(DownloadEvent{Kind: EventPaused, RequestID: s.id})
}

// Resume lifts a pause. No-op unless currently paused.
func (s *Session) Resume() {
	if s.control.State() != transfer.StatePaused {
		return
	}

	s.control.Resume()

	if s.onResume != nil {
		s.onResume()
	}

	s.Emit(DownloadEvent{Kind: EventResumed, RequestID: s.id})
}

// Cancel aborts the download. The terminal Cancelled event is emitted by the
// pipeline once it observes the cancellation.
func (s *Session) Cancel() {
	if s.control.Cancelled() {
		return
	}

	s.control.Cancel()

	if s.onCancel != nil {
		s.onCancel()
	}

	s.cancel()
}

// Emit publishes an event to all subscribers. After a terminal event the
// stream is closed and further emissions are dropped.
func (s *Session) Emit(ev DownloadEvent) {
	ev.RequestID = s.id

	s.mu.Lock()

	if s.done {
		s.mu.Unlock()

		return
	}

	s.latest = &ev

	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Queue full: make room by dropping the oldest entry. The
			// freed slot guarantees the send below succeeds, so terminal
			// events are never lost.
			select {
			case <-ch:
			default:
			}

			select {
			case ch <- ev:
			default:
			}
		}
	}

	if ev.Kind.Terminal() {
		s.done = true

		for ch := range s.subs {
			close(ch)
		}

		s.subs = make(map[chan DownloadEvent]struct{})
	}

	onEvent := s.onEvent
	s.mu.Unlock()

	if onEvent != nil {
		onEvent(ev)
	}

	if ev.Kind.Terminal() {
		s.cancel()
	}
}

// setObserver installs the engine-side hook that feeds the task registry.
func (s *Session) setObserver(fn func(DownloadEvent)) {
	s.mu.Lock()
	s.onEvent = fn
	s.mu.Unlock()
}

// SetBackendHooks installs backend-specific pause/resume/cancel behavior,
// used by backends that drive an external process.
func (s *Session) SetBackendHooks(onPause, onResume, onCancel func()) {
	s.onPause = onPause
	s.onResume = onResume
	s.onCancel = onCancel
}

// Terminated reports whether the terminal event has been emitted.
func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.done
}
