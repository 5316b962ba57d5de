package engine

import (
	"sync"
	"time"
)

// TaskStatus is the coarse state shown in task listings, derived from the
// latest event of each download.
type TaskStatus string

const (
	TaskQueued      TaskStatus = "queued"
	TaskDownloading TaskStatus = "downloading"
	TaskPaused      TaskStatus = "paused"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
)

// TaskSnapshot is a point-in-time view of one download, suitable for listing
// over the REST surface.
type TaskSnapshot struct {
	ID         string     `json:"id"`
	URL        string     `json:"url"`
	Title      string     `json:"title,omitempty"`
	Status     TaskStatus `json:"status"`
	Downloaded int64      `json:"downloadedBytes"`
	Total      int64      `json:"totalBytes,omitempty"`
	Speed      int64      `json:"speedBps,omitempty"`
	OutputPath string     `json:"outputPath,omitempty"`
	Error      string     `json:"error,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Registry aggregates sessions into an ordered task list and notifies
// subscribers on every change with a full snapshot slice.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tasks map[string]*TaskSnapshot
	subs  map[chan []TaskSnapshot]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*TaskSnapshot),
		subs:  make(map[chan []TaskSnapshot]struct{}),
	}
}

// Track registers the session and follows its event stream.
func (r *Registry) Track(s *Session) {
	r.mu.Lock()

	if _, ok := r.tasks[s.ID()]; !ok {
		r.order = append(r.order, s.ID())
	}

	r.tasks[s.ID()] = &TaskSnapshot{
		ID:        s.ID(),
		URL:       s.URL(),
		Status:    TaskQueued,
		UpdatedAt: time.Now(),
	}

	r.mu.Unlock()

	s.setObserver(r.apply)
	r.notify()
}

// SetTitle records the resolved video title for a task.
func (r *Registry) SetTitle(id, title string) {
	r.mu.Lock()

	if task, ok := r.tasks[id]; ok {
		task.Title = title
		task.UpdatedAt = time.Now()
	}

	r.mu.Unlock()

	r.notify()
}

func (r *Registry) apply(ev DownloadEvent) {
	r.mu.Lock()

	task, ok := r.tasks[ev.RequestID]
	if !ok {
		r.mu.Unlock()

		return
	}

	switch ev.Kind {
	case EventQueued:
		task.Status = TaskQueued
	case EventStarted, EventResumed:
		task.Status = TaskDownloading
	case EventProgress:
		task.Status = TaskDownloading
		task.Downloaded = ev.Downloaded
		task.Speed = ev.Speed

		if ev.Total > 0 {
			task.Total = ev.Total
		}
	case EventPaused:
		task.Status = TaskPaused
		task.Speed = 0
	case EventCompleted:
		task.Status = TaskCompleted
		task.OutputPath = ev.Path
		task.Speed = 0

		if ev.Downloaded > 0 {
			task.Downloaded = ev.Downloaded
		}
	case EventFailed:
		task.Status = TaskFailed
		task.Speed = 0

		if ev.Err != nil {
			task.Error = ev.Err.Error()
		}
	case EventCancelled:
		task.Status = TaskCancelled
		task.Speed = 0
	default:
		panic("unreachable event kind")
	}

	task.UpdatedAt = time.Now()

	r.mu.Unlock()

	r.notify()
}

// Snapshots returns all tasks in submission order.
func (r *Registry) Snapshots() []TaskSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TaskSnapshot, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.tasks[id])
	}

	return out
}

// Subscribe returns a channel receiving the full task list after every
// change, coalescing intermediate updates when the receiver lags.
func (r *Registry) Subscribe() (<-chan []TaskSnapshot, func()) {
	ch := make(chan []TaskSnapshot, 1)

	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	ch <- r.Snapshots()

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
	}
}

func (r *Registry) notify() {
	snaps := r.Snapshots()

	r.mu.Lock()
	defer r.mu.Unlock()

	for ch := range r.subs {
		select {
		case ch <- snaps:
		default:
			select {
			case <-ch:
			default:
			}

			select {
			case ch <- snaps:
			default:
			}
		}
	}
}
