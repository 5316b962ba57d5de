package engine

import "time"

// EventKind enumerates the closed set of download lifecycle events.
type EventKind int

const (
	EventQueued EventKind = iota
	EventStarted
	EventProgress
	EventPaused
	EventResumed
	EventCompleted
	EventFailed
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventQueued:
		return "queued"
	case EventStarted:
		return "started"
	case EventProgress:
		return "progress"
	case EventPaused:
		return "paused"
	case EventResumed:
		return "resumed"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventCancelled:
		return "cancelled"
	default:
		panic("unreachable event kind")
	}
}

// Terminal reports whether the event ends the download lifecycle. Each
// download emits exactly one terminal event and nothing after it.
func (k EventKind) Terminal() bool {
	switch k {
	case EventCompleted, EventFailed, EventCancelled:
		return true
	case EventQueued, EventStarted, EventProgress, EventPaused, EventResumed:
		return false
	default:
		panic("unreachable event kind")
	}
}

// DownloadEvent is one entry in a download's event stream. Which fields are
// meaningful depends on Kind: Progress carries the byte counters, Completed
// carries Path, Failed carries Err.
type DownloadEvent struct {
	Kind       EventKind
	RequestID  string
	Downloaded int64
	Total      int64 // 0 while unknown
	Speed      int64 // bytes per second, instantaneous
	ETA        time.Duration
	Path       string
	Err        error
}
