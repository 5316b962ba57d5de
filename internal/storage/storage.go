package storage

import (
	"context"
	"time"
)

// HistoryRecord represents one finished download run.
type HistoryRecord struct {
	RequestID  string    `json:"requestId"`
	URL        string    `json:"url"`
	Title      string    `json:"title,omitempty"`
	OutputPath string    `json:"outputPath,omitempty"`
	Status     string    `json:"status"`
	Bytes      int64     `json:"bytes"`
	CreatedAt  time.Time `json:"createdAt"`
}

// HistoryRepository persists terminal download outcomes.
type HistoryRepository interface {
	Record(ctx context.Context, rec *HistoryRecord) error
	List(ctx context.Context, limit int) ([]HistoryRecord, error)
}
