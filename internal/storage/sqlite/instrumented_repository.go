package sqlite

import (
	"context"
	"database/sql"

	"github.com/tubefetch/tubefetch/internal/storage"
	"github.com/tubefetch/tubefetch/internal/telemetry"
)

// InstrumentedHistoryRepository wraps HistoryRepository with telemetry.
type InstrumentedHistoryRepository struct {
	repo      *HistoryRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedHistoryRepository creates a new instrumented history repository.
func NewInstrumentedHistoryRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedHistoryRepository {
	return &InstrumentedHistoryRepository{
		repo:      NewHistoryRepository(dbConn),
		telemetry: tel,
	}
}

// Record persists a terminal outcome with telemetry.
func (r *InstrumentedHistoryRepository) Record(ctx context.Context, rec *storage.HistoryRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_history", func(ctx context.Context) error {
		return r.repo.Record(ctx, rec)
	})
}

// List retrieves recent outcomes with telemetry.
func (r *InstrumentedHistoryRepository) List(ctx context.Context, limit int) ([]storage.HistoryRecord, error) {
	var result []storage.HistoryRecord

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "list_history", func(ctx context.Context) error {
		var err error
		result, err = r.repo.List(ctx, limit)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
