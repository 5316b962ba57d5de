package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/tubefetch/tubefetch/internal/storage"
)

type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(dbConn *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: dbConn}
}

// Record upserts the terminal outcome of a download run. A rerun of the same
// request id overwrites the previous outcome.
func (r *HistoryRepository) Record(ctx context.Context, rec *storage.HistoryRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO history (request_id, url, title, output_path, status, bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			url = excluded.url,
			title = excluded.title,
			output_path = excluded.output_path,
			status = excluded.status,
			bytes = excluded.bytes,
			created_at = excluded.created_at
	`, rec.RequestID, rec.URL, rec.Title, rec.OutputPath, rec.Status, rec.Bytes, createdAt.Format(time.RFC3339))

	return err
}

// List returns the most recent outcomes, newest first.
func (r *HistoryRepository) List(ctx context.Context, limit int) ([]storage.HistoryRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT request_id, url, title, output_path, status, bytes, created_at
		FROM history
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.HistoryRecord

	for rows.Next() {
		var record storage.HistoryRecord

		var createdAt string

		if err := rows.Scan(&record.RequestID, &record.URL, &record.Title, &record.OutputPath, &record.Status, &record.Bytes, &createdAt); err != nil {
			return nil, err
		}

		record.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

		records = append(records, record)
	}

	return records, rows.Err()
}
