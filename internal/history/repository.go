package history

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/audiobox-live/backend/internal/models"
)

// Repository persists finished broadcast records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a history repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores a finished broadcast and returns the new row ID.
func (r *Repository) Insert(ctx context.Context, h *models.StreamHistory) (int64, error) {
	const q = `INSERT INTO stream_history
		(stream_id, title, description, start_time, end_time, duration, peak_listeners, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`
	var id int64
	err := r.pool.QueryRow(ctx, q,
		h.StreamID, h.Title, h.Description, h.StartTime, h.EndTime,
		h.DurationSec, h.PeakListeners, h.UserID).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListRecent returns finished broadcasts, newest first. userID filters to one
// broadcaster when non-empty.
func (r *Repository) ListRecent(ctx context.Context, limit int, userID string) ([]models.StreamHistory, error) {
	const base = `SELECT id, stream_id, title, COALESCE(description,''), start_time, end_time,
		duration, peak_listeners, user_id, COALESCE(archive_url,''), COALESCE(archive_bytes,0), created_at
		FROM stream_history`
	var (
		rows pgx.Rows
		err  error
	)
	if userID != "" {
		rows, err = r.pool.Query(ctx, base+` WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	} else {
		rows, err = r.pool.Query(ctx, base+` ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.StreamHistory
	for rows.Next() {
		var h models.StreamHistory
		if err := rows.Scan(&h.ID, &h.StreamID, &h.Title, &h.Description, &h.StartTime, &h.EndTime,
			&h.DurationSec, &h.PeakListeners, &h.UserID, &h.ArchiveURL, &h.ArchiveBytes, &h.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, h)
	}
	return list, rows.Err()
}

// UpdateArchive records the uploaded archive location for a history row.
func (r *Repository) UpdateArchive(ctx context.Context, id int64, archiveURL string, archiveBytes int64) error {
	const q = `UPDATE stream_history SET archive_url = $2, archive_bytes = $3 WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, archiveURL, archiveBytes)
	return err
}
