package sqlite

import (
	"context"
	"fmt"

	"github.com/anujsainicse/scalper-sub000/internal/domain"
	"github.com/anujsainicse/scalper-sub000/internal/ports"
)

// CreateActivity saves a new activity log entry and returns its assigned ID.
func (r *Repository) CreateActivity(ctx context.Context, entry *domain.ActivityLog) (int64, error) {
	op := "CreateActivity"
	const query = `INSERT INTO activity_logs (bot_id, level, message, created_at) VALUES (?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query, entry.BotID, entry.Level, entry.Message, entry.CreatedAt.UTC())
	if err != nil {
		return 0, persistenceError(op, ports.ErrQueryFailed, fmt.Errorf("failed to insert activity log: %w", err))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, persistenceError(op, ports.ErrQueryFailed, fmt.Errorf("failed to get last insert ID for activity log: %w", err))
	}
	entry.ID = id // Update domain object
	return id, nil
}

// ListActivity retrieves the most recent entries of a bot, up to a limit.
func (r *Repository) ListActivity(ctx context.Context, botID string, limit int) ([]*domain.ActivityLog, error) {
	op := "ListActivity"
	const query = `
	SELECT id, bot_id, level, message, created_at
	FROM activity_logs
	WHERE bot_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, botID, limit)
	if err != nil {
		return nil, persistenceError(op, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	entries := make([]*domain.ActivityLog, 0)
	for rows.Next() {
		e := &domain.ActivityLog{}
		var level string
		if err := rows.Scan(&e.ID, &e.BotID, &level, &e.Message, &e.CreatedAt); err != nil {
			return nil, persistenceError(op, ports.ErrQueryFailed, fmt.Errorf("failed to scan activity log: %w", err))
		}
		e.Level = domain.ActivityLevel(level)
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, persistenceError(op, ports.ErrQueryFailed, fmt.Errorf("error iterating activity rows: %w", err))
	}
	return entries, nil
}
