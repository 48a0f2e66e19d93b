package generation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Repository persists generation logs. Methods taking an sqlx.ExtContext run
// inside the caller's transaction.
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

type logRow struct {
	ID          string         `db:"id"`
	UserID      string         `db:"user_id"`
	Operation   string         `db:"operation"`
	Status      string         `db:"status"`
	Charged     bool           `db:"charged"`
	CreatedAt   int64          `db:"created_at"`
	CompletedAt sql.NullInt64  `db:"completed_at"`
	Payload     sql.NullString `db:"payload"`
}

func (r logRow) toLog() Log {
	l := Log{
		ID:        r.ID,
		UserID:    r.UserID,
		Operation: Operation(r.Operation),
		Status:    Status(r.Status),
		Charged:   r.Charged,
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
		Payload:   r.Payload.String,
	}
	if r.CompletedAt.Valid {
		t := time.UnixMilli(r.CompletedAt.Int64).UTC()
		l.CompletedAt = &t
	}
	return l
}

const selectLog = `SELECT id, user_id, operation, status, charged, created_at, completed_at, payload FROM generation_logs`

// Create inserts a pending log.
func (r *Repository) Create(ctx context.Context, ext sqlx.ExtContext, l Log) error {
	if ext == nil {
		ext = r.db
	}
	_, err := ext.ExecContext(ctx,
		`INSERT INTO generation_logs (id, user_id, operation, status, charged, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.UserID, string(l.Operation), string(StatusPending), l.Charged, l.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert generation log: %w", err)
	}
	return nil
}

// Complete moves a pending log to a terminal status. It returns
// ErrInvalidTransition when the log is no longer pending and ErrNotFound when
// it does not exist.
func (r *Repository) Complete(ctx context.Context, ext sqlx.ExtContext, id string, status Status, payload string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: pending -> %s", ErrInvalidTransition, status)
	}
	if ext == nil {
		ext = r.db
	}

	res, err := ext.ExecContext(ctx,
		`UPDATE generation_logs SET status = ?, completed_at = ?, payload = ? WHERE id = ? AND status = ?`,
		string(status), at.UnixMilli(), nullString(payload), id, string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("failed to complete generation log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var current string
	err = sqlx.GetContext(ctx, ext, &current, `SELECT status FROM generation_logs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read generation log status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

// Get returns a single log.
func (r *Repository) Get(ctx context.Context, id string) (Log, error) {
	var row logRow
	err := r.db.GetContext(ctx, &row, selectLog+` WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Log{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Log{}, fmt.Errorf("failed to get generation log: %w", err)
	}
	return row.toLog(), nil
}

// ListStalePending returns pending logs created before the cutoff, oldest first.
func (r *Repository) ListStalePending(ctx context.Context, before time.Time) ([]Log, error) {
	var rows []logRow
	err := r.db.SelectContext(ctx, &rows,
		selectLog+` WHERE status = ? AND created_at < ? ORDER BY created_at ASC`,
		string(StatusPending), before.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending logs: %w", err)
	}
	return toLogs(rows), nil
}

// ListByUser returns the user's most recent logs.
func (r *Repository) ListByUser(ctx context.Context, userID string, limit int) ([]Log, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []logRow
	err := r.db.SelectContext(ctx, &rows,
		selectLog+` WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list generation logs: %w", err)
	}
	return toLogs(rows), nil
}

// CountByStatus tallies a user's logs per status.
func (r *Repository) CountByStatus(ctx context.Context, userID string) (map[Status]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	err := r.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS n FROM generation_logs WHERE user_id = ? GROUP BY status`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count generation logs: %w", err)
	}
	counts := map[Status]int{StatusPending: 0, StatusSuccess: 0, StatusFailed: 0}
	for _, row := range rows {
		counts[Status(row.Status)] = row.Count
	}
	return counts, nil
}

func toLogs(rows []logRow) []Log {
	logs := make([]Log, 0, len(rows))
	for _, row := range rows {
		logs = append(logs, row.toLog())
	}
	return logs
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
