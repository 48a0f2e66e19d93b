// Package credits meters each user's remaining generation allowance.
package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"fitgen/internal/generation"
	"fitgen/internal/shared"
)

var (
	ErrCreditsExhausted = errors.New("generation credits exhausted")
	ErrLogNotFound      = errors.New("generation log not found")
	ErrAccountNotFound  = errors.New("credit account not found")
)

// ReasonExhausted is the Reservation reason when no credit was available.
const ReasonExhausted = "exhausted"

// Reservation is the outcome of Reserve. LogID is set only when OK.
type Reservation struct {
	OK     bool
	LogID  string
	Reason string
}

// Account is a user's credit row.
type Account struct {
	UserID    string `db:"user_id"`
	Remaining int    `db:"remaining"`
	Unlimited bool   `db:"unlimited"`
}

// Ledger owns the generation_credits table. Every decrement is paired with a
// pending generation log written in the same transaction.
type Ledger struct {
	db     *sqlx.DB
	logs   *generation.Repository
	clock  shared.Clock
	ids    shared.IDGenerator
	logger *slog.Logger
}

func NewLedger(db *sqlx.DB, logs *generation.Repository, clock shared.Clock, ids shared.IDGenerator, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{db: db, logs: logs, clock: clock, ids: ids, logger: logger}
}

// Open creates the user's account with a starting allotment. It reports false
// when the account already existed, leaving it untouched.
func (l *Ledger) Open(ctx context.Context, userID string, allotment int, unlimited bool) (bool, error) {
	if allotment < 0 {
		return false, fmt.Errorf("allotment must not be negative, got %d", allotment)
	}
	now := l.clock.Now().UnixMilli()
	res, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO generation_credits (user_id, remaining, unlimited, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		userID, allotment, unlimited, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("open credit account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("open credit rows affected: %w", err)
	}
	return n == 1, nil
}

// Balance returns the user's account.
func (l *Ledger) Balance(ctx context.Context, userID string) (Account, error) {
	var acc Account
	err := l.db.GetContext(ctx, &acc,
		`SELECT user_id, remaining, unlimited FROM generation_credits WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
	}
	if err != nil {
		return Account{}, fmt.Errorf("get credit balance: %w", err)
	}
	return acc, nil
}

// Grant adds n credits to an existing account.
func (l *Ledger) Grant(ctx context.Context, userID string, n int) error {
	if n <= 0 {
		return fmt.Errorf("grant amount must be positive, got %d", n)
	}
	return l.updateAccount(ctx, userID,
		`UPDATE generation_credits SET remaining = remaining + ?, updated_at = ? WHERE user_id = ?`,
		n, l.clock.Now().UnixMilli(), userID)
}

// Zero empties an account. Accounts are never deleted.
func (l *Ledger) Zero(ctx context.Context, userID string) error {
	return l.updateAccount(ctx, userID,
		`UPDATE generation_credits SET remaining = 0, updated_at = ? WHERE user_id = ?`,
		l.clock.Now().UnixMilli(), userID)
}

func (l *Ledger) updateAccount(ctx context.Context, userID, query string, args ...any) error {
	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update credit account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("credit rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, userID)
	}
	return nil
}

// Reserve takes one credit and opens a pending log for operation. The
// decrement is a single conditional UPDATE so concurrent reservations can
// never push remaining below zero. Unlimited accounts are not decremented and
// their logs are marked uncharged.
func (l *Ledger) Reserve(ctx context.Context, userID string, operation generation.Operation) (Reservation, error) {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return Reservation{}, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback()

	now := l.clock.Now()
	res, err := tx.ExecContext(ctx, `
UPDATE generation_credits
SET remaining = CASE WHEN unlimited = 1 THEN remaining ELSE remaining - 1 END,
    updated_at = ?
WHERE user_id = ? AND (unlimited = 1 OR remaining > 0)`,
		now.UnixMilli(), userID,
	)
	if err != nil {
		return Reservation{}, fmt.Errorf("consume credit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Reservation{}, fmt.Errorf("consume credit rows affected: %w", err)
	}
	if affected == 0 {
		l.logger.Info("credit reservation denied", "user_id", userID, "operation", operation)
		return Reservation{Reason: ReasonExhausted}, ErrCreditsExhausted
	}

	var unlimited bool
	if err := tx.GetContext(ctx, &unlimited, `SELECT unlimited FROM generation_credits WHERE user_id = ?`, userID); err != nil {
		return Reservation{}, fmt.Errorf("read credit tier: %w", err)
	}

	logID := l.ids.New()
	err = l.logs.Create(ctx, tx, generation.Log{
		ID:        logID,
		UserID:    userID,
		Operation: operation,
		Charged:   !unlimited,
		CreatedAt: now,
	})
	if err != nil {
		return Reservation{}, err
	}

	if err := tx.Commit(); err != nil {
		return Reservation{}, fmt.Errorf("commit reserve: %w", err)
	}
	l.logger.Debug("credit reserved", "user_id", userID, "operation", operation, "log_id", logID, "unlimited", unlimited)
	return Reservation{OK: true, LogID: logID}, nil
}

// Settle closes a pending reservation. A failed settlement refunds the credit
// in the same transaction. Settling an already closed log is a logged no-op
// and reports false.
func (l *Ledger) Settle(ctx context.Context, logID string, success bool, payload string) (bool, error) {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin settle: %w", err)
	}
	defer tx.Rollback()

	var row struct {
		UserID  string `db:"user_id"`
		Charged bool   `db:"charged"`
	}
	err = tx.GetContext(ctx, &row, `SELECT user_id, charged FROM generation_logs WHERE id = ?`, logID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrLogNotFound, logID)
	}
	if err != nil {
		return false, fmt.Errorf("read generation log: %w", err)
	}

	status := generation.StatusSuccess
	if !success {
		status = generation.StatusFailed
	}

	now := l.clock.Now()
	err = l.logs.Complete(ctx, tx, logID, status, payload, now)
	if errors.Is(err, generation.ErrInvalidTransition) {
		l.logger.Warn("duplicate settlement ignored", "log_id", logID, "user_id", row.UserID, "success", success)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if !success && row.Charged {
		_, err := tx.ExecContext(ctx,
			`UPDATE generation_credits SET remaining = remaining + 1, updated_at = ? WHERE user_id = ? AND unlimited = 0`,
			now.UnixMilli(), row.UserID,
		)
		if err != nil {
			return false, fmt.Errorf("refund credit: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit settle: %w", err)
	}
	l.logger.Info("generation settled", "log_id", logID, "user_id", row.UserID, "status", status, "refunded", !success && row.Charged)
	return true, nil
}
