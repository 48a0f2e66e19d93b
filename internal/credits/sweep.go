package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fitgen/internal/generation"
)

const (
	// DefaultPendingMaxAge is how long a reservation may stay pending before
	// the sweeper fails and refunds it.
	DefaultPendingMaxAge = 15 * time.Minute

	sweepLockKey   = "fitgen:lock:sweep-pending"
	expiredPayload = `{"reason":"expired"}`
)

// Sweeper settles reservations abandoned by crashed or cancelled requests.
type Sweeper struct {
	ledger *Ledger
	logs   *generation.Repository
	locker Locker
}

// NewSweeper builds a sweeper. A nil locker uses a LocalLocker.
func NewSweeper(ledger *Ledger, logs *generation.Repository, locker Locker) *Sweeper {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Sweeper{ledger: ledger, logs: logs, locker: locker}
}

// SweepStale fails and refunds every pending log older than maxAge. It
// returns how many logs it settled. When another sweeper holds the lock it
// returns 0 and ErrLockBusy.
func (s *Sweeper) SweepStale(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultPendingMaxAge
	}

	release, err := s.locker.Acquire(ctx, sweepLockKey)
	if err != nil {
		return 0, err
	}
	defer release()

	cutoff := s.ledger.clock.Now().Add(-maxAge)
	stale, err := s.logs.ListStalePending(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var (
		settled int
		errs    []error
	)
	for _, entry := range stale {
		ok, err := s.ledger.Settle(ctx, entry.ID, false, expiredPayload)
		if err != nil {
			errs = append(errs, fmt.Errorf("settle %s: %w", entry.ID, err))
			continue
		}
		if ok {
			settled++
		}
	}

	if settled > 0 {
		s.ledger.logger.Info("expired pending generations", "count", settled, "cutoff", cutoff)
	}
	return settled, errors.Join(errs...)
}
