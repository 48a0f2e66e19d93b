package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"fitgen/internal/content"
	"fitgen/internal/credits"
	"fitgen/internal/metrics"
	"fitgen/internal/planner"
	"fitgen/internal/query"
)

// App runs the credit-gated generation pipeline.
type App struct {
	db       *sqlx.DB
	ledger   *credits.Ledger
	sweeper  *credits.Sweeper
	resolver *content.Resolver
	plans    *planner.Writer
	analyzer *content.MealAnalyzer
	exec     *query.Executor
	metrics  *metrics.Store

	startingAllotment int
	pendingMaxAge     time.Duration
	dataPath          string

	logger  *slog.Logger
	closers []func() error
}

// Deps are the collaborators an App is assembled from.
type Deps struct {
	DB       *sqlx.DB
	Ledger   *credits.Ledger
	Sweeper  *credits.Sweeper
	Resolver *content.Resolver
	Plans    *planner.Writer
	// Analyzer may be nil, which disables AnalyzeMeal.
	Analyzer *content.MealAnalyzer
	// Exec runs analysis calls. Nil uses a single-attempt executor.
	Exec    *query.Executor
	Metrics *metrics.Store

	StartingAllotment int
	PendingMaxAge     time.Duration
	// DataPath is the directory reported by Health.
	DataPath string

	Logger *slog.Logger
}

// NewApp creates an App from already built components.
func NewApp(d Deps) *App {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.PendingMaxAge <= 0 {
		d.PendingMaxAge = credits.DefaultPendingMaxAge
	}
	if d.Exec == nil {
		d.Exec = query.NewExecutor(nil, query.Options{MaxAttempts: 1}, d.Logger)
	}
	return &App{
		db:                d.DB,
		ledger:            d.Ledger,
		sweeper:           d.Sweeper,
		resolver:          d.Resolver,
		plans:             d.Plans,
		analyzer:          d.Analyzer,
		exec:              d.Exec,
		metrics:           d.Metrics,
		startingAllotment: d.StartingAllotment,
		pendingMaxAge:     d.PendingMaxAge,
		dataPath:          d.DataPath,
		logger:            d.Logger,
	}
}

// Close releases the connections opened by New.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// OpenAccount gives userID the starting allotment. It reports false when the
// account already existed.
func (a *App) OpenAccount(ctx context.Context, userID string, unlimited bool) (bool, error) {
	return a.ledger.Open(ctx, userID, a.startingAllotment, unlimited)
}

// Credits returns the user's remaining generations.
func (a *App) Credits(ctx context.Context, userID string) (credits.Account, error) {
	return a.ledger.Balance(ctx, userID)
}

// GrantCredits tops up an account.
func (a *App) GrantCredits(ctx context.Context, userID string, n int) error {
	return a.ledger.Grant(ctx, userID, n)
}

// SweepStalePending fails and refunds reservations left pending longer than
// the configured maximum age.
func (a *App) SweepStalePending(ctx context.Context) (int, error) {
	n, err := a.sweeper.SweepStale(ctx, a.pendingMaxAge)
	if err != nil {
		return n, err
	}
	if n > 0 {
		a.logger.Info("stale reservations refunded", "count", n, "max_age", a.pendingMaxAge)
	}
	return n, nil
}

// Usage returns token usage per day and agent, newest first.
func (a *App) Usage(ctx context.Context, days int) ([]metrics.DailyUsage, error) {
	return a.metrics.GetDailyUsage(ctx, days)
}

// CleanupMetrics removes metric records older than days.
func (a *App) CleanupMetrics(ctx context.Context, days int) (int64, error) {
	return a.metrics.Cleanup(ctx, days)
}

// Health reports disk and database usage.
func (a *App) Health() metrics.SysHealth {
	if a.db == nil {
		return metrics.GetSysHealth(a.dataPath, nil)
	}
	return metrics.GetSysHealth(a.dataPath, a.db.DB)
}
