package planner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"fitgen/internal/content"
	"fitgen/internal/query"
	"fitgen/internal/shared"
)

// ItemRepository is the slice of content.Repository the writer needs.
type ItemRepository interface {
	Insert(ctx context.Context, ext sqlx.ExtContext, item *content.Item) error
	Get(ctx context.Context, id string) (content.Item, error)
	ListByPlan(ctx context.Context, ext sqlx.ExtContext, planID string) ([]content.Item, error)
	Delete(ctx context.Context, ext sqlx.ExtContext, id string) error
}

// Writer persists weekly plans with delete-then-insert replacement.
type Writer struct {
	db       *sqlx.DB
	items    ItemRepository
	exec     *query.Executor
	enricher content.Enricher
	policy   ReplacePolicy
	clock    shared.Clock
	ids      shared.IDGenerator
	logger   *slog.Logger
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithPolicy selects the replace policy. The default is PreferDuplicates.
func WithPolicy(p ReplacePolicy) WriterOption {
	return func(w *Writer) { w.policy = p }
}

// WithEnricher adds images to items that have none while they are written.
func WithEnricher(e content.Enricher) WriterOption {
	return func(w *Writer) { w.enricher = e }
}

func NewWriter(db *sqlx.DB, items ItemRepository, exec *query.Executor, clock shared.Clock, ids shared.IDGenerator, logger *slog.Logger, opts ...WriterOption) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if exec == nil {
		exec = query.NewExecutor(nil, query.Options{MaxAttempts: 1}, logger)
	}
	w := &Writer{
		db:     db,
		items:  items,
		exec:   exec,
		clock:  clock,
		ids:    ids,
		logger: logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Policy reports the configured replace policy.
func (w *Writer) Policy() ReplacePolicy { return w.policy }

// Replace removes any plan stored for (ownerID, week of weekStart) and writes
// draft in its place. Items are inserted one by one; failures are counted, not
// fatal. An error is returned only when the plan header could not be written.
func (w *Writer) Replace(ctx context.Context, ownerID string, weekStart time.Time, draft Draft) (WriteResult, error) {
	week := CanonicalWeekStart(weekStart).Format(weekDateLayout)
	totals := draft.Totals
	if totals.IsZero() {
		totals = ComputeTotals(draft.Items)
	}
	planID := w.ids.New()
	log := w.logger.With("owner_id", ownerID, "week", week, "plan_id", planID, "policy", w.policy.String())

	var (
		res WriteResult
		err error
	)
	if w.policy == Transactional {
		res, err = w.replaceTx(ctx, log, ownerID, week, planID, totals, draft.Items)
	} else {
		res, err = w.replaceNoTx(ctx, log, ownerID, week, planID, totals, draft.Items)
	}
	if err != nil {
		return res, err
	}

	if res.FailedCount > 0 {
		log.Warn("plan written partially", "saved", res.SavedCount, "failed", res.FailedCount)
	} else {
		log.Info("plan written", "saved", res.SavedCount)
	}
	return res, nil
}

func (w *Writer) replaceNoTx(ctx context.Context, log *slog.Logger, ownerID, week, planID string, totals content.Macros, items []content.Item) (WriteResult, error) {
	res := WriteResult{PlanID: planID}

	del := query.Execute(ctx, w.exec, "plan.delete_week", "", func(ctx context.Context) (int64, error) {
		return deleteWeek(ctx, w.db, ownerID, week)
	})
	if del.Err != nil {
		log.Warn("failed to delete previous plan, continuing", "error", del.Err)
		res.DeleteErr = del.Err
	}

	header := query.Execute(ctx, w.exec, "plan.insert_header", "", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.insertHeader(ctx, w.db, planID, ownerID, week, totals)
	})
	if header.Err != nil {
		return res, fmt.Errorf("failed to insert plan header: %w", header.Err)
	}

	for _, it := range items {
		it = w.prepare(ctx, it, planID)
		// cp keeps the ID from the first attempt across retries.
		cp := it
		ins := query.Execute(ctx, w.exec, "plan.insert_item", "", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, w.items.Insert(ctx, w.db, &cp)
		})
		if ins.Err != nil {
			log.Warn("failed to insert plan item", "name", it.Name, "day", it.DayNumber, "error", ins.Err)
			res.FailedCount++
			continue
		}
		res.SavedCount++
	}
	return res, nil
}

func (w *Writer) replaceTx(ctx context.Context, log *slog.Logger, ownerID, week, planID string, totals content.Macros, items []content.Item) (WriteResult, error) {
	res := WriteResult{PlanID: planID}

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin plan replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := deleteWeek(ctx, tx, ownerID, week); err != nil {
		return res, fmt.Errorf("failed to delete previous plan: %w", err)
	}
	if err := w.insertHeader(ctx, tx, planID, ownerID, week, totals); err != nil {
		return res, fmt.Errorf("failed to insert plan header: %w", err)
	}

	for _, it := range items {
		it = w.prepare(ctx, it, planID)
		if _, err := tx.ExecContext(ctx, `SAVEPOINT plan_item`); err != nil {
			return WriteResult{PlanID: planID}, fmt.Errorf("savepoint: %w", err)
		}
		if err := w.items.Insert(ctx, tx, &it); err != nil {
			log.Warn("failed to insert plan item", "name", it.Name, "day", it.DayNumber, "error", err)
			if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO plan_item`); rbErr != nil {
				return WriteResult{PlanID: planID}, fmt.Errorf("rollback to savepoint: %w", rbErr)
			}
			res.FailedCount++
		} else {
			res.SavedCount++
		}
		if _, err := tx.ExecContext(ctx, `RELEASE plan_item`); err != nil {
			return WriteResult{PlanID: planID}, fmt.Errorf("release savepoint: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return WriteResult{PlanID: planID}, fmt.Errorf("commit plan replace: %w", err)
	}
	return res, nil
}

// prepare gives the item a fresh identity under planID and, when configured,
// tries once to attach an image.
func (w *Writer) prepare(ctx context.Context, it content.Item, planID string) content.Item {
	it.ID = ""
	it.PlanID = planID
	if it.Provenance == "" {
		it.Provenance = content.ProvenanceGenerated
	}
	if w.enricher != nil && it.ImageURL == "" {
		if img := w.enricher.Enrich(ctx, it.Name, it.Ingredients); img.OK() {
			it.ImageURL = img.URL
		}
	}
	return it
}

func deleteWeek(ctx context.Context, ext sqlx.ExtContext, ownerID, week string) (int64, error) {
	// Children first so the delete works even without foreign key enforcement.
	_, err := ext.ExecContext(ctx, `
DELETE FROM content_items
WHERE plan_id IN (SELECT id FROM weekly_plans WHERE owner_id = ? AND week_start_date = ?)`, ownerID, week)
	if err != nil {
		return 0, fmt.Errorf("delete plan items: %w", err)
	}
	res, err := ext.ExecContext(ctx, `DELETE FROM weekly_plans WHERE owner_id = ? AND week_start_date = ?`, ownerID, week)
	if err != nil {
		return 0, fmt.Errorf("delete plans: %w", err)
	}
	return res.RowsAffected()
}

func (w *Writer) insertHeader(ctx context.Context, ext sqlx.ExtContext, planID, ownerID, week string, totals content.Macros) error {
	_, err := ext.ExecContext(ctx, `
INSERT INTO weekly_plans (id, owner_id, week_start_date, total_calories, total_protein, total_carbs, total_fat, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		planID, ownerID, week, totals.Calories, totals.Protein, totals.Carbs, totals.Fat, w.clock.Now().UnixMilli(),
	)
	return err
}

type planRow struct {
	ID            string  `db:"id"`
	OwnerID       string  `db:"owner_id"`
	WeekStartDate string  `db:"week_start_date"`
	TotalCalories float64 `db:"total_calories"`
	TotalProtein  float64 `db:"total_protein"`
	TotalCarbs    float64 `db:"total_carbs"`
	TotalFat      float64 `db:"total_fat"`
	CreatedAt     int64   `db:"created_at"`
}

func (r planRow) toPlan() WeeklyPlan {
	week, _ := time.Parse(weekDateLayout, r.WeekStartDate)
	return WeeklyPlan{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		WeekStart: week,
		Totals: content.Macros{
			Calories: r.TotalCalories,
			Protein:  r.TotalProtein,
			Carbs:    r.TotalCarbs,
			Fat:      r.TotalFat,
		},
		CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
	}
}

const selectPlan = `SELECT id, owner_id, week_start_date, total_calories, total_protein, total_carbs, total_fat, created_at FROM weekly_plans`

// Get returns the newest plan for the owner's week, with items.
func (w *Writer) Get(ctx context.Context, ownerID string, weekStart time.Time) (WeeklyPlan, error) {
	week := CanonicalWeekStart(weekStart).Format(weekDateLayout)
	var row planRow
	err := w.db.GetContext(ctx, &row,
		selectPlan+` WHERE owner_id = ? AND week_start_date = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, ownerID, week)
	if errors.Is(err, sql.ErrNoRows) {
		return WeeklyPlan{}, fmt.Errorf("%w: %s %s", ErrPlanNotFound, ownerID, week)
	}
	if err != nil {
		return WeeklyPlan{}, fmt.Errorf("failed to get weekly plan: %w", err)
	}
	return w.withItems(ctx, row.toPlan())
}

// GetByID returns a plan with items.
func (w *Writer) GetByID(ctx context.Context, planID string) (WeeklyPlan, error) {
	var row planRow
	err := w.db.GetContext(ctx, &row, selectPlan+` WHERE id = ?`, planID)
	if errors.Is(err, sql.ErrNoRows) {
		return WeeklyPlan{}, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	if err != nil {
		return WeeklyPlan{}, fmt.Errorf("failed to get weekly plan: %w", err)
	}
	return w.withItems(ctx, row.toPlan())
}

func (w *Writer) withItems(ctx context.Context, p WeeklyPlan) (WeeklyPlan, error) {
	items, err := w.items.ListByPlan(ctx, nil, p.ID)
	if err != nil {
		return WeeklyPlan{}, err
	}
	p.Items = items
	return p, nil
}

// ListRecentByOwner returns plan headers, newest week first.
func (w *Writer) ListRecentByOwner(ctx context.Context, ownerID string, limit int) ([]WeeklyPlan, error) {
	if limit <= 0 {
		limit = 4
	}
	var rows []planRow
	err := w.db.SelectContext(ctx, &rows,
		selectPlan+` WHERE owner_id = ? ORDER BY week_start_date DESC, created_at DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent weekly plans for owner %s: %w", ownerID, err)
	}
	plans := make([]WeeklyPlan, 0, len(rows))
	for _, row := range rows {
		plans = append(plans, row.toPlan())
	}
	return plans, nil
}

// ReplaceItem swaps one item of a plan for newItem and recomputes the plan
// totals. newItem inherits the old item's day and type when unset.
func (w *Writer) ReplaceItem(ctx context.Context, planID, oldItemID string, newItem content.Item) (content.Item, error) {
	old, err := w.items.Get(ctx, oldItemID)
	if err != nil {
		return content.Item{}, err
	}
	if old.PlanID != planID {
		return content.Item{}, fmt.Errorf("%w: item %s is not part of plan %s", content.ErrItemNotFound, oldItemID, planID)
	}

	if newItem.DayNumber == 0 {
		newItem.DayNumber = old.DayNumber
	}
	if newItem.Type == "" {
		newItem.Type = old.Type
	}
	newItem = w.prepare(ctx, newItem, planID)

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return content.Item{}, fmt.Errorf("begin item exchange: %w", err)
	}
	defer tx.Rollback()

	if err := w.items.Insert(ctx, tx, &newItem); err != nil {
		return content.Item{}, err
	}
	if err := w.items.Delete(ctx, tx, oldItemID); err != nil {
		return content.Item{}, err
	}
	_, err = tx.ExecContext(ctx, `
UPDATE weekly_plans SET
    total_calories = (SELECT COALESCE(SUM(calories), 0) FROM content_items WHERE plan_id = ?),
    total_protein  = (SELECT COALESCE(SUM(protein), 0)  FROM content_items WHERE plan_id = ?),
    total_carbs    = (SELECT COALESCE(SUM(carbs), 0)    FROM content_items WHERE plan_id = ?),
    total_fat      = (SELECT COALESCE(SUM(fat), 0)      FROM content_items WHERE plan_id = ?)
WHERE id = ?`, planID, planID, planID, planID, planID)
	if err != nil {
		return content.Item{}, fmt.Errorf("recompute plan totals: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return content.Item{}, fmt.Errorf("commit item exchange: %w", err)
	}
	w.logger.Info("plan item exchanged", "plan_id", planID, "old_item_id", oldItemID, "new_item_id", newItem.ID)
	return newItem, nil
}
