package planner

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitgen/internal/content"
	"fitgen/internal/database"
	"fitgen/internal/imagery"
	"fitgen/internal/query"
	"fitgen/internal/testutil"
	"fitgen/pkg/logger"
)

func TestCanonicalWeekStart(t *testing.T) {
	monday := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   time.Time
	}{
		{"monday midnight", monday},
		{"wednesday morning", time.Date(2025, 3, 12, 9, 30, 0, 0, time.UTC)},
		{"sunday night", time.Date(2025, 3, 16, 23, 59, 59, 0, time.UTC)},
		{"other zone", time.Date(2025, 3, 17, 1, 0, 0, 0, time.FixedZone("CET", 2*3600))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, monday, CanonicalWeekStart(tt.in))
		})
	}
}

func newExec() *query.Executor {
	return query.NewExecutor(nil, query.Options{MaxAttempts: 3, RetryDelay: -1}, logger.Discard())
}

func setupWriter(t *testing.T, opts ...WriterOption) (*Writer, *sqlx.DB) {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "plans.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := testutil.FixedClock()
	items := content.NewRepository(db.SQL, clock, testutil.NewPrefixedIDGenerator("item"))
	w := NewWriter(db.SQL, items, newExec(), clock, testutil.NewPrefixedIDGenerator("plan"), logger.Discard(), opts...)
	return w, db.SQL
}

func sampleDraft() Draft {
	return Draft{Items: []content.Item{
		{Name: "Oats", DayNumber: 1, Type: content.Breakfast, Macros: content.Macros{Calories: 400, Protein: 15}},
		{Name: "Chicken salad", DayNumber: 1, Type: content.Lunch, Macros: content.Macros{Calories: 600, Protein: 45}},
		{Name: "Salmon", DayNumber: 1, Type: content.Dinner, Macros: content.Macros{Calories: 550, Fat: 25}},
	}}
}

func count(t *testing.T, db *sqlx.DB, q string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.Get(&n, q, args...))
	return n
}

func TestReplace_IsIdempotent(t *testing.T) {
	for _, policy := range []ReplacePolicy{PreferDuplicates, Transactional} {
		t.Run(policy.String(), func(t *testing.T) {
			ctx := context.Background()
			w, db := setupWriter(t, WithPolicy(policy))
			week := time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)

			first, err := w.Replace(ctx, "u1", week, sampleDraft())
			require.NoError(t, err)
			assert.Equal(t, 3, first.SavedCount)

			second, err := w.Replace(ctx, "u1", week.AddDate(0, 0, 2), sampleDraft())
			require.NoError(t, err)
			assert.Equal(t, 3, second.SavedCount)
			assert.NotEqual(t, first.PlanID, second.PlanID)

			assert.Equal(t, 1, count(t, db, `SELECT COUNT(*) FROM weekly_plans WHERE owner_id = 'u1'`))
			assert.Equal(t, 3, count(t, db, `SELECT COUNT(*) FROM content_items WHERE plan_id IS NOT NULL`))

			plan, err := w.Get(ctx, "u1", week)
			require.NoError(t, err)
			assert.Equal(t, second.PlanID, plan.ID)
			assert.Len(t, plan.Items, 3)
			assert.Equal(t, 1550.0, plan.Totals.Calories)
			assert.Equal(t, 60.0, plan.Totals.Protein)
			assert.Equal(t, content.Breakfast, plan.Items[0].Type)
		})
	}
}

func TestReplace_OtherWeeksAndOwnersUntouched(t *testing.T) {
	ctx := context.Background()
	w, db := setupWriter(t)
	week := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	_, err := w.Replace(ctx, "u1", week, sampleDraft())
	require.NoError(t, err)
	_, err = w.Replace(ctx, "u1", week.AddDate(0, 0, 7), sampleDraft())
	require.NoError(t, err)
	_, err = w.Replace(ctx, "u2", week, sampleDraft())
	require.NoError(t, err)

	assert.Equal(t, 3, count(t, db, `SELECT COUNT(*) FROM weekly_plans`))

	recent, err := w.ListRecentByOwner(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, week.AddDate(0, 0, 7), recent[0].WeekStart)
}

func TestReplace_PartialFailureIsCounted(t *testing.T) {
	for _, policy := range []ReplacePolicy{PreferDuplicates, Transactional} {
		t.Run(policy.String(), func(t *testing.T) {
			ctx := context.Background()
			w, db := setupWriter(t, WithPolicy(policy))
			draft := sampleDraft()
			draft.Items = append(draft.Items[:1], append([]content.Item{{Name: "Mystery", Type: "brunch"}}, draft.Items[1:]...)...)

			res, err := w.Replace(ctx, "u1", time.Now(), draft)
			require.NoError(t, err)
			assert.Equal(t, 3, res.SavedCount)
			assert.Equal(t, 1, res.FailedCount)
			assert.Equal(t, 3, count(t, db, `SELECT COUNT(*) FROM content_items WHERE plan_id = ?`, res.PlanID))
		})
	}
}

// commitThenFail saves the first insert but reports an error for it.
type commitThenFail struct {
	ItemRepository
	inserts int
}

func (c *commitThenFail) Insert(ctx context.Context, ext sqlx.ExtContext, item *content.Item) error {
	c.inserts++
	if err := c.ItemRepository.Insert(ctx, ext, item); err != nil {
		return err
	}
	if c.inserts == 1 {
		return errors.New("connection reset after commit")
	}
	return nil
}

func TestReplace_RetriedInsertDoesNotDuplicate(t *testing.T) {
	db, err := database.NewDB(filepath.Join(t.TempDir(), "plans.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := testutil.FixedClock()
	items := &commitThenFail{ItemRepository: content.NewRepository(db.SQL, clock, testutil.NewPrefixedIDGenerator("item"))}
	w := NewWriter(db.SQL, items, newExec(), clock, testutil.NewPrefixedIDGenerator("plan"), logger.Discard())

	res, err := w.Replace(context.Background(), "u1", time.Now(), sampleDraft())
	require.NoError(t, err)
	assert.Greater(t, items.inserts, 3, "first insert was retried")
	assert.Equal(t, 1, count(t, db.SQL, `SELECT COUNT(*) FROM content_items WHERE name = 'Oats'`))
	assert.Equal(t, 3, count(t, db.SQL, `SELECT COUNT(*) FROM content_items WHERE plan_id = ?`, res.PlanID))
}

func TestReplace_ExplicitTotalsKept(t *testing.T) {
	ctx := context.Background()
	w, _ := setupWriter(t)
	draft := sampleDraft()
	draft.Totals = content.Macros{Calories: 2000}

	_, err := w.Replace(ctx, "u1", time.Now(), draft)
	require.NoError(t, err)

	plan, err := w.Get(ctx, "u1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2000.0, plan.Totals.Calories)
}

type recordingEnricher struct {
	calls int
	fail  bool
}

func (r *recordingEnricher) Enrich(context.Context, string, []string) imagery.BestEffort {
	r.calls++
	if r.fail {
		return imagery.BestEffort{Ignored: errors.New("image service down")}
	}
	return imagery.BestEffort{URL: "https://cdn.example/dish.jpg"}
}

func TestReplace_EnrichmentNeverCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	enr := &recordingEnricher{fail: true}
	w, _ := setupWriter(t, WithEnricher(enr))
	draft := sampleDraft()
	draft.Items[0].ImageURL = "https://cdn.example/existing.jpg"

	res, err := w.Replace(ctx, "u1", time.Now(), draft)
	require.NoError(t, err)
	assert.Equal(t, 3, res.SavedCount)
	assert.Zero(t, res.FailedCount)
	assert.Equal(t, 2, enr.calls, "items that already have an image are skipped")
}

func TestReplace_DeleteFailureContinuesUnderPreferDuplicates(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "sqlmock")

	clock := testutil.FixedClock()
	items := content.NewRepository(db, clock, testutil.NewPrefixedIDGenerator("item"))
	exec := query.NewExecutor(nil, query.Options{MaxAttempts: 1}, logger.Discard())
	w := NewWriter(db, items, exec, clock, testutil.NewPrefixedIDGenerator("plan"), logger.Discard())

	mock.ExpectExec("DELETE FROM content_items").WillReturnError(errors.New("database is locked"))
	mock.ExpectExec("INSERT INTO weekly_plans").
		WithArgs("plan-1", "u1", "2025-03-10", 1550.0, 60.0, 0.0, 25.0, clock.Now().UnixMilli()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO content_items").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO content_items").WillReturnError(errors.New("disk full"))
	mock.ExpectExec("INSERT INTO content_items").WillReturnResult(sqlmock.NewResult(1, 1))

	res, err := w.Replace(context.Background(), "u1", clock.Now(), sampleDraft())
	require.NoError(t, err)
	assert.Error(t, res.DeleteErr)
	assert.Equal(t, 2, res.SavedCount)
	assert.Equal(t, 1, res.FailedCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplace_DeleteFailureAbortsTransactional(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "sqlmock")

	clock := testutil.FixedClock()
	items := content.NewRepository(db, clock, testutil.NewStubIDGenerator())
	w := NewWriter(db, items, nil, clock, testutil.NewStubIDGenerator(), logger.Discard(), WithPolicy(Transactional))

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM content_items").WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	_, err = w.Replace(context.Background(), "u1", clock.Now(), sampleDraft())
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplace_HeaderFailureIsAnError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "sqlmock")

	clock := testutil.FixedClock()
	items := content.NewRepository(db, clock, testutil.NewStubIDGenerator())
	w := NewWriter(db, items, nil, clock, testutil.NewStubIDGenerator(), logger.Discard())

	mock.ExpectExec("DELETE FROM content_items").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM weekly_plans").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO weekly_plans").WillReturnError(errors.New("no space left"))

	_, err = w.Replace(context.Background(), "u1", clock.Now(), sampleDraft())
	assert.ErrorContains(t, err, "plan header")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceItem(t *testing.T) {
	ctx := context.Background()
	w, db := setupWriter(t)

	res, err := w.Replace(ctx, "u1", time.Now(), sampleDraft())
	require.NoError(t, err)
	plan, err := w.GetByID(ctx, res.PlanID)
	require.NoError(t, err)
	lunch := plan.Items[1]
	require.Equal(t, content.Lunch, lunch.Type)

	swapped, err := w.ReplaceItem(ctx, plan.ID, lunch.ID, content.Item{
		Name:   "Lentil bowl",
		Macros: content.Macros{Calories: 500, Protein: 30},
	})
	require.NoError(t, err)
	assert.Equal(t, content.Lunch, swapped.Type)
	assert.Equal(t, 1, swapped.DayNumber)
	assert.Equal(t, plan.ID, swapped.PlanID)

	plan, err = w.GetByID(ctx, res.PlanID)
	require.NoError(t, err)
	assert.Len(t, plan.Items, 3)
	assert.Equal(t, 1450.0, plan.Totals.Calories)
	assert.Equal(t, 45.0, plan.Totals.Protein)
	assert.Equal(t, 0, count(t, db, `SELECT COUNT(*) FROM content_items WHERE id = ?`, lunch.ID))

	_, err = w.ReplaceItem(ctx, "other-plan", swapped.ID, content.Item{Name: "x"})
	assert.ErrorIs(t, err, content.ErrItemNotFound)
}

func TestGet_NotFound(t *testing.T) {
	w, _ := setupWriter(t)
	_, err := w.Get(context.Background(), "nobody", time.Now())
	assert.ErrorIs(t, err, ErrPlanNotFound)
}
