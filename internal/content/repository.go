package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"fitgen/internal/shared"
)

// Repository reads and writes the content_items table.
type Repository struct {
	db    *sqlx.DB
	clock shared.Clock
	ids   shared.IDGenerator
}

func NewRepository(db *sqlx.DB, clock shared.Clock, ids shared.IDGenerator) *Repository {
	return &Repository{db: db, clock: clock, ids: ids}
}

type itemRow struct {
	ID           string         `db:"id"`
	PlanID       sql.NullString `db:"plan_id"`
	Name         string         `db:"name"`
	DayNumber    int            `db:"day_number"`
	Type         string         `db:"type"`
	Calories     float64        `db:"calories"`
	Protein      float64        `db:"protein"`
	Carbs        float64        `db:"carbs"`
	Fat          float64        `db:"fat"`
	Ingredients  string         `db:"ingredients"`
	Instructions string         `db:"instructions"`
	ImageURL     sql.NullString `db:"image_url"`
	Provenance   string         `db:"provenance"`
}

func (r itemRow) toItem() Item {
	it := Item{
		ID:         r.ID,
		PlanID:     r.PlanID.String,
		Name:       r.Name,
		DayNumber:  r.DayNumber,
		Type:       Type(r.Type),
		Macros:     Macros{Calories: r.Calories, Protein: r.Protein, Carbs: r.Carbs, Fat: r.Fat},
		ImageURL:   r.ImageURL.String,
		Provenance: Provenance(r.Provenance),
	}
	// Corrupt JSON columns degrade to empty lists.
	if json.Unmarshal([]byte(r.Ingredients), &it.Ingredients) != nil || it.Ingredients == nil {
		it.Ingredients = []string{}
	}
	if json.Unmarshal([]byte(r.Instructions), &it.Instructions) != nil || it.Instructions == nil {
		it.Instructions = []string{}
	}
	return it
}

const selectItem = `SELECT id, plan_id, name, day_number, type, calories, protein, carbs, fat, ingredients, instructions, image_url, provenance FROM content_items`

// FindNear returns up to limit generic items of type t whose calories fall in
// [min, max], skipping excludeID. Order is the store's natural order.
func (r *Repository) FindNear(ctx context.Context, t Type, min, max float64, excludeID string, limit int) ([]Item, error) {
	var rows []itemRow
	err := r.db.SelectContext(ctx, &rows,
		selectItem+` WHERE plan_id IS NULL AND type = ? AND calories BETWEEN ? AND ? AND id <> ? LIMIT ?`,
		string(t), min, max, excludeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query near-match items: %w", err)
	}
	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toItem())
	}
	return items, nil
}

// Insert writes item, assigning an ID when it has none. ext may be a
// transaction; nil uses the repository's connection.
func (r *Repository) Insert(ctx context.Context, ext sqlx.ExtContext, item *Item) error {
	if ext == nil {
		ext = r.db
	}
	if item.ID == "" {
		item.ID = r.ids.New()
	}
	item.Macros = item.Macros.Sanitize()

	ingredients, err := json.Marshal(nonNil(item.Ingredients))
	if err != nil {
		return fmt.Errorf("failed to encode ingredients: %w", err)
	}
	instructions, err := json.Marshal(nonNil(item.Instructions))
	if err != nil {
		return fmt.Errorf("failed to encode instructions: %w", err)
	}

	_, err = ext.ExecContext(ctx, `
INSERT INTO content_items (id, plan_id, name, normalized_name, day_number, type, calories, protein, carbs, fat, ingredients, instructions, image_url, provenance, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, nullable(item.PlanID), item.Name, NormalizeName(item.Name), item.DayNumber, string(item.Type),
		item.Macros.Calories, item.Macros.Protein, item.Macros.Carbs, item.Macros.Fat,
		string(ingredients), string(instructions), nullable(item.ImageURL), string(item.Provenance),
		r.clock.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert content item %q: %w", item.Name, err)
	}
	return nil
}

// Get returns one item.
func (r *Repository) Get(ctx context.Context, id string) (Item, error) {
	var row itemRow
	err := r.db.GetContext(ctx, &row, selectItem+` WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if err != nil {
		return Item{}, fmt.Errorf("failed to get content item: %w", err)
	}
	return row.toItem(), nil
}

// ListByPlan returns a plan's items ordered by day then slot.
func (r *Repository) ListByPlan(ctx context.Context, ext sqlx.ExtContext, planID string) ([]Item, error) {
	if ext == nil {
		ext = r.db
	}
	var rows []itemRow
	err := sqlx.SelectContext(ctx, ext, &rows, selectItem+`
WHERE plan_id = ?
ORDER BY day_number,
         CASE type WHEN 'breakfast' THEN 0 WHEN 'lunch' THEN 1 WHEN 'dinner' THEN 2 ELSE 3 END,
         created_at, id`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan items: %w", err)
	}
	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toItem())
	}
	return items, nil
}

// Delete removes one item.
func (r *Repository) Delete(ctx context.Context, ext sqlx.ExtContext, id string) error {
	if ext == nil {
		ext = r.db
	}
	if _, err := ext.ExecContext(ctx, `DELETE FROM content_items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete content item: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
