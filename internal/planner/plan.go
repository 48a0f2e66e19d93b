package planner

import (
	"errors"
	"time"

	"fitgen/internal/content"
)

var ErrPlanNotFound = errors.New("weekly plan not found")

const weekDateLayout = "2006-01-02"

// WeeklyPlan is a stored plan with its items.
type WeeklyPlan struct {
	ID        string
	OwnerID   string
	WeekStart time.Time
	Items     []content.Item
	Totals    content.Macros
	CreatedAt time.Time
}

// Draft is a plan about to be written. Zero Totals are computed from Items.
type Draft struct {
	Items  []content.Item
	Totals content.Macros
}

// WriteResult tallies a Replace.
type WriteResult struct {
	PlanID      string
	SavedCount  int
	FailedCount int
	// DeleteErr is set when the previous plan could not be removed and a
	// duplicate may now exist for the same week.
	DeleteErr error
}

// ReplacePolicy selects how Replace trades duplicate risk against data loss.
type ReplacePolicy int

const (
	// PreferDuplicates runs each statement on its own. A failed delete is
	// logged and the write goes ahead, so the worst case is two plans for a
	// week rather than none.
	PreferDuplicates ReplacePolicy = iota
	// Transactional runs the delete, header and items in one transaction.
	// Each item insert gets its own savepoint so one bad item is counted as
	// failed without undoing the rest.
	Transactional
)

func (p ReplacePolicy) String() string {
	switch p {
	case Transactional:
		return "transactional"
	default:
		return "prefer-duplicates"
	}
}

// CanonicalWeekStart returns Monday 00:00 UTC of the week containing t.
func CanonicalWeekStart(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	y, m, d := t.AddDate(0, 0, -offset).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ComputeTotals sums the macros of items.
func ComputeTotals(items []content.Item) content.Macros {
	var total content.Macros
	for _, it := range items {
		total = total.Add(it.Macros.Sanitize())
	}
	return total
}
