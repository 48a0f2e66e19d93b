// Package content resolves meals, snacks and recipes from the shared store,
// generating and persisting new ones when the store cannot satisfy a request.
package content

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrInsufficientResults = errors.New("not enough matching content")
	ErrMalformedResponse   = errors.New("malformed generation response")
	ErrItemNotFound        = errors.New("content item not found")
)

// Type is the slot a content item fills.
type Type string

const (
	Breakfast Type = "breakfast"
	Lunch     Type = "lunch"
	Dinner    Type = "dinner"
	Snack     Type = "snack"
)

// Types lists every slot in daily order.
var Types = []Type{Breakfast, Lunch, Dinner, Snack}

// ParseType validates s.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown content type %q", s)
	}
	return t, nil
}

func (t Type) Valid() bool {
	switch t {
	case Breakfast, Lunch, Dinner, Snack:
		return true
	}
	return false
}

// Provenance records where an item came from.
type Provenance string

const (
	ProvenanceStoreMatch Provenance = "store-match"
	ProvenanceGenerated  Provenance = "generated"
)

// Macros are per-serving nutrition values. None may be negative.
type Macros struct {
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
}

// Add returns the field-wise sum.
func (m Macros) Add(o Macros) Macros {
	return Macros{
		Calories: m.Calories + o.Calories,
		Protein:  m.Protein + o.Protein,
		Carbs:    m.Carbs + o.Carbs,
		Fat:      m.Fat + o.Fat,
	}
}

// Sanitize replaces negative, NaN and infinite values with zero.
func (m Macros) Sanitize() Macros {
	return Macros{
		Calories: nonNegative(m.Calories),
		Protein:  nonNegative(m.Protein),
		Carbs:    nonNegative(m.Carbs),
		Fat:      nonNegative(m.Fat),
	}
}

// IsZero reports whether every field is zero.
func (m Macros) IsZero() bool {
	return m == Macros{}
}

func nonNegative(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// Item is a meal, snack or recipe. PlanID is empty for generic items that
// any request may reuse.
type Item struct {
	ID           string     `json:"id"`
	PlanID       string     `json:"plan_id,omitempty"`
	Name         string     `json:"name"`
	DayNumber    int        `json:"day_number"`
	Type         Type       `json:"type"`
	Macros       Macros     `json:"macros"`
	Ingredients  []string   `json:"ingredients"`
	Instructions []string   `json:"instructions"`
	ImageURL     string     `json:"image_url,omitempty"`
	Provenance   Provenance `json:"provenance"`
}

// Profile carries the user constraints passed to the generation service.
type Profile struct {
	DietaryRestrictions []string
	Allergies           []string
	Goal                string
}

// Request asks for items of one type near a calorie target.
type Request struct {
	TargetCalories float64
	DayNumber      int
	Type           Type
	// Tolerance is the half-width of the calorie window. Zero uses the resolver default.
	Tolerance float64
	// ExcludeID skips the item being exchanged.
	ExcludeID string
	Profile   Profile
}

func (r Request) validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("unknown content type %q", r.Type)
	}
	if r.TargetCalories <= 0 || math.IsNaN(r.TargetCalories) || math.IsInf(r.TargetCalories, 0) {
		return fmt.Errorf("target calories must be positive, got %v", r.TargetCalories)
	}
	if r.Tolerance < 0 {
		return fmt.Errorf("tolerance must not be negative, got %v", r.Tolerance)
	}
	return nil
}
