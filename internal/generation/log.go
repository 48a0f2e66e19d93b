// Package generation records every attempt to call the generation service.
package generation

import (
	"errors"
	"fmt"
	"time"
)

// Status of a generation attempt.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Operation tags what was generated.
type Operation string

const (
	OpMealPlan   Operation = "meal-plan"
	OpSnack      Operation = "snack"
	OpRecipe     Operation = "recipe"
	OpMeal       Operation = "meal"
	OpExchange   Operation = "exchange"
	OpAIAnalysis Operation = "ai-analysis"
)

var (
	ErrInvalidTransition = errors.New("invalid generation status transition")
	ErrNotFound          = errors.New("generation log not found")
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// CanTransition reports whether a log in status s may move to next.
// Only pending logs move, and only to a terminal status.
func (s Status) CanTransition(next Status) bool {
	return s == StatusPending && next.Terminal()
}

// Transition returns next or ErrInvalidTransition.
func (s Status) Transition(next Status) (Status, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return next, nil
}

// Log is an audit record of one generation attempt.
type Log struct {
	ID          string
	UserID      string
	Operation   Operation
	Status      Status
	Charged     bool
	CreatedAt   time.Time
	CompletedAt *time.Time
	Payload     string
}
