package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fitgen/internal/content"
	"fitgen/internal/generation"
	"fitgen/internal/planner"
	"fitgen/internal/query"
)

var (
	ErrInvalidRequest = errors.New("invalid generation request")
	ErrPlanNotSaved   = errors.New("no plan items could be saved")
	// ErrAnalysisUnavailable means no generation service is configured.
	ErrAnalysisUnavailable = errors.New("meal analysis is not available")
)

const planDays = 7

// dailySlots splits a day's calorie target across the meal slots.
var dailySlots = []struct {
	Type  content.Type
	Share float64
}{
	{content.Breakfast, 0.25},
	{content.Lunch, 0.35},
	{content.Dinner, 0.30},
	{content.Snack, 0.10},
}

// ItemRequest asks for items of one type near a calorie target.
type ItemRequest struct {
	UserID         string
	Type           content.Type
	TargetCalories float64
	// Tolerance is the calorie window around the target. Zero uses the
	// resolver default.
	Tolerance float64
	DayNumber int
	Profile   content.Profile
	// Operation tags the generation log. Empty derives it from Type.
	Operation generation.Operation
}

// AnalyzeRequest asks for a nutrition estimate of a meal photo.
type AnalyzeRequest struct {
	UserID string
	Image  []byte
	// MIME is sniffed from Image when empty.
	MIME string
	Note string
}

// PlanRequest asks for a full week of meals.
type PlanRequest struct {
	UserID        string
	WeekStart     time.Time
	DailyCalories float64
	Profile       content.Profile
}

// PlanResult describes a written weekly plan.
type PlanResult struct {
	planner.WriteResult
	Draft planner.Draft
	// EmptySlots counts meal slots nothing could be found for.
	EmptySlots int
}

// ExchangeRequest asks to swap one item of a stored plan.
type ExchangeRequest struct {
	UserID  string
	PlanID  string
	ItemID  string
	Profile content.Profile
}

type resolvePayload struct {
	Items        int `json:"items"`
	StoreMatches int `json:"store_matches"`
	Generated    int `json:"generated"`
}

type planPayload struct {
	PlanID     string `json:"plan_id"`
	Saved      int    `json:"saved"`
	Failed     int    `json:"failed"`
	EmptySlots int    `json:"empty_slots"`
}

type exchangePayload struct {
	PlanID    string `json:"plan_id"`
	OldItemID string `json:"old_item_id"`
	NewItemID string `json:"new_item_id"`
}

type analysisPayload struct {
	Name     string  `json:"name"`
	Calories float64 `json:"calories"`
}

type failurePayload struct {
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// GenerateItem charges one credit and resolves a snack, meal or recipe
// request. An empty resolution fails the request and refunds the credit.
func (a *App) GenerateItem(ctx context.Context, req ItemRequest) (content.Resolution, error) {
	if !req.Type.Valid() || req.TargetCalories <= 0 || req.Tolerance < 0 {
		return content.Resolution{}, fmt.Errorf("%w: type %q, target %v kcal, tolerance %v kcal",
			ErrInvalidRequest, req.Type, req.TargetCalories, req.Tolerance)
	}
	op := req.Operation
	if op == "" {
		op = operationFor(req.Type)
	}

	var res content.Resolution
	err := a.charge(ctx, req.UserID, op, func(ctx context.Context) (any, error) {
		res = a.resolver.Resolve(ctx, content.Request{
			TargetCalories: req.TargetCalories,
			Tolerance:      req.Tolerance,
			DayNumber:      req.DayNumber,
			Type:           req.Type,
			Profile:        req.Profile,
		})
		if res.Empty() {
			return nil, insufficient(res.GenerationErr)
		}
		return resolvePayload{Items: len(res.Items), StoreMatches: res.StoreMatches, Generated: res.Generated}, nil
	})
	return res, err
}

// GenerateWeeklyPlan charges one credit, resolves every slot of a seven day
// plan and replaces the user's plan for that week. A plan with no saved
// items fails and refunds; a partial plan succeeds.
func (a *App) GenerateWeeklyPlan(ctx context.Context, req PlanRequest) (PlanResult, error) {
	if req.DailyCalories <= 0 {
		return PlanResult{}, fmt.Errorf("%w: daily calories must be positive, got %v", ErrInvalidRequest, req.DailyCalories)
	}

	var out PlanResult
	err := a.charge(ctx, req.UserID, generation.OpMealPlan, func(ctx context.Context) (any, error) {
		var lastErr error
		for day := 1; day <= planDays; day++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			for _, slot := range dailySlots {
				res := a.resolver.Resolve(ctx, content.Request{
					TargetCalories: req.DailyCalories * slot.Share,
					DayNumber:      day,
					Type:           slot.Type,
					Profile:        req.Profile,
				})
				if res.Empty() {
					out.EmptySlots++
					if res.GenerationErr != nil {
						lastErr = res.GenerationErr
					}
					continue
				}
				// Rotate through the candidates so consecutive days differ.
				it := res.Items[(day-1)%len(res.Items)]
				it.DayNumber = day
				it.Type = slot.Type
				out.Draft.Items = append(out.Draft.Items, it)
			}
		}
		if len(out.Draft.Items) == 0 {
			return nil, insufficient(lastErr)
		}

		written, err := a.plans.Replace(ctx, req.UserID, req.WeekStart, out.Draft)
		out.WriteResult = written
		if err != nil {
			return nil, err
		}
		if written.SavedCount == 0 {
			return nil, fmt.Errorf("%w: %d items failed", ErrPlanNotSaved, written.FailedCount)
		}
		if written.FailedCount > 0 || out.EmptySlots > 0 {
			a.logger.Warn("weekly plan is incomplete",
				"user_id", req.UserID, "plan_id", written.PlanID,
				"saved", written.SavedCount, "failed", written.FailedCount, "empty_slots", out.EmptySlots)
		}
		return planPayload{
			PlanID:     written.PlanID,
			Saved:      written.SavedCount,
			Failed:     written.FailedCount,
			EmptySlots: out.EmptySlots,
		}, nil
	})
	return out, err
}

// ExchangeItem charges one credit and swaps an item of the user's plan for a
// different one of the same type and similar calories.
func (a *App) ExchangeItem(ctx context.Context, req ExchangeRequest) (content.Item, error) {
	plan, err := a.plans.GetByID(ctx, req.PlanID)
	if err != nil {
		return content.Item{}, err
	}
	if plan.OwnerID != req.UserID {
		return content.Item{}, fmt.Errorf("%w: %s", planner.ErrPlanNotFound, req.PlanID)
	}
	var old content.Item
	found := false
	for _, it := range plan.Items {
		if it.ID == req.ItemID {
			old, found = it, true
			break
		}
	}
	if !found {
		return content.Item{}, fmt.Errorf("%w: %s", content.ErrItemNotFound, req.ItemID)
	}

	var swapped content.Item
	err = a.charge(ctx, req.UserID, generation.OpExchange, func(ctx context.Context) (any, error) {
		res := a.resolver.Resolve(ctx, content.Request{
			TargetCalories: old.Macros.Calories,
			DayNumber:      old.DayNumber,
			Type:           old.Type,
			ExcludeID:      old.ID,
			Profile:        req.Profile,
		})

		oldName := content.NormalizeName(old.Name)
		var (
			choice content.Item
			ok     bool
		)
		for _, it := range res.Items {
			if content.NormalizeName(it.Name) != oldName {
				choice, ok = it, true
				break
			}
		}
		if !ok {
			return nil, insufficient(res.GenerationErr)
		}
		choice.DayNumber = old.DayNumber
		choice.Type = old.Type

		var err error
		swapped, err = a.plans.ReplaceItem(ctx, req.PlanID, old.ID, choice)
		if err != nil {
			return nil, err
		}
		return exchangePayload{PlanID: req.PlanID, OldItemID: old.ID, NewItemID: swapped.ID}, nil
	})
	return swapped, err
}

// AnalyzeMeal charges one credit and estimates the dish and macros in a
// photo. The estimate is returned to the caller and not stored.
func (a *App) AnalyzeMeal(ctx context.Context, req AnalyzeRequest) (content.Item, error) {
	if a.analyzer == nil {
		return content.Item{}, ErrAnalysisUnavailable
	}
	if len(req.Image) == 0 {
		return content.Item{}, fmt.Errorf("%w: image is required", ErrInvalidRequest)
	}

	var out content.Item
	err := a.charge(ctx, req.UserID, generation.OpAIAnalysis, func(ctx context.Context) (any, error) {
		res := query.ExecuteFunction(ctx, a.exec, "content.analyze", "", func(ctx context.Context) (content.Item, error) {
			return a.analyzer.Analyze(ctx, content.AnalyzeRequest{Image: req.Image, MIME: req.MIME, Note: req.Note})
		})
		if res.Err != nil {
			return nil, res.Err
		}
		out = res.Data
		return analysisPayload{Name: out.Name, Calories: out.Macros.Calories}, nil
	})
	return out, err
}

// charge reserves one credit for op, runs fn and settles the reservation. The
// settlement runs on a context detached from ctx so a cancelled or timed out
// request still commits or refunds. fn returns the payload kept on the log.
func (a *App) charge(ctx context.Context, userID string, op generation.Operation, fn func(ctx context.Context) (any, error)) (err error) {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	reservation, err := a.ledger.Reserve(ctx, userID, op)
	if err != nil {
		return err
	}
	log := a.logger.With("user_id", userID, "operation", op, "log_id", reservation.LogID)

	var payload any
	defer func() {
		// A panic still settles as a failure before it propagates.
		r := recover()
		if r != nil {
			err = fmt.Errorf("generation panicked: %v", r)
		}
		success := err == nil
		if !success {
			payload = failurePayload{Reason: failureReason(err), Error: err.Error()}
		}
		settled, settleErr := a.ledger.Settle(context.WithoutCancel(ctx), reservation.LogID, success, encodePayload(payload))
		switch {
		case settleErr != nil:
			log.Error("failed to settle reservation, left for the sweeper", "success", success, "error", settleErr)
		case settled && !success:
			log.Warn("generation failed, credit refunded", "error", err)
		case settled:
			log.Info("generation completed")
		}
		if r != nil {
			panic(r)
		}
	}()

	payload, err = fn(ctx)
	return err
}

func operationFor(t content.Type) generation.Operation {
	if t == content.Snack {
		return generation.OpSnack
	}
	return generation.OpMeal
}

func insufficient(cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %w", content.ErrInsufficientResults, cause)
	}
	return content.ErrInsufficientResults
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, content.ErrInsufficientResults):
		return "insufficient_results"
	case errors.Is(err, ErrPlanNotSaved):
		return "not_saved"
	case errors.Is(err, content.ErrUnsupportedImage):
		return "unsupported_image"
	default:
		return "error"
	}
}

func encodePayload(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
