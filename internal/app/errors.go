package app

import (
	"context"
	"errors"

	"fitgen/internal/content"
	"fitgen/internal/credits"
	"fitgen/internal/planner"
)

// UserMessage turns a pipeline error into a short message fit for an end
// user. Error text from external services never reaches the result.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, credits.ErrCreditsExhausted):
		return "Generation limit reached. Your credits will be topped up with your next plan renewal."
	case errors.Is(err, credits.ErrAccountNotFound):
		return "Generation credits are not set up for this account yet."
	case errors.Is(err, ErrInvalidRequest):
		return "That request is missing a meal type or calorie target."
	case errors.Is(err, planner.ErrPlanNotFound), errors.Is(err, content.ErrItemNotFound):
		return "That plan or meal no longer exists. Refresh and try again."
	case errors.Is(err, content.ErrInsufficientResults):
		return "Not enough matching meals found, try again later. Your credit was returned."
	case errors.Is(err, context.DeadlineExceeded):
		return "Generation took too long. Your credit was returned, please try again."
	case errors.Is(err, context.Canceled):
		return "The request was cancelled. Your credit was returned."
	case errors.Is(err, ErrAnalysisUnavailable):
		return "Photo analysis is not available right now."
	case errors.Is(err, content.ErrUnsupportedImage):
		return "That file is not a photo we can read. Your credit was returned."
	case errors.Is(err, ErrPlanNotSaved):
		return "The plan could not be saved. Your credit was returned, please try again."
	default:
		return "Something went wrong, please try again."
	}
}
