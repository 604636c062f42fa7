package client

import (
	"context"

	"github.com/MarcoPoloResearchLab/mealgate/internal/cutoff"
	"github.com/MarcoPoloResearchLab/mealgate/internal/failures"
	"github.com/MarcoPoloResearchLab/mealgate/internal/queue"
)

// Executor replays queued actions through the API. Meal additions and removals are
// re-validated by the server before they are applied, so a late replay is rejected and
// recorded instead of silently succeeding.
type Executor struct {
	api *API
}

var _ queue.Executor = (*Executor)(nil)

// NewExecutor wraps api.
func NewExecutor(api *API) *Executor {
	return &Executor{api: api}
}

func (e *Executor) AddMeal(ctx context.Context, payload queue.AddMeal) error {
	if err := e.validate(ctx, "executor.add_meal", cutoff.ActionAdd, payload.MemberID, payload.Date, payload.Period); err != nil {
		return err
	}
	return e.api.AddMeal(ctx, payload.Date, payload.Period, payload.Quantity)
}

func (e *Executor) RemoveMeal(ctx context.Context, payload queue.RemoveMeal) error {
	if err := e.validate(ctx, "executor.remove_meal", cutoff.ActionRemove, payload.MemberID, payload.Date, payload.Period); err != nil {
		return err
	}
	return e.api.RemoveMeal(ctx, payload.Date, payload.Period)
}

func (e *Executor) UpdateQuantity(ctx context.Context, payload queue.UpdateQuantity) error {
	return e.api.UpdateQuantity(ctx, payload.Date, payload.Period, payload.Quantity)
}

func (e *Executor) SendMessage(ctx context.Context, payload queue.SendMessage) error {
	_, err := e.api.PostMessage(ctx, payload.Body)
	return err
}

func (e *Executor) UpdateDetails(ctx context.Context, payload queue.UpdateDetails) error {
	return e.api.UpdateDetails(ctx, payload.Date, payload.Details)
}

func (e *Executor) validate(ctx context.Context, op string, action cutoff.Action, memberID string, date cutoff.Date, period cutoff.Period) error {
	outcome, err := e.api.ValidateCutoff(ctx, action, memberID, date, period)
	if err != nil {
		return err
	}
	if !outcome.OK {
		if outcome.CutoffPassed {
			return failures.CutoffViolation(op, outcome.Reason)
		}
		return failures.New(op, failures.CategoryValidation, "", outcome.Reason, nil)
	}
	return nil
}
