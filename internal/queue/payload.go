package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/mealgate/internal/cutoff"
)

// Kind names a payload type in persisted snapshots.
type Kind string

// Persisted kind names. Changing one orphans snapshots already on disk.
const (
	// KindAddMeal tags AddMeal.
	KindAddMeal Kind = "add_meal"
	// KindRemoveMeal tags RemoveMeal.
	KindRemoveMeal Kind = "remove_meal"
	// KindUpdateQuantity tags UpdateQuantity.
	KindUpdateQuantity Kind = "update_quantity"
	// KindSendMessage tags SendMessage.
	KindSendMessage Kind = "send_message"
	// KindUpdateDetails tags UpdateDetails.
	KindUpdateDetails Kind = "update_details"
)

// ErrInvalidPayload indicates a payload that can never be replayed.
var ErrInvalidPayload = errors.New("queue: invalid payload")

// Executor performs queued actions against the server.
type Executor interface {
	AddMeal(ctx context.Context, payload AddMeal) error
	RemoveMeal(ctx context.Context, payload RemoveMeal) error
	UpdateQuantity(ctx context.Context, payload UpdateQuantity) error
	SendMessage(ctx context.Context, payload SendMessage) error
	UpdateDetails(ctx context.Context, payload UpdateDetails) error
}

// Payload is one of AddMeal, RemoveMeal, UpdateQuantity, SendMessage or UpdateDetails.
// The set is closed: apply is unexported, so only this package can add a kind.
type Payload interface {
	Kind() Kind
	Validate() error
	apply(ctx context.Context, executor Executor) error
}

// Apply dispatches payload to the matching Executor method.
func Apply(ctx context.Context, executor Executor, payload Payload) error {
	return payload.apply(ctx, executor)
}

// AddMeal registers a meal. Replays upsert by member, date and period.
type AddMeal struct {
	MemberID string
	Date     cutoff.Date
	Period   cutoff.Period
	Quantity int
}

// Kind returns KindAddMeal.
func (AddMeal) Kind() Kind { return KindAddMeal }

// Validate requires a complete slot and at least one portion.
func (p AddMeal) Validate() error {
	if err := validateSlot(p.MemberID, p.Date, p.Period); err != nil {
		return err
	}
	if p.Quantity < 1 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidPayload)
	}
	return nil
}

func (p AddMeal) apply(ctx context.Context, executor Executor) error {
	return executor.AddMeal(ctx, p)
}

// RemoveMeal cancels a meal. Replays delete by member, date and period.
type RemoveMeal struct {
	MemberID string
	Date     cutoff.Date
	Period   cutoff.Period
}

// Kind returns KindRemoveMeal.
func (RemoveMeal) Kind() Kind { return KindRemoveMeal }

// Validate requires a complete slot.
func (p RemoveMeal) Validate() error {
	return validateSlot(p.MemberID, p.Date, p.Period)
}

func (p RemoveMeal) apply(ctx context.Context, executor Executor) error {
	return executor.RemoveMeal(ctx, p)
}

// UpdateQuantity changes the number of portions for an existing meal.
type UpdateQuantity struct {
	MemberID string
	Date     cutoff.Date
	Period   cutoff.Period
	Quantity int
}

// Kind returns KindUpdateQuantity.
func (UpdateQuantity) Kind() Kind { return KindUpdateQuantity }

// Validate requires a complete slot and at least one portion.
func (p UpdateQuantity) Validate() error {
	if err := validateSlot(p.MemberID, p.Date, p.Period); err != nil {
		return err
	}
	if p.Quantity < 1 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidPayload)
	}
	return nil
}

func (p UpdateQuantity) apply(ctx context.Context, executor Executor) error {
	return executor.UpdateQuantity(ctx, p)
}

// SendMessage posts a chat message.
type SendMessage struct {
	MemberID string
	Body     string
}

// Kind returns KindSendMessage.
func (SendMessage) Kind() Kind { return KindSendMessage }

// Validate requires a member and a non-blank body.
func (p SendMessage) Validate() error {
	if strings.TrimSpace(p.MemberID) == "" {
		return fmt.Errorf("%w: member id required", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.Body) == "" {
		return fmt.Errorf("%w: message body required", ErrInvalidPayload)
	}
	return nil
}

func (p SendMessage) apply(ctx context.Context, executor Executor) error {
	return executor.SendMessage(ctx, p)
}

// UpdateDetails replaces the free-form notes of a day's meals. The last replay wins.
type UpdateDetails struct {
	MemberID string
	Date     cutoff.Date
	Details  string
}

// Kind returns KindUpdateDetails.
func (UpdateDetails) Kind() Kind { return KindUpdateDetails }

// Validate requires a member and a date.
func (p UpdateDetails) Validate() error {
	if strings.TrimSpace(p.MemberID) == "" {
		return fmt.Errorf("%w: member id required", ErrInvalidPayload)
	}
	if p.Date.IsZero() {
		return fmt.Errorf("%w: date required", ErrInvalidPayload)
	}
	return nil
}

func (p UpdateDetails) apply(ctx context.Context, executor Executor) error {
	return executor.UpdateDetails(ctx, p)
}

func validateSlot(memberID string, date cutoff.Date, period cutoff.Period) error {
	if strings.TrimSpace(memberID) == "" {
		return fmt.Errorf("%w: member id required", ErrInvalidPayload)
	}
	if date.IsZero() {
		return fmt.Errorf("%w: date required", ErrInvalidPayload)
	}
	if _, err := cutoff.ParsePeriod(string(period)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// CutoffSlot returns the period and date a payload is bound to when the change is subject
// to a meal cutoff.
func CutoffSlot(payload Payload) (cutoff.Action, cutoff.Date, cutoff.Period, bool) {
	switch typed := payload.(type) {
	case AddMeal:
		return cutoff.ActionAdd, typed.Date, typed.Period, true
	case RemoveMeal:
		return cutoff.ActionRemove, typed.Date, typed.Period, true
	default:
		return "", cutoff.Date{}, "", false
	}
}
