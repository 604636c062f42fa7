package meals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/mealgate/internal/cutoff"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxQuantity       = 20
	maxDetailsLength  = 2000
	maxIdentifierSize = 190
)

var (
	// ErrCutoffPassed indicates the meal slot no longer accepts changes.
	ErrCutoffPassed = errors.New("meals: cutoff passed")
	// ErrMealNotFound indicates the member has no meal registered in the slot.
	ErrMealNotFound = errors.New("meals: meal not found")
	// ErrInvalidInput indicates a malformed member, date, period or quantity.
	ErrInvalidInput = errors.New("meals: invalid input")

	errMissingDatabase = errors.New("database handle is required")
)

// ServiceError carries a stable "meals.<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "meals.service.new"
	opAdd            = "meals.add"
	opRemove         = "meals.remove"
	opUpdateQuantity = "meals.update_quantity"
	opUpdateDetails  = "meals.update_details"
	opList           = "meals.list"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Gate decides whether a slot still accepts additions and removals. *cutoff.Enforcer
// satisfies it.
type Gate interface {
	IsOpen(period cutoff.Period, targetDate cutoff.Date) bool
}

// ServiceConfig wires the meal store.
type ServiceConfig struct {
	Database *gorm.DB
	Gate     Gate
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service stores meal registrations and per-day details.
type Service struct {
	db     *gorm.DB
	gate   Gate
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the meal store. A nil Gate leaves every slot open.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		gate:   cfg.Gate,
		clock:  clock,
		logger: logger,
	}, nil
}

// Add registers quantity portions for the slot, replacing any existing registration.
func (s *Service) Add(ctx context.Context, memberID string, date cutoff.Date, period cutoff.Period, quantity int) (Entry, error) {
	if err := validateSlot(memberID, date, period); err != nil {
		return Entry{}, newServiceError(opAdd, "invalid_input", err)
	}
	if quantity < 1 || quantity > maxQuantity {
		return Entry{}, newServiceError(opAdd, "invalid_quantity", fmt.Errorf("%w: quantity %d", ErrInvalidInput, quantity))
	}
	if !s.isOpen(period, date) {
		return Entry{}, newServiceError(opAdd, "cutoff_passed", ErrCutoffPassed)
	}

	entry := Entry{
		MemberID:  strings.TrimSpace(memberID),
		MealDate:  date.String(),
		Period:    string(period),
		Quantity:  quantity,
		UpdatedAt: s.clock().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "member_id"}, {Name: "meal_date"}, {Name: "period"}},
		DoUpdates: clause.AssignmentColumns([]string{"quantity", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		s.logError(opAdd, "upsert_failed", err)
		return Entry{}, newServiceError(opAdd, "upsert_failed", err)
	}
	return entry, nil
}

// Remove cancels the slot. Removing an absent meal succeeds so replays stay idempotent.
func (s *Service) Remove(ctx context.Context, memberID string, date cutoff.Date, period cutoff.Period) error {
	if err := validateSlot(memberID, date, period); err != nil {
		return newServiceError(opRemove, "invalid_input", err)
	}
	if !s.isOpen(period, date) {
		return newServiceError(opRemove, "cutoff_passed", ErrCutoffPassed)
	}
	err := s.db.WithContext(ctx).
		Where("member_id = ? AND meal_date = ? AND period = ?", strings.TrimSpace(memberID), date.String(), string(period)).
		Delete(&Entry{}).Error
	if err != nil {
		s.logError(opRemove, "delete_failed", err)
		return newServiceError(opRemove, "delete_failed", err)
	}
	return nil
}

// UpdateQuantity changes the portions of an existing registration.
func (s *Service) UpdateQuantity(ctx context.Context, memberID string, date cutoff.Date, period cutoff.Period, quantity int) (Entry, error) {
	if err := validateSlot(memberID, date, period); err != nil {
		return Entry{}, newServiceError(opUpdateQuantity, "invalid_input", err)
	}
	if quantity < 1 || quantity > maxQuantity {
		return Entry{}, newServiceError(opUpdateQuantity, "invalid_quantity", fmt.Errorf("%w: quantity %d", ErrInvalidInput, quantity))
	}

	var entry Entry
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("member_id = ? AND meal_date = ? AND period = ?", strings.TrimSpace(memberID), date.String(), string(period)).
			Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMealNotFound
		}
		if err != nil {
			return err
		}
		entry.Quantity = quantity
		entry.UpdatedAt = s.clock().UTC()
		return tx.Model(&Entry{}).
			Where("member_id = ? AND meal_date = ? AND period = ?", entry.MemberID, entry.MealDate, entry.Period).
			Updates(map[string]interface{}{"quantity": entry.Quantity, "updated_at": entry.UpdatedAt}).
			Error
	})
	if errors.Is(txErr, ErrMealNotFound) {
		return Entry{}, newServiceError(opUpdateQuantity, "not_found", ErrMealNotFound)
	}
	if txErr != nil {
		s.logError(opUpdateQuantity, "update_failed", txErr)
		return Entry{}, newServiceError(opUpdateQuantity, "update_failed", txErr)
	}
	return entry, nil
}

// UpdateDetails replaces the member's notes for date. The last write wins.
func (s *Service) UpdateDetails(ctx context.Context, memberID string, date cutoff.Date, body string) (Details, error) {
	if strings.TrimSpace(memberID) == "" || len(memberID) > maxIdentifierSize || date.IsZero() {
		return Details{}, newServiceError(opUpdateDetails, "invalid_input", ErrInvalidInput)
	}
	if len(body) > maxDetailsLength {
		return Details{}, newServiceError(opUpdateDetails, "details_too_long", ErrInvalidInput)
	}
	details := Details{
		MemberID:  strings.TrimSpace(memberID),
		MealDate:  date.String(),
		Body:      strings.TrimSpace(body),
		UpdatedAt: s.clock().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "member_id"}, {Name: "meal_date"}},
		DoUpdates: clause.AssignmentColumns([]string{"body", "updated_at"}),
	}).Create(&details).Error
	if err != nil {
		s.logError(opUpdateDetails, "upsert_failed", err)
		return Details{}, newServiceError(opUpdateDetails, "upsert_failed", err)
	}
	return details, nil
}

// List returns every meal registered on date, morning before night.
func (s *Service) List(ctx context.Context, date cutoff.Date) ([]Entry, error) {
	if date.IsZero() {
		return nil, newServiceError(opList, "invalid_input", ErrInvalidInput)
	}
	var entries []Entry
	err := s.db.WithContext(ctx).
		Where("meal_date = ?", date.String()).
		Order("period ASC").
		Order("member_id ASC").
		Find(&entries).Error
	if err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}
	return entries, nil
}

// ListDetails returns every member's notes for date.
func (s *Service) ListDetails(ctx context.Context, date cutoff.Date) ([]Details, error) {
	if date.IsZero() {
		return nil, newServiceError(opList, "invalid_input", ErrInvalidInput)
	}
	var details []Details
	err := s.db.WithContext(ctx).
		Where("meal_date = ?", date.String()).
		Order("member_id ASC").
		Find(&details).Error
	if err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}
	return details, nil
}

func (s *Service) isOpen(period cutoff.Period, date cutoff.Date) bool {
	if s.gate == nil {
		return true
	}
	return s.gate.IsOpen(period, date)
}

func (s *Service) logError(operation, reason string, err error) {
	s.logger.Error("meal service failure",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err))
}

func validateSlot(memberID string, date cutoff.Date, period cutoff.Period) error {
	trimmed := strings.TrimSpace(memberID)
	if trimmed == "" || len(trimmed) > maxIdentifierSize {
		return fmt.Errorf("%w: member id", ErrInvalidInput)
	}
	if date.IsZero() {
		return fmt.Errorf("%w: date", ErrInvalidInput)
	}
	if _, err := cutoff.ParsePeriod(string(period)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
