package cutoff

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInvalidRequest indicates a validation request with missing or malformed fields.
	ErrInvalidRequest = errors.New("cutoff: invalid validation request")

	errMissingViolationSink = errors.New("cutoff: violation sink is required")
)

// ViolationRecord is the audit entry written when a member changes today's meal late.
type ViolationRecord struct {
	ActorID     string
	ActorName   string
	Period      Period
	Action      Action
	CutoffLabel string
	Message     string
	PostedAt    time.Time
}

// ViolationSink appends violation records to the shared audit stream.
type ViolationSink interface {
	RecordViolation(ctx context.Context, record ViolationRecord) error
}

// MemberDirectory resolves display names for violation messages.
type MemberDirectory interface {
	DisplayName(ctx context.Context, memberID string) (string, error)
}

// ValidationRequest is a meal change awaiting server approval.
type ValidationRequest struct {
	Action     Action
	ActorID    string
	TargetDate Date
	Period     Period
}

// ValidationResult carries the decision. A rejection is a normal outcome, not an error.
type ValidationResult struct {
	OK           bool
	Reason       string
	CutoffPassed bool
	Violation    *ViolationRecord
}

// EnforcerConfig wires the enforcer to authoritative time and the audit stream.
type EnforcerConfig struct {
	Policy  Policy
	Clock   func() time.Time
	Members MemberDirectory
	Sink    ViolationSink
	Logger  *zap.Logger
}

// Enforcer re-validates meal changes with server time.
type Enforcer struct {
	policy  Policy
	clock   func() time.Time
	members MemberDirectory
	sink    ViolationSink
	logger  *zap.Logger
}

// NewEnforcer constructs an Enforcer.
func NewEnforcer(cfg EnforcerConfig) (*Enforcer, error) {
	if cfg.Sink == nil {
		return nil, errMissingViolationSink
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{
		policy:  cfg.Policy,
		clock:   clock,
		members: cfg.Members,
		sink:    cfg.Sink,
		logger:  logger,
	}, nil
}

// Policy returns the policy the enforcer evaluates.
func (e *Enforcer) Policy() Policy {
	return e.policy
}

// Now returns authoritative server time.
func (e *Enforcer) Now() time.Time {
	return e.clock()
}

// IsOpen reports whether period on targetDate still accepts changes. It writes nothing.
func (e *Enforcer) IsOpen(period Period, targetDate Date) bool {
	return !e.policy.IsCutoffPassed(period, targetDate, e.clock())
}

// Validate approves or rejects the request. Only a late change to today's meal is
// recorded as a violation; past and future dates are rejected or accepted silently.
func (e *Enforcer) Validate(ctx context.Context, request ValidationRequest) (ValidationResult, error) {
	if err := validateRequest(request); err != nil {
		return ValidationResult{}, err
	}

	now := e.clock()
	if !e.policy.IsCutoffPassed(request.Period, request.TargetDate, now) {
		return ValidationResult{OK: true}, nil
	}

	label := e.policy.CutoffLabel(request.Period)
	result := ValidationResult{
		OK:           false,
		Reason:       RejectionReason(request.Period, label),
		CutoffPassed: true,
	}

	if request.TargetDate.Compare(e.policy.Today(now)) != 0 {
		return result, nil
	}

	name := e.displayName(ctx, request.ActorID)
	record := ViolationRecord{
		ActorID:     request.ActorID,
		ActorName:   name,
		Period:      request.Period,
		Action:      request.Action,
		CutoffLabel: label,
		Message:     ViolationMessage(name, request.Action, request.Period, label),
		PostedAt:    now.UTC(),
	}
	if err := e.sink.RecordViolation(ctx, record); err != nil {
		e.logger.Error("cutoff violation not recorded",
			zap.String("actor_id", request.ActorID),
			zap.String("period", request.Period.String()),
			zap.Error(err))
		return result, nil
	}

	e.logger.Info("cutoff violation recorded",
		zap.String("actor_id", request.ActorID),
		zap.String("action", string(request.Action)),
		zap.String("period", request.Period.String()),
		zap.String("target_date", request.TargetDate.String()))
	result.Violation = &record
	return result, nil
}

func (e *Enforcer) displayName(ctx context.Context, actorID string) string {
	if e.members == nil {
		return actorID
	}
	name, err := e.members.DisplayName(ctx, actorID)
	if err != nil {
		e.logger.Warn("member display name lookup failed", zap.String("actor_id", actorID), zap.Error(err))
		return actorID
	}
	if strings.TrimSpace(name) == "" {
		return actorID
	}
	return name
}

func validateRequest(request ValidationRequest) error {
	if strings.TrimSpace(request.ActorID) == "" {
		return fmt.Errorf("%w: actor id required", ErrInvalidRequest)
	}
	if request.TargetDate.IsZero() {
		return fmt.Errorf("%w: target date required", ErrInvalidRequest)
	}
	if _, err := ParsePeriod(string(request.Period)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if _, err := ParseAction(string(request.Action)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// ViolationMessage renders "<name> has <added|removed> their <period> meal after <label>".
func ViolationMessage(name string, action Action, period Period, cutoffLabel string) string {
	return fmt.Sprintf("%s has %s their %s meal after %s", name, action.PastTense(), period, cutoffLabel)
}

// RejectionReason names the period and its cutoff time.
func RejectionReason(period Period, cutoffLabel string) string {
	return fmt.Sprintf("The %s meal cutoff (%s) has passed", period, cutoffLabel)
}
