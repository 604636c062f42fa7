// Package chat stores the mess-wide message stream and the cutoff violation audit entries
// that are posted into it.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/mealgate/internal/cutoff"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxBodyRunes     = 4000
)

var (
	// ErrEmptyBody indicates a message without visible text.
	ErrEmptyBody = errors.New("chat: message body is empty")
	// ErrBodyTooLong indicates a message over the size limit.
	ErrBodyTooLong = errors.New("chat: message body too long")
	// ErrMissingMember indicates a message without an author.
	ErrMissingMember = errors.New("chat: member id is required")

	errMissingDatabase = errors.New("chat: database handle is required")
)

// Publisher fans new messages out to live subscribers.
type Publisher interface {
	Publish(message Message)
}

// ServiceConfig wires the chat store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Publisher  Publisher
	Logger     *zap.Logger
}

// Service appends messages and violation records and publishes them.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	publisher  Publisher
	logger     *zap.Logger
}

var _ cutoff.ViolationSink = (*Service)(nil)

// NewService constructs the chat store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		publisher:  cfg.Publisher,
		logger:     logger,
	}, nil
}

// Post appends a regular chat message from memberID.
func (s *Service) Post(ctx context.Context, memberID, body string) (Message, error) {
	normalized, err := normalizeBody(body)
	if err != nil {
		return Message{}, err
	}
	return s.append(ctx, memberID, normalized, false, s.clock().UTC())
}

// RecordViolation appends a late-change audit entry. It implements cutoff.ViolationSink.
func (s *Service) RecordViolation(ctx context.Context, record cutoff.ViolationRecord) error {
	body, err := normalizeBody(record.Message)
	if err != nil {
		return err
	}
	postedAt := record.PostedAt
	if postedAt.IsZero() {
		postedAt = s.clock()
	}
	_, err = s.append(ctx, record.ActorID, body, true, postedAt.UTC())
	return err
}

// List returns up to limit of the most recent messages, oldest first.
func (s *Service) List(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	var messages []Message
	err := s.db.WithContext(ctx).
		Order("posted_at DESC").
		Order("message_id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	for left, right := 0, len(messages)-1; left < right; left, right = left+1, right-1 {
		messages[left], messages[right] = messages[right], messages[left]
	}
	return messages, nil
}

// Violations returns the violation records posted by memberID, oldest first.
func (s *Service) Violations(ctx context.Context, memberID string) ([]Message, error) {
	var messages []Message
	err := s.db.WithContext(ctx).
		Where("member_id = ? AND is_violation = ?", strings.TrimSpace(memberID), true).
		Order("posted_at ASC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("chat: list violations: %w", err)
	}
	return messages, nil
}

func (s *Service) append(ctx context.Context, memberID, body string, isViolation bool, postedAt time.Time) (Message, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return Message{}, ErrMissingMember
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Message{}, fmt.Errorf("chat: issue message id: %w", err)
	}
	message := Message{
		ID:          id,
		MemberID:    memberID,
		Body:        body,
		IsViolation: isViolation,
		PostedAt:    postedAt,
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logger.Error("chat message not stored",
			zap.String("member_id", memberID),
			zap.Bool("is_violation", isViolation),
			zap.Error(err))
		return Message{}, fmt.Errorf("chat: store message: %w", err)
	}
	if s.publisher != nil {
		s.publisher.Publish(message)
	}
	return message, nil
}

func normalizeBody(body string) (string, error) {
	normalized := norm.NFC.String(strings.TrimSpace(body))
	if normalized == "" {
		return "", ErrEmptyBody
	}
	if utf8.RuneCountInString(normalized) > maxBodyRunes {
		return "", ErrBodyTooLong
	}
	return normalized, nil
}
