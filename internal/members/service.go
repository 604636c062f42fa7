package members

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidMember indicates an empty or oversized member identifier.
	ErrInvalidMember = errors.New("members: invalid member id")
	// ErrUnknownMember indicates the member has never been registered.
	ErrUnknownMember = errors.New("members: unknown member")
)

// ServiceConfig describes the dependencies required for the member directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service registers members and resolves their display names.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the member directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("members: database connection required")
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
		now:    clock,
		logger: logger,
	}, nil
}

// Register creates the member or renames an existing one. An empty display name keeps the
// stored name, or falls back to the identifier for a new member.
func (s *Service) Register(ctx context.Context, memberID, displayName string) (Member, error) {
	id, err := normalizeID(memberID)
	if err != nil {
		return Member{}, err
	}
	name := normalizeName(displayName)

	var member Member
	err = s.db.WithContext(ctx).Where("member_id = ?", id).Take(&member).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if name == "" {
			name = id
		}
		now := s.now().UTC()
		member = Member{ID: id, DisplayName: name, CreatedAt: now, UpdatedAt: now}
		if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "member_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "updated_at"}),
		}).Create(&member).Error; err != nil {
			return Member{}, err
		}
		s.logger.Info("member registered", zap.String("member_id", id))
	case err != nil:
		return Member{}, err
	default:
		if name != "" && name != member.DisplayName {
			member.DisplayName = name
			member.UpdatedAt = s.now().UTC()
			if err := s.db.WithContext(ctx).Model(&Member{}).
				Where("member_id = ?", id).
				Updates(map[string]interface{}{"display_name": name, "updated_at": member.UpdatedAt}).
				Error; err != nil {
				return Member{}, err
			}
		}
	}

	s.cache.Store(id, member.DisplayName)
	return member, nil
}

// Get loads a member by identifier.
func (s *Service) Get(ctx context.Context, memberID string) (Member, error) {
	id, err := normalizeID(memberID)
	if err != nil {
		return Member{}, err
	}
	var member Member
	err = s.db.WithContext(ctx).Where("member_id = ?", id).Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Member{}, fmt.Errorf("%w: %s", ErrUnknownMember, id)
	}
	if err != nil {
		return Member{}, err
	}
	return member, nil
}

// DisplayName returns the member's name for violation messages. It implements
// cutoff.MemberDirectory.
func (s *Service) DisplayName(ctx context.Context, memberID string) (string, error) {
	if cached, ok := s.cache.Load(strings.TrimSpace(memberID)); ok {
		if name, ok := cached.(string); ok {
			return name, nil
		}
	}
	member, err := s.Get(ctx, memberID)
	if err != nil {
		return "", err
	}
	s.cache.Store(member.ID, member.DisplayName)
	return member.DisplayName, nil
}

// Exists reports whether memberID has been registered.
func (s *Service) Exists(ctx context.Context, memberID string) (bool, error) {
	_, err := s.Get(ctx, memberID)
	if errors.Is(err, ErrUnknownMember) {
		return false, nil
	}
	return err == nil, err
}

func normalizeID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidMember)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidMember, maxIdentifierLength)
	}
	return trimmed, nil
}
