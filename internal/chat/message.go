package chat

import (
	"time"

	"github.com/google/uuid"
)

// Message is an append-only chat entry. Violation records are messages with IsViolation set.
type Message struct {
	ID          string    `gorm:"column:message_id;primaryKey;size:64;not null"`
	MemberID    string    `gorm:"column:member_id;size:190;not null;index"`
	Body        string    `gorm:"column:body;type:text;not null"`
	IsViolation bool      `gorm:"column:is_violation;not null;default:false"`
	PostedAt    time.Time `gorm:"column:posted_at;not null;index"`
}

// TableName exposes the table backing chat messages.
func (Message) TableName() string {
	return "chat_messages"
}

// IDProvider issues message identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider returns time-ordered UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
