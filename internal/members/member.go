package members

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

const maxIdentifierLength = 190

// Member is a mess resident allowed to register meals and post in the chat.
type Member struct {
	ID          string    `gorm:"column:member_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing members.
func (Member) TableName() string {
	return "members"
}

// normalizeName trims and NFC-normalizes a display name so visually equal names compare equal.
func normalizeName(value string) string {
	return norm.NFC.String(strings.TrimSpace(value))
}
