package meals

import (
	"time"

	"github.com/MarcoPoloResearchLab/mealgate/internal/cutoff"
)

// Entry is one registered meal. A member holds at most one entry per date and period.
type Entry struct {
	MemberID  string    `gorm:"column:member_id;primaryKey;size:190;not null"`
	MealDate  string    `gorm:"column:meal_date;primaryKey;size:10;not null"`
	Period    string    `gorm:"column:period;primaryKey;size:16;not null"`
	Quantity  int       `gorm:"column:quantity;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName exposes the table backing meal entries.
func (Entry) TableName() string {
	return "meal_entries"
}

// Date parses the stored date. Stored values are always valid.
func (e Entry) Date() cutoff.Date {
	date, _ := cutoff.ParseDate(e.MealDate)
	return date
}

// Details holds a member's free-form notes for a day, e.g. guests or dietary requests.
type Details struct {
	MemberID  string    `gorm:"column:member_id;primaryKey;size:190;not null"`
	MealDate  string    `gorm:"column:meal_date;primaryKey;size:10;not null"`
	Body      string    `gorm:"column:body;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName exposes the table backing meal details.
func (Details) TableName() string {
	return "meal_details"
}
