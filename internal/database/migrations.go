package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationViolationIndex  = "2024-05-01_chat_violation_index"
	migrationTrimMealDetails = "2024-05-10_trim_meal_details"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func migrationDefinitions() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationViolationIndex, apply: createViolationIndex},
		{name: migrationTrimMealDetails, apply: trimMealDetails},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrationDefinitions() {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// createViolationIndex speeds up the per-member violation history.
func createViolationIndex(db *gorm.DB) error {
	return db.Exec("CREATE INDEX IF NOT EXISTS idx_chat_messages_violations ON chat_messages (member_id, posted_at) WHERE is_violation = 1").Error
}

// trimMealDetails strips surrounding whitespace from details written before input was trimmed.
func trimMealDetails(db *gorm.DB) error {
	return db.Exec("UPDATE meal_details SET body = trim(body) WHERE body <> trim(body)").Error
}
