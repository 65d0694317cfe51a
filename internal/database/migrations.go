package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/streaks/internal/tracking"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationSingleActiveStreakIndex = "2026-09-14_single_active_streak_index"
	migrationBackfillDeactivatedAt   = "2026-09-21_backfill_repository_deactivated_at"

	singleActiveStreakIndexName = "idx_streak_intervals_single_active"
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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSingleActiveStreakIndex, apply: createSingleActiveStreakIndex},
		{name: migrationBackfillDeactivatedAt, apply: backfillDeactivatedAt},
	}

	for _, migration := range migrations {
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
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// At most one active streak interval per user.
func createSingleActiveStreakIndex(db *gorm.DB) error {
	return db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS " + singleActiveStreakIndexName +
		" ON streak_intervals (user_id) WHERE active").Error
}

func backfillDeactivatedAt(db *gorm.DB) error {
	return db.Model(&tracking.TrackedRepository{}).
		Where("active = ? AND deactivated_at IS NULL", false).
		Update("deactivated_at", gorm.Expr("updated_at")).Error
}
