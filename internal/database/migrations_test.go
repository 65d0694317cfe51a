package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/streaks/internal/tracking"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openTestDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	models := append(tracking.Models(), &migrationRecord{})
	if err := database.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsBackfillsDeactivatedAt(testContext *testing.T) {
	database := openTestDatabase(testContext)

	repository := tracking.TrackedRepository{
		RepositoryID: "repo-1",
		UserID:       "user-1",
		Owner:        "octo",
		Name:         "streaks",
		Active:       true,
	}
	if err := database.Create(&repository).Error; err != nil {
		testContext.Fatalf("failed to insert repository: %v", err)
	}
	if err := database.Model(&tracking.TrackedRepository{}).
		Where("repository_id = ?", repository.RepositoryID).
		Update("active", false).Error; err != nil {
		testContext.Fatalf("failed to deactivate repository: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored tracking.TrackedRepository
	if err := database.Where("repository_id = ?", repository.RepositoryID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload repository: %v", err)
	}
	if stored.DeactivatedAt == nil {
		testContext.Fatalf("expected deactivated_at to be backfilled")
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillDeactivatedAt).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected reapplying migrations to be a no-op: %v", err)
	}
}

func TestSingleActiveStreakIndexRejectsSecondActiveInterval(testContext *testing.T) {
	database := openTestDatabase(testContext)
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	computedAt := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	closedEnd := "2024-03-02"
	intervals := []tracking.StreakInterval{
		{UserID: "user-1", StartDay: "2024-03-01", EndDay: &closedEnd, LastCountedDay: closedEnd, Length: 2, ComputedAt: computedAt},
		{UserID: "user-1", StartDay: "2024-03-04", LastCountedDay: "2024-03-04", Length: 1, Active: true, ComputedAt: computedAt},
		{UserID: "user-2", StartDay: "2024-03-04", LastCountedDay: "2024-03-04", Length: 1, Active: true, ComputedAt: computedAt},
	}
	if err := database.Create(&intervals).Error; err != nil {
		testContext.Fatalf("failed to insert intervals: %v", err)
	}

	duplicate := tracking.StreakInterval{UserID: "user-1", StartDay: "2024-03-06", LastCountedDay: "2024-03-06", Length: 1, Active: true, ComputedAt: computedAt}
	if err := database.Create(&duplicate).Error; err == nil {
		testContext.Fatalf("expected second active interval to be rejected")
	}
}
