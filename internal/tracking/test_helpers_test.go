package tracking

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/streaks/internal/lock"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var seededGitHubIDs atomic.Int64

var testClockNow = time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(Models()...))
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := newTestDatabase(t)
	store, err := NewGormStore(db)
	require.NoError(t, err)
	service, err := NewService(ServiceConfig{
		Store:         store,
		Locker:        lock.NewLocalLocker(),
		Clock:         func() time.Time { return testClockNow },
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return service, db
}

func seedUser(t *testing.T, db *gorm.DB, userID string) UserID {
	t.Helper()
	githubID := seededGitHubIDs.Add(1)
	require.NoError(t, db.Create(&User{UserID: userID, GitHubUserID: githubID, Login: userID}).Error)
	return UserID(userID)
}

func seedRepository(t *testing.T, db *gorm.DB, userID UserID, repositoryID string) RepositoryID {
	t.Helper()
	require.NoError(t, db.Create(&TrackedRepository{
		RepositoryID: repositoryID,
		UserID:       userID.String(),
		Owner:        userID.String(),
		Name:         repositoryID,
		Active:       true,
	}).Error)
	return RepositoryID(repositoryID)
}

func deactivateRepository(t *testing.T, db *gorm.DB, repositoryID RepositoryID) {
	t.Helper()
	require.NoError(t, db.Model(&TrackedRepository{}).
		Where("repository_id = ?", repositoryID.String()).
		Update("active", false).Error)
}

func mustDay(t *testing.T, raw string) Day {
	t.Helper()
	day, err := ParseDay(raw)
	require.NoError(t, err)
	return day
}

func observe(t *testing.T, service *Service, repositoryID RepositoryID, day string, count int64) IngestReport {
	t.Helper()
	report, err := service.Ingest(context.Background(), Observation{
		RepositoryID: repositoryID,
		Day:          mustDay(t, day),
		Count:        CommitCount(count),
	})
	require.NoError(t, err)
	return report
}

// intervalSummary renders stored intervals as "start..lastCounted/length[*]" with * for active.
func intervalSummary(t *testing.T, db *gorm.DB, userID UserID) []string {
	t.Helper()
	var intervals []StreakInterval
	require.NoError(t, db.Where("user_id = ?", userID.String()).Order("start_day ASC").Find(&intervals).Error)
	summary := make([]string, 0, len(intervals))
	for _, interval := range intervals {
		marker := ""
		if interval.Active {
			marker = "*"
		}
		summary = append(summary, fmt.Sprintf("%s..%s/%d%s", interval.StartDay, interval.LastCountedDay, interval.Length, marker))
	}
	return summary
}
