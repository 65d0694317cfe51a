package tracking

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the storage port shared by the ingestion gate, the aggregator and the
// streak engine. Lookups of a missing row return an error matching ErrNotFound.
type Store interface {
	// Transaction runs fn against a transactional Store. Every write made
	// through the inner Store commits or rolls back together.
	Transaction(ctx context.Context, fn func(Store) error) error

	FindUser(ctx context.Context, userID UserID) (User, error)
	LockUser(ctx context.Context, userID UserID) (User, error)
	FindRepository(ctx context.Context, repositoryID RepositoryID) (TrackedRepository, error)
	ListRepositories(ctx context.Context, userID UserID, activeOnly bool) ([]TrackedRepository, error)

	UpsertRepoDay(ctx context.Context, record RepoDayCommitRecord) error
	FindRepoDay(ctx context.Context, repositoryID RepositoryID, day Day) (RepoDayCommitRecord, error)
	ListRepoDays(ctx context.Context, repositoryIDs []string, days DayRange) ([]RepoDayCommitRecord, error)

	UpsertUserDay(ctx context.Context, record UserDayCommitRecord) error
	ListUserDays(ctx context.Context, userID UserID, days DayRange) ([]UserDayCommitRecord, error)
	EarliestUserDay(ctx context.Context, userID UserID) (Day, bool, error)
	DeleteUserDays(ctx context.Context, userID UserID) error

	ListStreaks(ctx context.Context, userID UserID, days DayRange) ([]StreakInterval, error)
	ListActiveStreaks(ctx context.Context, userID UserID) ([]StreakInterval, error)
	FindStreakAnchor(ctx context.Context, userID UserID, before Day) (*StreakInterval, error)
	DeleteStreaksFrom(ctx context.Context, userID UserID, from Day) error
	InsertStreaks(ctx context.Context, intervals []StreakInterval) error
}

const (
	queryUserID          = "user_id = ?"
	queryRepositoryID    = "repository_id = ?"
	queryRepositoryDay   = "repository_id = ? AND day = ?"
	queryRepositoryIDsIn = "repository_id IN ?"
	queryActive          = "active = ?"
	orderDayAsc          = "day ASC"
	orderStartDayAsc     = "start_day ASC"
	orderStartDayDesc    = "start_day DESC"
)

// GormStore implements Store on top of a GORM connection.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps the provided database handle.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("tracking: database handle is required")
	}
	return &GormStore{db: db}, nil
}

// Transaction implements Store.
func (store *GormStore) Transaction(ctx context.Context, fn func(Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(&GormStore{db: transaction})
	})
}

// FindUser implements Store.
func (store *GormStore) FindUser(ctx context.Context, userID UserID) (User, error) {
	var user User
	err := store.db.WithContext(ctx).Where(queryUserID, userID.String()).Take(&user).Error
	return user, translateMissing(err, "user", userID.String())
}

// LockUser loads the user row with a row lock where the dialect supports one.
func (store *GormStore) LockUser(ctx context.Context, userID UserID) (User, error) {
	var user User
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryUserID, userID.String()).
		Take(&user).Error
	return user, translateMissing(err, "user", userID.String())
}

// FindRepository implements Store.
func (store *GormStore) FindRepository(ctx context.Context, repositoryID RepositoryID) (TrackedRepository, error) {
	var repository TrackedRepository
	err := store.db.WithContext(ctx).Where(queryRepositoryID, repositoryID.String()).Take(&repository).Error
	return repository, translateMissing(err, "repository", repositoryID.String())
}

// ListRepositories implements Store.
func (store *GormStore) ListRepositories(ctx context.Context, userID UserID, activeOnly bool) ([]TrackedRepository, error) {
	query := store.db.WithContext(ctx).Where(queryUserID, userID.String())
	if activeOnly {
		query = query.Where(queryActive, true)
	}
	var repositories []TrackedRepository
	if err := query.Order("repository_id ASC").Find(&repositories).Error; err != nil {
		return nil, err
	}
	return repositories, nil
}

// UpsertRepoDay replaces the stored record for the (repository, day) key in full.
func (store *GormStore) UpsertRepoDay(ctx context.Context, record RepoDayCommitRecord) error {
	return store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "repository_id"}, {Name: "day"}},
			DoUpdates: clause.AssignmentColumns([]string{"commit_count", "raw_payload", "observed_at"}),
		}).
		Create(&record).Error
}

// FindRepoDay implements Store.
func (store *GormStore) FindRepoDay(ctx context.Context, repositoryID RepositoryID, day Day) (RepoDayCommitRecord, error) {
	var record RepoDayCommitRecord
	err := store.db.WithContext(ctx).
		Where(queryRepositoryDay, repositoryID.String(), day.String()).
		Take(&record).Error
	return record, translateMissing(err, "repository day", repositoryID.String()+"@"+day.String())
}

// ListRepoDays implements Store.
func (store *GormStore) ListRepoDays(ctx context.Context, repositoryIDs []string, days DayRange) ([]RepoDayCommitRecord, error) {
	if len(repositoryIDs) == 0 {
		return nil, nil
	}
	query := applyDayRange(store.db.WithContext(ctx).Where(queryRepositoryIDsIn, repositoryIDs), "day", days)
	var records []RepoDayCommitRecord
	if err := query.Order(orderDayAsc).Order("repository_id ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// UpsertUserDay implements Store.
func (store *GormStore) UpsertUserDay(ctx context.Context, record UserDayCommitRecord) error {
	return store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "day"}},
			DoUpdates: clause.AssignmentColumns([]string{"total_commits", "computed_at"}),
		}).
		Create(&record).Error
}

// ListUserDays returns the user's daily totals in ascending day order.
func (store *GormStore) ListUserDays(ctx context.Context, userID UserID, days DayRange) ([]UserDayCommitRecord, error) {
	query := applyDayRange(store.db.WithContext(ctx).Where(queryUserID, userID.String()), "day", days)
	var records []UserDayCommitRecord
	if err := query.Order(orderDayAsc).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// EarliestUserDay implements Store.
func (store *GormStore) EarliestUserDay(ctx context.Context, userID UserID) (Day, bool, error) {
	var record UserDayCommitRecord
	err := store.db.WithContext(ctx).
		Where(queryUserID, userID.String()).
		Order(orderDayAsc).
		Limit(1).
		Find(&record).Error
	if err != nil {
		return Day{}, false, err
	}
	if record.Day == "" {
		return Day{}, false, nil
	}
	day, err := ParseDay(record.Day)
	if err != nil {
		return Day{}, false, err
	}
	return day, true, nil
}

// DeleteUserDays implements Store.
func (store *GormStore) DeleteUserDays(ctx context.Context, userID UserID) error {
	return store.db.WithContext(ctx).Where(queryUserID, userID.String()).Delete(&UserDayCommitRecord{}).Error
}

// ListStreaks returns intervals intersecting the range, oldest first.
func (store *GormStore) ListStreaks(ctx context.Context, userID UserID, days DayRange) ([]StreakInterval, error) {
	query := store.db.WithContext(ctx).Where(queryUserID, userID.String())
	if !days.From.IsZero() {
		query = query.Where("last_counted_day >= ?", days.From.String())
	}
	if !days.To.IsZero() {
		query = query.Where("start_day <= ?", days.To.String())
	}
	var intervals []StreakInterval
	if err := query.Order(orderStartDayAsc).Find(&intervals).Error; err != nil {
		return nil, err
	}
	return intervals, nil
}

// ListActiveStreaks implements Store.
func (store *GormStore) ListActiveStreaks(ctx context.Context, userID UserID) ([]StreakInterval, error) {
	var intervals []StreakInterval
	err := store.db.WithContext(ctx).
		Where(queryUserID, userID.String()).
		Where(queryActive, true).
		Order(orderStartDayAsc).
		Find(&intervals).Error
	if err != nil {
		return nil, err
	}
	return intervals, nil
}

// FindStreakAnchor returns the latest interval starting strictly before the day, if any.
func (store *GormStore) FindStreakAnchor(ctx context.Context, userID UserID, before Day) (*StreakInterval, error) {
	var intervals []StreakInterval
	err := store.db.WithContext(ctx).
		Where(queryUserID, userID.String()).
		Where("start_day < ?", before.String()).
		Order(orderStartDayDesc).
		Limit(1).
		Find(&intervals).Error
	if err != nil {
		return nil, err
	}
	if len(intervals) == 0 {
		return nil, nil
	}
	return &intervals[0], nil
}

// DeleteStreaksFrom discards every interval whose range reaches the day, plus any active row.
// A zero day discards the user's whole interval history.
func (store *GormStore) DeleteStreaksFrom(ctx context.Context, userID UserID, from Day) error {
	query := store.db.WithContext(ctx).Where(queryUserID, userID.String())
	if from.IsZero() {
		return query.Delete(&StreakInterval{}).Error
	}
	return query.
		Where("start_day >= ? OR last_counted_day >= ? OR active = ?", from.String(), from.String(), true).
		Delete(&StreakInterval{}).Error
}

// InsertStreaks implements Store.
func (store *GormStore) InsertStreaks(ctx context.Context, intervals []StreakInterval) error {
	if len(intervals) == 0 {
		return nil
	}
	return store.db.WithContext(ctx).Create(&intervals).Error
}

func applyDayRange(query *gorm.DB, column string, days DayRange) *gorm.DB {
	if !days.From.IsZero() {
		query = query.Where(column+" >= ?", days.From.String())
	}
	if !days.To.IsZero() {
		query = query.Where(column+" <= ?", days.To.String())
	}
	return query
}

func translateMissing(err error, resource, identifier string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, resource, identifier)
	}
	return err
}
