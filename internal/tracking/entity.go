package tracking

import (
	"time"

	"gorm.io/datatypes"
)

// User is a tracked person keyed by an immutable external identifier.
type User struct {
	UserID       string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	GitHubUserID int64      `gorm:"column:github_user_id;not null;uniqueIndex"`
	Login        string     `gorm:"column:login;size:100;not null;default:''"`
	Email        string     `gorm:"column:email;size:320;not null;default:''"`
	RetiredAt    *time.Time `gorm:"column:retired_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// TrackedRepository is a source-control repository registered by one user.
type TrackedRepository struct {
	RepositoryID  string     `gorm:"column:repository_id;primaryKey;size:190;not null"`
	UserID        string     `gorm:"column:user_id;size:190;not null;index;uniqueIndex:idx_tracked_repositories_owner_name,priority:1"`
	Owner         string     `gorm:"column:repo_owner;size:100;not null;uniqueIndex:idx_tracked_repositories_owner_name,priority:2"`
	Name          string     `gorm:"column:repo_name;size:100;not null;uniqueIndex:idx_tracked_repositories_owner_name,priority:3"`
	Active        bool       `gorm:"column:active;not null;default:true"`
	DeactivatedAt *time.Time `gorm:"column:deactivated_at"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (TrackedRepository) TableName() string {
	return "tracked_repositories"
}

// RepoDayCommitRecord is the authoritative commit snapshot for one repository and day.
type RepoDayCommitRecord struct {
	RepositoryID string         `gorm:"column:repository_id;primaryKey;size:190;not null"`
	Day          string         `gorm:"column:day;primaryKey;size:10;not null;index"`
	CommitCount  int64          `gorm:"column:commit_count;not null"`
	RawPayload   datatypes.JSON `gorm:"column:raw_payload"`
	ObservedAt   time.Time      `gorm:"column:observed_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RepoDayCommitRecord) TableName() string {
	return "repo_day_commit_records"
}

// UserDayCommitRecord is the derived total across a user's active repositories for one day.
type UserDayCommitRecord struct {
	UserID       string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Day          string    `gorm:"column:day;primaryKey;size:10;not null"`
	TotalCommits int64     `gorm:"column:total_commits;not null"`
	ComputedAt   time.Time `gorm:"column:computed_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UserDayCommitRecord) TableName() string {
	return "user_day_commit_records"
}

// StreakInterval is a run of consecutive nonzero days. EndDay stays nil while the run is active.
type StreakInterval struct {
	UserID         string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	StartDay       string    `gorm:"column:start_day;primaryKey;size:10;not null"`
	EndDay         *string   `gorm:"column:end_day;size:10"`
	LastCountedDay string    `gorm:"column:last_counted_day;size:10;not null"`
	Length         int       `gorm:"column:length;not null"`
	Active         bool      `gorm:"column:active;not null;default:false"`
	ComputedAt     time.Time `gorm:"column:computed_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StreakInterval) TableName() string {
	return "streak_intervals"
}

// Models lists every table owned by this package in migration order.
func Models() []any {
	return []any{
		&User{},
		&TrackedRepository{},
		&RepoDayCommitRecord{},
		&UserDayCommitRecord{},
		&StreakInterval{},
	}
}
