package tracking

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

const (
	maxIdentifierLength = 190
	dayLayoutLength     = len("2006-01-02")
)

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("tracking: invalid user id")
	// ErrInvalidRepositoryID indicates that a repository identifier is empty or exceeds storage bounds.
	ErrInvalidRepositoryID = errors.New("tracking: invalid repository id")
	// ErrInvalidDay indicates that a calendar day is malformed or carries a time component.
	ErrInvalidDay = errors.New("tracking: invalid day")
	// ErrInvalidCommitCount indicates that a commit count is negative.
	ErrInvalidCommitCount = errors.New("tracking: invalid commit count")
	// ErrInvalidDayRange indicates that a range ends before it starts.
	ErrInvalidDayRange = errors.New("tracking: invalid day range")
)

// UserID represents a validated, immutable user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// RepositoryID represents a validated tracked repository identifier.
type RepositoryID string

// NewRepositoryID validates raw input and returns a RepositoryID.
func NewRepositoryID(rawInput string) (RepositoryID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRepositoryID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRepositoryID, maxIdentifierLength)
	}
	return RepositoryID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RepositoryID) String() string {
	return string(id)
}

// Day is a canonical calendar day shared by every user, with no time or zone.
type Day struct {
	date civil.Date
}

// ParseDay parses a YYYY-MM-DD string into a Day.
func ParseDay(rawInput string) (Day, error) {
	trimmed := strings.TrimSpace(rawInput)
	if len(trimmed) != dayLayoutLength {
		return Day{}, fmt.Errorf("%w: %q is not YYYY-MM-DD", ErrInvalidDay, rawInput)
	}
	date, err := civil.ParseDate(trimmed)
	if err != nil {
		return Day{}, fmt.Errorf("%w: %v", ErrInvalidDay, err)
	}
	return Day{date: date}, nil
}

// NewDay builds a Day from its calendar components.
func NewDay(year int, month int, day int) (Day, error) {
	date := civil.Date{Year: year, Month: time.Month(month), Day: day}
	if !date.IsValid() {
		return Day{}, fmt.Errorf("%w: %04d-%02d-%02d", ErrInvalidDay, year, month, day)
	}
	return Day{date: date}, nil
}

// String renders the day as YYYY-MM-DD, the storage representation.
func (d Day) String() string {
	return d.date.String()
}

// IsZero reports whether the day is unset.
func (d Day) IsZero() bool {
	return d.date.IsZero()
}

// AddDays returns the day n days after d.
func (d Day) AddDays(n int) Day {
	return Day{date: d.date.AddDays(n)}
}

// DaysSince returns the signed number of days between other and d.
func (d Day) DaysSince(other Day) int {
	return d.date.DaysSince(other.date)
}

// Before reports whether d is strictly earlier than other.
func (d Day) Before(other Day) bool {
	return d.date.Before(other.date)
}

// After reports whether d is strictly later than other.
func (d Day) After(other Day) bool {
	return d.date.After(other.date)
}

// MarshalText implements encoding.TextMarshaler.
func (d Day) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Day) UnmarshalText(data []byte) error {
	parsed, err := ParseDay(string(data))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DayRange is an inclusive range of days. A zero bound leaves that side open.
type DayRange struct {
	From Day
	To   Day
}

// NewDayRange validates the bounds and returns a DayRange.
func NewDayRange(from, to Day) (DayRange, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return DayRange{}, fmt.Errorf("%w: %s after %s", ErrInvalidDayRange, from, to)
	}
	return DayRange{From: from, To: to}, nil
}

// CommitCount is a validated, non-negative number of commits.
type CommitCount int64

// NewCommitCount validates the value and returns a CommitCount.
func NewCommitCount(value int64) (CommitCount, error) {
	if value < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidCommitCount, value)
	}
	return CommitCount(value), nil
}

// Int64 exposes the raw count.
func (c CommitCount) Int64() int64 {
	return int64(c)
}

// Observation is a single poller delivery for one repository and day.
type Observation struct {
	RepositoryID RepositoryID
	Day          Day
	Count        CommitCount
	RawPayload   []byte
}
