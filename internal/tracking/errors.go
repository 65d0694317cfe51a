package tracking

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrValidation marks malformed input. Never retried.
	ErrValidation = errors.New("tracking: validation failed")
	// ErrNotFound marks a reference to an unknown user or repository.
	ErrNotFound = errors.New("tracking: not found")
	// ErrConflict marks concurrent writers racing on the same key.
	ErrConflict = errors.New("tracking: write conflict")
	// ErrConsistency marks derived state that diverges from its source history.
	ErrConsistency = errors.New("tracking: consistency violation")
	// ErrUpstreamUnavailable marks a collaborator that could not serve the
	// request in time, such as a lock backend that never granted the user's lock.
	ErrUpstreamUnavailable = errors.New("tracking: upstream unavailable")

	errMissingStore  = errors.New("store is required")
	errMissingLocker = errors.New("locker is required")
)

// ServiceError carries a stable code of the form <operation>.<reason>, the error
// kind used for propagation decisions, and the underlying cause.
type ServiceError struct {
	code string
	kind error
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *ServiceError) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if e.kind != nil {
		unwrapped = append(unwrapped, e.kind)
	}
	if e.err != nil {
		unwrapped = append(unwrapped, e.err)
	}
	return unwrapped
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

// Kind returns the sentinel kind of the error, or nil for internal failures.
func (e *ServiceError) Kind() error {
	return e.kind
}

const (
	opIngest            = "tracking.ingest"
	opIngestBatch       = "tracking.ingest_batch"
	opRecomputeUserDay  = "tracking.recompute_user_day"
	opRecomputeStreaks  = "tracking.recompute_streaks"
	opForceFullRecomp   = "tracking.force_full_recompute"
	opListUserDays      = "tracking.list_user_days"
	opGetActiveStreak   = "tracking.get_active_streak"
	opGetStreakHistory  = "tracking.get_streak_history"
	opServiceNew        = "tracking.service.new"
	reasonMissingStore  = "missing_store"
	reasonInvalidInput  = "invalid_input"
	reasonUnknownRepo   = "unknown_repository"
	reasonUnknownUser   = "unknown_user"
	reasonQueryFailed   = "query_failed"
	reasonWriteFailed   = "write_failed"
	reasonLockFailed    = "lock_failed"
	reasonConflict      = "conflict"
	reasonCorruptSource = "corrupt_source_record"
	reasonAnchorInvalid = "anchor_inconsistent"
)

func newServiceError(operation, reason string, kind error, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, kind: kind, err: cause}
}

// ErrorCode extracts the ServiceError code from err, if any.
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}

// isConflict reports whether a storage failure came from concurrent writers.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "sqlite_busy") ||
		strings.Contains(message, "could not serialize access") ||
		strings.Contains(message, "deadlock detected")
}

// classifyStorageError wraps a storage failure, tagging races as ErrConflict.
func classifyStorageError(operation, reason string, err error) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	if isConflict(err) {
		return newServiceError(operation, reasonConflict, ErrConflict, err)
	}
	return newServiceError(operation, reason, nil, err)
}
