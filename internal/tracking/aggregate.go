package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Aggregator derives a user's daily total from the snapshots of their active repositories.
type Aggregator struct {
	store  Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewAggregator constructs the aggregator on the provided storage port.
func NewAggregator(store Store, clock func() time.Time, logger *zap.Logger) (*Aggregator, error) {
	if store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, nil, errMissingStore)
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &Aggregator{store: store, clock: clock, logger: logger}, nil
}

// RecomputeUserDay recomputes and overwrites the total for (userID, day) in its own transaction.
func (aggregator *Aggregator) RecomputeUserDay(ctx context.Context, userID UserID, day Day) (UserDayCommitRecord, error) {
	var record UserDayCommitRecord
	err := aggregator.store.Transaction(ctx, func(store Store) error {
		computed, recomputeErr := aggregator.recomputeUserDay(ctx, store, userID, day)
		record = computed
		return recomputeErr
	})
	if err != nil {
		return UserDayCommitRecord{}, err
	}
	return record, nil
}

func (aggregator *Aggregator) recomputeUserDay(ctx context.Context, store Store, userID UserID, day Day) (UserDayCommitRecord, error) {
	if day.IsZero() {
		return UserDayCommitRecord{}, newServiceError(opRecomputeUserDay, reasonInvalidInput, ErrValidation, fmt.Errorf("%w: empty", ErrInvalidDay))
	}
	if _, err := store.FindUser(ctx, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return UserDayCommitRecord{}, newServiceError(opRecomputeUserDay, reasonUnknownUser, ErrNotFound, err)
		}
		return UserDayCommitRecord{}, classifyStorageError(opRecomputeUserDay, reasonQueryFailed, err)
	}

	totals, err := aggregator.sumActive(ctx, store, userID, DayRange{From: day, To: day})
	if err != nil {
		return UserDayCommitRecord{}, err
	}

	record := UserDayCommitRecord{
		UserID:       userID.String(),
		Day:          day.String(),
		TotalCommits: totals[day.String()],
		ComputedAt:   aggregator.clock().UTC(),
	}
	if err := store.UpsertUserDay(ctx, record); err != nil {
		logError(aggregator.logger, opRecomputeUserDay, reasonWriteFailed, err,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldDay, record.Day))
		return UserDayCommitRecord{}, classifyStorageError(opRecomputeUserDay, reasonWriteFailed, err)
	}
	return record, nil
}

// rebuildUserDays discards every stored total for the user and re-derives one row
// for each day on which any of the user's repositories, active or not, has a record.
func (aggregator *Aggregator) rebuildUserDays(ctx context.Context, store Store, userID UserID) error {
	if err := store.DeleteUserDays(ctx, userID); err != nil {
		return classifyStorageError(opForceFullRecomp, reasonWriteFailed, err)
	}

	repositories, err := store.ListRepositories(ctx, userID, false)
	if err != nil {
		return classifyStorageError(opForceFullRecomp, reasonQueryFailed, err)
	}
	knownDays := make(map[string]struct{})
	records, err := store.ListRepoDays(ctx, repositoryIDs(repositories), DayRange{})
	if err != nil {
		return classifyStorageError(opForceFullRecomp, reasonQueryFailed, err)
	}
	for _, record := range records {
		knownDays[record.Day] = struct{}{}
	}

	totals, err := aggregator.sumActive(ctx, store, userID, DayRange{})
	if err != nil {
		return err
	}
	computedAt := aggregator.clock().UTC()
	for day := range knownDays {
		record := UserDayCommitRecord{
			UserID:       userID.String(),
			Day:          day,
			TotalCommits: totals[day],
			ComputedAt:   computedAt,
		}
		if err := store.UpsertUserDay(ctx, record); err != nil {
			return classifyStorageError(opForceFullRecomp, reasonWriteFailed, err)
		}
	}
	return nil
}

// sumActive totals the commit counts of the user's active repositories per day.
// Repositories without a record for a day contribute nothing.
func (aggregator *Aggregator) sumActive(ctx context.Context, store Store, userID UserID, days DayRange) (map[string]int64, error) {
	repositories, err := store.ListRepositories(ctx, userID, true)
	if err != nil {
		return nil, classifyStorageError(opRecomputeUserDay, reasonQueryFailed, err)
	}
	records, err := store.ListRepoDays(ctx, repositoryIDs(repositories), days)
	if err != nil {
		return nil, classifyStorageError(opRecomputeUserDay, reasonQueryFailed, err)
	}

	totals := make(map[string]int64)
	for _, record := range records {
		if record.CommitCount < 0 {
			corruption := fmt.Errorf("repository %s reports %d commits on %s", record.RepositoryID, record.CommitCount, record.Day)
			logError(aggregator.logger, opRecomputeUserDay, reasonCorruptSource, corruption,
				zap.String(fieldUserID, userID.String()))
			return nil, newServiceError(opRecomputeUserDay, reasonCorruptSource, ErrConsistency, corruption)
		}
		totals[record.Day] += record.CommitCount
	}
	return totals, nil
}

func repositoryIDs(repositories []TrackedRepository) []string {
	identifiers := make([]string, 0, len(repositories))
	for _, repository := range repositories {
		identifiers = append(identifiers, repository.RepositoryID)
	}
	return identifiers
}
