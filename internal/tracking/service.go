package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/streaks/internal/lock"
	"github.com/MarcoPoloResearchLab/streaks/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxAttempts      = 4
	defaultRetryInterval    = 25 * time.Millisecond
	defaultBatchConcurrency = 8
	defaultLockTimeout      = 30 * time.Second
	userLockPrefix          = "user:"
	reasonRetriesExhausted  = "conflict_retries_exhausted"
	reasonLockUnavailable   = "lock_unavailable"
	kindUserDay             = "user_day"
	kindStreaks             = "streaks"
	kindFull                = "full"
)

// ServiceConfig describes the dependencies of the tracking service.
type ServiceConfig struct {
	Store            Store
	Locker           lock.Locker
	Clock            func() time.Time
	Logger           *zap.Logger
	MaxAttempts      int
	RetryInterval    time.Duration
	BatchConcurrency int
	// LockTimeout bounds the wait for a user's lock. A wait that runs out
	// while the caller is still live reports ErrUpstreamUnavailable.
	LockTimeout time.Duration
}

// Service wires the ingestion gate, the aggregator and the streak engine, and
// serializes derived-state work per user.
type Service struct {
	store            Store
	locker           lock.Locker
	gate             *IngestionGate
	aggregator       *Aggregator
	engine           *StreakEngine
	logger           *zap.Logger
	maxAttempts      int
	retryInterval    time.Duration
	batchConcurrency int
	lockTimeout      time.Duration
}

// NewService constructs the service and its three components on one storage port.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, nil, errMissingStore)
	}
	if cfg.Locker == nil {
		return nil, newServiceError(opServiceNew, "missing_locker", nil, errMissingLocker)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	gate, err := NewIngestionGate(cfg.Store, clock, logger)
	if err != nil {
		return nil, err
	}
	aggregator, err := NewAggregator(cfg.Store, clock, logger)
	if err != nil {
		return nil, err
	}
	engine, err := NewStreakEngine(cfg.Store, clock, logger)
	if err != nil {
		return nil, err
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	batchConcurrency := cfg.BatchConcurrency
	if batchConcurrency <= 0 {
		batchConcurrency = defaultBatchConcurrency
	}

	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}

	return &Service{
		store:            cfg.Store,
		locker:           cfg.Locker,
		gate:             gate,
		aggregator:       aggregator,
		engine:           engine,
		logger:           logger,
		maxAttempts:      maxAttempts,
		retryInterval:    retryInterval,
		batchConcurrency: batchConcurrency,
		lockTimeout:      lockTimeout,
	}, nil
}

// DailyTotal is the read view of a UserDayCommitRecord row.
type DailyTotal struct {
	UserID UserID
	Day    Day
	Total  int64
}

// IngestReport describes everything one observation changed.
type IngestReport struct {
	Record    RepoDayCommitRecord
	Unchanged bool
	UserDay   DailyTotal
	Streaks   StreakOutcome
}

// Ingest stores the observation and brings the owner's derived state up to date.
func (service *Service) Ingest(ctx context.Context, observation Observation) (IngestReport, error) {
	var ingested IngestResult
	err := service.retry(ctx, opIngest, func() error {
		result, ingestErr := service.gate.Ingest(ctx, observation)
		ingested = result
		return ingestErr
	})
	if err != nil {
		if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) {
			metrics.IncObservation("rejected")
		} else {
			metrics.IncObservation("failed")
		}
		return IngestReport{}, err
	}
	if ingested.Unchanged {
		metrics.IncObservation("unchanged")
	} else {
		metrics.IncObservation("stored")
	}

	userDay, streaks, err := service.RecomputeUserDay(ctx, ingested.UserID, ingested.Day)
	if err != nil {
		return IngestReport{}, err
	}
	return IngestReport{
		Record:    ingested.Record,
		Unchanged: ingested.Unchanged,
		UserDay:   userDay,
		Streaks:   streaks,
	}, nil
}

// BatchItemResult pairs one observation of a batch with its outcome.
type BatchItemResult struct {
	Observation Observation
	Report      IngestReport
	Err         error
}

// IngestBatch ingests observations concurrently. Work for one user stays
// serialized by the user lock; per-item failures are reported, not returned.
func (service *Service) IngestBatch(ctx context.Context, observations []Observation) ([]BatchItemResult, error) {
	results := make([]BatchItemResult, len(observations))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(service.batchConcurrency)
	for index, observation := range observations {
		group.Go(func() error {
			report, err := service.Ingest(groupCtx, observation)
			results[index] = BatchItemResult{Observation: observation, Report: report, Err: err}
			if err != nil && groupCtx.Err() == nil {
				service.logger.Debug("batch observation rejected",
					zap.String(fieldRepositoryID, observation.RepositoryID.String()),
					zap.String(fieldDay, observation.Day.String()),
					zap.Error(err))
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, newServiceError(opIngestBatch, "batch_failed", nil, err)
	}
	if err := ctx.Err(); err != nil {
		return results, newServiceError(opIngestBatch, "canceled", nil, err)
	}
	return results, nil
}

// RecomputeUserDay re-derives the user's total for day and replays streaks from
// that day, atomically and under the user's lock.
func (service *Service) RecomputeUserDay(ctx context.Context, userID UserID, day Day) (DailyTotal, StreakOutcome, error) {
	var total DailyTotal
	var outcome StreakOutcome
	err := service.withUserLock(ctx, opRecomputeUserDay, userID, func() error {
		started := time.Now()
		err := service.retry(ctx, opRecomputeUserDay, func() error {
			return service.store.Transaction(ctx, func(store Store) error {
				if _, err := store.LockUser(ctx, userID); err != nil {
					return service.userLookupError(opRecomputeUserDay, err)
				}
				record, err := service.aggregator.recomputeUserDay(ctx, store, userID, day)
				if err != nil {
					return err
				}
				total = DailyTotal{UserID: userID, Day: day, Total: record.TotalCommits}
				outcome, err = service.engine.recomputeStreaks(ctx, store, userID, day)
				return err
			})
		})
		metrics.ObserveRecompute(kindUserDay, started, err == nil)
		if err != nil && errors.Is(err, ErrConsistency) {
			logError(service.logger, opRecomputeUserDay, "consistency_recovery", err,
				zap.String(fieldUserID, userID.String()),
				zap.String(fieldDay, day.String()))
			recovered, fullErr := service.forceFullRecompute(ctx, userID)
			if fullErr != nil {
				return fullErr
			}
			metrics.IncConsistencyRecovery()
			recovered.Recovered = true
			total, fullErr = service.readDailyTotal(ctx, userID, day)
			outcome = recovered
			return fullErr
		}
		if err == nil && outcome.Recovered {
			metrics.IncConsistencyRecovery()
		}
		return err
	})
	if err != nil {
		return DailyTotal{}, StreakOutcome{}, err
	}
	return total, outcome, nil
}

// RecomputeStreaks replays the user's stored totals from fromDay under the user's lock.
func (service *Service) RecomputeStreaks(ctx context.Context, userID UserID, fromDay Day) (StreakOutcome, error) {
	var outcome StreakOutcome
	err := service.withUserLock(ctx, opRecomputeStreaks, userID, func() error {
		started := time.Now()
		err := service.retry(ctx, opRecomputeStreaks, func() error {
			return service.store.Transaction(ctx, func(store Store) error {
				if _, err := store.LockUser(ctx, userID); err != nil {
					return service.userLookupError(opRecomputeStreaks, err)
				}
				var err error
				outcome, err = service.engine.recomputeStreaks(ctx, store, userID, fromDay)
				return err
			})
		})
		metrics.ObserveRecompute(kindStreaks, started, err == nil)
		if err == nil && outcome.Recovered {
			metrics.IncConsistencyRecovery()
		}
		return err
	})
	if err != nil {
		return StreakOutcome{}, err
	}
	return outcome, nil
}

// ForceFullRecompute re-derives every daily total and streak interval of the
// user from the repository snapshots.
func (service *Service) ForceFullRecompute(ctx context.Context, userID UserID) (StreakOutcome, error) {
	var outcome StreakOutcome
	err := service.withUserLock(ctx, opForceFullRecomp, userID, func() error {
		var err error
		outcome, err = service.forceFullRecompute(ctx, userID)
		return err
	})
	if err != nil {
		return StreakOutcome{}, err
	}
	return outcome, nil
}

// forceFullRecompute expects the caller to hold the user's lock.
func (service *Service) forceFullRecompute(ctx context.Context, userID UserID) (StreakOutcome, error) {
	started := time.Now()
	var outcome StreakOutcome
	err := service.retry(ctx, opForceFullRecomp, func() error {
		return service.store.Transaction(ctx, func(store Store) error {
			if _, err := store.LockUser(ctx, userID); err != nil {
				return service.userLookupError(opForceFullRecomp, err)
			}
			if err := service.aggregator.rebuildUserDays(ctx, store, userID); err != nil {
				return err
			}
			var err error
			outcome, err = service.engine.replayAll(ctx, store, userID)
			return err
		})
	})
	metrics.ObserveRecompute(kindFull, started, err == nil)
	if err != nil {
		logError(service.logger, opForceFullRecomp, "recompute_failed", err, zap.String(fieldUserID, userID.String()))
		return StreakOutcome{}, err
	}
	service.logger.Info("full recompute completed",
		zap.String(fieldUserID, userID.String()),
		zap.Int("intervals", len(outcome.Intervals)))
	return outcome, nil
}

// GetUserDayCommitRecords returns the user's daily totals within the range, oldest first.
func (service *Service) GetUserDayCommitRecords(ctx context.Context, userID UserID, days DayRange) ([]DailyTotal, error) {
	if err := service.requireUser(ctx, opListUserDays, userID); err != nil {
		return nil, err
	}
	records, err := service.store.ListUserDays(ctx, userID, days)
	if err != nil {
		logError(service.logger, opListUserDays, reasonQueryFailed, err, zap.String(fieldUserID, userID.String()))
		return nil, classifyStorageError(opListUserDays, reasonQueryFailed, err)
	}
	totals := make([]DailyTotal, 0, len(records))
	for _, record := range records {
		day, parseErr := ParseDay(record.Day)
		if parseErr != nil {
			return nil, newServiceError(opListUserDays, reasonCorruptSource, ErrConsistency, parseErr)
		}
		totals = append(totals, DailyTotal{UserID: userID, Day: day, Total: record.TotalCommits})
	}
	return totals, nil
}

// GetActiveStreak returns the user's open interval, or nil when there is none.
func (service *Service) GetActiveStreak(ctx context.Context, userID UserID) (*Streak, error) {
	if err := service.requireUser(ctx, opGetActiveStreak, userID); err != nil {
		return nil, err
	}
	intervals, err := service.store.ListActiveStreaks(ctx, userID)
	if err != nil {
		logError(service.logger, opGetActiveStreak, reasonQueryFailed, err, zap.String(fieldUserID, userID.String()))
		return nil, classifyStorageError(opGetActiveStreak, reasonQueryFailed, err)
	}
	if len(intervals) == 0 {
		return nil, nil
	}
	if len(intervals) > 1 {
		logError(service.logger, opGetActiveStreak, reasonAnchorInvalid, nil,
			zap.String(fieldUserID, userID.String()), zap.Int("active_intervals", len(intervals)))
	}
	streak, err := streakFromInterval(intervals[len(intervals)-1])
	if err != nil {
		return nil, newServiceError(opGetActiveStreak, reasonAnchorInvalid, ErrConsistency, err)
	}
	return &streak, nil
}

// GetStreakHistory returns closed and active intervals intersecting the range, oldest first.
func (service *Service) GetStreakHistory(ctx context.Context, userID UserID, days DayRange) ([]Streak, error) {
	if err := service.requireUser(ctx, opGetStreakHistory, userID); err != nil {
		return nil, err
	}
	intervals, err := service.store.ListStreaks(ctx, userID, days)
	if err != nil {
		logError(service.logger, opGetStreakHistory, reasonQueryFailed, err, zap.String(fieldUserID, userID.String()))
		return nil, classifyStorageError(opGetStreakHistory, reasonQueryFailed, err)
	}
	streaks := make([]Streak, 0, len(intervals))
	for _, interval := range intervals {
		streak, convertErr := streakFromInterval(interval)
		if convertErr != nil {
			return nil, newServiceError(opGetStreakHistory, reasonAnchorInvalid, ErrConsistency, convertErr)
		}
		streaks = append(streaks, streak)
	}
	return streaks, nil
}

func (service *Service) readDailyTotal(ctx context.Context, userID UserID, day Day) (DailyTotal, error) {
	records, err := service.store.ListUserDays(ctx, userID, DayRange{From: day, To: day})
	if err != nil {
		return DailyTotal{}, classifyStorageError(opRecomputeUserDay, reasonQueryFailed, err)
	}
	total := DailyTotal{UserID: userID, Day: day}
	if len(records) > 0 {
		total.Total = records[0].TotalCommits
	}
	return total, nil
}

func (service *Service) requireUser(ctx context.Context, operation string, userID UserID) error {
	if _, err := NewUserID(userID.String()); err != nil {
		return newServiceError(operation, reasonInvalidInput, ErrValidation, err)
	}
	if _, err := service.store.FindUser(ctx, userID); err != nil {
		return service.userLookupError(operation, err)
	}
	return nil
}

func (service *Service) userLookupError(operation string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return newServiceError(operation, reasonUnknownUser, ErrNotFound, err)
	}
	return classifyStorageError(operation, reasonQueryFailed, err)
}

func (service *Service) withUserLock(ctx context.Context, operation string, userID UserID, fn func() error) error {
	if _, err := NewUserID(userID.String()); err != nil {
		return newServiceError(operation, reasonInvalidInput, ErrValidation, err)
	}
	acquireCtx, cancel := context.WithTimeout(ctx, service.lockTimeout)
	release, err := service.locker.Acquire(acquireCtx, userLockPrefix+userID.String())
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			logError(service.logger, operation, reasonLockUnavailable, err, zap.String(fieldUserID, userID.String()))
			return newServiceError(operation, reasonLockUnavailable, ErrUpstreamUnavailable, err)
		}
		logError(service.logger, operation, reasonLockFailed, err, zap.String(fieldUserID, userID.String()))
		return newServiceError(operation, reasonLockFailed, nil, err)
	}
	defer release()
	return fn()
}

// retry reruns fn while it fails with a write conflict, up to maxAttempts times.
func (service *Service) retry(ctx context.Context, operation string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = service.retryInterval
	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(service.maxAttempts-1)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return backoff.Permanent(err)
		}
		if attempt < service.maxAttempts {
			metrics.IncConflictRetry(operation)
			service.logger.Debug("retrying after write conflict",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	}, bounded)
	if err != nil && isConflict(err) {
		return newServiceError(operation, reasonRetriesExhausted, ErrConflict, err)
	}
	return err
}
