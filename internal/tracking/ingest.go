package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// IngestResult reports the stored record and the derived work it schedules.
type IngestResult struct {
	Record    RepoDayCommitRecord
	UserID    UserID
	Day       Day
	Unchanged bool
}

// IngestionGate performs idempotent replace-on-conflict upserts of repository snapshots.
type IngestionGate struct {
	store  Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewIngestionGate constructs the gate on the provided storage port.
func NewIngestionGate(store Store, clock func() time.Time, logger *zap.Logger) (*IngestionGate, error) {
	if store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, nil, errMissingStore)
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &IngestionGate{store: store, clock: clock, logger: logger}, nil
}

// Ingest validates and stores the observation, returning the owner and day whose
// aggregate must be recomputed.
func (gate *IngestionGate) Ingest(ctx context.Context, observation Observation) (IngestResult, error) {
	var result IngestResult
	err := gate.store.Transaction(ctx, func(store Store) error {
		ingested, ingestErr := gate.ingest(ctx, store, observation)
		result = ingested
		return ingestErr
	})
	if err != nil {
		return IngestResult{}, err
	}
	return result, nil
}

func (gate *IngestionGate) ingest(ctx context.Context, store Store, observation Observation) (IngestResult, error) {
	if err := validateObservation(observation); err != nil {
		return IngestResult{}, newServiceError(opIngest, reasonInvalidInput, ErrValidation, err)
	}
	payload, err := normalizePayload(observation.RawPayload)
	if err != nil {
		return IngestResult{}, newServiceError(opIngest, reasonInvalidInput, ErrValidation, err)
	}

	repository, err := store.FindRepository(ctx, observation.RepositoryID)
	if errors.Is(err, ErrNotFound) {
		return IngestResult{}, newServiceError(opIngest, reasonUnknownRepo, ErrNotFound, err)
	}
	if err != nil {
		logError(gate.logger, opIngest, reasonQueryFailed, err,
			zap.String(fieldRepositoryID, observation.RepositoryID.String()))
		return IngestResult{}, classifyStorageError(opIngest, reasonQueryFailed, err)
	}

	ownerID, err := NewUserID(repository.UserID)
	if err != nil {
		return IngestResult{}, newServiceError(opIngest, reasonCorruptSource, ErrConsistency, err)
	}

	existing, err := store.FindRepoDay(ctx, observation.RepositoryID, observation.Day)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return IngestResult{}, classifyStorageError(opIngest, reasonQueryFailed, err)
	}
	if err == nil && existing.CommitCount == observation.Count.Int64() && samePayload(existing.RawPayload, payload) {
		return IngestResult{Record: existing, UserID: ownerID, Day: observation.Day, Unchanged: true}, nil
	}

	record := RepoDayCommitRecord{
		RepositoryID: observation.RepositoryID.String(),
		Day:          observation.Day.String(),
		CommitCount:  observation.Count.Int64(),
		RawPayload:   payload,
		ObservedAt:   gate.clock().UTC(),
	}
	if err := store.UpsertRepoDay(ctx, record); err != nil {
		logError(gate.logger, opIngest, reasonWriteFailed, err,
			zap.String(fieldRepositoryID, record.RepositoryID),
			zap.String(fieldDay, record.Day))
		return IngestResult{}, classifyStorageError(opIngest, reasonWriteFailed, err)
	}
	if !repository.Active {
		gate.logger.Debug("observation stored for inactive repository",
			zap.String(fieldRepositoryID, record.RepositoryID),
			zap.String(fieldDay, record.Day))
	}
	return IngestResult{Record: record, UserID: ownerID, Day: observation.Day}, nil
}

func validateObservation(observation Observation) error {
	if _, err := NewRepositoryID(observation.RepositoryID.String()); err != nil {
		return err
	}
	if observation.Day.IsZero() {
		return fmt.Errorf("%w: empty", ErrInvalidDay)
	}
	if _, err := NewCommitCount(observation.Count.Int64()); err != nil {
		return err
	}
	return nil
}

// normalizePayload accepts an empty payload or any valid JSON document.
func normalizePayload(raw []byte) (datatypes.JSON, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("tracking: raw payload is not valid json")
	}
	return datatypes.JSON(append([]byte(nil), raw...)), nil
}

func samePayload(stored datatypes.JSON, incoming datatypes.JSON) bool {
	if len(stored) == 0 || len(incoming) == 0 {
		return len(stored) == len(incoming)
	}
	var storedValue, incomingValue any
	if json.Unmarshal(stored, &storedValue) != nil || json.Unmarshal(incoming, &incomingValue) != nil {
		return string(stored) == string(incoming)
	}
	storedCanonical, storedErr := json.Marshal(storedValue)
	incomingCanonical, incomingErr := json.Marshal(incomingValue)
	if storedErr != nil || incomingErr != nil {
		return false
	}
	return string(storedCanonical) == string(incomingCanonical)
}
