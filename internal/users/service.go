package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/streaks/internal/tracking"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxRepositoryPartLength = 100

// validate is shared because it caches struct parsing.
var validate = validator.New()

var (
	// ErrInvalidIdentity indicates the request did not carry a usable GitHub user id or email.
	ErrInvalidIdentity = fmt.Errorf("%w: users: invalid identity", tracking.ErrValidation)
	// ErrInvalidRepository indicates an empty or oversized owner or name.
	ErrInvalidRepository = fmt.Errorf("%w: users: invalid repository", tracking.ErrValidation)
	// ErrUserRetired indicates the user was soft-retired and cannot register repositories.
	ErrUserRetired = fmt.Errorf("%w: users: user retired", tracking.ErrValidation)
)

// ServiceConfig describes the dependencies required for registration.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service maintains users and their tracked repositories. Users are keyed by
// the immutable GitHub user id; the login is display data and may change.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	cache      sync.Map
}

// NewService constructs the registration service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// UpsertUserRequest carries the GitHub profile fields of a user.
type UpsertUserRequest struct {
	GitHubUserID int64  `validate:"gt=0"`
	Login        string `validate:"max=190"`
	Email        string `validate:"omitempty,email,max=254"`
}

// UpsertUser creates the user on first sight of the GitHub id and refreshes
// the mutable profile fields afterwards.
func (s *Service) UpsertUser(ctx context.Context, request UpsertUserRequest) (tracking.User, error) {
	request.Login = normalize(request.Login)
	request.Email = normalize(request.Email)
	if err := validate.Struct(request); err != nil {
		return tracking.User{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	var user tracking.User
	err := s.db.WithContext(ctx).
		Where("github_user_id = ?", request.GitHubUserID).
		Take(&user).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		userID, idErr := s.idProvider.NewID()
		if idErr != nil {
			return tracking.User{}, idErr
		}
		user = tracking.User{
			UserID:       userID,
			GitHubUserID: request.GitHubUserID,
			Login:        normalize(request.Login),
			Email:        normalize(request.Email),
		}
		createResult := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "github_user_id"}}, DoNothing: true}).
			Create(&user)
		if createResult.Error != nil {
			return tracking.User{}, createResult.Error
		}
		if createResult.RowsAffected == 0 {
			// lost a concurrent first registration; adopt the winner
			if err := s.db.WithContext(ctx).Where("github_user_id = ?", request.GitHubUserID).Take(&user).Error; err != nil {
				return tracking.User{}, err
			}
		} else {
			s.logger.Info("user registered",
				zap.String("user_id", user.UserID),
				zap.Int64("github_user_id", user.GitHubUserID))
		}
	} else if err != nil {
		return tracking.User{}, err
	} else {
		updates := map[string]interface{}{}
		if login := normalize(request.Login); login != "" && login != user.Login {
			updates["login"] = login
			user.Login = login
		}
		if email := normalize(request.Email); email != "" && email != user.Email {
			updates["email"] = email
			user.Email = email
		}
		if len(updates) > 0 {
			if err := s.db.WithContext(ctx).Model(&tracking.User{}).
				Where("user_id = ?", user.UserID).
				Updates(updates).
				Error; err != nil {
				return tracking.User{}, err
			}
		}
	}

	s.cache.Store(request.GitHubUserID, user.UserID)
	return user, nil
}

// ResolveUserID maps a GitHub user id to the canonical user id.
func (s *Service) ResolveUserID(ctx context.Context, githubUserID int64) (tracking.UserID, error) {
	if githubUserID <= 0 {
		return "", ErrInvalidIdentity
	}
	if cached, ok := s.cache.Load(githubUserID); ok {
		if userID, ok := cached.(string); ok {
			return tracking.UserID(userID), nil
		}
	}
	var user tracking.User
	err := s.db.WithContext(ctx).Where("github_user_id = ?", githubUserID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: github user %d", tracking.ErrNotFound, githubUserID)
	}
	if err != nil {
		return "", err
	}
	s.cache.Store(githubUserID, user.UserID)
	return tracking.UserID(user.UserID), nil
}

// RetireUser soft-retires the user. History is kept.
func (s *Service) RetireUser(ctx context.Context, userID tracking.UserID) error {
	retiredAt := s.now().UTC()
	result := s.db.WithContext(ctx).Model(&tracking.User{}).
		Where("user_id = ? AND retired_at IS NULL", userID.String()).
		Update("retired_at", retiredAt)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.findUser(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

// RegisterRepository starts tracking owner/name for the user. Registering a
// previously deactivated repository reactivates the same row and its history;
// the returned flag reports that case so callers can recompute derived totals.
func (s *Service) RegisterRepository(ctx context.Context, userID tracking.UserID, owner, name string) (tracking.TrackedRepository, bool, error) {
	owner = normalize(owner)
	name = normalize(name)
	if owner == "" || name == "" || len(owner) > maxRepositoryPartLength || len(name) > maxRepositoryPartLength {
		return tracking.TrackedRepository{}, false, ErrInvalidRepository
	}
	user, err := s.findUser(ctx, userID)
	if err != nil {
		return tracking.TrackedRepository{}, false, err
	}
	if user.RetiredAt != nil {
		return tracking.TrackedRepository{}, false, ErrUserRetired
	}

	var (
		repository  tracking.TrackedRepository
		reactivated bool
	)
	err = s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		lookupErr := transaction.
			Where("user_id = ? AND repo_owner = ? AND repo_name = ?", userID.String(), owner, name).
			Take(&repository).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			repositoryID, idErr := s.idProvider.NewID()
			if idErr != nil {
				return idErr
			}
			repository = tracking.TrackedRepository{
				RepositoryID: repositoryID,
				UserID:       userID.String(),
				Owner:        owner,
				Name:         name,
				Active:       true,
			}
			return transaction.Create(&repository).Error
		}
		if lookupErr != nil {
			return lookupErr
		}
		if repository.Active {
			return nil
		}
		repository.Active = true
		repository.DeactivatedAt = nil
		reactivated = true
		return transaction.Model(&tracking.TrackedRepository{}).
			Where("repository_id = ?", repository.RepositoryID).
			Updates(map[string]interface{}{"active": true, "deactivated_at": nil}).Error
	})
	if err != nil {
		s.logger.Error("repository registration failed",
			zap.String("user_id", userID.String()),
			zap.String("repository", owner+"/"+name),
			zap.Error(err))
		return tracking.TrackedRepository{}, false, err
	}
	return repository, reactivated, nil
}

// DeactivateRepository stops counting the repository toward its owner's totals.
// Stored snapshots are retained.
func (s *Service) DeactivateRepository(ctx context.Context, repositoryID tracking.RepositoryID) (tracking.TrackedRepository, error) {
	repository, err := s.findRepository(ctx, repositoryID)
	if err != nil {
		return tracking.TrackedRepository{}, err
	}
	if !repository.Active {
		return repository, nil
	}
	deactivatedAt := s.now().UTC()
	if err := s.db.WithContext(ctx).Model(&tracking.TrackedRepository{}).
		Where("repository_id = ?", repositoryID.String()).
		Updates(map[string]interface{}{"active": false, "deactivated_at": deactivatedAt}).Error; err != nil {
		return tracking.TrackedRepository{}, err
	}
	repository.Active = false
	repository.DeactivatedAt = &deactivatedAt
	return repository, nil
}

// PurgeRepository hard-removes the repository together with its snapshots.
func (s *Service) PurgeRepository(ctx context.Context, repositoryID tracking.RepositoryID) error {
	return s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.Where("repository_id = ?", repositoryID.String()).Delete(&tracking.TrackedRepository{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: repository %s", tracking.ErrNotFound, repositoryID)
		}
		return transaction.Where("repository_id = ?", repositoryID.String()).Delete(&tracking.RepoDayCommitRecord{}).Error
	})
}

// ListRepositories returns every repository of the user, active or not.
func (s *Service) ListRepositories(ctx context.Context, userID tracking.UserID) ([]tracking.TrackedRepository, error) {
	if _, err := s.findUser(ctx, userID); err != nil {
		return nil, err
	}
	var repositories []tracking.TrackedRepository
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("repo_owner ASC, repo_name ASC").
		Find(&repositories).Error; err != nil {
		return nil, err
	}
	return repositories, nil
}

// FindRepository returns the repository by id.
func (s *Service) FindRepository(ctx context.Context, repositoryID tracking.RepositoryID) (tracking.TrackedRepository, error) {
	return s.findRepository(ctx, repositoryID)
}

func (s *Service) findUser(ctx context.Context, userID tracking.UserID) (tracking.User, error) {
	var user tracking.User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tracking.User{}, fmt.Errorf("%w: user %s", tracking.ErrNotFound, userID)
	}
	return user, err
}

func (s *Service) findRepository(ctx context.Context, repositoryID tracking.RepositoryID) (tracking.TrackedRepository, error) {
	var repository tracking.TrackedRepository
	err := s.db.WithContext(ctx).Where("repository_id = ?", repositoryID.String()).Take(&repository).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tracking.TrackedRepository{}, fmt.Errorf("%w: repository %s", tracking.ErrNotFound, repositoryID)
	}
	return repository, err
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
