package server

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/streaks/internal/tracking"
)

type observationPayload struct {
	RepositoryID string          `json:"repository_id"`
	Day          string          `json:"day"`
	CommitCount  *int64          `json:"commit_count"`
	RawPayload   json.RawMessage `json:"raw_payload,omitempty"`
}

func (p observationPayload) toObservation() (tracking.Observation, error) {
	repositoryID, err := tracking.NewRepositoryID(p.RepositoryID)
	if err != nil {
		return tracking.Observation{}, invalidRequest("invalid_repository_id", err)
	}
	day, err := tracking.ParseDay(p.Day)
	if err != nil {
		return tracking.Observation{}, invalidRequest("invalid_day", err)
	}
	if p.CommitCount == nil {
		return tracking.Observation{}, invalidRequest("missing_commit_count", nil)
	}
	count, err := tracking.NewCommitCount(*p.CommitCount)
	if err != nil {
		return tracking.Observation{}, invalidRequest("invalid_commit_count", err)
	}
	return tracking.Observation{
		RepositoryID: repositoryID,
		Day:          day,
		Count:        count,
		RawPayload:   p.RawPayload,
	}, nil
}

type ingestBatchRequest struct {
	Observations []observationPayload `json:"observations"`
}

type ingestResponse struct {
	RepositoryID string         `json:"repository_id"`
	Day          string         `json:"day"`
	CommitCount  int64          `json:"commit_count"`
	Unchanged    bool           `json:"unchanged"`
	UserDay      dayPayload     `json:"user_day"`
	ActiveStreak *streakPayload `json:"active_streak"`
}

func newIngestResponse(report tracking.IngestReport) ingestResponse {
	return ingestResponse{
		RepositoryID: report.Record.RepositoryID,
		Day:          report.Record.Day,
		CommitCount:  report.Record.CommitCount,
		Unchanged:    report.Unchanged,
		UserDay:      newDayPayload(report.UserDay),
		ActiveStreak: newOptionalStreakPayload(report.Streaks.Active),
	}
}

type batchItemResponse struct {
	Index  int             `json:"index"`
	Status string          `json:"status"`
	Result *ingestResponse `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

type dayPayload struct {
	Day          string `json:"day"`
	TotalCommits int64  `json:"total_commits"`
}

func newDayPayload(total tracking.DailyTotal) dayPayload {
	return dayPayload{Day: total.Day.String(), TotalCommits: total.Total}
}

type streakPayload struct {
	StartDay       string  `json:"start_day"`
	EndDay         *string `json:"end_day"`
	LastCountedDay string  `json:"last_counted_day"`
	Length         int     `json:"length"`
	Active         bool    `json:"active"`
}

func newStreakPayload(streak tracking.Streak) streakPayload {
	payload := streakPayload{
		StartDay:       streak.Start.String(),
		LastCountedDay: streak.LastCounted.String(),
		Length:         streak.Length,
		Active:         streak.Active,
	}
	if streak.End != nil {
		end := streak.End.String()
		payload.EndDay = &end
	}
	return payload
}

func newOptionalStreakPayload(streak *tracking.Streak) *streakPayload {
	if streak == nil {
		return nil
	}
	payload := newStreakPayload(*streak)
	return &payload
}

type recomputeRequest struct {
	FromDay string `json:"from_day"`
}

type recomputeResponse struct {
	WindowStart  string          `json:"window_start"`
	Recovered    bool            `json:"recovered"`
	Intervals    []streakPayload `json:"intervals"`
	ActiveStreak *streakPayload  `json:"active_streak"`
}

func newRecomputeResponse(outcome tracking.StreakOutcome) recomputeResponse {
	response := recomputeResponse{
		Recovered:    outcome.Recovered,
		Intervals:    make([]streakPayload, 0, len(outcome.Intervals)),
		ActiveStreak: newOptionalStreakPayload(outcome.Active),
	}
	if !outcome.WindowStart.IsZero() {
		response.WindowStart = outcome.WindowStart.String()
	}
	for _, interval := range outcome.Intervals {
		response.Intervals = append(response.Intervals, newStreakPayload(interval))
	}
	return response
}

type upsertUserRequest struct {
	GitHubUserID int64  `json:"github_user_id"`
	Login        string `json:"login"`
	Email        string `json:"email"`
}

type userPayload struct {
	UserID       string     `json:"user_id"`
	GitHubUserID int64      `json:"github_user_id"`
	Login        string     `json:"login"`
	Email        string     `json:"email,omitempty"`
	RetiredAt    *time.Time `json:"retired_at,omitempty"`
}

func newUserPayload(user tracking.User) userPayload {
	return userPayload{
		UserID:       user.UserID,
		GitHubUserID: user.GitHubUserID,
		Login:        user.Login,
		Email:        user.Email,
		RetiredAt:    user.RetiredAt,
	}
}

type registerRepositoryRequest struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

type repositoryPayload struct {
	RepositoryID  string     `json:"repository_id"`
	UserID        string     `json:"user_id"`
	Owner         string     `json:"owner"`
	Name          string     `json:"name"`
	Active        bool       `json:"active"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

func newRepositoryPayload(repository tracking.TrackedRepository) repositoryPayload {
	return repositoryPayload{
		RepositoryID:  repository.RepositoryID,
		UserID:        repository.UserID,
		Owner:         repository.Owner,
		Name:          repository.Name,
		Active:        repository.Active,
		DeactivatedAt: repository.DeactivatedAt,
	}
}
