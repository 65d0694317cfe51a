package server

import (
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/streaks/internal/tracking"
	"github.com/MarcoPoloResearchLab/streaks/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleUpsertUser(c *gin.Context) {
	var request upsertUserRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, "upsert_user", invalidRequest("invalid_body", err))
		return
	}
	user, err := h.users.UpsertUser(c.Request.Context(), users.UpsertUserRequest{
		GitHubUserID: request.GitHubUserID,
		Login:        request.Login,
		Email:        request.Email,
	})
	if err != nil {
		h.writeError(c, "upsert_user", err)
		return
	}
	c.JSON(http.StatusOK, newUserPayload(user))
}

// handleResolveUser maps a GitHub user id to the canonical user id for pollers.
func (h *httpHandler) handleResolveUser(c *gin.Context) {
	githubUserID, err := strconv.ParseInt(c.Param("github_user_id"), 10, 64)
	if err != nil {
		h.writeError(c, "resolve_user", invalidRequest("invalid_github_user_id", err))
		return
	}
	userID, err := h.users.ResolveUserID(c.Request.Context(), githubUserID)
	if err != nil {
		h.writeError(c, "resolve_user", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"github_user_id": githubUserID, "user_id": userID.String()})
}

func (h *httpHandler) handleRetireUser(c *gin.Context) {
	userID, ok := h.userParam(c)
	if !ok {
		return
	}
	if err := h.users.RetireUser(c.Request.Context(), userID); err != nil {
		h.writeError(c, "retire_user", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListRepositories(c *gin.Context) {
	userID, ok := h.userParam(c)
	if !ok {
		return
	}
	repositories, err := h.users.ListRepositories(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, "list_repositories", err)
		return
	}
	response := make([]repositoryPayload, 0, len(repositories))
	for _, repository := range repositories {
		response = append(response, newRepositoryPayload(repository))
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "repositories": response})
}

func (h *httpHandler) handleRegisterRepository(c *gin.Context) {
	userID, ok := h.userParam(c)
	if !ok {
		return
	}
	var request registerRepositoryRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, "register_repository", invalidRequest("invalid_body", err))
		return
	}
	repository, reactivated, err := h.users.RegisterRepository(c.Request.Context(), userID, request.Owner, request.Name)
	if err != nil {
		h.writeError(c, "register_repository", err)
		return
	}
	if reactivated {
		// stored snapshots count again
		if _, err := h.tracking.ForceFullRecompute(c.Request.Context(), userID); err != nil {
			h.writeError(c, "register_repository", err)
			return
		}
	}
	c.JSON(http.StatusCreated, newRepositoryPayload(repository))
}

// handleRemoveRepository deactivates the repository, or purges it with ?purge=true.
func (h *httpHandler) handleRemoveRepository(c *gin.Context) {
	repositoryID, err := tracking.NewRepositoryID(c.Param("repository_id"))
	if err != nil {
		h.writeError(c, "remove_repository", invalidRequest("invalid_repository_id", err))
		return
	}
	purge := false
	if raw := c.Query("purge"); raw != "" {
		purge, err = strconv.ParseBool(raw)
		if err != nil {
			h.writeError(c, "remove_repository", invalidRequest("invalid_purge_flag", err))
			return
		}
	}

	repository, err := h.users.FindRepository(c.Request.Context(), repositoryID)
	if err != nil {
		h.writeError(c, "remove_repository", err)
		return
	}
	if !h.authorizeUser(c, repository.UserID) {
		return
	}

	if purge {
		err = h.users.PurgeRepository(c.Request.Context(), repositoryID)
	} else {
		repository, err = h.users.DeactivateRepository(c.Request.Context(), repositoryID)
	}
	if err != nil {
		h.writeError(c, "remove_repository", err)
		return
	}

	outcome, err := h.tracking.ForceFullRecompute(c.Request.Context(), tracking.UserID(repository.UserID))
	if err != nil {
		h.writeError(c, "remove_repository", err)
		return
	}
	h.logger.Info("repository removed",
		zap.String("repository_id", repositoryID.String()),
		zap.String("user_id", repository.UserID),
		zap.Bool("purged", purge))
	c.JSON(http.StatusOK, gin.H{
		"repository":    newRepositoryPayload(repository),
		"purged":        purge,
		"active_streak": newOptionalStreakPayload(outcome.Active),
	})
}
