package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/streaks/internal/tracking"
	"github.com/gin-gonic/gin"
)

const (
	batchStatusStored    = "stored"
	batchStatusUnchanged = "unchanged"
	batchStatusRejected  = "rejected"
)

func (h *httpHandler) handleIngest(c *gin.Context) {
	var request observationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeError(c, "ingest", invalidRequest("invalid_body", err))
		return
	}
	observation, err := request.toObservation()
	if err != nil {
		h.writeError(c, "ingest", err)
		return
	}
	report, err := h.tracking.Ingest(c.Request.Context(), observation)
	if err != nil {
		h.writeError(c, "ingest", err)
		return
	}
	status := http.StatusCreated
	if report.Unchanged {
		status = http.StatusOK
	}
	c.JSON(status, newIngestResponse(report))
}

func (h *httpHandler) handleIngestBatch(c *gin.Context) {
	var request ingestBatchRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Observations) == 0 {
		h.writeError(c, "ingest_batch", invalidRequest("invalid_body", err))
		return
	}

	items := make([]batchItemResponse, len(request.Observations))
	observations := make([]tracking.Observation, 0, len(request.Observations))
	positions := make([]int, 0, len(request.Observations))
	for index, payload := range request.Observations {
		items[index].Index = index
		observation, err := payload.toObservation()
		if err != nil {
			items[index].Status = batchStatusRejected
			items[index].Code = codeForError(err)
			items[index].Error = err.Error()
			continue
		}
		observations = append(observations, observation)
		positions = append(positions, index)
	}

	results, err := h.tracking.IngestBatch(c.Request.Context(), observations)
	if err != nil {
		h.writeError(c, "ingest_batch", err)
		return
	}
	for resultIndex, result := range results {
		item := &items[positions[resultIndex]]
		if result.Err != nil {
			item.Status = batchStatusRejected
			item.Code = codeForError(result.Err)
			item.Error = result.Err.Error()
			continue
		}
		response := newIngestResponse(result.Report)
		item.Result = &response
		item.Status = batchStatusStored
		if result.Report.Unchanged {
			item.Status = batchStatusUnchanged
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": items})
}

func (h *httpHandler) handleListDays(c *gin.Context) {
	userID, ok := h.userParam(c)
	if !ok {
		return
	}
	days, err := parseDayRange(c)
	if err != nil {
		h.writeError(c, "list_days", err)
		return
	}
	totals, err := h.tracking.GetUserDayCommitRecords(c.Request.Context(), userID, days)
	if err != nil {
		h.writeError(c, "list_days", err)
		return
	}
	response := make([]dayPayload, 0, len(totals))
	for _, total := range totals {
		response = append(response, newDayPayload(total))
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "days": response})
}

func (h *httpHandler) handleActiveStreak(c *gin.Context) {
	userID, ok := h.userParam(c)
	if !ok {
		return
	}
	streak, err := h.tracking.GetActiveStreak(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, "active_streak", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "active_streak": newOptionalStreakPayload(streak)})
}

func (h *httpHandler) handleStreakHistory(c *gin.Context) {
	userID, ok := h.userParam(c)
	if !ok {
		return
	}
	days, err := parseDayRange(c)
	if err != nil {
		h.writeError(c, "streak_history", err)
		return
	}
	streaks, err := h.tracking.GetStreakHistory(c.Request.Context(), userID, days)
	if err != nil {
		h.writeError(c, "streak_history", err)
		return
	}
	response := make([]streakPayload, 0, len(streaks))
	for _, streak := range streaks {
		response = append(response, newStreakPayload(streak))
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "streaks": response})
}

func (h *httpHandler) handleRecompute(c *gin.Context) {
	userID, ok := h.userParam(c)
	if !ok {
		return
	}
	var request recomputeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			h.writeError(c, "recompute", invalidRequest("invalid_body", err))
			return
		}
	}

	var (
		outcome tracking.StreakOutcome
		err     error
	)
	if request.FromDay == "" {
		outcome, err = h.tracking.ForceFullRecompute(c.Request.Context(), userID)
	} else {
		fromDay, parseErr := tracking.ParseDay(request.FromDay)
		if parseErr != nil {
			h.writeError(c, "recompute", invalidRequest("invalid_day", parseErr))
			return
		}
		outcome, err = h.tracking.RecomputeStreaks(c.Request.Context(), userID, fromDay)
	}
	if err != nil {
		h.writeError(c, "recompute", err)
		return
	}
	c.JSON(http.StatusOK, newRecomputeResponse(outcome))
}

// userParam parses :user_id and checks the caller may read or modify it.
func (h *httpHandler) userParam(c *gin.Context) (tracking.UserID, bool) {
	userID, err := tracking.NewUserID(c.Param("user_id"))
	if err != nil {
		h.writeError(c, "user_param", invalidRequest("invalid_user_id", err))
		return "", false
	}
	if !h.authorizeUser(c, userID.String()) {
		return "", false
	}
	return userID, true
}

func parseDayRange(c *gin.Context) (tracking.DayRange, error) {
	var from, to tracking.Day
	if raw := c.Query("from"); raw != "" {
		parsed, err := tracking.ParseDay(raw)
		if err != nil {
			return tracking.DayRange{}, invalidRequest("invalid_day", err)
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := tracking.ParseDay(raw)
		if err != nil {
			return tracking.DayRange{}, invalidRequest("invalid_day", err)
		}
		to = parsed
	}
	days, err := tracking.NewDayRange(from, to)
	if err != nil {
		return tracking.DayRange{}, invalidRequest("invalid_day_range", err)
	}
	return days, nil
}
