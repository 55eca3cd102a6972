package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/application/query"
	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// retryAfterSeconds is sent with 409 responses for exhausted retries.
const retryAfterSeconds = "1"

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST / RESPONSE TYPES
// ══════════════════════════════════════════════════════════════════════════════

type submissionRequest struct {
	Score   float64  `json:"score"`
	Answers []string `json:"answers"`
}

type progressEventRequest struct {
	UserID          string             `json:"user_id" binding:"required"`
	NodeID          string             `json:"node_id" binding:"required"`
	Delta           *float64           `json:"delta" binding:"required"`
	Submission      *submissionRequest `json:"submission"`
	DeviceID        string             `json:"device_id" binding:"required"`
	ClientTimestamp *time.Time         `json:"client_timestamp" binding:"required"`
	IdempotencyKey  string             `json:"idempotency_key" binding:"required"`
}

func (r progressEventRequest) toEvent() progression.ProgressEvent {
	ev := progression.ProgressEvent{
		UserID:          r.UserID,
		NodeID:          r.NodeID,
		Delta:           *r.Delta,
		DeviceID:        r.DeviceID,
		ClientTimestamp: *r.ClientTimestamp,
		IdempotencyKey:  r.IdempotencyKey,
	}
	if r.Submission != nil {
		ev.Submission = &progression.Submission{Score: r.Submission.Score, Answers: r.Submission.Answers}
	}
	return ev
}

// SubmitResponse is the body of a successful POST /progress-events.
type SubmitResponse struct {
	Committed     *progression.NodeProgress `json:"committed"`
	NewlyUnlocked []string                  `json:"newly_unlocked"`
	Replayed      bool                      `json:"replayed"`
	Clamped       bool                      `json:"clamped"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error   string                    `json:"error"`
	Message string                    `json:"message"`
	Current *progression.NodeProgress `json:"current,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleSubmitProgress(c *gin.Context) {
	var req progressEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}

	result, err := s.deps.Submit.Handle(c.Request.Context(), command.SubmitProgressCommand{
		Event:         req.toEvent(),
		CorrelationID: c.GetString(ctxKeyRequestID),
	})
	if err != nil {
		s.respondDomainError(c, err)
		return
	}

	unlocked := result.NewlyUnlocked
	if unlocked == nil {
		unlocked = []string{}
	}
	c.JSON(http.StatusOK, SubmitResponse{
		Committed:     result.Committed,
		NewlyUnlocked: unlocked,
		Replayed:      result.Replayed,
		Clamped:       result.Clamped,
	})
}

func (s *Server) handleNodeStatus(c *gin.Context) {
	status, err := s.deps.NodeStatus.Handle(c.Request.Context(), query.GetNodeStatusQuery{
		UserID: c.Param("user_id"),
		NodeID: c.Param("node_id"),
	})
	if err != nil {
		s.respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleCourseProgress(c *gin.Context) {
	progress, err := s.deps.CourseProgress.Handle(c.Request.Context(), query.GetCourseProgressQuery{
		UserID:   c.Param("user_id"),
		CourseID: c.Param("course_id"),
	})
	if err != nil {
		s.respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleHealth reports liveness. Failing dependency checks are listed but do
// not fail the probe.
func (s *Server) handleHealth(c *gin.Context) {
	status := s.deps.Health.Check(c.Request.Context())
	status.Healthy = true
	c.JSON(http.StatusOK, status)
}

// handleReady fails with 503 while any dependency check fails.
func (s *Server) handleReady(c *gin.Context) {
	status := s.deps.Health.Check(c.Request.Context())
	code := http.StatusOK
	if !status.Ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// StatusOf maps an application error to its HTTP status.
func StatusOf(err error) int {
	switch command.OutcomeOf(err) {
	case command.OutcomeNotFound:
		return http.StatusNotFound
	case command.OutcomeInvalidProgress, command.OutcomeInvalidSubmission:
		return http.StatusUnprocessableEntity
	case command.OutcomeNodeLocked:
		return http.StatusLocked
	case command.OutcomeExhausted:
		return http.StatusConflict
	case command.OutcomeInvalidInput:
		return http.StatusBadRequest
	case command.OutcomeCycle:
		return http.StatusInternalServerError
	}
	if errors.Is(err, shared.ErrServiceUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) respondDomainError(c *gin.Context, err error) {
	status := StatusOf(err)
	code := command.OutcomeOf(err)
	message := err.Error()

	if status == http.StatusInternalServerError && code == command.OutcomeError {
		logger.FromContext(c.Request.Context()).Error("request failed", logger.Err(err))
		message = "internal error"
	}
	if status == http.StatusConflict {
		c.Header("Retry-After", retryAfterSeconds)
	}

	var current *progression.NodeProgress
	if cur, ok := shared.CurrentOf(err); ok {
		current, _ = cur.(*progression.NodeProgress)
	}
	respondError(c, status, code, message, current)
}

func respondError(c *gin.Context, status int, code, message string, current *progression.NodeProgress) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:   code,
		Message: message,
		Current: current,
	})
}
