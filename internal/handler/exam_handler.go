package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exam-relay/internal/apperror"
	"github.com/stemsi/exam-relay/internal/middleware"
	"github.com/stemsi/exam-relay/internal/response"
	"github.com/stemsi/exam-relay/internal/service"
	"github.com/stemsi/exam-relay/internal/validator"
)

// ExamHandler handles the student exam action endpoints. Each action is
// served from the local projection; the matching upstream write rides
// the durable queue and never blocks the response.
type ExamHandler struct {
	attemptService *service.AttemptService
}

// NewExamHandler creates a new ExamHandler.
func NewExamHandler(attemptService *service.AttemptService) *ExamHandler {
	return &ExamHandler{attemptService: attemptService}
}

// ListExams godoc
// GET /api/v1/exams
// Upstream listing, degrading to the cached summaries on any failure.
func (h *ExamHandler) ListExams(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	listing, err := h.attemptService.ListExams(c.Request.Context(), claims.Identity())
	if err != nil {
		response.FailFromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, listing)
}

// Start godoc
// POST /api/v1/exams/:examId/start
func (h *ExamHandler) Start(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attempt, err := h.attemptService.Start(c.Request.Context(), claims.Identity(), c.Param("examId"))
	if err != nil {
		h.failAttempt(c, err)
		return
	}

	response.Success(c, http.StatusOK, attempt)
}

// MarkAsSeen godoc
// POST /api/v1/exams/:examId/questions/:questionId/mark-as-seen
func (h *ExamHandler) MarkAsSeen(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attempt, err := h.attemptService.MarkAsSeen(
		c.Request.Context(), claims.Identity(), c.Param("examId"), c.Param("questionId"))
	if err != nil {
		h.failAttempt(c, err)
		return
	}

	response.Success(c, http.StatusOK, attempt)
}

// Answer godoc
// POST /api/v1/exams/:examId/questions/:questionId/answer
func (h *ExamHandler) Answer(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var input service.AnswerInput
	if fields := validator.Bind(c, &input); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	attempt, err := h.attemptService.AnswerQuestion(
		c.Request.Context(), claims.Identity(), c.Param("examId"), c.Param("questionId"), input)
	if err != nil {
		h.failAttempt(c, err)
		return
	}

	response.Success(c, http.StatusOK, attempt)
}

// TimeUp godoc
// POST /api/v1/exams/:examId/time-up
// Tolerates a missing attempt: the client clock can fire for an exam
// the relay never cached.
func (h *ExamHandler) TimeUp(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	if err := h.attemptService.ExamTimeUp(c.Request.Context(), claims.Identity(), c.Param("examId")); err != nil {
		response.FailFromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{})
}

// Finish godoc
// POST /api/v1/exams/:examId/finish
func (h *ExamHandler) Finish(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attempt, err := h.attemptService.FinishExam(c.Request.Context(), claims.Identity(), c.Param("examId"))
	if err != nil {
		h.failAttempt(c, err)
		return
	}

	response.Success(c, http.StatusOK, attempt)
}

// State godoc
// GET /api/v1/exams/state/:studentId/:examId
// Operator peek at the raw cached attempt.
func (h *ExamHandler) State(c *gin.Context) {
	attempt, err := h.attemptService.GetAttempt(c.Request.Context(), c.Param("studentId"), c.Param("examId"))
	if err != nil {
		h.failAttempt(c, err)
		return
	}

	response.Success(c, http.StatusOK, attempt)
}

func (h *ExamHandler) failAttempt(c *gin.Context, err error) {
	if apperror.IsNotFound(err) {
		response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)
		return
	}
	response.FailFromError(c, err)
}
