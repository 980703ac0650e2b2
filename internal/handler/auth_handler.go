package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exam-relay/internal/apperror"
	"github.com/stemsi/exam-relay/internal/response"
	"github.com/stemsi/exam-relay/internal/service"
	"github.com/stemsi/exam-relay/internal/validator"
)

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	authService *service.AuthService
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(authService *service.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login godoc
// POST /api/v1/auth/login
// Authenticates against the upstream service; falls back to cached
// credentials when the upstream is unreachable.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	result, err := h.authService.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindAuth {
			response.Fail(c, http.StatusUnauthorized, response.ErrInvalidCredentials)
			return
		}
		response.FailFromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}
