package handlers

import (
	"context"
	"errors"
	"net/http"

	"listing-chat/internal/auth"
	"listing-chat/internal/models"
	"listing-chat/internal/push"
	"listing-chat/pkg/logger"

	"github.com/gin-gonic/gin"
)

// PushRunner runs the push fan-out for one stored message.
type PushRunner interface {
	Run(ctx context.Context, req models.PushRequest) (*push.Result, error)
}

type PushHandlers struct {
	runner      PushRunner
	authService *auth.Service
	requireAuth bool
}

// NewPushHandlers builds the push endpoint. With requireAuth callers must
// present a service-role bearer token.
func NewPushHandlers(runner PushRunner, authService *auth.Service, requireAuth bool) *PushHandlers {
	return &PushHandlers{
		runner:      runner,
		authService: authService,
		requireAuth: requireAuth,
	}
}

// SendPush is invoked by the database webhook after a message insert.
func (h *PushHandlers) SendPush(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		c.JSON(http.StatusMethodNotAllowed, models.PushResponse{Error: "method not allowed"})
		return
	}

	if h.requireAuth {
		if err := h.authService.RequireServiceRole(c.GetHeader("Authorization")); err != nil {
			logger.Warn("[PUSH] Rejected caller: %v", err)
			c.JSON(http.StatusUnauthorized, models.PushResponse{Error: "unauthorized"})
			return
		}
	}

	var req models.PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.PushResponse{Error: "invalid request body"})
		return
	}

	result, err := h.runner.Run(c.Request.Context(), req)
	switch {
	case errors.Is(err, push.ErrMissingMessageID):
		c.JSON(http.StatusBadRequest, models.PushResponse{Error: err.Error()})
		return
	case err != nil:
		logger.Error("[PUSH] Push for message %s failed: %v", req.MessageID, err)
		c.JSON(http.StatusInternalServerError, models.PushResponse{Error: err.Error()})
		return
	}

	if result.NoTokens {
		c.JSON(http.StatusOK, models.PushResponse{Reason: "no valid tokens"})
		return
	}

	c.JSON(http.StatusOK, models.PushResponse{OK: true, DispatchResult: result.Dispatch})
}
