package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"referral-service/internal/lifecycle"
	"referral-service/internal/logger"
	"referral-service/internal/matchmaking"
	"referral-service/internal/repositories"
)

var errChatLocked = errors.New("chat is locked until both sides accept")

// statusFor maps domain errors onto HTTP codes. Anything unknown is a
// storage failure.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrValidation),
		errors.Is(err, matchmaking.ErrInvalidRequest),
		errors.Is(err, matchmaking.ErrNotTalent):
		return http.StatusBadRequest
	case errors.Is(err, repositories.ErrMatchNotFound),
		errors.Is(err, repositories.ErrChatNotFound),
		errors.Is(err, repositories.ErrProfileNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, repositories.ErrMatchInactive),
		errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrNoInsider),
		errors.Is(err, errChatLocked):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, log *zap.Logger, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("request failed",
			zap.Error(err),
			zap.String(logger.FieldRequestID, requestIDFromContext(c)),
			zap.String("path", c.FullPath()),
		)
		message = "internal error"
	}
	c.JSON(status, gin.H{"success": false, "message": message})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": message})
}
