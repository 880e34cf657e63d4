package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"referral-service/internal/observability"
)

// requestIDContextKey matches the key middleware.RequestID stores under.
const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := observability.RequestIDFromRequest(c.Request)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) *string {
	if val, ok := c.Get("userID"); ok {
		if userID, ok := val.(string); ok && userID != "" {
			return &userID
		}
	}

	if header := observability.UserIDFromRequest(c.Request); header != "" {
		return &header
	}

	return nil
}
