package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hemis-audit/hemis-bot/internal/telemetry"
)

const (
	// RequestIDHeader carries the request identifier in and out.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key holding the request identifier.
	RequestIDKey = "request_id"
)

// maxRequestIDLength bounds an upstream-supplied id before it is logged.
const maxRequestIDLength = 128

// RequestIDMiddleware reuses an inbound X-Request-ID or generates a UUID v4.
// The id is stored in gin.Context under RequestIDKey, attached to the request
// context for telemetry.RequestID, and echoed in the response header so that
// a webhook delivery can be matched to the bot's log lines and audit entry.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}

		c.Set(RequestIDKey, id)
		c.Request = c.Request.WithContext(telemetry.WithRequestID(c.Request.Context(), id))
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}
