// Package handlers implements the HTTP endpoints of the staging API.
//
// This file holds the response envelope helpers every handler goes through.
// Failures always serialize as ErrorResponse with a stable machine code;
// 5xx failures are additionally logged with request context. Success bodies
// are written as-is.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ejkorg/sender-sub001/internal/http/middleware"
)

// ErrorResponse is the error envelope for every failing endpoint. RequestID
// echoes the X-Request-ID header so a client report can be matched to server
// logs; Code is one of the errors.go constants; Message is display-safe.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// fail aborts the request with the error envelope. Server-side failures
// (>= 500) also land in the request-scoped log.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail exposes fail to the router for NoRoute/NoMethod fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
