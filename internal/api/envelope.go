package api

import (
	"github.com/gin-gonic/gin"
)

// Outward error codes. Authentication failures stay generic (401) so callers
// cannot probe which check failed; authorization failures carry specific
// codes (403) so integrators can self-diagnose.
const (
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeInvalidAPIKey = "INVALID_API_KEY"
	CodeRateLimited   = "RATE_LIMITED"
	CodeForbidden     = "FORBIDDEN"
	CodeNotFound      = "NOT_FOUND"
	CodeInternalError = "INTERNAL_ERROR"

	// CodeBadRequest is used only on internal endpoints; /v1 responses stick
	// to the codes above.
	CodeBadRequest = "BAD_REQUEST"
)

// ErrorBody is the error half of the response envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is the stable response shape every gateway-originated response
// uses, success or failure. Proxied backend responses pass through verbatim.
type Envelope struct {
	OK        bool       `json:"ok"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
	RequestID string     `json:"requestId"`
}

// OK writes a success envelope.
func OK(c *gin.Context, status int, data any) {
	c.JSON(status, Envelope{OK: true, Data: data, RequestID: c.GetString("requestID")})
}

// Fail writes an error envelope and aborts the handler chain.
func Fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, Envelope{
		OK:        false,
		Error:     &ErrorBody{Code: code, Message: message},
		RequestID: c.GetString("requestID"),
	})
}
