package gateway

import "github.com/gin-gonic/gin"

// Error codes returned in JSON error bodies.
const (
	codeAuth         = "AUTH_ERROR"
	codeRateLimited  = "RATE_LIMITED"
	codeBodyTooLarge = "BODY_TOO_LARGE"
	codeBusy         = "BUSY"
	codeBlocked      = "BLOCKED"
	codeNotFound     = "NOT_FOUND"
	codeBadRequest   = "BAD_REQUEST"
	codeConflict     = "CONFLICT"
	codeInternal     = "INTERNAL"
)

// apiError writes the JSON error body and aborts the handler chain.
func apiError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "error": message})
}
