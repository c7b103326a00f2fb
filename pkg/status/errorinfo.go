package status

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ErrorInfo is an error returned by the admin API. The message MUST only
// contain user visible state, never internal details.
type ErrorInfo struct {
	// StatusCode contains the HTTP status code.
	StatusCode int `json:"-"`

	// Message contains the error message to return to the user.
	Message string `json:"message"`
}

func NewErrorInfo(statusCode int, format string, args ...any) *ErrorInfo {
	return &ErrorInfo{
		StatusCode: statusCode,
		Message:    fmt.Sprintf(format, args...),
	}
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf(
		"%s (%d): %s",
		strings.ToLower(http.StatusText(e.StatusCode)),
		e.StatusCode,
		e.Message,
	)
}

// Abort aborts the request with the error as the JSON response body.
func (e *ErrorInfo) Abort(c *gin.Context) {
	c.AbortWithStatusJSON(e.StatusCode, e)
}
