package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// respondError maps a service error onto an HTTP status. Services return
// plain errors with stable user-facing messages, so the translation keys
// off those messages in this one place.
func respondError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{"success": false, "error": err.Error()})
}

func statusForError(err error) int {
	msg := err.Error()
	switch {
	case strings.HasSuffix(msg, "not found"):
		return http.StatusNotFound
	case strings.Contains(msg, "already"), strings.Contains(msg, "in use"):
		return http.StatusConflict
	case strings.Contains(msg, "invalid"),
		strings.Contains(msg, "required"),
		strings.Contains(msg, "must be"),
		strings.Contains(msg, "offline"),
		strings.Contains(msg, "no agent"),
		strings.Contains(msg, "not running"),
		strings.Contains(msg, "not assigned"),
		strings.Contains(msg, "not approved"),
		strings.Contains(msg, "still has"),
		strings.Contains(msg, "cannot"),
		strings.Contains(msg, "unknown"):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
