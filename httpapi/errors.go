package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"signpost-index/engine"
)

// writeError maps engine errors onto status codes: validation 400, not found
// 404, conflict 409, anything else 500.
func (s *Server) writeError(c *gin.Context, err error) {
	var ve *engine.ValidationError
	var ce *engine.ConflictError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "field": ve.Field, "message": ve.Message})
	case errors.Is(err, engine.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.As(err, &ce):
		body := gin.H{"error": "conflict", "message": err.Error()}
		if ce.Actual != "" {
			body["actual_status"] = ce.Actual
		}
		c.JSON(http.StatusConflict, body)
	default:
		s.log.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "request_id", c.GetString(requestIDKey), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "request_id": c.GetString(requestIDKey)})
	}
}

func badRequest(c *gin.Context, field string, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "field": field, "message": message})
}
