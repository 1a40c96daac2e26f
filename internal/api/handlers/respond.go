package handlers

import (
	"net/http"

	"agro-market-api-server/internal/apperr"

	"github.com/gin-gonic/gin"
)

// respondError maps err onto a status code. Internal details are kept out of 5xx bodies
// and attached to the context for the request logger instead.
func respondError(c *gin.Context, err error) {
	status := apperr.Status(err)
	switch {
	case status == http.StatusBadGateway:
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": "Upstream service failed, please retry"})
	case status >= http.StatusInternalServerError:
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": "Internal server error"})
	default:
		c.JSON(status, gin.H{"error": err.Error()})
	}
}
