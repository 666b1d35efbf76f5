package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Health reports liveness, build info and the number of registered endpoints.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"version":       h.info.Version,
		"name":          h.info.Name,
		"uptime":        time.Since(h.started).Seconds(),
		"subscriptions": h.registry.Len(),
	})
}
