package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"notify-relay/internal/notification"
)

// Notify fans a notification out to every endpoint bound to the token.
func (h *Handler) Notify(c *gin.Context) {
	var req notification.Request
	if _, ok := bindJSON(c, &req); !ok {
		return
	}

	result, err := h.dispatcher.Notify(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
