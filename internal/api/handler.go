package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"notify-relay/internal/apperr"
	"notify-relay/internal/notification"
	"notify-relay/internal/registry"
)

// Info identifies the running build in /health.
type Info struct {
	Name    string
	Version string
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	registry   *registry.Registry
	dispatcher *notification.Dispatcher
	publicKey  string
	assetsDir  string
	info       Info
	started    time.Time
}

// NewHandler creates a new API handler.
func NewHandler(reg *registry.Registry, dispatcher *notification.Dispatcher, publicKey, assetsDir string, info Info) *Handler {
	return &Handler{
		registry:   reg,
		dispatcher: dispatcher,
		publicKey:  publicKey,
		assetsDir:  assetsDir,
		info:       info,
		started:    time.Now(),
	}
}

// bindJSON decodes the request body into v and returns the raw body. An
// empty body leaves v at its zero value. On malformed JSON it writes the 400
// response and returns false.
func bindJSON(c *gin.Context, v any) ([]byte, bool) {
	if c.Request.Body == nil {
		return nil, true
	}
	data, err := c.GetRawData()
	if err != nil {
		writeError(c, apperr.IO(err, "failed to read request body"))
		return nil, false
	}
	if len(data) == 0 {
		return nil, true
	}
	if err := json.Unmarshal(data, v); err != nil {
		invalidJSON(c)
		return nil, false
	}
	return data, true
}

func invalidJSON(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
}

// writeError maps err to its HTTP status and writes {"error": message}.
func writeError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= 500 {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": apperr.Message(err)})
}
