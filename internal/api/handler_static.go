package api

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var mimeTypes = map[string]string{
	".html": "text/html",
	".js":   "text/javascript",
	".css":  "text/css",
	".json": "application/json",
	".png":  "image/png",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
}

// contentType returns the response type for a file name.
func contentType(name string) string {
	if t, ok := mimeTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return t
	}
	return "application/octet-stream"
}

// Static serves files from the assets directory for every unmatched route.
// "/" maps to index.html. Paths are cleaned against the root so they cannot
// leave the assets directory.
func (h *Handler) Static(c *gin.Context) {
	name := path.Clean("/" + c.Request.URL.Path)
	if name == "/" {
		name = "/index.html"
	}
	full := filepath.Join(h.assetsDir, filepath.FromSlash(name))

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		c.String(http.StatusNotFound, "Not found")
		return
	}

	data, err := os.ReadFile(full)
	if err != nil {
		log.Error().Err(err).Str("file", full).Msg("failed to read static file")
		c.String(http.StatusNotFound, "Not found")
		return
	}
	c.Data(http.StatusOK, contentType(full), data)
}
