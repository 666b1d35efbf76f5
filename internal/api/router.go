package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notify-relay/config"
	"notify-relay/internal/mw"
)

// NewRouter creates and configures the gin engine. A nil limiter disables
// rate limiting of the POST routes.
func NewRouter(cfg *config.ServerConfig, handler *Handler, limiter *mw.IPRateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprint(recovered)})
	}))
	r.Use(mw.RequestID(), mw.AccessLog())

	// Endpoints arrive URL-encoded inside /subscriptions/*endpoint.
	r.UseRawPath = true
	r.UnescapePathValues = true
	if cfg.RequestIPHeader != "" {
		r.TrustedPlatform = cfg.RequestIPHeader
	}

	r.GET("/health", handler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	vapid := []gin.HandlerFunc{handler.GetVAPIDPublicKey}
	if cfg.CacheTTL > 0 {
		cacheStore := cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
		vapid = append([]gin.HandlerFunc{mw.Cache(cacheStore, cfg.CacheTTL)}, vapid...)
	}
	r.GET("/vapid-public-key", vapid...)
	r.GET("/subscriptions/*endpoint", handler.GetSubscription)

	writes := r.Group("/")
	if limiter != nil {
		writes.Use(mw.RateLimiter(limiter))
	}
	{
		writes.POST("/subscribe", handler.Subscribe)
		writes.POST("/unsubscribe", handler.Unsubscribe)
		writes.POST("/notify", handler.Notify)
	}

	r.NoRoute(handler.Static)
	return r
}
