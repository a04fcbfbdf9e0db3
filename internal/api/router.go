package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"meetup-location-backend/config"
	"meetup-location-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router. ws serves the
// meeting WebSocket endpoint.
func NewRouter(cfg *config.ServerConfig, handler *Handler, ws gin.HandlerFunc) *gin.Engine {
	r := gin.Default()

	identity := mw.Identity(cfg.IdentityHeader)
	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)

	// History is append-only between reconciles, cleaned up every 10 minutes
	cacheStore := cache.New(cfg.CacheTTL, 10*time.Minute)
	caching := mw.Cache(cacheStore, cfg.CacheTTL)

	// GET /ws/meetings/{meeting_id}
	r.GET("/ws/meetings/:meeting_id", identity, ws)

	api := r.Group("/api")
	api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)

	api.Use(identity, rateLimiter)
	{
		api.GET("/meetings/:meeting_id/locations", handler.GetLocations)
		api.GET("/meetings/:meeting_id/participants/:participant_id/history", caching, handler.GetHistory)
		api.PUT("/meetings/:meeting_id/movement", handler.PutMovement)
		api.DELETE("/meetings/:meeting_id/goal", handler.DeleteGoal)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
	}

	return r
}
