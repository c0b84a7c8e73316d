package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RegisterRoutes configures all API routes, middleware, and error handlers
func RegisterRoutes(e *echo.Echo, h *Handlers, cfg ServerConfig) {
	// Set custom error handler for consistent JSON responses
	e.HTTPErrorHandler = JSONErrorHandler(h.Logger)

	// Prometheus scrape endpoint sits outside the JSON/auth middleware
	if cfg.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(cfg.Metrics))
	}

	api := e.Group("")
	api.Use(SetJSONContentType) // Ensure all responses are JSON
	api.Use(SetNoCacheHeaders)  // Prevent caching of API responses

	// Optional API key authentication
	if cfg.APIKey != "" {
		api.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			KeyLookup: "header:X-API-Key", // Look for API key in X-API-Key header
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/v1/health"
			},
			Validator: func(key string, c echo.Context) (bool, error) {
				return key == cfg.APIKey, nil // Simple string comparison
			},
		}))
	}

	// API v1 routes
	v1 := api.Group("/v1")
	v1.GET("/health", h.Health)            // Liveness and blockhash state
	v1.GET("/stats", h.Stats)              // Dispatch, landing, store counters
	v1.GET("/vendors", h.VendorsList)      // Configured vendors
	v1.GET("/races/recent", h.RecentRaces) // Recent race summaries

	// Feature flags CRUD endpoints with rate limiting
	if h.Flags != nil {
		flagGroup := v1.Group("/flags")
		flagGroup.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(cfg.FlagRate),
			Burst:     cfg.FlagBurst,
			ExpiresIn: 2 * time.Minute,
		})))
		flagGroup.GET("", h.FlagsList)           // List all flags
		flagGroup.POST("", h.FlagsUpsert)        // Create new flag
		flagGroup.GET("/:key", h.FlagsGet)       // Get specific flag
		flagGroup.PUT("/:key", h.FlagsUpdate)    // Update existing flag
		flagGroup.DELETE("/:key", h.FlagsDelete) // Delete flag
	}

	// Catch-all route for 404 responses
	e.RouteNotFound("/*", func(c echo.Context) error {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found", Code: http.StatusNotFound})
	})
}
