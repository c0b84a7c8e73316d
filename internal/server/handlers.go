package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/ronaldslwong/copyrust-sub000/internal/blockhash"
	"github.com/ronaldslwong/copyrust-sub000/internal/correlation"
	"github.com/ronaldslwong/copyrust-sub000/internal/dispatch"
	"github.com/ronaldslwong/copyrust-sub000/internal/flags"
	"github.com/ronaldslwong/copyrust-sub000/internal/landing"
	"github.com/ronaldslwong/copyrust-sub000/internal/risk"
	"github.com/ronaldslwong/copyrust-sub000/internal/storage"
	"github.com/ronaldslwong/copyrust-sub000/internal/stream"
	"github.com/ronaldslwong/copyrust-sub000/internal/vendor"
	"github.com/sirupsen/logrus"
)

// FlagStore is the subset of flags.Store the API uses
type FlagStore interface {
	Upsert(ctx context.Context, key string, value bool) (*flags.Flag, error)
	Get(ctx context.Context, key string) (*flags.Flag, error)
	List(ctx context.Context) ([]*flags.Flag, error)
	Delete(ctx context.Context, key string) error
}

// Handlers contains all dependencies for API endpoint handlers. Every
// dependency is optional; missing ones are left out of responses.
type Handlers struct {
	Blocks   interface{ Latest() (blockhash.Reference, error) }
	Dispatch func() dispatch.Counters
	Landing  func() landing.Counters
	Store    interface{ Stats() correlation.Stats }
	Feeds    map[string]func() stream.FeedStats
	Risk     interface{ Status() risk.Status }
	Vendors  interface{ Vendors() []*vendor.Vendor }
	Gate     func(name string) bool // vendor enabled filter
	Races    storage.RaceHistory    // Redis-backed recent races
	Flags    FlagStore              // Redis-backed feature flags store
	DevMode  bool                   // Enable detailed error responses in development
	Logger   *logrus.Logger         // Structured logger
	Started  time.Time
}

// err returns a standardized JSON error response
// In dev mode, includes additional error details for debugging
func (h *Handlers) err(c echo.Context, code int, msg string, details any) error {
	resp := ErrorResponse{Error: msg, Code: code}
	if h.DevMode && details != nil {
		resp.Details = details
	}
	return c.JSON(code, resp)
}

// withTimeout creates a context with timeout, defaulting to 10 seconds if duration <= 0
func (h *Handlers) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

// Health is 200 once a blockhash is cached, 503 before
func (h *Handlers) Health(c echo.Context) error {
	resp := HealthResponse{OK: true}
	if !h.Started.IsZero() {
		resp.UptimeSeconds = time.Since(h.Started).Seconds()
	}
	if h.Blocks != nil {
		ref, err := h.Blocks.Latest()
		if err != nil {
			resp.OK = false
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
		resp.BlockhashReady = true
		resp.BlockhashAgeMs = ref.Age(time.Now()).Milliseconds()
		resp.BlockhashSlot = ref.Slot
	}
	return c.JSON(http.StatusOK, resp)
}

// Stats returns dispatch, landing, store, feed and risk snapshots
func (h *Handlers) Stats(c echo.Context) error {
	var resp StatsResponse
	if h.Dispatch != nil {
		d := h.Dispatch()
		resp.Dispatch = &d
	}
	if h.Landing != nil {
		l := h.Landing()
		resp.Landing = &l
	}
	if h.Store != nil {
		s := h.Store.Stats()
		resp.Store = &s
	}
	if len(h.Feeds) > 0 {
		resp.Feeds = make(map[string]stream.FeedStats, len(h.Feeds))
		for name, get := range h.Feeds {
			resp.Feeds[name] = get()
		}
	}
	if h.Risk != nil {
		r := h.Risk.Status()
		resp.Risk = &r
	}
	return c.JSON(http.StatusOK, resp)
}

// VendorsList returns the configured vendors with their gate state
func (h *Handlers) VendorsList(c echo.Context) error {
	if h.Vendors == nil {
		return c.JSON(http.StatusOK, map[string]any{"items": []VendorInfo{}})
	}
	vs := h.Vendors.Vendors()
	items := make([]VendorInfo, 0, len(vs))
	for _, v := range vs {
		enabled := true
		if h.Gate != nil {
			enabled = h.Gate(v.Name)
		}
		items = append(items, VendorInfo{
			Name:        v.Name,
			Kind:        v.Kind,
			Enabled:     enabled,
			TipLamports: v.TipLamports,
			CUPrice:     v.CUPrice,
			UseNonce:    v.UseNonce,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

// RecentRaces returns the most recent races with optional limit parameter
// Accepts limit query parameter (default: 50, range: 1-100)
func (h *Handlers) RecentRaces(c echo.Context) error {
	if h.Races == nil {
		return h.err(c, http.StatusServiceUnavailable, "race history is not configured", nil)
	}
	limit := 50
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return h.err(c, http.StatusBadRequest, "invalid limit", map[string]any{"limit": "must be an integer"})
		}
		limit = n
	}
	if limit < 1 || limit > 100 {
		return h.err(c, http.StatusBadRequest, "invalid limit", map[string]any{"limit": "min 1 max 100"})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	items, err := h.Races.Recent(ctx, int64(limit))
	if err != nil {
		return h.err(c, http.StatusInternalServerError, "failed to get races", map[string]any{"err": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

// FlagsUpsert creates or updates a feature flag with the given key and value
func (h *Handlers) FlagsUpsert(c echo.Context) error {
	var req FlagUpsertRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}
	if err := flags.ValidateKey(req.Key); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid key", map[string]any{"key": "invalid format"})
	}
	return h.upsert(c, req.Key, req.Value)
}

// FlagsUpdate updates the flag named in the path
func (h *Handlers) FlagsUpdate(c echo.Context) error {
	key := c.Param("key")
	if err := flags.ValidateKey(key); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid key", map[string]any{"key": "invalid format"})
	}
	var req FlagUpdateRequest
	if err := c.Bind(&req); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid json", nil)
	}
	return h.upsert(c, key, req.Value)
}

func (h *Handlers) upsert(c echo.Context, key string, value bool) error {
	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	out, err := h.Flags.Upsert(ctx, key, value)
	if err != nil {
		return h.err(c, http.StatusInternalServerError, "failed to upsert flag", nil)
	}
	h.Logger.WithFields(logrus.Fields{"key": key, "value": value}).Info("flag updated")
	return c.JSON(http.StatusOK, out)
}

// FlagsGet retrieves a feature flag by its key
// Returns 404 if flag doesn't exist
func (h *Handlers) FlagsGet(c echo.Context) error {
	key := c.Param("key")
	if err := flags.ValidateKey(key); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid key", map[string]any{"key": "invalid format"})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	out, err := h.Flags.Get(ctx, key)
	if err != nil {
		if errors.Is(err, flags.ErrNotFound) {
			return h.err(c, http.StatusNotFound, "flag not found", nil)
		}
		return h.err(c, http.StatusInternalServerError, "failed to get flag", nil)
	}
	return c.JSON(http.StatusOK, out)
}

// FlagsList returns all feature flags in the system
func (h *Handlers) FlagsList(c echo.Context) error {
	ctx, cancel := h.withTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	items, err := h.Flags.List(ctx)
	if err != nil {
		return h.err(c, http.StatusInternalServerError, "failed to list flags", nil)
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

// FlagsDelete removes a feature flag by its key
// Returns 204 No Content on successful deletion
func (h *Handlers) FlagsDelete(c echo.Context) error {
	key := c.Param("key")
	if err := flags.ValidateKey(key); err != nil {
		return h.err(c, http.StatusBadRequest, "invalid key", map[string]any{"key": "invalid format"})
	}

	ctx, cancel := h.withTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	if err := h.Flags.Delete(ctx, key); err != nil {
		return h.err(c, http.StatusInternalServerError, "failed to delete flag", nil)
	}
	return c.NoContent(http.StatusNoContent)
}
