package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
)

// ServerConfig holds configuration for the HTTP server
type ServerConfig struct {
	Addr    string       // Server bind address (e.g., ":8090")
	DevMode bool         // Enable development mode (detailed error responses)
	APIKey  string       // Optional API key for authentication
	Metrics http.Handler // Optional Prometheus handler served at /metrics

	FlagRate  float64 // flag route requests per second, default 1
	FlagBurst int     // default 5

	ReadTimeout  time.Duration // default 5s
	WriteTimeout time.Duration // default 10s
	IdleTimeout  time.Duration // default 60s
}

// ServerDeps bundles the handler set and server settings
type ServerDeps struct {
	Handlers *Handlers
	Config   ServerConfig
}

// Server is the admin API
type Server struct {
	e      *echo.Echo
	cfg    ServerConfig
	logger *logrus.Logger
	closed chan struct{}
}

// NewServer builds the router. Nothing listens until Start.
func NewServer(deps ServerDeps) (*Server, error) {
	if deps.Handlers == nil {
		return nil, errors.New("server: handlers are required")
	}
	h := deps.Handlers
	if h.Logger == nil {
		h.Logger = logrus.New()
	}
	h.DevMode = deps.Config.DevMode
	if deps.Config.FlagRate <= 0 {
		deps.Config.FlagRate = 1
	}
	if deps.Config.FlagBurst <= 0 {
		deps.Config.FlagBurst = 5
	}
	if deps.Config.ReadTimeout <= 0 {
		deps.Config.ReadTimeout = 5 * time.Second
	}
	if deps.Config.WriteTimeout <= 0 {
		deps.Config.WriteTimeout = 10 * time.Second
	}
	if deps.Config.IdleTimeout <= 0 {
		deps.Config.IdleTimeout = 60 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestLogger(h.Logger))

	e.Server.ReadHeaderTimeout = deps.Config.ReadTimeout
	e.Server.ReadTimeout = deps.Config.ReadTimeout
	e.Server.WriteTimeout = deps.Config.WriteTimeout
	e.Server.IdleTimeout = deps.Config.IdleTimeout

	RegisterRoutes(e, h, deps.Config)

	return &Server{e: e, cfg: deps.Config, logger: h.Logger, closed: make(chan struct{})}, nil
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler { return s.e }

// Start begins serving HTTP requests on the configured address. It returns
// nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.cfg.Addr).Info("api server listening")
	if err := s.e.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains open requests for at most 10s. Safe to call once.
func (s *Server) Shutdown(ctx context.Context) error {
	defer close(s.closed)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.e.Shutdown(ctx)
}

// WaitClosed returns once Shutdown has finished or ctx is done
func (s *Server) WaitClosed(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return nil
	}
}

// requestLogger logs each request through logrus at debug, errors at warn
func requestLogger(logger *logrus.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := logger.WithFields(logrus.Fields{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency_ms": v.Latency.Milliseconds(),
			})
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				entry.WithError(v.Error).Warn("api request failed")
				return nil
			}
			entry.Debug("api request")
			return nil
		},
	})
}

// SetNoCacheHeaders marks every API response as uncacheable
func SetNoCacheHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set("Cache-Control", "no-store")
		return next(c)
	}
}

// SetJSONContentType forces the JSON content type
func SetJSONContentType(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		return next(c)
	}
}
