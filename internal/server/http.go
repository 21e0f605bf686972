// Package server is the long-running host of the chat relay: an echo listener
// that also serves the static client and exposes health and metrics routes.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"path"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatrelay/config"
	"chatrelay/internal/relay"
)

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds server configuration options
type Config struct {
	ChatPath        string       // Relay route (default: /api/openrouter-chat)
	APIKey          string       // Shared upstream credential; empty yields 500 per request
	Port            string       // Listening port, used for the local caller fallback
	BodySizeLimit   string       // Max request body size, echo notation (default: 1M)
	StaticDir       string       // Optional directory served at /
	CORSEnabled     bool         // Reflect the caller origin in CORS headers
	MetricsEnabled  bool         // Whether to expose Prometheus metrics endpoint
	MetricsEndpoint string       // HTTP path for metrics endpoint (default: /metrics)
	Logger          *slog.Logger // Defaults to slog.Default()
}

// New creates a new HTTP server
func New(r *relay.Relay, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	chatPath := cfg.ChatPath
	if chatPath == "" {
		chatPath = config.DefaultChatPath
	}
	port := cfg.Port
	if port == "" {
		port = "3000"
	}

	handler := NewHandler(r, HandlerOptions{
		APIKey:         cfg.APIKey,
		FallbackCaller: "http://localhost:" + port,
		Logger:         logger,
	})

	// Global middleware stack (order matters)
	e.Use(RequestIDMiddleware())
	e.Use(middleware.RequestLoggerWithConfig(requestLoggerConfig(logger)))
	e.Use(middleware.Recover())

	bodySizeLimit := config.DefaultBodySizeLimit
	if cfg.BodySizeLimit != "" {
		bodySizeLimit = cfg.BodySizeLimit
	}
	e.Use(middleware.BodyLimit(bodySizeLimit))

	if cfg.CORSEnabled {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOriginFunc: func(string) (bool, error) { return true, nil },
			AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		}))
	}

	e.GET("/health", handler.Health)

	if cfg.MetricsEnabled {
		e.GET(metricsPath(cfg.MetricsEndpoint, chatPath), echo.WrapHandler(promhttp.Handler()))
	}

	// Method checking belongs to the relay contract, so every method reaches it.
	e.Any(chatPath, handler.Chat)

	if cfg.StaticDir != "" {
		e.Static("/", cfg.StaticDir)
	}

	return &Server{
		echo:    e,
		handler: handler,
	}
}

// metricsPath normalizes the metrics endpoint and keeps it from shadowing
// application routes.
func metricsPath(endpoint, chatPath string) string {
	p := "/metrics"
	if endpoint != "" {
		// Normalize path to prevent traversal attacks
		p = path.Clean("/" + endpoint)
	}
	if p == "/" || p == "/health" || p == path.Clean(chatPath) {
		return "/metrics"
	}
	return p
}

func requestLoggerConfig(logger *slog.Logger) middleware.RequestLoggerConfig {
	return middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				logger.Error("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.Debug("request", attrs...)
			return nil
		},
	}
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
