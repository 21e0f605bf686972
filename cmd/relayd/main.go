// Package main is the entry point for the chat relay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/config"
	"chatrelay/internal/httpclient"
	"chatrelay/internal/logging"
	"chatrelay/internal/relay"
	"chatrelay/internal/server"
	"chatrelay/internal/version"
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, logging.Options{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	slog.SetDefault(logger)

	slog.Info("starting relayd",
		"version", version.Version,
		"commit", version.Commit,
		"build_date", version.Date,
	)

	if cfg.Upstream.APIKey == "" {
		slog.Warn("OPENROUTER_API_KEY not set - every chat request will fail with 500")
	}
	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	}

	clientCfg := httpclient.FromConfig(cfg.HTTP)
	r := relay.New(httpclient.NewHTTPClient(&clientCfg), relay.Config{
		UpstreamURL: cfg.Upstream.URL,
		Title:       cfg.Upstream.Title,
	}, logger)

	srv := server.New(r, &server.Config{
		ChatPath:        cfg.Server.ChatPath,
		APIKey:          cfg.Upstream.APIKey,
		Port:            cfg.Server.Port,
		BodySizeLimit:   cfg.Server.BodySizeLimit,
		StaticDir:       cfg.Server.StaticDir,
		CORSEnabled:     cfg.Server.CORSEnabled,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
		Logger:          logger,
	})

	// Handle graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		slog.Info("shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	slog.Info("starting server", "address", addr, "chat_path", cfg.Server.ChatPath, "upstream", cfg.Upstream.URL)

	if err := srv.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
		} else {
			slog.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}
}
