// Package main runs the chat relay as a CGI program: the host starts one
// process per request, so the relay keeps no state between requests.
package main

import (
	"log/slog"
	"net/http/cgi"
	"os"

	"chatrelay/config"
	"chatrelay/internal/edge"
	"chatrelay/internal/httpclient"
	"chatrelay/internal/logging"
	"chatrelay/internal/relay"
)

func main() {
	// stdout carries the response.
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stderr, logging.Options{Format: "json", Level: cfg.Logging.Level})
	slog.SetDefault(logger)

	clientCfg := httpclient.FromConfig(cfg.HTTP)
	r := relay.New(httpclient.NewHTTPClient(&clientCfg), relay.Config{
		UpstreamURL: cfg.Upstream.URL,
		Title:       cfg.Upstream.Title,
	}, logger)

	if err := cgi.Serve(edge.New(r, edge.Options{Logger: logger})); err != nil {
		logger.Error("cgi request failed", "error", err)
		os.Exit(1)
	}
}
