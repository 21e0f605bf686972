package server

import (
	"bytes"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"chatrelay/internal/relay"
)

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestServer(t *testing.T, upstreamURL string, mutate func(cfg *Config)) (*Server, *syncBuffer) {
	t.Helper()
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	r := relay.New(http.DefaultClient, relay.Config{
		UpstreamURL: upstreamURL,
		Title:       "Calculator Web Product Chat",
	}, logger)

	cfg := &Config{
		APIKey:      "sk-or-test",
		Port:        "3000",
		CORSEnabled: true,
		Logger:      logger,
	}
	if mutate != nil {
		mutate(cfg)
	}
	return New(r, cfg), logs
}
