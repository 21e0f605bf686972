// Package edge is the one-shot host of the chat relay. Each request is served
// by a fresh handler invocation that reads the upstream credential from the
// environment and keeps nothing between requests. Client disconnects are left
// to the host, which cancels the request context.
package edge

import (
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"

	"chatrelay/config"
	"chatrelay/internal/relay"
)

const (
	variant = "edge"

	// MaxBodyBytes caps the inbound chat request.
	MaxBodyBytes = 1 << 20
)

// Options configures a Handler.
type Options struct {
	// Getenv resolves the credential per request. Defaults to os.Getenv.
	Getenv func(string) string
	Logger *slog.Logger
}

// Handler serves the relay route as a plain http.Handler.
type Handler struct {
	relay  *relay.Relay
	getenv func(string) string
	logger *slog.Logger
}

// New returns a Handler relaying through r.
func New(r *relay.Relay, opts Options) *Handler {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{relay: r, getenv: getenv, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	x := relay.NewExchange(id, variant, h.logger)

	var body io.Reader
	if r.Body != nil {
		body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	}

	res, err := h.relay.Forward(r.Context(), x, relay.Inbound{
		Method:  r.Method,
		Body:    body,
		APIKey:  h.getenv(config.CredentialEnv),
		Referer: relay.URLOrigin(r),
	})
	if err != nil {
		if relay.ServerFault(err) {
			h.logger.Error("relay failed", "request_id", x.ID, "error", err)
		}
		x.Finish(relay.WriteError(w, err))
		return
	}

	if !res.Streaming() {
		if err := relay.WriteBuffered(w, res); err != nil {
			x.Abort(relay.AbortClientWrite)
		} else {
			x.Complete()
		}
		x.Finish(res.StatusCode)
		return
	}

	defer func() { _ = res.Stream.Close() }()
	fw := newFlushWriter(w)
	for k, vs := range res.Header {
		for _, v := range vs {
			fw.Header().Add(k, v)
		}
	}
	fw.WriteHeader(res.StatusCode)
	fw.Flush()

	n, err := io.Copy(fw, res.Stream)
	x.AddStreamed(int(n))
	switch {
	case err == nil:
		x.Complete()
	case r.Context().Err() != nil:
		x.Abort(relay.AbortClientDisconnect)
	case fw.err != nil:
		x.Abort(relay.AbortClientWrite)
	default:
		x.Abort(relay.AbortUpstreamStream)
		h.logger.Error("upstream stream error", "request_id", x.ID, "error", err)
	}
	x.Finish(res.StatusCode)
}

// flushWriter flushes after every write so each upstream chunk reaches the
// client as soon as it arrives. Flush is a no-op when the host writer cannot
// flush.
type flushWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	err     error
}

func newFlushWriter(w http.ResponseWriter) *flushWriter {
	fw := &flushWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		fw.flusher = f
	}
	return fw
}

func (fw *flushWriter) Header() http.Header { return fw.w.Header() }
func (fw *flushWriter) WriteHeader(code int) { fw.w.WriteHeader(code) }

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err != nil {
		fw.err = err
		return n, err
	}
	fw.Flush()
	return n, nil
}

func (fw *flushWriter) Flush() {
	if fw.flusher != nil {
		fw.flusher.Flush()
	}
}
