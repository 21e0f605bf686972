// Package relay implements the host-independent chat relay contract: validate an
// inbound chat request, forward it to the upstream chat-completion API, and hand
// back either a buffered JSON body or a live event stream.
//
// Host adapters (the echo server and the one-shot edge handler) differ only in
// how they resolve the credential, detect client disconnects and write streamed
// bytes. Every decision about what to forward lives here.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"

	"chatrelay/internal/core"
)

// Config describes the upstream endpoint.
type Config struct {
	UpstreamURL string
	Title       string
}

// Inbound is what a host adapter extracted from the downstream request.
type Inbound struct {
	Method string
	// Body is read only after the method has been accepted.
	Body io.Reader
	// APIKey is the shared upstream credential; empty means the host lacks it.
	APIKey string
	// Referer is the best-effort caller identification sent upstream.
	Referer string
}

// Result is what the relay returns to the downstream client.
// Exactly one of Body and Stream is meaningful.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Stream is the open upstream body. The adapter owns it and must close it.
	Stream io.ReadCloser
}

// Streaming reports whether the result is a live event stream.
func (r *Result) Streaming() bool {
	return r.Stream != nil
}

// Relay forwards chat requests to one upstream endpoint.
// It holds no per-request state and is safe for concurrent use.
type Relay struct {
	client *http.Client
	cfg    Config
	logger *slog.Logger
}

// New creates a Relay using client for upstream calls.
func New(client *http.Client, cfg Config, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{client: client, cfg: cfg, logger: logger}
}

// Forward runs the exchange from StateReceived up to StateBuffering or
// StateStreaming. On error the exchange is aborted and the returned error is a
// *core.RelayError; no upstream call is made for client or configuration errors.
//
// ctx bounds the upstream call, including the lifetime of a returned Stream.
func (r *Relay) Forward(ctx context.Context, x *Exchange, in Inbound) (*Result, error) {
	if in.Method != http.MethodPost {
		x.Abort(AbortRejected)
		return nil, core.NewMethodNotAllowedError(in.Method)
	}

	body, err := readBody(in.Body)
	if err != nil {
		x.Abort(AbortRejected)
		return nil, err
	}
	stream := StreamRequested(body)
	if stream {
		x.setMode(ModeStream)
	}

	if in.APIKey == "" {
		x.Abort(AbortMisconfigured)
		return nil, core.NewConfigurationError("server is not configured with an upstream API key")
	}
	if err := x.advance(StateValidated); err != nil {
		return nil, core.NewTransportError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.UpstreamURL, bytes.NewReader(body))
	if err != nil {
		x.Abort(AbortTransport)
		return nil, core.NewTransportError(err)
	}
	r.setUpstreamHeaders(req, in)

	if err := x.advance(StateUpstreamDispatched); err != nil {
		return nil, core.NewTransportError(err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		x.Abort(AbortTransport)
		r.logger.Error("upstream request failed", "request_id", x.ID, "error", err)
		return nil, core.NewTransportError(err)
	}

	upstreamOK := resp.StatusCode >= 200 && resp.StatusCode < 300
	if stream && upstreamOK {
		if err := x.advance(StateStreaming); err != nil {
			_ = resp.Body.Close()
			return nil, core.NewTransportError(err)
		}
		return &Result{
			StatusCode: http.StatusOK,
			Header:     StreamHeaders(),
			Stream:     resp.Body,
		}, nil
	}

	if err := x.advance(StateBuffering); err != nil {
		_ = resp.Body.Close()
		return nil, core.NewTransportError(err)
	}
	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		x.Abort(AbortTransport)
		r.logger.Error("failed to read upstream body", "request_id", x.ID, "error", err)
		return nil, core.NewTransportError(fmt.Errorf("read upstream body: %w", err))
	}

	header := make(http.Header)
	if stream {
		// An error answer to a stream request is never framed as an event stream.
		ct := resp.Header.Get("Content-Type")
		if ct == "" {
			ct = "text/plain; charset=utf-8"
		}
		header.Set("Content-Type", ct)
	} else {
		header.Set("Content-Type", "application/json")
		header.Set("Cache-Control", "no-store")
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       data,
	}, nil
}

func (r *Relay) setUpstreamHeaders(req *http.Request, in Inbound) {
	req.Header.Set("Authorization", "Bearer "+in.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if in.Referer != "" {
		req.Header.Set("HTTP-Referer", in.Referer)
	}
	req.Header.Set("X-Title", r.cfg.Title)
}

func readBody(body io.Reader) ([]byte, error) {
	if body == nil {
		return nil, core.NewInvalidRequestError("request body is required", nil)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			e := core.NewInvalidRequestError("request body too large", err)
			e.StatusCode = http.StatusRequestEntityTooLarge
			return nil, e
		}
		return nil, core.NewInvalidRequestError("failed to read request body", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, core.NewInvalidRequestError("request body is not valid JSON", nil)
	}
	return data, nil
}

// StreamRequested reports whether the chat request asks for an event stream.
// Only a literal top-level `"stream": true` counts.
func StreamRequested(body []byte) bool {
	return gjson.GetBytes(body, "stream").Type == gjson.True
}

// StreamHeaders returns the response headers of a live event stream.
func StreamHeaders() http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return h
}
