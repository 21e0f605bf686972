package server

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/labstack/echo/v4"

	"chatrelay/internal/relay"
)

const streamBufferSize = 32 << 10

// pumpStream copies the upstream event stream to the client chunk by chunk,
// flushing after each one. When the client goes away the upstream body is
// closed at once, which releases the upstream connection; when upstream ends
// or fails the downstream response ends with it.
func pumpStream(ctx context.Context, w *echo.Response, x *relay.Exchange, res *relay.Result, logger *slog.Logger) {
	src := res.Stream
	defer func() { _ = src.Close() }()

	disconnected := func() {
		if x.Abort(relay.AbortClientDisconnect) {
			logger.Info("client disconnected mid-stream", "request_id", x.ID, "streamed_bytes", x.Streamed())
		}
	}
	stop := context.AfterFunc(ctx, func() {
		disconnected()
		_ = src.Close()
	})
	defer stop()

	for k, vs := range res.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(res.StatusCode)
	w.Flush()

	buf := make([]byte, streamBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if x.State().Terminal() {
				return
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				if ctx.Err() != nil {
					disconnected()
					return
				}
				if x.Abort(relay.AbortClientWrite) {
					logger.Info("client write failed mid-stream", "request_id", x.ID, "error", werr)
				}
				return
			}
			w.Flush()
			x.AddStreamed(n)
		}
		if errors.Is(err, io.EOF) {
			x.Complete()
			return
		}
		if err != nil {
			// The upstream request shares ctx, so a disconnect can surface here first.
			if ctx.Err() != nil {
				disconnected()
				return
			}
			if x.Abort(relay.AbortUpstreamStream) {
				logger.Error("upstream stream error", "request_id", x.ID, "error", err)
			}
			return
		}
	}
}
