package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"chatrelay/internal/relay"
)

const variant = "server"

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// APIKey is resolved once at startup; the process owns the credential.
	APIKey string
	// FallbackCaller identifies callers that send neither Origin nor Referer.
	FallbackCaller string
	Logger         *slog.Logger
}

// Handler holds the HTTP handlers
type Handler struct {
	relay          *relay.Relay
	apiKey         string
	fallbackCaller string
	logger         *slog.Logger
}

// NewHandler creates a new handler relaying through r.
func NewHandler(r *relay.Relay, opts HandlerOptions) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		relay:          r,
		apiKey:         opts.APIKey,
		fallbackCaller: opts.FallbackCaller,
		logger:         logger,
	}
}

// Chat handles the relay route.
func (h *Handler) Chat(c echo.Context) error {
	req := c.Request()
	x := relay.NewExchange(requestID(c), variant, h.logger)

	res, err := h.relay.Forward(req.Context(), x, relay.Inbound{
		Method:  req.Method,
		Body:    limitedBody{r: req.Body},
		APIKey:  h.apiKey,
		Referer: relay.HeaderReferer(req, h.fallbackCaller),
	})
	if err != nil {
		if relay.ServerFault(err) {
			h.logger.Error("relay failed", "request_id", x.ID, "error", err)
		}
		x.Finish(relay.WriteError(c.Response(), err))
		return nil
	}

	if res.Streaming() {
		pumpStream(req.Context(), c.Response(), x, res, h.logger)
		x.Finish(res.StatusCode)
		return nil
	}

	if err := relay.WriteBuffered(c.Response(), res); err != nil {
		x.Abort(relay.AbortClientWrite)
		h.logger.Info("client write failed", "request_id", x.ID, "error", err)
	} else {
		x.Complete()
	}
	x.Finish(res.StatusCode)
	return nil
}

// limitedBody reports a body rejected by the BodyLimit middleware mid-read
// as *http.MaxBytesError, which the relay answers with 413.
type limitedBody struct {
	r io.Reader
}

func (b limitedBody) Read(p []byte) (int, error) {
	if b.r == nil {
		return 0, io.EOF
	}
	n, err := b.r.Read(p)
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) && httpErr.Code == http.StatusRequestEntityTooLarge {
		return n, &http.MaxBytesError{}
	}
	return n, err
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
