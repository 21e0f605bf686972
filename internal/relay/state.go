package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/observability"
)

// State is a step of the per-request relay lifecycle.
type State int

const (
	StateReceived State = iota
	StateValidated
	StateUpstreamDispatched
	StateBuffering
	StateStreaming
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateValidated:
		return "validated"
	case StateUpstreamDispatched:
		return "upstream_dispatched"
	case StateBuffering:
		return "buffering"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

var transitions = map[State][]State{
	StateReceived:           {StateValidated, StateAborted},
	StateValidated:          {StateUpstreamDispatched, StateAborted},
	StateUpstreamDispatched: {StateBuffering, StateStreaming, StateAborted},
	StateBuffering:          {StateCompleted, StateAborted},
	StateStreaming:          {StateCompleted, StateAborted},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Abort reasons recorded on an exchange.
const (
	AbortRejected         = "rejected"
	AbortMisconfigured    = "misconfigured"
	AbortTransport        = "transport_error"
	AbortClientDisconnect = "client_disconnect"
	AbortUpstreamStream   = "upstream_stream_error"
	AbortClientWrite      = "client_write_error"
)

// Mode labels how the response is delivered.
type Mode string

const (
	ModeJSON   Mode = "json"
	ModeStream Mode = "stream"
)

// Exchange tracks one downstream request through the relay state machine.
// It is safe for concurrent use: the disconnect watcher of the server variant
// aborts it from another goroutine.
type Exchange struct {
	ID      string
	Variant string

	logger  *slog.Logger
	started time.Time

	mu       sync.Mutex
	state    State
	mode     Mode
	streamed int64
	abort    string

	finish sync.Once
}

// NewExchange starts an exchange in StateReceived.
func NewExchange(id, variant string, logger *slog.Logger) *Exchange {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchange{
		ID:      id,
		Variant: variant,
		logger:  logger,
		started: time.Now(),
		state:   StateReceived,
		mode:    ModeJSON,
	}
}

// State returns the current state.
func (x *Exchange) State() State {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// Mode returns the response mode decided during validation.
func (x *Exchange) Mode() Mode {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.mode
}

// AbortReason returns why the exchange was aborted, or "".
func (x *Exchange) AbortReason() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.abort
}

// Streamed returns the number of bytes piped downstream so far.
func (x *Exchange) Streamed() int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.streamed
}

func (x *Exchange) setMode(m Mode) {
	x.mu.Lock()
	x.mode = m
	x.mu.Unlock()
}

// AddStreamed accounts bytes written to the client.
func (x *Exchange) AddStreamed(n int) {
	x.mu.Lock()
	x.streamed += int64(n)
	x.mu.Unlock()
}

func (x *Exchange) advance(to State) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !canTransition(x.state, to) {
		return fmt.Errorf("relay: invalid transition %s -> %s", x.state, to)
	}
	x.state = to
	return nil
}

// Complete moves the exchange to StateCompleted. It reports false when the
// exchange already reached a terminal state.
func (x *Exchange) Complete() bool {
	return x.advance(StateCompleted) == nil
}

// Abort moves the exchange to StateAborted. Only the first abort counts.
func (x *Exchange) Abort(reason string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !canTransition(x.state, StateAborted) {
		return false
	}
	x.state = StateAborted
	x.abort = reason
	return true
}

// Finish logs the exchange and records metrics. Calls after the first are no-ops.
func (x *Exchange) Finish(status int) {
	x.finish.Do(func() {
		x.mu.Lock()
		state, mode, streamed, abort := x.state, x.mode, x.streamed, x.abort
		x.mu.Unlock()

		elapsed := time.Since(x.started)
		x.logger.Info("relay exchange finished",
			"request_id", x.ID,
			"variant", x.Variant,
			"mode", string(mode),
			"status", status,
			"state", state.String(),
			"streamed_bytes", streamed,
			"abort_reason", abort,
			"duration", elapsed,
		)
		observability.RecordExchange(observability.Exchange{
			Variant:  x.Variant,
			Mode:     string(mode),
			Status:   status,
			State:    state.String(),
			Duration: elapsed,
			Streamed: streamed,
			Abort:    abort,
		})
	})
}
