package relay

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchange_HappyPaths(t *testing.T) {
	for _, mid := range []State{StateBuffering, StateStreaming} {
		t.Run(mid.String(), func(t *testing.T) {
			x := NewExchange("id", "test", nil)
			require.NoError(t, x.advance(StateValidated))
			require.NoError(t, x.advance(StateUpstreamDispatched))
			require.NoError(t, x.advance(mid))
			assert.True(t, x.Complete())
			assert.Equal(t, StateCompleted, x.State())
			assert.True(t, x.State().Terminal())
		})
	}
}

func TestExchange_InvalidTransitions(t *testing.T) {
	x := NewExchange("id", "test", nil)
	assert.Error(t, x.advance(StateStreaming), "cannot stream before dispatch")
	assert.False(t, x.Complete(), "cannot complete from received")

	require.NoError(t, x.advance(StateValidated))
	require.NoError(t, x.advance(StateUpstreamDispatched))
	require.NoError(t, x.advance(StateStreaming))
	assert.Error(t, x.advance(StateBuffering))
}

func TestExchange_AbortIsTerminalAndFirstWins(t *testing.T) {
	x := NewExchange("id", "test", nil)
	require.NoError(t, x.advance(StateValidated))
	require.NoError(t, x.advance(StateUpstreamDispatched))
	require.NoError(t, x.advance(StateStreaming))

	assert.True(t, x.Abort(AbortClientDisconnect))
	assert.False(t, x.Abort(AbortUpstreamStream))
	assert.False(t, x.Complete())
	assert.Equal(t, StateAborted, x.State())
	assert.Equal(t, AbortClientDisconnect, x.AbortReason())
}

func TestExchange_CompletedCannotAbort(t *testing.T) {
	x := NewExchange("id", "test", nil)
	require.NoError(t, x.advance(StateValidated))
	require.NoError(t, x.advance(StateUpstreamDispatched))
	require.NoError(t, x.advance(StateBuffering))
	require.True(t, x.Complete())

	assert.False(t, x.Abort(AbortClientWrite))
	assert.Empty(t, x.AbortReason())
}

func TestExchange_ConcurrentAbortAndComplete(t *testing.T) {
	x := NewExchange("id", "test", nil)
	require.NoError(t, x.advance(StateValidated))
	require.NoError(t, x.advance(StateUpstreamDispatched))
	require.NoError(t, x.advance(StateStreaming))

	var wg sync.WaitGroup
	var aborted, completed bool
	wg.Add(2)
	go func() { defer wg.Done(); aborted = x.Abort(AbortClientDisconnect) }()
	go func() { defer wg.Done(); completed = x.Complete() }()
	wg.Wait()

	assert.True(t, aborted != completed, "exactly one terminal transition must win")
	assert.True(t, x.State().Terminal())
}

func TestExchange_StreamedAndFinishOnce(t *testing.T) {
	x := NewExchange("id", "test", nil)
	x.AddStreamed(10)
	x.AddStreamed(5)
	assert.EqualValues(t, 15, x.Streamed())

	x.Finish(200)
	x.Finish(500)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "upstream_dispatched", StateUpstreamDispatched.String())
	assert.Equal(t, "aborted", StateAborted.String())
	assert.Equal(t, "state(42)", State(42).String())
}
