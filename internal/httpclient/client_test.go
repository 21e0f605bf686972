package httpclient

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"chatrelay/config"
)

func TestDefaultConfig_NoOverallTimeout(t *testing.T) {
	cfg := DefaultConfig()
	assert.Zero(t, cfg.Timeout, "streamed responses must not be cut by a client timeout")
	assert.Equal(t, 600*time.Second, cfg.ResponseHeaderTimeout)
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.HTTPConfig{Timeout: 30, ResponseHeaderTimeout: 5})
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 5*time.Second, cfg.ResponseHeaderTimeout)
	assert.Equal(t, 100, cfg.MaxIdleConnsPerHost)
}

func TestNewHTTPClient(t *testing.T) {
	cfg := FromConfig(config.HTTPConfig{Timeout: 12, ResponseHeaderTimeout: 3})
	client := NewHTTPClient(&cfg)

	assert.Equal(t, 12*time.Second, client.Timeout)
	transport, ok := client.Transport.(*http.Transport)
	if assert.True(t, ok) {
		assert.Equal(t, 3*time.Second, transport.ResponseHeaderTimeout)
		assert.True(t, transport.ForceAttemptHTTP2)
	}

	assert.NotNil(t, NewDefaultHTTPClient().Transport)
}
