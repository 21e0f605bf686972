package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"chatrelay/internal/core"
)

// WriteBuffered sends a buffered result.
func WriteBuffered(w http.ResponseWriter, res *Result) error {
	for k, vs := range res.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(res.StatusCode)
	_, err := w.Write(res.Body)
	return err
}

// ErrorStatus returns the HTTP status for err, 500 unless it is a *core.RelayError.
func ErrorStatus(err error) int {
	var relayErr *core.RelayError
	if errors.As(err, &relayErr) {
		return relayErr.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}

// ErrorBody returns the JSON error document for err.
func ErrorBody(err error) map[string]interface{} {
	var relayErr *core.RelayError
	if errors.As(err, &relayErr) {
		return relayErr.ToJSON()
	}
	return core.NewTransportError(err).ToJSON()
}

// WriteError sends err as a JSON error document and returns the status used.
func WriteError(w http.ResponseWriter, err error) int {
	status := ErrorStatus(err)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody(err))
	return status
}

// ServerFault reports whether err is a failure of the relay rather than of the request.
func ServerFault(err error) bool {
	var relayErr *core.RelayError
	if errors.As(err, &relayErr) {
		return !relayErr.ClientFault()
	}
	return true
}
