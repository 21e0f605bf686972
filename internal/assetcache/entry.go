package assetcache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Entry is one stored response.
type Entry struct {
	// Key is the request key the entry was stored under.
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// RequestKey returns the cache key of u: the absolute URL without its fragment.
func RequestKey(u *url.URL) string {
	k := *u
	k.Fragment = ""
	k.RawFragment = ""
	// A request-URI parse leaves any fragment in the query.
	k.RawQuery, _, _ = strings.Cut(k.RawQuery, "#")
	return k.String()
}

// Cacheable reports whether a response with the given status may be stored.
// Partial content is never stored.
func Cacheable(status int) bool {
	return status != http.StatusPartialContent
}

// readEntry drains and closes resp.Body into a new Entry.
func readEntry(key string, resp *http.Response) (*Entry, error) {
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Entry{
		Key:      key,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// Response materializes the entry as a response to req.
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Header = e.Header.Clone()
	c.Body = bytes.Clone(e.Body)
	return &c
}
