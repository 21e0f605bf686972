package assetcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/config"
)

var errNetworkDown = errors.New("network down")

// site is a fake origin serving the calculator app.
type site struct {
	*httptest.Server

	mu     sync.Mutex
	pages  map[string]string
	status map[string]int
	gates  map[string]chan struct{}
	hits   map[string]int
	seen   map[string]http.Header

	offline atomic.Bool
}

func newSite(t *testing.T) *site {
	t.Helper()
	s := &site{
		pages: map[string]string{
			"/":                     "home",
			"/index.html":           "index",
			"/manifest.webmanifest": `{"name":"Calculator"}`,
			"/offline.html":         "you are offline",
			"/help.html":            "help",
			"/memo.html":            "memo",
			"/qr.html":              "qr",
		},
		status: map[string]int{},
		gates:  map[string]chan struct{}{},
		hits:   map[string]int{},
		seen:   map[string]http.Header{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *site) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	s.seen[r.URL.Path] = r.Header.Clone()
	body, ok := s.pages[r.URL.Path]
	status := s.status[r.URL.Path]
	gate := s.gates[r.URL.Path]
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (s *site) set(path, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[path] = body
}

func (s *site) remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pages, path)
}

func (s *site) gate(path string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.gates[path] = ch
	return ch
}

func (s *site) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *site) header(path string) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[path]
}

// Do implements Fetcher, failing every request while the site is offline.
func (s *site) Do(req *http.Request) (*http.Response, error) {
	if s.offline.Load() {
		return nil, errNetworkDown
	}
	return s.Client().Do(req)
}

func newEngine(t *testing.T, s *site, storage Storage, mutate func(*Options)) *Engine {
	t.Helper()
	opts := Options{
		Scope:       s.URL + "/",
		Prefix:      "calc-cache",
		Version:     "v1.1.3",
		Assets:      config.DefaultCoreAssets,
		OfflinePath: "./offline.html",
		Storage:     storage,
		Fetcher:     s,
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

func get(t *testing.T, e *Engine, rawURL string, navigate bool) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	if navigate {
		req.Header.Set("Sec-Fetch-Mode", "navigate")
	}
	return e.Fetch(req)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func stored(t *testing.T, storage Storage, e *Engine, ref string) *Entry {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, e.StoreName())
	require.NoError(t, err)
	u, err := e.Resolve(ref)
	require.NoError(t, err)
	entry, err := store.Match(ctx, RequestKey(u))
	require.NoError(t, err)
	return entry
}

func TestStoreName(t *testing.T) {
	assert.Equal(t, "calc-cache-v1.1.3", StoreName("calc-cache", "v1.1.3"))
	assert.Equal(t, StoreName("calc-cache", "v1.1.3"), StoreName("calc-cache", "v1.1.3"))

	r := Registry{Prefix: "calc-cache", Version: "v2"}
	assert.Equal(t, []string{"calc-cache-v1", "other"}, r.Stale([]string{"calc-cache-v1", "calc-cache-v2", "other"}))
	assert.True(t, r.HasCurrent([]string{"calc-cache-v2"}))
	assert.False(t, r.HasCurrent([]string{"calc-cache-v1"}))
}

func TestRequestKey(t *testing.T) {
	u, err := url.Parse("http://localhost:3000/help.html?q=1#section")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000/help.html?q=1", RequestKey(u))

	req, err := http.NewRequest(http.MethodGet, "http://localhost:3000/help.html#top", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000/help.html", RequestKey(req.URL))

	// Server-side parsing keeps the fragment in the raw query.
	inbound := httptest.NewRequest(http.MethodGet, "http://localhost:3000/help.html?q=1#section", nil)
	assert.Equal(t, "http://localhost:3000/help.html?q=1", RequestKey(inbound.URL))
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "missing storage", opts: Options{Scope: "http://localhost/", Prefix: "p", Version: "v"}},
		{name: "missing version", opts: Options{Scope: "http://localhost/", Prefix: "p", Storage: NewMemoryStorage()}},
		{name: "relative scope", opts: Options{Scope: "/app/", Prefix: "p", Version: "v", Storage: NewMemoryStorage()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestEngine_InstallPrecachesEveryAsset(t *testing.T) {
	s := newSite(t)
	storage := NewMemoryStorage()
	e := newEngine(t, s, storage, nil)

	require.NoError(t, e.Install(context.Background()))
	assert.Equal(t, StateInstalled, e.State())

	want := map[string]string{
		"./":                     "home",
		"./index.html":           "index",
		"./manifest.webmanifest": `{"name":"Calculator"}`,
		"./offline.html":         "you are offline",
		"./help.html":            "help",
		"./memo.html":            "memo",
		"./qr.html":              "qr",
	}
	for ref, body := range want {
		entry := stored(t, storage, e, ref)
		require.NotNil(t, entry, ref)
		assert.Equal(t, body, string(entry.Body), ref)
	}

	h := s.header("/index.html")
	assert.Equal(t, "no-cache", h.Get("Cache-Control"))
	assert.Equal(t, "no-cache", h.Get("Pragma"))
}

func TestEngine_InstallIsAllOrNothing(t *testing.T) {
	s := newSite(t)
	s.remove("/qr.html")
	storage := NewMemoryStorage()
	e := newEngine(t, s, storage, nil)

	err := e.Install(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")
	assert.Equal(t, StateRedundant, e.State())

	names, err := storage.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)

	assert.ErrorIs(t, e.Activate(context.Background()), ErrInvalidState)
	assert.ErrorIs(t, e.Install(context.Background()), ErrInvalidState)
}

func TestEngine_InstallFailsOffline(t *testing.T) {
	s := newSite(t)
	s.offline.Store(true)
	e := newEngine(t, s, NewMemoryStorage(), nil)

	err := e.Install(context.Background())
	assert.ErrorIs(t, err, errNetworkDown)
	assert.Equal(t, StateRedundant, e.State())
}

func TestEngine_ActivateDeletesStaleStores(t *testing.T) {
	ctx := context.Background()
	s := newSite(t)
	storage := NewMemoryStorage()
	for _, name := range []string{"calc-cache-v1.1.2", "calc-cache-v1.0.0", "unrelated"} {
		_, err := storage.Open(ctx, name)
		require.NoError(t, err)
	}
	e := newEngine(t, s, storage, nil)

	assert.ErrorIs(t, e.Activate(ctx), ErrInvalidState, "activation requires an installed generation")

	require.NoError(t, e.Run(ctx))
	assert.Equal(t, StateActivated, e.State())

	names, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"calc-cache-v1.1.3"}, names)

	// Idempotent.
	require.NoError(t, e.Activate(ctx))
	names, err = storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"calc-cache-v1.1.3"}, names)
}

func TestEngine_Resume(t *testing.T) {
	ctx := context.Background()
	s := newSite(t)
	storage := NewMemoryStorage()
	require.NoError(t, newEngine(t, s, storage, nil).Run(ctx))

	again := newEngine(t, s, storage, nil)
	resumed, err := again.Resume(ctx)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, StateActivated, again.State())

	next := newEngine(t, s, storage, func(o *Options) { o.Version = "v1.1.4" })
	resumed, err = next.Resume(ctx)
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Equal(t, StateParsed, next.State())
}

func TestEngine_PassThrough(t *testing.T) {
	ctx := context.Background()

	t.Run("before activation", func(t *testing.T) {
		s := newSite(t)
		storage := NewMemoryStorage()
		e := newEngine(t, s, storage, nil)

		resp, err := get(t, e, s.URL+"/help.html", false)
		require.NoError(t, err)
		assert.Equal(t, "help", readBody(t, resp))

		names, err := storage.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("non-GET", func(t *testing.T) {
		s := newSite(t)
		storage := NewMemoryStorage()
		e := newEngine(t, s, storage, nil)
		require.NoError(t, e.Run(ctx))
		s.set("/api/openrouter-chat", `{"ok":true}`)

		req, err := http.NewRequest(http.MethodPost, s.URL+"/api/openrouter-chat", nil)
		require.NoError(t, err)
		resp, err := e.Fetch(req)
		require.NoError(t, err)
		assert.Equal(t, `{"ok":true}`, readBody(t, resp))
		e.Wait()

		assert.Nil(t, stored(t, storage, e, "./api/openrouter-chat"))
	})

	t.Run("cross-origin", func(t *testing.T) {
		s := newSite(t)
		other := newSite(t)
		other.set("/lib.js", "third party")
		storage := NewMemoryStorage()
		e := newEngine(t, s, storage, nil)
		require.NoError(t, e.Run(ctx))

		resp, err := get(t, e, other.URL+"/lib.js", false)
		require.NoError(t, err)
		assert.Equal(t, "third party", readBody(t, resp))
		e.Wait()

		entry, err := mustOpen(t, storage, e).Match(ctx, other.URL+"/lib.js")
		require.NoError(t, err)
		assert.Nil(t, entry)
	})
}

func mustOpen(t *testing.T, storage Storage, e *Engine) Store {
	t.Helper()
	store, err := storage.Open(context.Background(), e.StoreName())
	require.NoError(t, err)
	return store
}

func TestEngine_NavigationNetworkFirst(t *testing.T) {
	ctx := context.Background()
	s := newSite(t)
	storage := NewMemoryStorage()
	e := newEngine(t, s, storage, nil)
	require.NoError(t, e.Run(ctx))

	s.set("/memo.html", "memo v2")
	resp, err := get(t, e, s.URL+"/memo.html", true)
	require.NoError(t, err)
	assert.Equal(t, "memo v2", readBody(t, resp))
	assert.Equal(t, "memo v2", string(stored(t, storage, e, "./memo.html").Body))

	s.set("/calc/history", "history")
	resp, err = get(t, e, s.URL+"/calc/history", true)
	require.NoError(t, err)
	assert.Equal(t, "history", readBody(t, resp))

	s.offline.Store(true)

	t.Run("cached copy when offline", func(t *testing.T) {
		resp, err := get(t, e, s.URL+"/calc/history", true)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "history", readBody(t, resp))
	})

	t.Run("offline page when not cached", func(t *testing.T) {
		resp, err := get(t, e, s.URL+"/never-visited", true)
		require.NoError(t, err)
		assert.Equal(t, "you are offline", readBody(t, resp))
	})
}

func TestEngine_NavigationWithoutFallback(t *testing.T) {
	ctx := context.Background()
	s := newSite(t)
	e := newEngine(t, s, NewMemoryStorage(), func(o *Options) {
		o.Assets = []string{"./index.html"}
		o.OfflinePath = ""
	})
	require.NoError(t, e.Run(ctx))
	s.offline.Store(true)

	_, err := get(t, e, s.URL+"/never-visited", true)
	assert.ErrorIs(t, err, errNetworkDown)
}

func TestEngine_AssetStaleWhileRevalidate(t *testing.T) {
	ctx := context.Background()
	s := newSite(t)
	storage := NewMemoryStorage()
	e := newEngine(t, s, storage, nil)
	require.NoError(t, e.Run(ctx))

	s.set("/help.html", "help v2")
	release := s.gate("/help.html")

	done := make(chan string, 1)
	go func() {
		resp, err := get(t, e, s.URL+"/help.html", false)
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		done <- readBody(t, resp)
	}()

	select {
	case body := <-done:
		assert.Equal(t, "help", body, "cached copy is served while the network is pending")
	case <-time.After(5 * time.Second):
		t.Fatal("cached asset was not returned while revalidation was pending")
	}
	assert.Equal(t, "help", string(stored(t, storage, e, "./help.html").Body))

	close(release)
	e.Wait()

	assert.Equal(t, "help v2", string(stored(t, storage, e, "./help.html").Body))
}

func TestEngine_AssetMiss(t *testing.T) {
	ctx := context.Background()
	s := newSite(t)
	storage := NewMemoryStorage()
	e := newEngine(t, s, storage, nil)
	require.NoError(t, e.Run(ctx))

	s.set("/app.js", "console.log(1)")
	resp, err := get(t, e, s.URL+"/app.js", false)
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", readBody(t, resp))
	e.Wait()
	require.NotNil(t, stored(t, storage, e, "./app.js"))

	t.Run("offline and uncached fails", func(t *testing.T) {
		s.offline.Store(true)
		defer s.offline.Store(false)

		_, err := get(t, e, s.URL+"/style.css", false)
		assert.ErrorIs(t, err, errNetworkDown)
		e.Wait()
	})

	t.Run("revalidation errors are swallowed", func(t *testing.T) {
		s.offline.Store(true)
		defer s.offline.Store(false)

		resp, err := get(t, e, s.URL+"/app.js", false)
		require.NoError(t, err)
		assert.Equal(t, "console.log(1)", readBody(t, resp))
		e.Wait()
	})
}

func TestEngine_PartialContentIsNotStored(t *testing.T) {
	ctx := context.Background()
	s := newSite(t)
	storage := NewMemoryStorage()
	e := newEngine(t, s, storage, nil)
	require.NoError(t, e.Run(ctx))

	s.set("/video.mp4", "partial")
	s.mu.Lock()
	s.status["/video.mp4"] = http.StatusPartialContent
	s.mu.Unlock()

	resp, err := get(t, e, s.URL+"/video.mp4", false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "partial", readBody(t, resp))
	e.Wait()

	assert.Nil(t, stored(t, storage, e, "./video.mp4"))
}

func TestEngine_RoundTripper(t *testing.T) {
	ctx := context.Background()
	s := newSite(t)
	e := newEngine(t, s, NewMemoryStorage(), nil)
	require.NoError(t, e.Run(ctx))

	client := &http.Client{Transport: e}
	hits := s.hitCount("/qr.html")
	s.offline.Store(true)

	resp, err := client.Get(s.URL + "/qr.html")
	require.NoError(t, err)
	assert.Equal(t, "qr", readBody(t, resp))
	e.Wait()
	assert.Equal(t, hits, s.hitCount("/qr.html"))
}
