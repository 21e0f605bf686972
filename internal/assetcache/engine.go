package assetcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"chatrelay/internal/observability"
)

// State is the engine lifecycle state.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	// StateRedundant is terminal: install failed and the engine never takes control.
	StateRedundant
)

var stateNames = map[State]string{
	StateParsed:     "parsed",
	StateInstalling: "installing",
	StateInstalled:  "installed",
	StateActivating: "activating",
	StateActivated:  "activated",
	StateRedundant:  "redundant",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Fetch strategies and response sources, used as metric labels.
const (
	strategyPassthrough = "passthrough"
	strategyNavigation  = "navigation"
	strategyAsset       = "asset"

	sourceNetwork = "network"
	sourceCache   = "cache"
	sourceOffline = "offline"
	sourceError   = "error"
)

// ErrInvalidState is returned when a lifecycle step runs out of order.
var ErrInvalidState = errors.New("assetcache: invalid engine state")

// Fetcher performs network requests. *http.Client satisfies it.
// When the engine is installed as an http.Client transport, the Fetcher must
// not be that same client.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures an Engine.
type Options struct {
	// Scope is the URL the engine controls; its scheme and host are the engine origin
	// and relative asset paths resolve against it.
	Scope       string
	Prefix      string
	Version     string
	Assets      []string
	OfflinePath string
	Storage     Storage
	Fetcher     Fetcher
	Logger      *slog.Logger
}

// Engine applies the cache policy to the fetches of one client context.
type Engine struct {
	registry Registry
	scope    *url.URL
	assets   []*url.URL
	offline  *url.URL
	storage  Storage
	fetcher  Fetcher
	logger   *slog.Logger

	mu    sync.Mutex
	state State

	revalidations sync.WaitGroup
}

// New validates opts and returns an engine in StateParsed.
func New(opts Options) (*Engine, error) {
	if opts.Storage == nil {
		return nil, errors.New("assetcache: storage is required")
	}
	if opts.Prefix == "" || opts.Version == "" {
		return nil, errors.New("assetcache: prefix and version are required")
	}
	scope, err := url.Parse(opts.Scope)
	if err != nil {
		return nil, fmt.Errorf("assetcache: invalid scope: %w", err)
	}
	if !scope.IsAbs() || scope.Host == "" {
		return nil, fmt.Errorf("assetcache: scope %q must be an absolute URL", opts.Scope)
	}

	e := &Engine{
		registry: Registry{Prefix: opts.Prefix, Version: opts.Version},
		scope:    scope,
		storage:  opts.Storage,
		fetcher:  opts.Fetcher,
		logger:   opts.Logger,
		state:    StateParsed,
	}
	if e.fetcher == nil {
		e.fetcher = http.DefaultClient
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}

	for _, a := range opts.Assets {
		u, err := e.Resolve(a)
		if err != nil {
			return nil, err
		}
		e.assets = append(e.assets, u)
	}
	if opts.OfflinePath != "" {
		if e.offline, err = e.Resolve(opts.OfflinePath); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Resolve resolves ref against the engine scope.
func (e *Engine) Resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("assetcache: invalid URL %q: %w", ref, err)
	}
	return e.scope.ResolveReference(u), nil
}

// StoreName returns the name of the current generation's store.
func (e *Engine) StoreName() string {
	return e.registry.Current()
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) transition(from []State, to State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range from {
		if e.state == s {
			e.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, e.state, to)
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Install precaches every asset into the current store, bypassing any HTTP
// cache on the way. Either every asset is stored or none is: a failed fetch or
// a non-2xx answer makes the engine redundant.
func (e *Engine) Install(ctx context.Context) error {
	if err := e.transition([]State{StateParsed}, StateInstalling); err != nil {
		return err
	}

	entries := make([]*Entry, 0, len(e.assets))
	for _, u := range e.assets {
		entry, err := e.precache(ctx, u)
		if err != nil {
			e.setState(StateRedundant)
			return fmt.Errorf("install %s: %w", e.StoreName(), err)
		}
		entries = append(entries, entry)
	}

	store, err := e.storage.Open(ctx, e.StoreName())
	if err != nil {
		e.setState(StateRedundant)
		return fmt.Errorf("install %s: %w", e.StoreName(), err)
	}
	for _, entry := range entries {
		if err := store.Put(ctx, entry.Key, entry); err != nil {
			e.setState(StateRedundant)
			return fmt.Errorf("install %s: %w", e.StoreName(), err)
		}
	}

	e.setState(StateInstalled)
	e.logger.Info("asset cache installed", "store", e.StoreName(), "assets", len(entries))
	return nil
}

func (e *Engine) precache(ctx context.Context, u *url.URL) (*Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := e.fetcher.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: unexpected status %d", u, resp.StatusCode)
	}
	return readEntry(RequestKey(u), resp)
}

// Activate deletes every store but the current one and then takes control of
// fetches. Running it again repeats the cleanup and is otherwise a no-op.
func (e *Engine) Activate(ctx context.Context) error {
	if err := e.transition([]State{StateInstalled, StateActivated}, StateActivating); err != nil {
		return err
	}

	names, err := e.storage.Keys(ctx)
	if err != nil {
		e.setState(StateInstalled)
		return fmt.Errorf("activate: %w", err)
	}
	for _, name := range e.registry.Stale(names) {
		if _, err := e.storage.Delete(ctx, name); err != nil {
			e.setState(StateInstalled)
			return fmt.Errorf("activate: delete %s: %w", name, err)
		}
		e.logger.Info("deleted stale cache store", "store", name)
	}

	e.setState(StateActivated)
	return nil
}

// Run installs and then activates immediately, without waiting for earlier
// generations to be released.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Install(ctx); err != nil {
		return err
	}
	return e.Activate(ctx)
}

// Resume takes control without precaching when the current store already
// exists, as for a generation activated by an earlier process.
// It reports whether the engine resumed.
func (e *Engine) Resume(ctx context.Context) (bool, error) {
	names, err := e.storage.Keys(ctx)
	if err != nil {
		return false, fmt.Errorf("resume: %w", err)
	}
	if !e.registry.HasCurrent(names) {
		return false, nil
	}
	if err := e.transition([]State{StateParsed}, StateActivated); err != nil {
		return false, err
	}
	return true, nil
}

// Fetch answers req under the cache policy. Requests the engine does not
// control go straight to the network.
func (e *Engine) Fetch(req *http.Request) (*http.Response, error) {
	if e.State() != StateActivated || req.Method != http.MethodGet || !e.sameOrigin(req.URL) {
		observability.RecordCacheFetch(strategyPassthrough, sourceNetwork)
		return e.fetcher.Do(req)
	}
	if IsNavigation(req) {
		return e.fetchNavigation(req)
	}
	return e.fetchAsset(req)
}

// RoundTrip lets the engine serve as an http.Client transport.
func (e *Engine) RoundTrip(req *http.Request) (*http.Response, error) {
	return e.Fetch(req)
}

// Wait blocks until every background revalidation has finished.
func (e *Engine) Wait() {
	e.revalidations.Wait()
}

// IsNavigation reports whether req loads a top-level page.
func IsNavigation(req *http.Request) bool {
	return req.Header.Get("Sec-Fetch-Mode") == "navigate"
}

func (e *Engine) sameOrigin(u *url.URL) bool {
	if u == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, e.scope.Scheme) && hostPort(u) == hostPort(e.scope)
}

// hostPort returns the lowercased host with the scheme's default port made explicit.
func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	return strings.ToLower(u.Hostname()) + ":" + port
}

// fetchNavigation is network-first. A fresh page is stored on the way through;
// without the network the stored copy is served, then the offline page.
func (e *Engine) fetchNavigation(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := RequestKey(req.URL)

	entry, netErr := e.fetchEntry(req, key)
	if netErr == nil {
		e.store(ctx, key, entry)
		observability.RecordCacheFetch(strategyNavigation, sourceNetwork)
		return entry.Response(req), nil
	}

	store, err := e.storage.Open(ctx, e.StoreName())
	if err != nil {
		observability.RecordCacheFetch(strategyNavigation, sourceError)
		return nil, err
	}
	if cached, err := store.Match(ctx, key); err != nil {
		observability.RecordCacheFetch(strategyNavigation, sourceError)
		return nil, err
	} else if cached != nil {
		observability.RecordCacheFetch(strategyNavigation, sourceCache)
		return cached.Response(req), nil
	}
	if e.offline != nil {
		offline, err := store.Match(ctx, RequestKey(e.offline))
		if err != nil {
			observability.RecordCacheFetch(strategyNavigation, sourceError)
			return nil, err
		}
		if offline != nil {
			observability.RecordCacheFetch(strategyNavigation, sourceOffline)
			return offline.Response(req), nil
		}
	}
	observability.RecordCacheFetch(strategyNavigation, sourceError)
	return nil, fmt.Errorf("assetcache: %s unavailable offline: %w", key, netErr)
}

// fetchAsset is stale-while-revalidate: a stored copy is returned at once
// while the network refreshes the store in the background.
func (e *Engine) fetchAsset(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := RequestKey(req.URL)

	store, err := e.storage.Open(ctx, e.StoreName())
	if err != nil {
		observability.RecordCacheFetch(strategyAsset, sourceError)
		return nil, err
	}
	cached, err := store.Match(ctx, key)
	if err != nil {
		observability.RecordCacheFetch(strategyAsset, sourceError)
		return nil, err
	}

	// The refresh outlives the caller, so it runs on its own copy of req.
	refresh := req.Clone(context.WithoutCancel(ctx))
	fresh := make(chan *Entry, 1)
	e.revalidations.Add(1)
	go func() {
		defer e.revalidations.Done()
		fresh <- e.revalidate(refresh, store, key)
	}()

	if cached != nil {
		observability.RecordCacheFetch(strategyAsset, sourceCache)
		return cached.Response(req), nil
	}
	if entry := <-fresh; entry != nil {
		observability.RecordCacheFetch(strategyAsset, sourceNetwork)
		return entry.Response(req), nil
	}

	resp, err := e.fetcher.Do(req)
	if err != nil {
		observability.RecordCacheFetch(strategyAsset, sourceError)
		return nil, err
	}
	observability.RecordCacheFetch(strategyAsset, sourceNetwork)
	return resp, nil
}

// revalidate refreshes key from the network, swallowing network errors.
// It returns nil when nothing was fetched.
func (e *Engine) revalidate(req *http.Request, store Store, key string) *Entry {
	ctx := req.Context()
	entry, err := e.fetchEntry(req, key)
	if err != nil {
		e.logger.Debug("asset revalidation failed", "url", key, "error", err)
		return nil
	}
	if Cacheable(entry.Status) {
		if err := store.Put(ctx, key, entry); err != nil {
			e.logger.Warn("failed to store revalidated asset", "url", key, "error", err)
		}
	}
	return entry
}

func (e *Engine) fetchEntry(req *http.Request, key string) (*Entry, error) {
	resp, err := e.fetcher.Do(req)
	if err != nil {
		return nil, err
	}
	return readEntry(key, resp)
}

// store writes a navigation response to the current store. Failures are
// logged and never reach the page.
func (e *Engine) store(ctx context.Context, key string, entry *Entry) {
	if !Cacheable(entry.Status) {
		return
	}
	store, err := e.storage.Open(ctx, e.StoreName())
	if err == nil {
		err = store.Put(ctx, key, entry)
	}
	if err != nil {
		e.logger.Warn("failed to store navigation response", "url", key, "error", err)
	}
}
