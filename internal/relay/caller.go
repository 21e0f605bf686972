package relay

import (
	"net/http"
	"strings"
)

// HeaderReferer identifies the caller from its Origin header, then its Referer
// header, then fallback.
func HeaderReferer(r *http.Request, fallback string) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return origin
	}
	if referer := r.Header.Get("Referer"); referer != "" {
		return referer
	}
	return fallback
}

// URLOrigin identifies the caller by the origin the request was addressed to.
func URLOrigin(r *http.Request) string {
	if r.URL != nil && r.URL.IsAbs() {
		return r.URL.Scheme + "://" + r.URL.Host
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	host := r.Host
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}
	return scheme + "://" + host
}
