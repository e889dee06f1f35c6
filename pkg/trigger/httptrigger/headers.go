package httptrigger

import (
	"net/http"
	"strings"
)

// Guest-visible header names. All lowercase; guests match on them verbatim.
const (
	HeaderFullURL           = "spin-full-url"
	HeaderPathInfo          = "spin-path-info"
	HeaderMatchedRoute      = "spin-matched-route"
	HeaderComponentRoute    = "spin-component-route"
	HeaderRawComponentRoute = "spin-raw-component-route"
	HeaderBasePath          = "spin-base-path"
	HeaderClientAddr        = "spin-client-addr"
	HeaderPathMatchPrefix   = "spin-path-match-"
)

// routeHeaders computes the injected header set for one matched request.
func routeHeaders(r *http.Request, m *Match, basePath string) map[string]string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	headers := map[string]string{
		HeaderFullURL:           scheme + "://" + r.Host + r.URL.RequestURI(),
		HeaderPathInfo:          m.Trailing,
		HeaderMatchedRoute:      joinRoute(basePath, m.Route.Pattern),
		HeaderComponentRoute:    m.ComponentRoute(),
		HeaderRawComponentRoute: m.Route.Pattern,
		HeaderBasePath:          basePath,
		HeaderClientAddr:        r.RemoteAddr,
	}
	for name, value := range m.Params {
		headers[HeaderPathMatchPrefix+name] = value
	}
	return headers
}

// joinRoute joins the base path and a route pattern without doubling
// slashes.
func joinRoute(basePath, pattern string) string {
	if basePath == "" || basePath == "/" {
		return pattern
	}
	return strings.TrimSuffix(basePath, "/") + pattern
}

// stripInternalHost clears a service-chaining Host header on requests that
// arrived from the network, so outside callers cannot impersonate internal
// component-to-component calls.
func stripInternalHost(r *http.Request, target string) {
	if target == "" {
		return
	}
	r.Host = ""
	r.Header.Del("Host")
}
