package router

import (
	"net/http"
	"strings"
)

// Class is how an intercepted request is served.
type Class int

const (
	// ClassIgnored requests are forwarded untouched.
	ClassIgnored Class = iota
	// ClassAPI requests are served network-first.
	ClassAPI
	// ClassAsset requests are served cache-first.
	ClassAsset
)

func (c Class) String() string {
	switch c {
	case ClassAPI:
		return "api"
	case ClassAsset:
		return "asset"
	default:
		return "ignored"
	}
}

// Classify decides how r is served. Only the method, the scheme, the
// upgrade header and the path are consulted.
func (rt *Router) Classify(r *http.Request) Class {
	if r.Method != http.MethodGet {
		return ClassIgnored
	}
	if r.URL.Scheme == "ws" || r.URL.Scheme == "wss" {
		return ClassIgnored
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return ClassIgnored
	}

	path := r.URL.Path
	if strings.HasPrefix(path, rt.workerPath) || strings.HasPrefix(path, rt.reservedPath) {
		return ClassIgnored
	}
	if strings.HasPrefix(path, rt.apiPrefix) {
		return ClassAPI
	}
	return ClassAsset
}

// isNavigation reports whether r loads a document.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
