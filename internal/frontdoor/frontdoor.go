// Package frontdoor holds the client-facing HTTP handlers. Each frontdoor
// exposes its routes as registrations that the runtime mounts.
package frontdoor

import "net/http"

// HandlerRegistration represents a registered HTTP handler.
type HandlerRegistration struct {
	Path    string
	Method  string
	Handler func(http.ResponseWriter, *http.Request)

	// Streaming routes hold the connection open and are mounted without the
	// request timeout.
	Streaming bool

	// Public routes skip authentication and admission.
	Public bool

	// Limited routes pass through per-tenant admission control.
	Limited bool
}
