// Package provider holds the concrete backend adapters (Google, Anthropic,
// ...) that implement internal/adapter.Backend: each translates IR to/from
// a vendor's wire format and performs the network call. internal/router
// composes them; nothing outside this package needs to know which vendor
// is handling a given request.
package provider

import (
	"net/http"
	"time"
)

// DefaultHTTPClient builds the *http.Client every backend in this package
// takes as a constructor argument — dependency injection lets tests swap
// in a fake transport and lets callers tune timeouts without touching
// adapter code.
func DefaultHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
