// Package httpserver wraps the standard http.Server with the timeouts the
// gateway runs with. Kept separate from the router so the lifecycle code in
// cmd stays small.
package httpserver

import (
	"net/http"
	"time"
)

// New creates an http.Server with production timeouts. The write timeout
// leaves headroom for a full sequential sync run behind POST /xero/sync.
func New(addr string, router http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
