package httputil

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
)

// Middleware defines a function type that represents a middleware. Middleware functions wrap an
// http.Handler to modify or enhance its behavior.
type Middleware func(http.Handler) http.Handler

// RouterOptions is a function type that represents options to configure a Router.
type RouterOptions func(*Router)

// Router is the main structure for handling HTTP routing and middleware.
type Router struct {
	mux        *http.ServeMux
	server     *http.Server
	prefix     string
	middleware []Middleware
	mu         sync.RWMutex
}

// NewRouter creates a new instance of Router with the given options.
func NewRouter(opts ...RouterOptions) *Router {
	r := &Router{
		mux: http.NewServeMux(),
		server: &http.Server{
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithServerOptions returns a RouterOptions function that sets custom http.Server options.
func WithServerOptions(opts ...func(*http.Server)) RouterOptions {
	return func(r *Router) {
		for _, opt := range opts {
			opt(r.server)
		}
	}
}

// Use adds one or more middleware to the router. Middleware functions are applied in the
// order they are added, to routes registered after the call.
func (r *Router) Use(mw Middleware, additional ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
	r.middleware = append(r.middleware, additional...)
}

// Group creates a new sub-router with a specified prefix. The sub-router inherits the middleware
// from its parent router.
func (r *Router) Group(prefix string) *Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Router{
		mux:        r.mux,
		middleware: slices.Clone(r.middleware),
		server:     r.server,
		prefix:     r.prefix + prefix,
	}
}

// Handle registers an HTTP handler for a given method and pattern as introduced in
// [Routing Enhancements for Go 1.22](https://go.dev/blog/routing-enhancements)
// The handler `METHOD /pattern` on a route group with a /prefix resolves to `METHOD /prefix/pattern`
func (r *Router) Handle(methodPattern string, handler http.Handler) {
	method, pattern, ok := strings.Cut(methodPattern, " ")
	if !ok {
		log.Fatalf("invalid method pattern: %s", methodPattern)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	finalHandler := handler
	for i := len(r.middleware) - 1; i >= 0; i-- {
		finalHandler = r.middleware[i](finalHandler)
	}
	r.mux.Handle(fmt.Sprintf("%s %s%s", method, r.prefix, pattern), finalHandler)
}

// HandleFunc is Handle for plain functions.
func (r *Router) HandleFunc(methodPattern string, handler http.HandlerFunc) {
	r.Handle(methodPattern, handler)
}

// Handler returns the http.Handler serving every registered route. Middleware is applied
// per route at registration time.
func (r *Router) Handler() http.Handler {
	return r.mux
}

// ListenAndServe starts the HTTP server on addr. It returns http.ErrServerClosed after Shutdown.
func (r *Router) ListenAndServe(addr string) error {
	fmt.Print(colorGreen + bannerASCIIArt + colorReset)
	fmt.Printf("starting server on %s\n", addr)

	r.server.Addr = addr
	r.server.Handler = r.mux
	return r.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (r *Router) Shutdown(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}

const (
	colorGreen     = "\033[32m"
	colorReset     = "\033[0m"
	bannerASCIIArt = `
               _         _    _
 _ __ ___   __| | |__  _ __(_) __| | __ _  ___
| '_ ' _ \ / _' | '_ \| '__| |/ _' |/ _' |/ _ \
| | | | | | (_| | |_) | |  | | (_| | (_| |  __/
|_| |_| |_|\__, |_.__/|_|  |_|\__,_|\__, |\___|
              |_|                   |___/

`
)
