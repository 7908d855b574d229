package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// CORSOptions configures cross-origin access to the management API.
type CORSOptions struct {
	// AllowedOrigins lists origins that may call the API. "*" allows any
	// origin; otherwise a matching request Origin is echoed back.
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	// MaxAge is how long, in seconds, browsers may cache a preflight answer.
	MaxAge           int
	AllowCredentials bool
}

// defaultCORSOptions lets the index page, or any other origin, drive the API
// with the headers the bridge understands.
func defaultCORSOptions() *CORSOptions {
	return &CORSOptions{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept", "Origin", RequestIDHeader, "X-Requested-With"},
		MaxAge:         600,
	}
}

// CORSWithOptions returns a CORS middleware. A nil options value uses the
// defaults; an empty CORSOptions sets no headers. OPTIONS requests are
// answered with 204 and never reach the wrapped handler.
func CORSWithOptions(options *CORSOptions) func(http.Handler) http.Handler {
	if options == nil {
		options = defaultCORSOptions()
	}
	anyOrigin := slices.Contains(options.AllowedOrigins, "*")
	methods := strings.Join(options.AllowedMethods, ",")
	headers := strings.Join(options.AllowedHeaders, ",")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			switch origin := r.Header.Get("Origin"); {
			case anyOrigin:
				h.Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(options.AllowedOrigins, origin):
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			if methods != "" {
				h.Set("Access-Control-Allow-Methods", methods)
			}
			if headers != "" {
				h.Set("Access-Control-Allow-Headers", headers)
			}
			if options.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				if options.MaxAge > 0 {
					h.Set("Access-Control-Max-Age", strconv.Itoa(options.MaxAge))
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
