package middleware

import (
	"context"
	"net/http"

	"github.com/edgeflare/mqbridge/pkg/httputil"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-Id"

// RequestID assigns every request an id, reusing one already in the context or sent by
// the client in X-Request-Id, and echoes it in the response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := httputil.RequestID(r)
		if reqID == "" {
			if _, err := uuid.Parse(r.Header.Get(RequestIDHeader)); err == nil {
				reqID = r.Header.Get(RequestIDHeader)
			} else {
				reqID = uuid.NewString()
			}
		}

		ctx := context.WithValue(r.Context(), httputil.RequestIDCtxKey, reqID)
		w.Header().Set(RequestIDHeader, reqID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
