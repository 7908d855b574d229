package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edgeflare/mqbridge/pkg/httputil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRequestID(t *testing.T) {
	echo := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(httputil.RequestID(r)))
	}))

	t.Run("generates a new id", func(t *testing.T) {
		w := httptest.NewRecorder()
		echo.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/foo", nil))

		_, err := uuid.Parse(w.Body.String())
		assert.NoError(t, err)
		assert.Equal(t, w.Body.String(), w.Header().Get(RequestIDHeader))
	})

	t.Run("preserves context id", func(t *testing.T) {
		existing := uuid.NewString()
		ctx := context.WithValue(context.Background(), httputil.RequestIDCtxKey, existing)
		w := httptest.NewRecorder()
		echo.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/foo", nil).WithContext(ctx))

		assert.Equal(t, existing, w.Body.String())
		assert.Equal(t, existing, w.Header().Get(RequestIDHeader))
	})

	t.Run("accepts client id header", func(t *testing.T) {
		existing := uuid.NewString()
		req := httptest.NewRequest(http.MethodGet, "/foo", nil)
		req.Header.Set(RequestIDHeader, existing)
		w := httptest.NewRecorder()
		echo.ServeHTTP(w, req)

		assert.Equal(t, existing, w.Body.String())
	})

	t.Run("ignores malformed client id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/foo", nil)
		req.Header.Set(RequestIDHeader, "not-a-uuid")
		w := httptest.NewRecorder()
		echo.ServeHTTP(w, req)

		assert.NotEqual(t, "not-a-uuid", w.Body.String())
		_, err := uuid.Parse(w.Body.String())
		assert.NoError(t, err)
	})

	t.Run("ids differ per request", func(t *testing.T) {
		w1, w2 := httptest.NewRecorder(), httptest.NewRecorder()
		echo.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/foo1", nil))
		echo.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/foo2", nil))
		assert.NotEqual(t, w1.Body.String(), w2.Body.String())
	})
}
