package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/edgeflare/mqbridge/pkg/httputil"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ResponseRecorder is a wrapper for http.ResponseWriter to capture status codes and durations.
type ResponseRecorder struct {
	start time.Time
	http.ResponseWriter
	StatusCode int
}

func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
		start:          time.Now(),
	}
}

func (rr *ResponseRecorder) WriteHeader(statusCode int) {
	rr.StatusCode = statusCode
	rr.ResponseWriter.WriteHeader(statusCode)
}

func (rr *ResponseRecorder) Write(b []byte) (int, error) {
	return rr.ResponseWriter.Write(b)
}

// Elapsed returns the time since the recorder was created.
func (rr *ResponseRecorder) Elapsed() time.Duration {
	return time.Since(rr.start)
}

// LoggerFromContext returns the request scoped logger stored by LoggerWithOptions,
// or a no-op logger.
func LoggerFromContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(httputil.LogEntryCtxKey).(*zap.Logger); ok {
		return logger
	}
	return zap.NewNop()
}

// LoggerOptions defines configuration for the logger middleware.
type LoggerOptions struct {
	Logger *zap.Logger
	Format func(reqID string, rec *ResponseRecorder, r *http.Request, latency time.Duration) []zap.Field
}

var defaultLogger = zap.NewNop()

// SetDefaultLogger sets the logger used when LoggerWithOptions gets nil options.
func SetDefaultLogger(logger *zap.Logger) {
	defaultLogger = logger
}

// LoggerWithOptions logs one "response" entry per request. Handlers can pick up a logger
// carrying the request id with LoggerFromContext.
func LoggerWithOptions(options *LoggerOptions) func(http.Handler) http.Handler {
	if options == nil {
		options = &LoggerOptions{Logger: defaultLogger}
	}
	if options.Logger == nil {
		options.Logger = defaultLogger
	}

	if options.Format == nil {
		options.Format = func(reqID string, rec *ResponseRecorder, r *http.Request, latency time.Duration) []zap.Field {
			return []zap.Field{
				zap.String("req_id", reqID),
				zap.Int("status", rec.StatusCode),
				zap.String("method", r.Method),
				zap.String("url", r.URL.String()),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("user_agent", r.UserAgent()),
				zap.Duration("latency", latency),
			}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := r.Context().Value(httputil.LogEntryCtxKey).(*zap.Logger); ok {
				next.ServeHTTP(w, r)
				return
			}

			reqID := httputil.RequestID(r)
			if reqID == "" {
				reqID = uuid.Nil.String()
			}

			rec := NewResponseRecorder(w)
			ctx := context.WithValue(r.Context(), httputil.LogEntryCtxKey, options.Logger.With(zap.String("req_id", reqID)))
			r = r.WithContext(ctx)

			next.ServeHTTP(rec, r)

			options.Logger.Info("response", options.Format(reqID, rec, r, rec.Elapsed())...)
		})
	}
}
