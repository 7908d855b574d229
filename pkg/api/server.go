// Package api serves the bridge's management interface: a JSON/form API to
// edit the action table and publish messages, and an HTML view of the table.
package api

import (
	"context"
	"embed"
	"html/template"
	"net/http"

	"github.com/edgeflare/mqbridge/pkg/httputil"
	"github.com/edgeflare/mqbridge/pkg/httputil/middleware"
	"github.com/edgeflare/mqbridge/pkg/table"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templatesFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templatesFS, "templates/index.html"))

// Bridge is the MQTT side the management API drives.
type Bridge interface {
	SubscribeTopic(topic string) error
	Publish(topic, message string) error
	Connected() bool
	SubscribedTopics() []string
}

// Options configures the management server.
type Options struct {
	// CORS defaults to allowing any origin when nil.
	CORS *middleware.CORSOptions
	// TablePath is where the table is saved after every change.
	TablePath string
	// DeviceURL and Broker are reported by the status endpoint and index page.
	DeviceURL string
	Broker    string
}

type Server struct {
	router *httputil.Router
	table  *table.Table
	bridge Bridge
	logger *zap.Logger
	opts   Options
}

func NewServer(tbl *table.Table, bridge Bridge, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router: httputil.NewRouter(httputil.WithServerOptions(func(srv *http.Server) {
			srv.ErrorLog = zap.NewStdLog(logger)
		})),
		table:  tbl,
		bridge: bridge,
		logger: logger,
		opts:   opts,
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.router.Use(middleware.RequestID, middleware.LoggerWithOptions(&middleware.LoggerOptions{Logger: s.logger}))

	s.router.HandleFunc("GET /{$}", s.handleIndex)

	api := s.router.Group("/api")
	api.Use(middleware.CORSWithOptions(s.opts.CORS))
	api.HandleFunc("OPTIONS /", func(w http.ResponseWriter, r *http.Request) {})
	api.HandleFunc("GET /topics", s.handleListTopics)
	api.HandleFunc("POST /topics", s.handleUpsertTopic)
	// topic names contain slashes, so the action route is matched by suffix
	api.HandleFunc("POST /topics/{path...}", s.handleUpsertAction)
	api.HandleFunc("POST /publish", s.handlePublish)
	api.HandleFunc("GET /status", s.handleStatus)
}

// Handler returns the http.Handler serving the management interface.
func (s *Server) Handler() http.Handler {
	return s.router.Handler()
}

// ListenAndServe serves the management interface on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	return s.router.ListenAndServe(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.router.Shutdown(ctx)
}
