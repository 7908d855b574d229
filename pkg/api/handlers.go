package api

import (
	"bytes"
	"errors"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/edgeflare/mqbridge/pkg/bridge"
	"github.com/edgeflare/mqbridge/pkg/httputil"
	"github.com/edgeflare/mqbridge/pkg/httputil/middleware"
	"github.com/edgeflare/mqbridge/pkg/metrics"
	"github.com/edgeflare/mqbridge/pkg/mqtt"
	"github.com/edgeflare/mqbridge/pkg/table"
	"go.uber.org/zap"
)

type topicRequest struct {
	Topic       string `json:"topic"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

type actionRequest struct {
	Message     string `json:"message"`
	Endpoint    string `json:"endpoint"`
	Description string `json:"description"`
}

type publishRequest struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

type statusResponse struct {
	Status           string   `json:"status"`
	DeviceURL        string   `json:"device_url"`
	MQTTBroker       string   `json:"mqtt_broker"`
	StatusTopic      string   `json:"status_topic,omitempty"`
	SubscribedTopics []string `json:"subscribed_topics"`
	MQTTConnected    bool     `json:"mqtt_connected"`
}

func (s *Server) handleUpsertTopic(w http.ResponseWriter, r *http.Request) {
	var req topicRequest
	if err := httputil.BindOrError(r, w, &req); err != nil {
		return
	}

	req.Topic = strings.TrimSpace(req.Topic)
	if req.Topic == "" || strings.TrimSpace(req.Type) == "" {
		s.fail(w, r, bridge.Validationf("topic and type are required"))
		return
	}
	if strings.ContainsAny(req.Topic, "+#") {
		s.fail(w, r, bridge.Validationf("wildcards are not allowed in topic %q", req.Topic))
		return
	}
	dir, err := table.ParseDirection(req.Type)
	if err != nil {
		s.fail(w, r, bridge.Validationf("%v", err))
		return
	}

	logger := middleware.LoggerFromContext(r.Context())
	created := s.table.UpsertTopic(req.Topic, dir, req.Description)
	metrics.TableTopics.Set(float64(s.table.Len()))
	logger.Info("topic saved", zap.String("topic", req.Topic), zap.String("type", string(dir)), zap.Bool("created", created))

	if dir == table.DirectionInput {
		if err := s.bridge.SubscribeTopic(req.Topic); err != nil {
			logger.Warn("subscribe failed, will retry on reconnect", zap.String("topic", req.Topic), zap.Error(err))
		}
	}

	s.persist(logger)
	s.succeed(w, r)
}

func (s *Server) handleUpsertAction(w http.ResponseWriter, r *http.Request) {
	topic, ok := strings.CutSuffix(r.PathValue("path"), "/actions")
	if !ok || topic == "" {
		httputil.Error(w, http.StatusNotFound, "not found")
		return
	}

	var req actionRequest
	if err := httputil.BindOrError(r, w, &req); err != nil {
		return
	}
	if req.Message == "" || strings.TrimSpace(req.Endpoint) == "" {
		s.fail(w, r, bridge.Validationf("message and endpoint are required"))
		return
	}

	if err := s.table.UpsertAction(topic, req.Message, strings.TrimSpace(req.Endpoint), req.Description); err != nil {
		s.fail(w, r, err)
		return
	}

	logger := middleware.LoggerFromContext(r.Context())
	logger.Info("action saved",
		zap.String("topic", topic),
		zap.String("message", req.Message),
		zap.String("endpoint", req.Endpoint))

	s.persist(logger)
	s.succeed(w, r)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := httputil.BindOrError(r, w, &req); err != nil {
		return
	}
	if strings.TrimSpace(req.Topic) == "" || req.Message == "" {
		s.fail(w, r, bridge.Validationf("topic and message are required"))
		return
	}

	if err := s.bridge.Publish(req.Topic, req.Message); err != nil {
		s.fail(w, r, err)
		return
	}
	s.succeed(w, r)
}

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, s.table.Snapshot())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	statusTopic, _ := s.table.StatusTopic()
	httputil.JSON(w, http.StatusOK, statusResponse{
		Status:           "online",
		MQTTConnected:    s.bridge.Connected(),
		DeviceURL:        s.opts.DeviceURL,
		MQTTBroker:       s.opts.Broker,
		SubscribedTopics: s.bridge.SubscribedTopics(),
		StatusTopic:      statusTopic,
	})
}

type indexAction struct {
	Message     string
	Endpoint    string
	Description string
}

type indexTopic struct {
	Name        string
	Type        string
	Description string
	ActionURL   string
	Actions     []indexAction
}

type indexData struct {
	Broker      string
	DeviceURL   string
	StatusTopic string
	Topics      []indexTopic
	Connected   bool
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	doc := s.table.Snapshot()
	data := indexData{
		Broker:    s.opts.Broker,
		DeviceURL: s.opts.DeviceURL,
		Connected: s.bridge.Connected(),
	}
	data.StatusTopic, _ = s.table.StatusTopic()

	for _, name := range slices.Sorted(maps.Keys(doc.Topics)) {
		tp := doc.Topics[name]
		it := indexTopic{
			Name:        name,
			Type:        string(tp.Type),
			Description: tp.Description,
			ActionURL:   "/api/topics/" + url.PathEscape(name) + "/actions",
		}
		for _, msg := range slices.Sorted(maps.Keys(tp.Actions)) {
			a := tp.Actions[msg]
			it.Actions = append(it.Actions, indexAction{Message: msg, Endpoint: a.Endpoint, Description: a.Description})
		}
		data.Topics = append(data.Topics, it)
	}

	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, data); err != nil {
		middleware.LoggerFromContext(r.Context()).Error("render index", zap.Error(err))
		httputil.Error(w, http.StatusInternalServerError, "failed to render page")
		return
	}
	httputil.HTML(w, http.StatusOK, buf.Bytes())
}

// persist saves the table. A failed save is logged and counted; the change
// stays in memory and the request still succeeds.
func (s *Server) persist(logger *zap.Logger) {
	if s.opts.TablePath == "" {
		return
	}
	if err := table.Save(s.table, s.opts.TablePath); err != nil {
		metrics.TableSaveErrors.Inc()
		logger.Error("failed to persist action table", zap.String("path", s.opts.TablePath), zap.Error(err))
	}
}

// succeed answers form posts from the index page with a redirect back to it.
func (s *Server) succeed(w http.ResponseWriter, r *http.Request) {
	if httputil.IsForm(r) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	httputil.OK(w)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, bridge.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, table.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, mqtt.ErrNotConnected):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		middleware.LoggerFromContext(r.Context()).Error("request failed", zap.Error(err))
	}
	httputil.Error(w, code, err.Error())
}
