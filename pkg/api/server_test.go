package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/edgeflare/mqbridge/pkg/bridge"
	"github.com/edgeflare/mqbridge/pkg/mqtt"
	"github.com/edgeflare/mqbridge/pkg/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeBridge struct {
	publishErr error
	subscribed []string
	published  [][2]string
	mu         sync.Mutex
	connected  bool
}

func (f *fakeBridge) SubscribeTopic(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	return nil
}

func (f *fakeBridge) Publish(topic, message string) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, [2]string{topic, message})
	return nil
}

func (f *fakeBridge) Connected() bool { return f.connected }

func (f *fakeBridge) SubscribedTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.subscribed...)
}

type fixture struct {
	server *Server
	table  *table.Table
	bridge *fakeBridge
	path   string
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		table:  table.Default(),
		bridge: &fakeBridge{connected: true},
		path:   filepath.Join(t.TempDir(), "bridge-config.json"),
	}
	f.server = NewServer(f.table, f.bridge, Options{
		TablePath: f.path,
		DeviceURL: "http://localhost:16555",
		Broker:    "tcp://test.mosquitto.org:1883",
	}, zap.NewNop())
	return f
}

func (f *fixture) postJSON(target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) postForm(target string, values url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) get(target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	return body
}

func TestUpsertActionPersists(t *testing.T) {
	for _, target := range []string{
		"/api/topics/CAT341/LEDControl/actions",
		"/api/topics/CAT341%2FLEDControl/actions",
	} {
		t.Run(target, func(t *testing.T) {
			f := newFixture(t)

			w := f.postJSON(target, `{"message": "3", "endpoint": "/X", "description": "Piscar"}`)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.JSONEq(t, `{"success": true}`, w.Body.String())

			action, err := f.table.Resolve(table.DefaultControlTopic, "3")
			require.NoError(t, err)
			assert.Equal(t, table.Action{Endpoint: "/X", Description: "Piscar"}, action)

			doc, err := table.LoadFile(f.path)
			require.NoError(t, err)
			assert.Equal(t, "/X", doc.Topics[table.DefaultControlTopic].Actions["3"].Endpoint)
		})
	}
}

func TestUpsertActionUnknownTopic(t *testing.T) {
	f := newFixture(t)
	before := f.table.Snapshot()

	w := f.postJSON("/api/topics/nope/actions", `{"message": "3", "endpoint": "/X"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, float64(http.StatusNotFound), errorBody(t, w)["code"])
	assert.Equal(t, before, f.table.Snapshot())

	_, err := table.LoadFile(f.path)
	assert.Error(t, err, "nothing is persisted")
}

func TestUpsertActionValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "missing endpoint", body: `{"message": "3"}`, code: http.StatusBadRequest},
		{name: "missing message", body: `{"endpoint": "/X"}`, code: http.StatusBadRequest},
		{name: "blank endpoint", body: `{"message": "3", "endpoint": "  "}`, code: http.StatusBadRequest},
		{name: "malformed", body: `{"message"`, code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			before := f.table.Snapshot()

			w := f.postJSON("/api/topics/CAT341/LEDControl/actions", tt.body)
			assert.Equal(t, tt.code, w.Code)
			errorBody(t, w)
			assert.Equal(t, before, f.table.Snapshot())
		})
	}
}

func TestUpsertActionWrongSuffix(t *testing.T) {
	f := newFixture(t)
	w := f.postJSON("/api/topics/CAT341/LEDControl/other", `{"message": "3", "endpoint": "/X"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpsertTopic(t *testing.T) {
	f := newFixture(t)

	w := f.postJSON("/api/topics", `{"topic": "garage/door", "type": "input", "description": "Portao"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	tp, ok := f.table.Get("garage/door")
	require.True(t, ok)
	assert.Equal(t, table.DirectionInput, tp.Type)
	assert.Equal(t, "Portao", tp.Description)
	assert.Empty(t, tp.Actions)
	assert.Equal(t, []string{"garage/door"}, f.bridge.SubscribedTopics())

	// output topics are not subscribed
	w = f.postJSON("/api/topics", `{"topic": "garage/status", "type": "output", "description": "garage status"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"garage/door"}, f.bridge.SubscribedTopics())

	doc, err := table.LoadFile(f.path)
	require.NoError(t, err)
	assert.Len(t, doc.Topics, 4)
}

func TestUpsertTopicKeepsActions(t *testing.T) {
	f := newFixture(t)

	w := f.postJSON("/api/topics", `{"topic": "CAT341/LEDControl", "type": "input", "description": "LED"}`)
	require.Equal(t, http.StatusOK, w.Code)

	tp, _ := f.table.Get(table.DefaultControlTopic)
	assert.Equal(t, "LED", tp.Description)
	assert.Len(t, tp.Actions, 3)
}

func TestUpsertTopicValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing topic", body: `{"type": "input"}`},
		{name: "missing type", body: `{"topic": "a/b"}`},
		{name: "bad type", body: `{"topic": "a/b", "type": "both"}`},
		{name: "wildcard", body: `{"topic": "a/#", "type": "input"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			before := f.table.Snapshot()

			w := f.postJSON("/api/topics", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, float64(http.StatusBadRequest), errorBody(t, w)["code"])
			assert.Equal(t, before, f.table.Snapshot())
			assert.Empty(t, f.bridge.SubscribedTopics())
		})
	}
}

func TestFormPostsRedirect(t *testing.T) {
	f := newFixture(t)

	w := f.postForm("/api/topics", url.Values{"topic": {"garage/door"}, "type": {"input"}})
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))

	w = f.postForm("/api/topics/"+url.PathEscape("garage/door")+"/actions",
		url.Values{"message": {"open"}, "endpoint": {"/door/open"}})
	assert.Equal(t, http.StatusSeeOther, w.Code)

	action, err := f.table.Resolve("garage/door", "open")
	require.NoError(t, err)
	assert.Equal(t, "/door/open", action.Endpoint)
}

func TestPublish(t *testing.T) {
	f := newFixture(t)

	w := f.postJSON("/api/publish", `{"topic": "CAT341/LEDControl", "message": "1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, [][2]string{{"CAT341/LEDControl", "1"}}, f.bridge.published)

	w = f.postJSON("/api/publish", `{"topic": "CAT341/LEDControl"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, err := table.LoadFile(f.path)
	assert.Error(t, err, "publish does not persist")
}

func TestPublishErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{err: mqtt.ErrNotConnected, code: http.StatusServiceUnavailable},
		{err: bridge.Validationf("wildcards"), code: http.StatusBadRequest},
		{err: errors.New("boom"), code: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			f := newFixture(t)
			f.bridge.publishErr = tt.err

			w := f.postJSON("/api/publish", `{"topic": "a/b", "message": "x"}`)
			assert.Equal(t, tt.code, w.Code)
			errorBody(t, w)
		})
	}
}

func TestListTopics(t *testing.T) {
	f := newFixture(t)

	w := f.get("/api/topics")
	require.Equal(t, http.StatusOK, w.Code)

	var doc table.Document
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "/H", doc.Topics[table.DefaultControlTopic].Actions["1"].Endpoint)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.bridge.subscribed = []string{table.DefaultControlTopic}

	w := f.get("/api/status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"status": "online",
		"mqtt_connected": true,
		"device_url": "http://localhost:16555",
		"mqtt_broker": "tcp://test.mosquitto.org:1883",
		"subscribed_topics": ["CAT341/LEDControl"],
		"status_topic": "CAT341/status"
	}`, w.Body.String())
}

func TestIndex(t *testing.T) {
	f := newFixture(t)

	w := f.get("/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, "CAT341/LEDControl")
	assert.Contains(t, body, `action="/api/topics/CAT341%2FLEDControl/actions"`)
	assert.Contains(t, body, "Ligar LED")
	assert.Contains(t, body, "conectado")

	// GET is read-only
	assert.Equal(t, table.Default().Snapshot(), f.table.Snapshot())
	_, err := table.LoadFile(f.path)
	assert.Error(t, err)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/topics", nil)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	srv := NewServer(table.Default(), &fakeBridge{}, Options{}, zap.New(core))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, 1, logs.FilterMessage("response").Len())
	entry := logs.FilterMessage("response").All()[0]
	assert.Equal(t, w.Header().Get("X-Request-Id"), entry.ContextMap()["req_id"])
}

func TestSaveFailureDoesNotFailRequest(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	tbl := table.Default()
	srv := NewServer(tbl, &fakeBridge{}, Options{
		TablePath: filepath.Join(t.TempDir(), "missing", "bridge.json"),
	}, zap.New(core))

	req := httptest.NewRequest(http.MethodPost, "/api/topics/CAT341/LEDControl/actions",
		strings.NewReader(`{"message": "3", "endpoint": "/X"}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	_, err := tbl.Resolve(table.DefaultControlTopic, "3")
	assert.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("failed to persist action table").Len())
}
