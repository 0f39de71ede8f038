package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reqguard/internal/alerts"
	"reqguard/internal/config"
	"reqguard/internal/consumer"
	"reqguard/internal/metrics"
	"reqguard/internal/model"
)

type fakeEngine struct {
	resets  int
	updated *config.Config
}

func (f *fakeEngine) Reset()                          { f.resets++ }
func (f *fakeEngine) UpdateConfig(cfg *config.Config) { f.updated = cfg }

type fakeHistory struct {
	events []model.SecurityEvent
	err    error
}

func (f fakeHistory) RecentEvents(_ context.Context, limit int) ([]model.SecurityEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > 0 && limit < len(f.events) {
		return f.events[:limit], nil
	}
	return f.events, nil
}

func newTestServer(t *testing.T) (*Server, *fakeEngine, *alerts.Store) {
	t.Helper()
	eng := &fakeEngine{}
	store := alerts.NewStore(10)
	s := NewServer(config.NewStaticManager(config.DefaultConfig()), Options{
		Metrics: metrics.NewStore(),
		Alerts:  store,
		Engine:  eng,
		Version: "test",
	})
	return s, eng, store
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndStatus(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Routes()

	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "reqguard", status.Service)
	assert.Equal(t, 20, status.Detection.RateLimit)
	assert.Equal(t, "anormal.events", status.Events.Destination)
}

func TestEventsListing(t *testing.T) {
	s, _, store := newTestServer(t)
	h := s.Routes()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		store.Add(model.SecurityEvent{
			ServiceName: "svc", IP: "10.0.0.1", EventType: model.EventXSS,
			Severity: model.SeverityAttack, Description: "x", OccurredAt: base.Add(time.Duration(i) * time.Hour),
		})
	}

	rec := do(t, h, http.MethodGet, "/events?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Events []model.SecurityEvent `json:"events"`
		Count  int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, model.EventXSS, resp.Events[0].EventType)

	rec = do(t, h, http.MethodGet, "/events?since=2026-02-01T01:30:00Z", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	rec = do(t, h, http.MethodGet, "/events?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStoredEvents(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s.Routes(), http.MethodGet, "/events/stored", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s.history = fakeHistory{events: []model.SecurityEvent{{ServiceName: "a"}, {ServiceName: "b"}}}
	rec = do(t, s.Routes(), http.MethodGet, "/events/stored?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	s.history = fakeHistory{err: errors.New("db down")}
	rec = do(t, s.Routes(), http.MethodGet, "/events/stored", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestUpdateDetection(t *testing.T) {
	s, eng, _ := newTestServer(t)
	h := s.Routes()

	rec := do(t, h, http.MethodPut, "/config/detection", `{"botScoreThreshold": 6, "checks": {"rate": true, "burst": true, "scan": true, "bot": true, "sqlInjection": true, "xss": false}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, eng.updated)
	assert.Equal(t, 6, eng.updated.Detection.BotScoreThreshold)
	assert.False(t, eng.updated.Detection.Checks.XSS)
	assert.Equal(t, 20, eng.updated.Detection.MaxRequestsPerWindow, "untouched keys keep their values")
	assert.Equal(t, 6, s.cfg.Get().Detection.BotScoreThreshold)

	rec = do(t, h, http.MethodPut, "/config/detection", `{"window": "30s"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 30*time.Second, s.cfg.Get().Detection.Window)
	assert.Equal(t, 6, s.cfg.Get().Detection.BotScoreThreshold)

	rec = do(t, h, http.MethodGet, "/config/detection", "")
	assert.Contains(t, rec.Body.String(), `"window":"30s"`)

	rec = do(t, h, http.MethodPut, "/config/detection", `{"maxRequestsPerWindow": 0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 20, s.cfg.Get().Detection.MaxRequestsPerWindow)
}

func TestClearTargets(t *testing.T) {
	s, eng, store := newTestServer(t)
	h := s.Routes()
	store.Add(model.SecurityEvent{ServiceName: "svc"})

	rec := do(t, h, http.MethodPost, "/admin/clear", `{"target":"counters"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, eng.resets)
	assert.Equal(t, 1, store.Len())

	rec = do(t, h, http.MethodPost, "/admin/clear", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, eng.resets)
	assert.Equal(t, 0, store.Len())

	rec = do(t, h, http.MethodPost, "/admin/clear", `{"target":"everything"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/admin/clear", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.metrics.IncEvent(model.EventBotDetected)
	rec := do(t, s.Routes(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `reqguard_security_events_total{event_type="BotDetected"} 1`)
}

type recordingIntake struct {
	bodies []string
}

func (r *recordingIntake) Handle(_ context.Context, body []byte) string {
	r.bodies = append(r.bodies, string(body))
	if strings.Contains(string(body), "bad") {
		return consumer.ResultInvalid
	}
	return consumer.ResultStored
}

func TestIntake(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s.Routes(), http.MethodPost, "/events", `{"IP":"1.2.3.4"}`)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "intake is off without a handler")

	intake := &recordingIntake{}
	s.intake = intake
	h := s.Routes()

	rec = do(t, h, http.MethodPost, "/events", ` {"IP":"1.2.3.4"} `)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"accepted":1`)
	assert.Equal(t, []string{`{"IP":"1.2.3.4"}`}, intake.bodies)

	rec = do(t, h, http.MethodPost, "/events", `[{"IP":"1.2.3.4"},{"IP":"bad"},{"IP":"5.6.7.8"}]`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Accepted int            `json:"accepted"`
		Failed   int            `json:"failed"`
		Results  map[string]int `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 1, resp.Failed)
	assert.Equal(t, 1, resp.Results[consumer.ResultInvalid])

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/events", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/events", "[{").Code)
}
