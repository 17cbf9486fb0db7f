package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/santarrsgrotto/readarr-server/internal/catalog"
	"github.com/santarrsgrotto/readarr-server/internal/config"
	"github.com/santarrsgrotto/readarr-server/internal/control"
	"github.com/santarrsgrotto/readarr-server/internal/orchestrator"
)

type fakeStatus struct {
	status control.Status
	err    error
}

func (f *fakeStatus) Status(context.Context) (control.Status, error) {
	return f.status, f.err
}

type fakeTrigger struct {
	mu      sync.Mutex
	err     error
	running bool
	sources []string
}

func (f *fakeTrigger) TriggerAsync(source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sources = append(f.sources, source)
	return nil
}

func (f *fakeTrigger) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func newTestServer(status StatusReader, trigger Trigger, checks map[string]Check, auth bool) *Server {
	cfg := config.Config{}
	if auth {
		cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	}
	return NewServer(status, trigger, checks, cfg, zap.NewNop())
}

func serve(t *testing.T, s *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeStatus{}, &fakeTrigger{}, nil, true)
	rr := serve(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	require.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeStatus{}, &fakeTrigger{}, nil, false)
	rr := serve(t, s, http.MethodGet, "/healthz", http.Header{"X-Request-Id": {"abc-123"}})
	require.Equal(t, "abc-123", rr.Header().Get("X-Request-ID"))
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	healthy := newTestServer(&fakeStatus{}, &fakeTrigger{}, map[string]Check{
		"control": func(context.Context) error { return nil },
	}, false)
	rr := serve(t, healthy, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	broken := newTestServer(&fakeStatus{}, &fakeTrigger{}, map[string]Check{
		"control": func(context.Context) error { return nil },
		"records": func(context.Context) error { return errors.New("connection refused") },
	}, false)
	rr = serve(t, broken, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var body struct {
		Failures map[string]string `json:"failures"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, map[string]string{"records": "connection refused"}, body.Failures)
}

func TestMetricsEndpointIsOpen(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeStatus{}, &fakeTrigger{}, nil, true)
	rr := serve(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	wm := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	status := &fakeStatus{status: control.Status{
		RunID:     "run-1",
		Phase:     control.PhaseProcessingWorks,
		Watermark: &wm,
		Pending:   map[catalog.Kind]int{catalog.KindWork: 7},
	}}
	s := newTestServer(status, &fakeTrigger{running: true}, nil, true)

	rr := serve(t, s, http.MethodGet, "/v1/sync/status", http.Header{"X-Api-Key": {"secret"}})
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "run-1", body["run_id"])
	require.Equal(t, "processing-works", body["phase"])
	require.Equal(t, true, body["running"])
	require.Equal(t, "2024-03-02T00:00:00Z", body["watermark"])
}

func TestStatusStoreError(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeStatus{err: errors.New("timeout")}, &fakeTrigger{}, nil, false)
	rr := serve(t, s, http.MethodGet, "/v1/sync/status", nil)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeStatus{}, &fakeTrigger{}, nil, true)

	rr := serve(t, s, http.MethodGet, "/v1/sync/status", nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = serve(t, s, http.MethodGet, "/v1/sync/status", http.Header{"X-Api-Key": {"wrong"}})
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = serve(t, s, http.MethodGet, "/v1/sync/status?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestRunSync(t *testing.T) {
	t.Parallel()

	trigger := &fakeTrigger{}
	s := newTestServer(&fakeStatus{}, trigger, nil, false)

	rr := serve(t, s, http.MethodPost, "/v1/sync/run", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, []string{"api"}, trigger.sources)

	trigger.err = orchestrator.ErrRunInProgress
	rr = serve(t, s, http.MethodPost, "/v1/sync/run", nil)
	require.Equal(t, http.StatusConflict, rr.Code)

	trigger.err = errors.New("redis down")
	rr = serve(t, s, http.MethodPost, "/v1/sync/run", nil)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestRunSyncRejectsGet(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeStatus{}, &fakeTrigger{}, nil, false)
	rr := serve(t, s, http.MethodGet, "/v1/sync/run", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}
