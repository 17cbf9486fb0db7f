package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/v1/sync/run", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Get("/v1/things/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	accepted := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "202"))
	conflicts := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "409"))

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/v1/sync/run", nil),
		httptest.NewRequest(http.MethodGet, "/v1/things/1", nil),
		httptest.NewRequest(http.MethodGet, "/v1/things/2", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	require.InDelta(t, accepted+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "202")), 0)
	require.InDelta(t, conflicts+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "409")), 0)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestMiddlewareDefaultsToOK(t *testing.T) {
	Init()
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200")), 0)
}
