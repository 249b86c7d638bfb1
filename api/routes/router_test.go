package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/filepipe-backend/api/controllers"
	"github.com/angelmondragon/filepipe-backend/api/responses"
	"github.com/angelmondragon/filepipe-backend/pkg/config"
	"github.com/angelmondragon/filepipe-backend/pkg/logger"
	"github.com/angelmondragon/filepipe-backend/pkg/metrics"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func testConfig() *config.Config {
	return &config.Config{
		App:     config.AppConfig{Env: "test"},
		Service: config.ServiceConfig{Kind: config.ServiceKindValidator},
	}
}

func serve(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestLiveAlwaysOK(t *testing.T) {
	router := NewOpsRouter(testConfig(), logger.Nop(), prometheus.NewRegistry(),
		controllers.Check{Name: "database", Pinger: stubPinger{err: errors.New("down")}})

	rec := serve(router, "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, config.ServiceKindValidator, rec.Header().Get("X-Filepipe-Service"))
}

func TestReadyReportsEveryCheck(t *testing.T) {
	router := NewOpsRouter(testConfig(), logger.Nop(), prometheus.NewRegistry(),
		controllers.Check{Name: "database", Pinger: stubPinger{}},
		controllers.Check{Name: "broker", Pinger: stubPinger{}},
		controllers.Check{Name: "redis"},
	)

	rec := serve(router, "/health/ready")
	require.Equal(t, http.StatusOK, rec.Code)

	var body responses.SuccessEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	checks := body.Data.(map[string]any)["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["database"])
	assert.Equal(t, "ok", checks["broker"])
	assert.NotContains(t, checks, "redis")
}

func TestReadyFailsWhenDependencyDown(t *testing.T) {
	router := NewOpsRouter(testConfig(), logger.Nop(), prometheus.NewRegistry(),
		controllers.Check{Name: "database", Pinger: stubPinger{}},
		controllers.Check{Name: "broker", Pinger: stubPinger{err: errors.New("connection closed")}},
	)

	rec := serve(router, "/health/ready")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body responses.ErrorEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	details := body.Error.Details.(map[string]any)
	assert.Equal(t, []any{"broker"}, details["failed"])
}

func TestMetricsExposesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewSagaMetrics(reg)
	m.IncTimeout()

	rec := serve(NewOpsRouter(testConfig(), logger.Nop(), reg), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "saga")
}
