package ops

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datavision/easystore/pkg/metrics"
	promsink "github.com/datavision/easystore/pkg/metrics/prometheus"
)

func TestHealthz(t *testing.T) {
	srv := NewServer(Config{}, nil, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestReadyz(t *testing.T) {
	t.Run("NoTrackerIsReady", func(t *testing.T) {
		srv := NewServer(Config{}, nil, nil)

		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("NotReadyIs503", func(t *testing.T) {
		readiness := metrics.NewReadiness(time.Minute)
		readiness.MarkFailed(metrics.ComponentMetastore, errors.New("ping failed"))
		srv := NewServer(Config{}, readiness, nil)

		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var body struct {
			Ready      bool                               `json:"ready"`
			Components map[string]metrics.ComponentStatus `json:"components"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.False(t, body.Ready)
		assert.Equal(t, "ping failed", body.Components[metrics.ComponentMetastore].LastError)
	})

	t.Run("ReadyWithFreshProbes", func(t *testing.T) {
		readiness := metrics.NewReadiness(time.Minute)
		readiness.MarkOK(metrics.ComponentLease)
		readiness.MarkOK(metrics.ComponentMetastore)
		srv := NewServer(Config{}, readiness, nil)

		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	sink := promsink.NewSink(nil)
	sink.OnEvent(metrics.EventFilesPacked, map[string]string{"shard": "0"}, 3)

	srv := NewServer(Config{}, nil, sink.Registry())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `des_files_packed_total{shard="0"} 3`)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	assert.Equal(t, 9090, cfg.Port)
	assert.NoError(t, cfg.Validate())

	bad := Config{Port: 70000}
	assert.Error(t, bad.Validate())
}
