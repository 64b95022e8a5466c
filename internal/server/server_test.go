package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plant-doctor/internal/metrics"
	"plant-doctor/pkg/logger"
)

func TestRoutes(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	m.RecordWebhook("confirmed")

	var hooks int
	webhook := func(w http.ResponseWriter, r *http.Request) {
		hooks++
		w.WriteHeader(http.StatusAccepted)
	}
	srv := NewServer(Options{Port: "0", Webhook: webhook, Metrics: m.Handler()}, logger.NewNop())

	tests := []struct {
		name   string
		method string
		path   string
		code   int
		body   string
	}{
		{name: "health", method: http.MethodGet, path: "/health", code: http.StatusOK, body: `"features":{"metrics":true,"payments":true}`},
		{name: "webhook", method: http.MethodPost, path: "/webhook/stripe", code: http.StatusAccepted},
		{name: "metrics", method: http.MethodGet, path: "/metrics", code: http.StatusOK, body: `plantdoc_payment_webhooks_total{status="confirmed"} 1`},
		{name: "health post", method: http.MethodPost, path: "/health", code: http.StatusMethodNotAllowed},
		{name: "unknown", method: http.MethodGet, path: "/nope", code: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.code, rec.Code)
			if tt.body != "" {
				assert.Contains(t, rec.Body.String(), tt.body)
			}
		})
	}
	assert.Equal(t, 1, hooks)
}

func TestOptionalRoutes(t *testing.T) {
	srv := NewServer(Options{Port: "0"}, logger.NewNop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/stripe", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"payments":false`)
}
