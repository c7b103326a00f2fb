package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andydunstall/crds/pkg/log"
)

func TestMetrics(t *testing.T) {
	metrics := NewMetrics("test")
	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	router := gin.New()
	router.Use(NewLogger(log.NewNopLogger()))
	router.Use(metrics.Handler())
	router.GET("/ok", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	for i := 0; i != 3; i++ {
		w := httptest.NewRecorder()
		req, err := http.NewRequest(http.MethodGet, "/ok", nil)
		require.NoError(t, err)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, "/unknown", nil)
	require.NoError(t, err)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, 3.0, testutil.ToFloat64(
		metrics.RequestsTotal.WithLabelValues("200", "GET"),
	))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.RequestsTotal.WithLabelValues("404", "GET"),
	))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.RequestsInFlight))
}
