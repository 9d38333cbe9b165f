package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/sma-timetable-api/internal/service"
)

func TestMetricsLabelsByRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := service.NewMetricsService()
	router := gin.New()
	router.Use(Metrics(metrics))
	router.GET("/timetables/versions/:name", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/timetables/versions/a", "/timetables/versions/b", "/nope"} {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, path, nil)
		router.ServeHTTP(w, req)
	}

	assert.Equal(t, uint64(3), metrics.Snapshot().RequestsTotal)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/metrics", nil)
	metrics.Handler().ServeHTTP(w, req)
	body := w.Body.String()
	assert.Contains(t, body, `path="/timetables/versions/:name"`)
	assert.Contains(t, body, `path="unmatched"`)
	assert.NotContains(t, body, `path="/timetables/versions/a"`)
}
