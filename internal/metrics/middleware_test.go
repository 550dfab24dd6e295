package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(PrometheusMiddleware("/health"))
	r.GET("/api/audit/logs/:id", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	serve := func(path string) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	okRoute := APIRequestsTotal.WithLabelValues(http.MethodGet, "/api/audit/logs/:id", "200")
	unmatched := APIRequestsTotal.WithLabelValues(http.MethodGet, unmatchedRoute, "404")
	health := APIRequestsTotal.WithLabelValues(http.MethodGet, "/health", "200")
	before := []float64{testutil.ToFloat64(okRoute), testutil.ToFloat64(unmatched), testutil.ToFloat64(health)}

	serve("/api/audit/logs/1")
	serve("/api/audit/logs/2")
	serve("/scan/wp-admin")
	serve("/health")

	t.Run("按路由模板计数", func(t *testing.T) {
		assert.Equal(t, before[0]+2, testutil.ToFloat64(okRoute))
	})
	t.Run("未匹配路由归并", func(t *testing.T) {
		assert.Equal(t, before[1]+1, testutil.ToFloat64(unmatched))
	})
	t.Run("跳过路径不计数", func(t *testing.T) {
		assert.Equal(t, before[2], testutil.ToFloat64(health))
	})
}

func TestObserveOperation(t *testing.T) {
	c := EngineOperationsTotal.WithLabelValues("query", "ok")
	before := testutil.ToFloat64(c)
	ObserveOperation("query", time.Now(), "ok")
	ObserveOperation("query", time.Now(), "")
	assert.Equal(t, before+2, testutil.ToFloat64(c), "空结果按成功计")
}
