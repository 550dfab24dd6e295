package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// 未匹配路由统一归为一个标签，避免扫描类请求撑爆序列数
const unmatchedRoute = "unmatched"

// PrometheusMiddleware 记录 HTTP 请求数、延迟与响应大小
// skipPaths 按前缀匹配，/metrics 始终跳过
func PrometheusMiddleware(skipPaths ...string) gin.HandlerFunc {
	skip := append([]string{"/metrics"}, skipPaths...)
	return func(c *gin.Context) {
		for _, p := range skip {
			if strings.HasPrefix(c.Request.URL.Path, p) {
				c.Next()
				return
			}
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := c.Request.Method
		APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		APIRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size >= 0 {
			APIResponseSize.WithLabelValues(method, route).Observe(float64(size))
		}
	}
}
