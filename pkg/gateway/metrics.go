package gateway

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rin_http_requests_total",
		Help: "HTTP requests handled, by method, path and status.",
	}, []string{"method", "path", "status"})

	tasksSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rin_tasks_submitted_total",
		Help: "Tasks accepted through the REST surface.",
	})

	modelSwitchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rin_model_switches_total",
		Help: "Completed model switches.",
	})

	socketClientsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rin_socket_clients",
		Help: "Connected socket subscribers.",
	})
)

// countRequests records one counter increment per handled request,
// labeled by the route template so path cardinality stays bounded.
func countRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
