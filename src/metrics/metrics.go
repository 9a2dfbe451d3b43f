// Package metrics exposes the control plane's prometheus gauges and
// histograms (spec.md §4.8) behind a /metrics handler.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sessionfabric_sessions_active",
		Help: "Number of sessions currently known, by mode.",
	}, []string{"mode"})

	ExecutorsOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sessionfabric_executors_online",
		Help: "Number of executors with a live control connection.",
	})

	RPCDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sessionfabric_rpc_duration_seconds",
		Help:    "Duration of executor RPC round trips.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "outcome"})
)

func init() {
	prometheus.MustRegister(SessionsActive, ExecutorsOnline, RPCDuration)
}

// Handler adapts promhttp's handler to gin.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
