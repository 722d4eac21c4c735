// Package metrics holds the prometheus instruments of the service.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	storeOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_store_operations_total",
			Help: "Store operations by driver, operation and outcome",
		},
		[]string{"driver", "op", "outcome"},
	)

	mutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_mutations_total",
			Help: "Gateway mutations by operation and error kind",
		},
		[]string{"op", "result"},
	)

	liveStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskflow_live_streams",
			Help: "Connected SSE and WebSocket clients",
		},
		[]string{"transport"},
	)

	statsOnce sync.Once
)

// StoreOp counts one store call. outcome is an apperr kind, or "ok".
func StoreOp(driver, op, outcome string) {
	if outcome == "" {
		outcome = "ok"
	}
	storeOps.WithLabelValues(driver, op, outcome).Inc()
}

// Mutation counts one gateway operation.
func Mutation(op, result string) {
	if result == "" {
		result = "ok"
	}
	mutations.WithLabelValues(op, result).Inc()
}

func StreamOpened(transport string) { liveStreams.WithLabelValues(transport).Inc() }
func StreamClosed(transport string) { liveStreams.WithLabelValues(transport).Dec() }

// ObserveSubscriptions exports the subscription manager counters as gauges.
// Only the first call registers; later calls are ignored.
func ObserveSubscriptions(stats func() (remote, listeners int)) {
	statsOnce.Do(func() {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "taskflow_subscriptions_remote",
			Help: "Open remote store subscriptions",
		}, func() float64 {
			remote, _ := stats()
			return float64(remote)
		})
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "taskflow_subscriptions_listeners",
			Help: "Listeners attached to remote store subscriptions",
		}, func() float64 {
			_, listeners := stats()
			return float64(listeners)
		})
	})
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
