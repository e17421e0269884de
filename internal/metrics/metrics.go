package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "feedlens"

var (
	aiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_requests_total",
			Help:      "Gateway requests partitioned by outcome (success or error kind).",
		},
		[]string{"outcome"},
	)

	aiCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_cache_hits_total",
			Help:      "Gateway requests answered from the response cache.",
		},
	)

	aiRequestSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ai_request_seconds",
			Help:      "Upstream text-generation latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 25, 30},
		},
	)

	clusterReconcilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cluster_reconciles_total",
			Help:      "Cluster reconciliations partitioned by resulting status.",
		},
		[]string{"status"},
	)

	maintenanceRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_removed_total",
			Help:      "Entries removed by the periodic sweep, by target.",
		},
		[]string{"target"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by method and status code.",
		},
		[]string{"method", "status"},
	)
)

// Register attaches FeedLens collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		aiRequestsTotal,
		aiCacheHitsTotal,
		aiRequestSeconds,
		clusterReconcilesTotal,
		maintenanceRemovedTotal,
		httpRequestsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveAIRequest records one gateway outcome. duration is the upstream call time
// and is skipped when zero (cache hits, local rejections).
func ObserveAIRequest(outcome string, duration time.Duration) {
	aiRequestsTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		aiRequestSeconds.Observe(duration.Seconds())
	}
}

func IncAICacheHit() {
	aiCacheHitsTotal.Inc()
}

func ObserveReconcile(status string) {
	clusterReconcilesTotal.WithLabelValues(status).Inc()
}

func AddMaintenanceRemoved(target string, n int) {
	if n <= 0 {
		return
	}
	maintenanceRemovedTotal.WithLabelValues(target).Add(float64(n))
}

func ObserveHTTPRequest(method string, status int) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
}
