package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Delivery Metrics
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_deliveries_total",
			Help: "Push delivery attempts by outcome",
		},
		[]string{"outcome"}, // "sent", "failed", "gone"
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "push_delivery_duration_seconds",
			Help:    "Duration of a single push delivery attempt",
			Buckets: prometheus.DefBuckets,
		},
	)

	NotifyRecipients = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notify_recipients",
			Help:    "Number of subscriptions resolved per notify call",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 25},
		},
	)

	// Registry Metrics
	RegistryEndpoints = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_endpoints",
			Help: "Current number of registered push endpoints",
		},
	)

	DeadEndpointsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_dead_endpoints_removed_total",
			Help: "Endpoints removed after the push service reported them gone",
		},
	)

	// HTTP Metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"method", "route", "status"},
	)
)

// RecordDelivery records the outcome of one push attempt.
func RecordDelivery(outcome string, d time.Duration) {
	DeliveriesTotal.WithLabelValues(outcome).Inc()
	DeliveryDuration.Observe(d.Seconds())
}

var knownMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodConnect: true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
}

// RecordHTTPRequest records a served request. Unmatched routes are counted
// as "static" and non-standard methods as "other".
func RecordHTTPRequest(method, route string, status int) {
	if route == "" {
		route = "static"
	}
	if !knownMethods[method] {
		method = "other"
	}
	HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
