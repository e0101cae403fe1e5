package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the product cache method being instrumented.
type CacheOperation string

const (
	CacheOperationLookup CacheOperation = "lookup"
	CacheOperationStore  CacheOperation = "store"
	CacheOperationClear  CacheOperation = "clear"
)

// CacheLookupOutcome captures the result of a product cache read.
type CacheLookupOutcome string

const (
	CacheLookupHit         CacheLookupOutcome = "hit"
	CacheLookupMiss        CacheLookupOutcome = "miss"
	CacheLookupExpired     CacheLookupOutcome = "expired"
	CacheLookupCorrupt     CacheLookupOutcome = "corrupt"
	CacheLookupUnavailable CacheLookupOutcome = "unavailable"
)

// CacheStoreOutcome captures the result of a product cache write.
type CacheStoreOutcome string

const (
	CacheStoreStored CacheStoreOutcome = "stored"
	CacheStoreError  CacheStoreOutcome = "error"
)

// CatalogOutcome describes how a derived product list recomputation ended.
type CatalogOutcome string

const (
	// CatalogPassthrough means no refine stage was active.
	CatalogPassthrough CatalogOutcome = "passthrough"
	CatalogRefined     CatalogOutcome = "refined"
	CatalogError       CatalogOutcome = "error"
)

// Recorder publishes Prometheus metrics for cache, catalog and session activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	catalogUpdates *prometheus.CounterVec
	catalogLatency *prometheus.HistogramVec

	bootstrapTransitions *prometheus.CounterVec
	recoveries           *prometheus.CounterVec
	transportErrors      *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storefront",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Product cache operations by result.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storefront",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for product cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	catalogUpdates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storefront",
		Subsystem: "catalog",
		Name:      "updates_total",
		Help:      "Derived product list recomputations by outcome.",
	}, []string{"result"})

	catalogLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storefront",
		Subsystem: "catalog",
		Name:      "update_duration_seconds",
		Help:      "Latency distribution for derived product list recomputations.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"result"})

	bootstrapTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storefront",
		Subsystem: "bootstrap",
		Name:      "transitions_total",
		Help:      "Session bootstrap state transitions by target state.",
	}, []string{"state"})

	recoveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storefront",
		Subsystem: "bootstrap",
		Name:      "recoveries_total",
		Help:      "Session recovery attempts by policy and result.",
	}, []string{"policy", "result"})

	transportErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storefront",
		Subsystem: "transport",
		Name:      "errors_total",
		Help:      "Transport errors observed by the session bootstrapper.",
	}, []string{"kind"})

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storefront",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served by route and status class.",
	}, []string{"route", "status"})

	httpLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storefront",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for HTTP requests by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	reg.MustRegister(cacheOperations, cacheLatency, catalogUpdates, catalogLatency,
		bootstrapTransitions, recoveries, transportErrors, httpRequests, httpLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:             reg,
		handler:              handler,
		cacheOperations:      cacheOperations,
		cacheLatency:         cacheLatency,
		catalogUpdates:       catalogUpdates,
		catalogLatency:       catalogLatency,
		bootstrapTransitions: bootstrapTransitions,
		recoveries:           recoveries,
		transportErrors:      transportErrors,
		httpRequests:         httpRequests,
		httpLatency:          httpLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveCacheLookup records the result of a product cache read.
func (r *Recorder) ObserveCacheLookup(result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a product cache write.
func (r *Recorder) ObserveCacheStore(result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(CacheOperationStore, resultLabel, duration)
}

// ObserveCacheClear records a bulk clear of the versioned cache entries.
func (r *Recorder) ObserveCacheClear(ok bool, duration time.Duration) {
	if r == nil {
		return
	}
	result := "cleared"
	if !ok {
		result = "error"
	}
	r.observeCache(CacheOperationClear, result, duration)
}

func (r *Recorder) observeCache(operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

// ObserveCatalogUpdate records one derived list recomputation.
func (r *Recorder) ObserveCatalogUpdate(result CatalogOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	label := normalizeLabel(string(result))
	r.catalogUpdates.WithLabelValues(label).Inc()
	r.catalogLatency.WithLabelValues(label).Observe(duration.Seconds())
}

// ObserveBootstrapTransition counts entries into a bootstrap state.
func (r *Recorder) ObserveBootstrapTransition(state string) {
	if r == nil {
		return
	}
	r.bootstrapTransitions.WithLabelValues(normalizeLabel(state)).Inc()
}

// ObserveRecovery counts a recovery decision for the given policy.
func (r *Recorder) ObserveRecovery(policy, result string) {
	if r == nil {
		return
	}
	r.recoveries.WithLabelValues(normalizeLabel(policy), normalizeLabel(result)).Inc()
}

// ObserveTransportError counts a classified transport error.
func (r *Recorder) ObserveTransportError(kind string) {
	if r == nil {
		return
	}
	r.transportErrors.WithLabelValues(normalizeLabel(kind)).Inc()
}

// ObserveHTTPRequest records one served request. Status codes are bucketed
// into classes (2xx, 4xx, ...) to bound label cardinality.
func (r *Recorder) ObserveHTTPRequest(route string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	label := normalizeLabel(route)
	r.httpRequests.WithLabelValues(label, statusClass(status)).Inc()
	r.httpLatency.WithLabelValues(label).Observe(duration.Seconds())
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
