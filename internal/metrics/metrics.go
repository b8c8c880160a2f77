// Package metrics defines every counter, histogram, and gauge 
// "Metrics emitted" names.
//
// What: process-wide Prometheus collectors, labelled by instance and
// (where named) branch.
// How: promauto vars, matching the `stage` package's
// promauto.NewCounterVec/NewHistogramVec idiom — the pack's own reference
// for wiring prometheus/client_golang into a database-adjacent Go service.
// Why: promauto registers with the default registry at package init, so
// callers just call .WithLabelValues(...).Inc()/.Observe(...) without
// threading a registry through every constructor, exactly like the
// reference.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CompilationSource labels whether a query was served from cache or
// compiled fresh.
type CompilationSource string

const (
	SourceCache    CompilationSource = "cache"
	SourceCompiler CompilationSource = "compiler"
)

var (
	QueryCompilations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edgeql_query_compilations",
		Help: "count of queries served, labelled by whether they hit cache or were compiled",
	}, []string{"instance", "source"})

	QueryCompilationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edgeql_query_compilation_duration",
		Help:    "wall time of a compiler-pool compile call, regardless of outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"instance"})

	CompilationDurationByLanguage = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "query_compilation_duration",
		Help:    "wall time of a compile call, labelled by input language",
		Buckets: prometheus.DefBuckets,
	}, []string{"instance", "language"})

	BackgroundErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "background_errors",
		Help: "errors raised by background tasks (persistence worker, notifier) that do not propagate to a caller",
	}, []string{"instance", "component"})

	CurrentBranches = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "current_branches",
		Help: "number of registered branches, excluding the system branch",
	}, []string{"instance"})

	ExtensionUsed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "extension_used",
		Help: "number of branches with a given extension enabled",
	}, []string{"instance", "extension"})

	FeatureUsed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feature_used",
		Help: "incrementally-updated count of branches using a given schema feature",
	}, []string{"instance", "feature"})

	AuthProviders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "auth_providers",
		Help: "number of configured auth providers for a branch",
	}, []string{"instance", "branch"})
)
