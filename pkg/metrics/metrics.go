// Package metrics holds the Prometheus collectors of the pipeline, the
// community detector and the query router.
//
// All methods are safe on a nil *Collector, so components can treat metrics
// as optional.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	documentsTotal   *prometheus.CounterVec
	chunksTotal      *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	llmRequestsTotal *prometheus.CounterVec
	llmDuration      *prometheus.HistogramVec
	embeddingsTotal  *prometheus.CounterVec
	mergesTotal      prometheus.Counter
	dedupeRuns       prometheus.Counter
	communityRuns    *prometheus.CounterVec
	communities      prometheus.Gauge
	queriesTotal     *prometheus.CounterVec
	queryDuration    *prometheus.HistogramVec
}

// NewCollector registers the collectors in a fresh registry under namespace.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		documentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_total",
			Help:      "Documents that left the pipeline, by final status",
		}, []string{"status"}),
		chunksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Chunks processed, by resulting chunk status",
		}, []string{"status"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of ingestion stages",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"stage"}),
		llmRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "LLM calls, by operation and outcome",
		}, []string{"operation", "status"}),
		llmDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"operation"}),
		embeddingsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embeddings_total",
			Help:      "Vectors written to the index, by kind",
		}, []string{"kind"}),
		mergesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_merges_total",
			Help:      "Entities merged away by duplicate resolution",
		}),
		dedupeRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedupe_runs_total",
			Help:      "Completed duplicate resolution passes",
		}),
		communityRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "community_runs_total",
			Help:      "Community detection runs, by outcome",
		}, []string{"status"}),
		communities: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "communities",
			Help:      "Communities in the current set",
		}),
		queriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Answered queries, by mode and whether context was found",
		}, []string{"mode", "context"}),
		queryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Query latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) Document(status string) {
	if c == nil {
		return
	}
	c.documentsTotal.WithLabelValues(status).Inc()
}

func (c *Collector) Chunk(status string) {
	if c == nil {
		return
	}
	c.chunksTotal.WithLabelValues(status).Inc()
}

func (c *Collector) Stage(stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (c *Collector) LLMCall(operation string, err error, d time.Duration) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.llmRequestsTotal.WithLabelValues(operation, status).Inc()
	c.llmDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (c *Collector) Embedded(kind string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.embeddingsTotal.WithLabelValues(kind).Add(float64(n))
}

func (c *Collector) Merged(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.mergesTotal.Add(float64(n))
}

func (c *Collector) DedupeRun() {
	if c == nil {
		return
	}
	c.dedupeRuns.Inc()
}

func (c *Collector) CommunityRun(err error, communities int) {
	if c == nil {
		return
	}
	if err != nil {
		c.communityRuns.WithLabelValues("error").Inc()
		return
	}
	c.communityRuns.WithLabelValues("ok").Inc()
	c.communities.Set(float64(communities))
}

func (c *Collector) Query(mode string, found bool, d time.Duration) {
	if c == nil {
		return
	}
	ctx := "found"
	if !found {
		ctx = "empty"
	}
	c.queriesTotal.WithLabelValues(mode, ctx).Inc()
	c.queryDuration.WithLabelValues(mode).Observe(d.Seconds())
}
