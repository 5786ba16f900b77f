// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Collector aggregates the engine's prometheus metrics. A nil *Collector is
// valid and records nothing, so components can treat metrics as optional.
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    prometheus.Counter
	rateLimitHits   prometheus.Counter
	cooldownsTotal  prometheus.Counter
	tokensUsed      *prometheus.CounterVec
	responseCost    prometheus.Counter

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	logger *zap.Logger
}

// NewCollector creates a collector and registers its metrics on reg.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	factory := func(name, help string) prometheus.Counter {
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(counter)
		return counter
	}

	c.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Terminal request outcomes.",
		},
		[]string{"outcome"},
	)
	reg.MustRegister(c.requestsTotal)

	c.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Remote call latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)
	reg.MustRegister(c.requestDuration)

	c.retriesTotal = factory("retries_total", "Retried attempts.")
	c.rateLimitHits = factory("rate_limit_hits_total", "Rate-limit signals from the provider.")
	c.cooldownsTotal = factory("cooldowns_total", "Admission cooldowns entered.")
	c.responseCost = factory("response_cost_usd_total", "Accumulated response cost in USD.")

	c.tokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Tokens consumed by direction.",
		},
		[]string{"direction"},
	)
	reg.MustRegister(c.tokensUsed)

	c.cacheHits = factory("cache_hits_total", "Cache registry hits.")
	c.cacheMisses = factory("cache_misses_total", "Cache registry misses.")

	return c
}

// RequestFinished records one terminal outcome ("succeeded" or "failed").
func (c *Collector) RequestFinished(outcome string) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCall records the latency of one remote call.
func (c *Collector) ObserveCall(provider string, d time.Duration) {
	if c == nil {
		return
	}
	c.requestDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// Retry records one retried attempt.
func (c *Collector) Retry() {
	if c == nil {
		return
	}
	c.retriesTotal.Inc()
}

// RateLimitHit records one provider rate-limit signal.
func (c *Collector) RateLimitHit() {
	if c == nil {
		return
	}
	c.rateLimitHits.Inc()
}

// CooldownEntered records an admission cooldown being entered.
func (c *Collector) CooldownEntered() {
	if c == nil {
		return
	}
	c.cooldownsTotal.Inc()
}

// TokensUsed records consumed token counts.
func (c *Collector) TokensUsed(prompt, completion int) {
	if c == nil {
		return
	}
	c.tokensUsed.WithLabelValues("prompt").Add(float64(prompt))
	c.tokensUsed.WithLabelValues("completion").Add(float64(completion))
}

// CostAccrued adds USD cost of one response.
func (c *Collector) CostAccrued(usd float64) {
	if c == nil || usd <= 0 {
		return
	}
	c.responseCost.Add(usd)
}

// CacheHit records one registry hit.
func (c *Collector) CacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Inc()
}

// CacheMiss records one registry miss.
func (c *Collector) CacheMiss() {
	if c == nil {
		return
	}
	c.cacheMisses.Inc()
}
