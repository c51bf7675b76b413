package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 中文说明：
// 决策引擎的 Prometheus 指标。包级函数直接打点，调用方无需持有对象；
// /metrics 路由通过 Handler() 暴露。

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_decisions_total",
		Help: "Decisions produced, labelled by outcome (valid|fallback|error) and cache (hit|miss).",
	}, []string{"outcome", "cache"})

	decisionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arbiter_decision_latency_seconds",
		Help:    "End-to-end decision latency including LLM call and validation.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"cache"})

	validationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_validation_failures_total",
		Help: "Validation failures by rule name.",
	}, []string{"rule"})

	rateLimitRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arbiter_rate_limit_rejections_total",
		Help: "Requests rejected by the per-account sliding window limiter.",
	})

	circuitState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arbiter_llm_circuit_state",
		Help: "LLM circuit breaker state (0=closed, 1=open, 2=half-open).",
	})

	llmCostUSD = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arbiter_llm_cost_usd_total",
		Help: "Cumulative estimated LLM API cost in USD.",
	})

	cacheEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arbiter_cache_entries",
		Help: "Live entries per TTL cache.",
	}, []string{"cache"})

	inFlightDecisions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "arbiter_inflight_decisions",
		Help: "Decision generations currently in flight.",
	})

	persistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arbiter_persist_failures_total",
		Help: "Best-effort decision persistence failures.",
	})
)

func init() {
	prometheus.MustRegister(
		decisionsTotal,
		decisionLatency,
		validationFailures,
		rateLimitRejections,
		circuitState,
		llmCostUSD,
		cacheEntries,
		inFlightDecisions,
		persistFailures,
	)
}

// Handler /metrics 的 HTTP handler。
func Handler() http.Handler { return promhttp.Handler() }

func ObserveDecision(outcome string, cacheHit bool, elapsed time.Duration) {
	hit := strconv.FormatBool(cacheHit)
	decisionsTotal.WithLabelValues(outcome, hit).Inc()
	decisionLatency.WithLabelValues(hit).Observe(elapsed.Seconds())
}

func IncValidationFailure(rule string) { validationFailures.WithLabelValues(rule).Inc() }

func IncRateLimitRejection() { rateLimitRejections.Inc() }

func SetCircuitState(state int) { circuitState.Set(float64(state)) }

func AddLLMCost(usd float64) {
	if usd > 0 {
		llmCostUSD.Add(usd)
	}
}

func SetCacheEntries(cache string, n int) { cacheEntries.WithLabelValues(cache).Set(float64(n)) }

func SetInFlight(n int) { inFlightDecisions.Set(float64(n)) }

func IncPersistFailure() { persistFailures.Inc() }
