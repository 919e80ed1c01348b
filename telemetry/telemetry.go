package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the evaluation engine.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with formula evaluation.
type Collector interface {
	IncEvaluation(formula, outcome string)
	IncCacheHit(cache string)
	IncCacheMiss(cache string)
	SetCacheEntries(cache string, entries int)
	IncRetry(sensor string)
	IncCircuitOpen(sensor string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncEvaluation(string, string) {}
func (noopCollector) IncCacheHit(string)           {}
func (noopCollector) IncCacheMiss(string)          {}
func (noopCollector) SetCacheEntries(string, int)  {}
func (noopCollector) IncRetry(string)              {}
func (noopCollector) IncCircuitOpen(string)        {}

// PrometheusCollector exposes telemetry counters via Prometheus.
type PrometheusCollector struct {
	evaluations  *prometheus.CounterVec
	cacheHits    *prometheus.CounterVec
	cacheMisses  *prometheus.CounterVec
	cacheEntries *prometheus.GaugeVec
	retries      *prometheus.CounterVec
	circuitOpens *prometheus.CounterVec
}

var (
	evaluationCounter  *prometheus.CounterVec
	cacheHitCounter    *prometheus.CounterVec
	cacheMissCounter   *prometheus.CounterVec
	cacheEntriesGauge  *prometheus.GaugeVec
	retryCounter       *prometheus.CounterVec
	circuitOpenCounter *prometheus.CounterVec
	registrationLock   sync.Mutex
)

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	registrationLock.Lock()
	defer registrationLock.Unlock()

	var err error
	if evaluationCounter == nil {
		evaluationCounter, err = registerCounterVec(reg, prometheus.CounterOpts{
			Name: "synthetic_sensors_evaluations_total",
			Help: "Number of formula evaluations per formula id and outcome.",
		}, []string{"formula", "outcome"})
		if err != nil {
			return nil, err
		}
	}
	if cacheHitCounter == nil {
		cacheHitCounter, err = registerCounterVec(reg, prometheus.CounterOpts{
			Name: "synthetic_sensors_cache_hits_total",
			Help: "Number of cache hits per cache layer.",
		}, []string{"cache"})
		if err != nil {
			return nil, err
		}
	}
	if cacheMissCounter == nil {
		cacheMissCounter, err = registerCounterVec(reg, prometheus.CounterOpts{
			Name: "synthetic_sensors_cache_misses_total",
			Help: "Number of cache misses per cache layer.",
		}, []string{"cache"})
		if err != nil {
			return nil, err
		}
	}
	if cacheEntriesGauge == nil {
		cacheEntriesGauge, err = registerGaugeVec(reg, prometheus.GaugeOpts{
			Name: "synthetic_sensors_cache_entries",
			Help: "Number of entries currently held per cache layer.",
		}, []string{"cache"})
		if err != nil {
			return nil, err
		}
	}
	if retryCounter == nil {
		retryCounter, err = registerCounterVec(reg, prometheus.CounterOpts{
			Name: "synthetic_sensors_retries_total",
			Help: "Number of evaluation retries per sensor.",
		}, []string{"sensor"})
		if err != nil {
			return nil, err
		}
	}
	if circuitOpenCounter == nil {
		circuitOpenCounter, err = registerCounterVec(reg, prometheus.CounterOpts{
			Name: "synthetic_sensors_circuit_open_total",
			Help: "Number of circuit breaker openings per sensor.",
		}, []string{"sensor"})
		if err != nil {
			return nil, err
		}
	}

	return &PrometheusCollector{
		evaluations:  evaluationCounter,
		cacheHits:    cacheHitCounter,
		cacheMisses:  cacheMissCounter,
		cacheEntries: cacheEntriesGauge,
		retries:      retryCounter,
		circuitOpens: circuitOpenCounter,
	}, nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) (*prometheus.CounterVec, error) {
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func registerGaugeVec(reg prometheus.Registerer, opts prometheus.GaugeOpts, labels []string) (*prometheus.GaugeVec, error) {
	gauge := prometheus.NewGaugeVec(opts, labels)
	if err := reg.Register(gauge); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return gauge, nil
}

// IncEvaluation increments the evaluation counter for a formula and outcome.
func (p *PrometheusCollector) IncEvaluation(formula, outcome string) {
	if p == nil || p.evaluations == nil {
		return
	}
	p.evaluations.WithLabelValues(formula, outcome).Inc()
}

// IncCacheHit records a hit on the named cache layer.
func (p *PrometheusCollector) IncCacheHit(cache string) {
	if p == nil || p.cacheHits == nil {
		return
	}
	p.cacheHits.WithLabelValues(cache).Inc()
}

// IncCacheMiss records a miss on the named cache layer.
func (p *PrometheusCollector) IncCacheMiss(cache string) {
	if p == nil || p.cacheMisses == nil {
		return
	}
	p.cacheMisses.WithLabelValues(cache).Inc()
}

// SetCacheEntries updates the gauge tracking entries per cache layer.
func (p *PrometheusCollector) SetCacheEntries(cache string, entries int) {
	if p == nil || p.cacheEntries == nil {
		return
	}
	p.cacheEntries.WithLabelValues(cache).Set(float64(entries))
}

// IncRetry records a retried evaluation for a sensor.
func (p *PrometheusCollector) IncRetry(sensor string) {
	if p == nil || p.retries == nil {
		return
	}
	p.retries.WithLabelValues(sensor).Inc()
}

// IncCircuitOpen records a circuit breaker opening for a sensor.
func (p *PrometheusCollector) IncCircuitOpen(sensor string) {
	if p == nil || p.circuitOpens == nil {
		return
	}
	p.circuitOpens.WithLabelValues(sensor).Inc()
}
