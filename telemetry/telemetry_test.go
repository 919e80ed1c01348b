package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.IncEvaluation("energy_total", "success")
	collector.IncCacheHit("result")
	collector.IncCircuitOpen("energy_total")
}

func TestPrometheusCollectorRegistersAndReusesCounter(t *testing.T) {
	registrationLock.Lock()
	evaluationCounter = nil
	registrationLock.Unlock()

	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.NotNil(t, collector)

	collector.IncEvaluation("energy_total", "success")

	metrics, err := reg.Gather()
	require.NoError(t, err)
	family := findFamily(t, metrics, "synthetic_sensors_evaluations_total")
	requireCounterValue(t, family, 1)

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, collector.evaluations, again.evaluations)

	again.IncEvaluation("energy_total", "success")

	metrics, err = reg.Gather()
	require.NoError(t, err)
	family = findFamily(t, metrics, "synthetic_sensors_evaluations_total")
	requireCounterValue(t, family, 2)
}

func TestPrometheusCollectorCacheGauge(t *testing.T) {
	registrationLock.Lock()
	cacheEntriesGauge = nil
	registrationLock.Unlock()

	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.SetCacheEntries("compilation", 3)

	metrics, err := reg.Gather()
	require.NoError(t, err)
	family := findFamily(t, metrics, "synthetic_sensors_cache_entries")
	require.Len(t, family.Metric, 1)
	require.NotNil(t, family.Metric[0].Gauge)
	require.Equal(t, float64(3), family.Metric[0].Gauge.GetValue())
}

func findFamily(t *testing.T, metrics []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, mf := range metrics {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not gathered", name)
	return nil
}

func requireCounterValue(t *testing.T, mf *dto.MetricFamily, value float64) {
	t.Helper()
	require.Len(t, mf.Metric, 1)
	require.NotNil(t, mf.Metric[0].Counter)
	require.Equal(t, value, mf.Metric[0].Counter.GetValue())
}
