package metric

import (
	"context"
	stderrors "errors"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmotive/overlay/errors"
)

func gathered(t *testing.T, r *MetricsRegistry, name string) bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return true
		}
	}
	return false
}

func TestMetricsRegistry_RegisterKinds(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "c"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "g"})
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_histogram", Help: "h"})
	counterVec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_counter_vec", Help: "cv"}, []string{"l"})
	gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_gauge_vec", Help: "gv"}, []string{"l"})
	histogramVec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_histogram_vec", Help: "hv"}, []string{"l"})

	require.NoError(t, registry.RegisterCounter("svc", "counter", counter))
	require.NoError(t, registry.RegisterGauge("svc", "gauge", gauge))
	require.NoError(t, registry.RegisterHistogram("svc", "histogram", histogram))
	require.NoError(t, registry.RegisterCounterVec("svc", "counter_vec", counterVec))
	require.NoError(t, registry.RegisterGaugeVec("svc", "gauge_vec", gaugeVec))
	require.NoError(t, registry.RegisterHistogramVec("svc", "histogram_vec", histogramVec))

	counter.Inc()
	gauge.Set(3)
	histogram.Observe(0.2)
	counterVec.WithLabelValues("a").Inc()
	gaugeVec.WithLabelValues("a").Set(1)
	histogramVec.WithLabelValues("a").Observe(1)

	for _, name := range []string{"test_counter", "test_gauge", "test_histogram", "test_counter_vec", "test_gauge_vec", "test_histogram_vec"} {
		assert.True(t, gathered(t, registry, name), name)
	}
}

func TestMetricsRegistry_Duplicates(t *testing.T) {
	registry := NewMetricsRegistry()
	first := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "d"})
	require.NoError(t, registry.RegisterCounter("svc", "dup", first))

	// Same key.
	err := registry.RegisterCounter("svc", "dup", prometheus.NewCounter(prometheus.CounterOpts{Name: "other_total", Help: "o"}))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Same descriptor under another key.
	err = registry.RegisterCounter("svc", "dup2", prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "d"}))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "gone_total", Help: "g"})
	require.NoError(t, registry.RegisterCounter("svc", "gone", counter))

	assert.True(t, registry.Unregister("svc", "gone"))
	assert.False(t, registry.Unregister("svc", "gone"))
	assert.False(t, gathered(t, registry, "gone_total"))

	// The key is free again.
	require.NoError(t, registry.RegisterCounter("svc", "gone", counter))
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	registry := NewMetricsRegistry()
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g := prometheus.NewGauge(prometheus.GaugeOpts{
				Name:        "concurrent_gauge",
				Help:        "c",
				ConstLabels: prometheus.Labels{"i": string(rune('a' + i))},
			})
			errs <- registry.RegisterGauge("svc", "gauge_"+string(rune('a'+i)), g)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestCoreMetrics(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordCanvasMutation("add_block", nil)
	m.RecordCanvasMutation("add_block", stderrors.New("rejected"))
	m.RecordCanvasMutation("add_block", nil)
	m.RecordValidation(true)
	m.RecordHTTPRequest("GET /blocks", "GET", 200, 5*time.Millisecond)
	m.RecordError("simulation", "runtime_block")
	m.RecordNATSStatus(true)
	m.RecordCircuitBreakerState(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CanvasMutations.WithLabelValues("add_block", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CanvasMutations.WithLabelValues("add_block", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ValidationRuns.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET /blocks", "GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSConnected))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.NATSCircuitBreaker))
}

func TestHandler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordValidation(false)

	srv := httptest.NewServer(registry.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "overlay_canvas_validations_total")
}

func TestServer_StopWithoutStart(t *testing.T) {
	s := NewServer(0, "", NewMetricsRegistry())
	assert.Equal(t, "http://localhost:9090/metrics", s.Address())
	assert.NoError(t, s.Stop(context.Background()))
}

func TestServer_NilRegistry(t *testing.T) {
	err := NewServer(19091, "/m", nil).Start()
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}
