package harness

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts case outcomes and timings for one run. Each Metrics owns
// its registry so repeated runs in one process do not collide.
type Metrics struct {
	Registry *prometheus.Registry

	Cases     *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
	Native    *prometheus.GaugeVec
	Workspace *prometheus.GaugeVec
	MaxAbsErr *prometheus.GaugeVec

	maxErr map[[3]string]float64
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Cases: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opcheck_cases_total",
			Help: "Test cases run, by operator, device, dtype and outcome",
		}, []string{"op", "device", "dtype", "outcome"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opcheck_case_duration_seconds",
			Help:    "Wall time of one case including upload, execution and comparison",
			Buckets: prometheus.ExponentialBuckets(1e-5, 4, 12),
		}, []string{"op", "device"}),
		Native: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opcheck_native_iteration_seconds",
			Help: "Mean native execution time per profiled iteration of the last case",
		}, []string{"op", "device", "dtype"}),
		Workspace: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opcheck_workspace_bytes",
			Help: "Workspace requested by the last case",
		}, []string{"op", "device"}),
		MaxAbsErr: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opcheck_max_abs_error",
			Help: "Largest absolute error seen per operator and dtype",
		}, []string{"op", "device", "dtype"}),
		maxErr: make(map[[3]string]float64),
	}
}

// Observe records r.
func (m *Metrics) Observe(r Result) {
	if m == nil {
		return
	}

	device, dtype := r.Device.String(), r.DType.String()

	m.Cases.WithLabelValues(r.Op, device, dtype, string(r.Outcome)).Inc()
	m.Duration.WithLabelValues(r.Op, device).Observe(r.Elapsed.Seconds())
	m.Workspace.WithLabelValues(r.Op, device).Set(float64(r.WorkspaceBytes))

	key := [3]string{r.Op, device, dtype}
	if cur, seen := m.maxErr[key]; !seen || r.MaxAbsErr > cur {
		m.maxErr[key] = r.MaxAbsErr
		m.MaxAbsErr.WithLabelValues(key[:]...).Set(r.MaxAbsErr)
	}

	if r.Profile != nil {
		m.Native.WithLabelValues(r.Op, device, dtype).Set(r.Profile.Native.Seconds())
	}
}

// WriteTextfile writes the registry in the text exposition format, for the
// node_exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("harness: write metrics %s: %w", path, err)
	}

	return nil
}
