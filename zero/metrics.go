package zero

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks the optimizer of one rank.
// A nil *Metrics records nothing.
type Metrics struct {
	LossScale          prometheus.Gauge
	Steps              prometheus.Counter
	SkippedSteps       prometheus.Counter
	OverflowCheckTimes prometheus.Histogram
}

// NewMetrics registers the metrics of rank with reg.
func NewMetrics(reg prometheus.Registerer, rank int) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"rank": strconv.Itoa(rank)}
	return &Metrics{
		LossScale: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "zero_loss_scale",
			Help:        "Current loss scale",
			ConstLabels: labels,
		}),
		Steps: factory.NewCounter(prometheus.CounterOpts{
			Name:        "zero_optimizer_steps_total",
			Help:        "Total number of optimizer steps, including skipped ones",
			ConstLabels: labels,
		}),
		SkippedSteps: factory.NewCounter(prometheus.CounterOpts{
			Name:        "zero_optimizer_skipped_steps_total",
			Help:        "Total number of steps skipped because of gradient overflow",
			ConstLabels: labels,
		}),
		OverflowCheckTimes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "zero_overflow_check_seconds",
			Help:        "Duration of the distributed overflow check",
			Buckets:     []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1.0},
			ConstLabels: labels,
		}),
	}
}

func (m *Metrics) observeStep(skipped bool, scale float64, check time.Duration) {
	if m == nil {
		return
	}
	m.Steps.Inc()
	if skipped {
		m.SkippedSteps.Inc()
	}
	m.LossScale.Set(scale)
	m.OverflowCheckTimes.Observe(check.Seconds())
}
