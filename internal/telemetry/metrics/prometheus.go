package metrics

import (
	"net/http"
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromRecorder exposes the pipeline's instruments through a Prometheus
// registry. Every instrument is declared and registered up front; there is
// nothing to create at record time, so the per-tick path is allocation-free
// apart from the rank label lookup.
type PromRecorder struct {
	reg *prom.Registry

	tickLatency    prom.Histogram
	slicesReceived prom.Gauge
	slicesExpected prom.Gauge
	missRatio      prom.Gauge
	bpLevel        prom.Gauge
	stride         prom.Gauge
	overruns       *prom.CounterVec
}

// NewPromRecorder registers the instrument set against reg (a private
// registry when nil). The tick-latency buckets bracket the two supported
// tick profiles: sub-10ms healthy ticks up through a full 1s deadline.
func NewPromRecorder(reg *prom.Registry) *PromRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &PromRecorder{
		reg: reg,
		tickLatency: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "traffic_twin", Subsystem: "controller", Name: "tick_latency_seconds",
			Help:    "wall-clock time from tick start through the regulate step",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		slicesReceived: prom.NewGauge(prom.GaugeOpts{
			Namespace: "traffic_twin", Subsystem: "controller", Name: "slices_received",
			Help: "predictor slices gathered in the most recent tick",
		}),
		slicesExpected: prom.NewGauge(prom.GaugeOpts{
			Namespace: "traffic_twin", Subsystem: "controller", Name: "slices_expected",
			Help: "predictor count the gather waits for each tick",
		}),
		missRatio: prom.NewGauge(prom.GaugeOpts{
			Namespace: "traffic_twin", Subsystem: "controller", Name: "miss_ratio",
			Help: "running ratio of incomplete ticks",
		}),
		bpLevel: prom.NewGauge(prom.GaugeOpts{
			Namespace: "traffic_twin", Subsystem: "backpressure", Name: "level",
			Help: "back-pressure level most recently sent or folded (0-3)",
		}),
		stride: prom.NewGauge(prom.GaugeOpts{
			Namespace: "traffic_twin", Subsystem: "backpressure", Name: "stride",
			Help: "thinning stride the aggregator applied to its latest scatter",
		}),
		overruns: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "traffic_twin", Subsystem: "predictor", Name: "overrun_total",
			Help: "slice-budget overruns, by predictor rank",
		}, []string{"rank"}),
	}
	reg.MustRegister(r.tickLatency, r.slicesReceived, r.slicesExpected, r.missRatio, r.bpLevel, r.stride, r.overruns)
	return r
}

func (r *PromRecorder) ObserveTick(latencySeconds float64, slicesReceived, slicesExpected int, missRatio float64, level int) {
	r.tickLatency.Observe(latencySeconds)
	r.slicesReceived.Set(float64(slicesReceived))
	r.slicesExpected.Set(float64(slicesExpected))
	r.missRatio.Set(missRatio)
	r.bpLevel.Set(float64(level))
}

func (r *PromRecorder) ObserveStride(stride, level int) {
	r.stride.Set(float64(stride))
	r.bpLevel.Set(float64(level))
}

func (r *PromRecorder) ObserveOverrun(predictorRank int) {
	r.overruns.WithLabelValues(strconv.Itoa(predictorRank)).Inc()
}

// Handler serves the registry in exposition format, for the -metrics-addr
// endpoint.
func (r *PromRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
