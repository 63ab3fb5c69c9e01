package metrics

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// OTelRecorder bridges the instrument set onto an OpenTelemetry meter. It
// owns its SDK MeterProvider; callers that want an exporter pass readers via
// opts, and Shutdown flushes whatever was configured.
type OTelRecorder struct {
	provider *sdkmetric.MeterProvider

	tickLatency    metric.Float64Histogram
	slicesReceived metric.Int64Gauge
	slicesExpected metric.Int64Gauge
	missRatio      metric.Float64Gauge
	bpLevel        metric.Int64Gauge
	stride         metric.Int64Gauge
	overruns       metric.Int64Counter
}

// NewOTelRecorder builds the instrument set on a fresh meter. Instrument
// creation cannot fail for these fixed names, but errors are still surfaced
// rather than swallowed so a misconfigured SDK shows up at startup.
func NewOTelRecorder(opts ...sdkmetric.Option) (*OTelRecorder, error) {
	mp := sdkmetric.NewMeterProvider(opts...)
	meter := mp.Meter("traffic-twin")
	r := &OTelRecorder{provider: mp}

	var err error
	if r.tickLatency, err = meter.Float64Histogram("traffic_twin.controller.tick_latency",
		metric.WithUnit("s"), metric.WithDescription("wall-clock time from tick start through the regulate step")); err != nil {
		return nil, err
	}
	if r.slicesReceived, err = meter.Int64Gauge("traffic_twin.controller.slices_received",
		metric.WithDescription("predictor slices gathered in the most recent tick")); err != nil {
		return nil, err
	}
	if r.slicesExpected, err = meter.Int64Gauge("traffic_twin.controller.slices_expected",
		metric.WithDescription("predictor count the gather waits for each tick")); err != nil {
		return nil, err
	}
	if r.missRatio, err = meter.Float64Gauge("traffic_twin.controller.miss_ratio",
		metric.WithDescription("running ratio of incomplete ticks")); err != nil {
		return nil, err
	}
	if r.bpLevel, err = meter.Int64Gauge("traffic_twin.backpressure.level",
		metric.WithDescription("back-pressure level most recently sent or folded (0-3)")); err != nil {
		return nil, err
	}
	if r.stride, err = meter.Int64Gauge("traffic_twin.backpressure.stride",
		metric.WithDescription("thinning stride the aggregator applied to its latest scatter")); err != nil {
		return nil, err
	}
	if r.overruns, err = meter.Int64Counter("traffic_twin.predictor.overruns",
		metric.WithDescription("slice-budget overruns, by predictor rank")); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *OTelRecorder) ObserveTick(latencySeconds float64, slicesReceived, slicesExpected int, missRatio float64, level int) {
	ctx := context.Background()
	r.tickLatency.Record(ctx, latencySeconds)
	r.slicesReceived.Record(ctx, int64(slicesReceived))
	r.slicesExpected.Record(ctx, int64(slicesExpected))
	r.missRatio.Record(ctx, missRatio)
	r.bpLevel.Record(ctx, int64(level))
}

func (r *OTelRecorder) ObserveStride(stride, level int) {
	ctx := context.Background()
	r.stride.Record(ctx, int64(stride))
	r.bpLevel.Record(ctx, int64(level))
}

func (r *OTelRecorder) ObserveOverrun(predictorRank int) {
	r.overruns.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("rank", strconv.Itoa(predictorRank))))
}

// Shutdown flushes and stops the underlying provider.
func (r *OTelRecorder) Shutdown(ctx context.Context) error {
	return r.provider.Shutdown(ctx)
}
