// Package aggregator implements the Aggregator role: it receives raw
// samples from the Ingestor, maps them into per-junction Features, thins the
// result according to the current back-pressure stride, partitions what's
// left into P contiguous slices, and scatters one slice per Predictor: one
// FEAT frame per predictor per tick, even when the slice is empty.
package aggregator

import (
	"fmt"

	"github.com/akrobe/traffic-twin/internal/backpressure"
	"github.com/akrobe/traffic-twin/internal/featuremap"
	"github.com/akrobe/traffic-twin/internal/schema"
	"github.com/akrobe/traffic-twin/internal/transport"
	"github.com/akrobe/traffic-twin/internal/wire"
)

// Aggregator holds the links and state needed to run one tick of the
// scatter/thin stage.
type Aggregator struct {
	samplesIn *transport.FrameInbox // from Ingestor, TagFeat, SensorSample records
	featOut   []*transport.Link     // to each predictor, TagFeat, Features records
	bpIn      []*transport.LevelInbox

	mapper *featuremap.Mapper
	fold   *backpressure.Fold
}

// New wires an Aggregator. bpIn carries every source of back-pressure level
// this Aggregator must fold: one link per predictor's overrun hint plus the
// Controller's regulation level.
func New(samplesIn *transport.FrameInbox, featOut []*transport.Link, bpIn []*transport.LevelInbox, mapper *featuremap.Mapper) *Aggregator {
	return &Aggregator{samplesIn: samplesIn, featOut: featOut, bpIn: bpIn, mapper: mapper, fold: &backpressure.Fold{}}
}

// RunOnce drains the back-pressure inbox, blocks for the Ingestor's next
// sample frame, maps and thins it, and scatters one slice per predictor.
// The Aggregator holds no tick counter of its own; it is fully driven by
// its inputs and adopts the inbound frame's tick id. It returns that tick
// id, the stride used, and the folded level observed.
func (a *Aggregator) RunOnce() (tick uint32, stride int, level backpressure.Level, err error) {
	a.fold.Reset()
	for _, bp := range a.bpIn {
		for _, lvl := range bp.DrainAll() {
			a.fold.Observe(backpressure.Level(lvl))
		}
	}
	stride = a.fold.Stride()
	level = a.fold.Level()

	frame, err := a.samplesIn.Recv()
	if err != nil {
		return 0, stride, level, fmt.Errorf("aggregator: recv samples: %w", err)
	}
	tick = frame.TickID

	// A sample frame whose count doesn't match junctions*lanes_per yields a
	// nil feature list from the mapper; the tick's contribution degrades to
	// empty slices instead of aborting.
	samples := unmarshalSamples(frame)
	feats := a.mapper.Map(samples)
	thinned := thin(feats, stride)
	slices := partition(thinned, len(a.featOut))

	for i, slice := range slices {
		f := marshalFeatures(tick, slice)
		if err := a.featOut[i].SendFrame(f); err != nil {
			return tick, stride, level, fmt.Errorf("aggregator: send slice %d: %w", i, err)
		}
	}
	return tick, stride, level, nil
}

func unmarshalSamples(f wire.TickFrame) []schema.SensorSample {
	out := make([]schema.SensorSample, f.Count)
	for i := range out {
		off := i * schema.SensorSampleSize
		out[i] = schema.UnmarshalSensorSample(f.Payload[off : off+schema.SensorSampleSize])
	}
	return out
}

func marshalFeatures(tickID uint32, feats []schema.Features) wire.TickFrame {
	payload := make([]byte, len(feats)*schema.FeaturesSize)
	for i, ft := range feats {
		off := i * schema.FeaturesSize
		ft.Marshal(payload[off : off+schema.FeaturesSize])
	}
	return wire.TickFrame{TickID: tickID, Count: int32(len(feats)), Payload: payload}
}

// thin keeps every stride-th entry by index, preserving order. stride<=1 is
// a no-op (no back-pressure).
func thin(feats []schema.Features, stride int) []schema.Features {
	if stride <= 1 {
		return feats
	}
	out := make([]schema.Features, 0, (len(feats)+stride-1)/stride)
	for i, f := range feats {
		if i%stride == 0 {
			out = append(out, f)
		}
	}
	return out
}

// partition splits feats into exactly p contiguous, order-preserving slices:
// slice i gets floor(n/p) entries and the last slice absorbs the remainder.
// When n < p the first n slices get one entry each and the rest stay empty;
// empty frames are still scattered so quiescent predictors never stall the
// gather.
func partition(feats []schema.Features, p int) [][]schema.Features {
	out := make([][]schema.Features, p)
	n := len(feats)
	if p <= 0 {
		return out
	}
	if n < p {
		for i := 0; i < n; i++ {
			out[i] = feats[i : i+1]
		}
		return out
	}
	per := n / p
	for i := 0; i < p-1; i++ {
		out[i] = feats[i*per : (i+1)*per]
	}
	out[p-1] = feats[(p-1)*per:]
	return out
}
