// Package predictor implements the Predictor role: it receives one Features
// slice per tick, scores it against the inference model, and forwards a
// Prediction slice to the Controller, always, even when its slice was
// empty. It watches its own elapsed time against the slice budget and raises
// an advisory back-pressure hint to the Aggregator on overrun.
package predictor

import (
	"fmt"

	"github.com/akrobe/traffic-twin/internal/backpressure"
	"github.com/akrobe/traffic-twin/internal/model"
	"github.com/akrobe/traffic-twin/internal/schema"
	"github.com/akrobe/traffic-twin/internal/timing"
	"github.com/akrobe/traffic-twin/internal/transport"
	"github.com/akrobe/traffic-twin/internal/wire"
)

// Predictor holds one predictor's links and inference model.
type Predictor struct {
	featIn  *transport.FrameInbox // from Aggregator, TagFeat, Features records
	predOut *transport.Link       // to Controller, TagPred, Prediction records
	bpOut   *transport.Link       // to Aggregator, TagBP, bare level

	model       model.Predictor
	clk         timing.Clock
	budgetMS    int64
	overrunHint backpressure.Level
}

func New(featIn *transport.FrameInbox, predOut, bpOut *transport.Link, m model.Predictor, clk timing.Clock, budgetMS int64) *Predictor {
	return &Predictor{
		featIn:      featIn,
		predOut:     predOut,
		bpOut:       bpOut,
		model:       m,
		clk:         clk,
		budgetMS:    budgetMS,
		overrunHint: backpressure.LevelLight,
	}
}

// RunOnce blocks for the next Features slice, scores it, and forwards one
// Predictions frame tagged with the same tick id: always exactly one frame,
// even for an empty slice, so a quiescent predictor never stalls the
// Controller's gather. It reports the tick served and whether the slice
// budget was exceeded; on overrun the advisory level-1 hint goes to the
// Aggregator before the predictions go downstream.
func (p *Predictor) RunOnce() (tick uint32, overran bool, err error) {
	frame, err := p.featIn.Recv()
	if err != nil {
		return 0, false, fmt.Errorf("predictor: recv features: %w", err)
	}
	tick = frame.TickID

	deadline := timing.NewDeadline(p.clk, p.budgetMS)
	feats := unmarshalFeatures(frame)
	preds := p.model.PredictBatch(feats)
	overran = deadline.Expired()

	if overran {
		if err := p.bpOut.SendLevel(int32(p.overrunHint)); err != nil {
			return tick, overran, fmt.Errorf("predictor: send bp hint: %w", err)
		}
	}

	out := marshalPredictions(tick, preds)
	if err := p.predOut.SendFrame(out); err != nil {
		return tick, overran, fmt.Errorf("predictor: send predictions: %w", err)
	}
	return tick, overran, nil
}

func unmarshalFeatures(f wire.TickFrame) []schema.Features {
	out := make([]schema.Features, f.Count)
	for i := range out {
		off := i * schema.FeaturesSize
		out[i] = schema.UnmarshalFeatures(f.Payload[off : off+schema.FeaturesSize])
	}
	return out
}

func marshalPredictions(tickID uint32, preds []schema.Prediction) wire.TickFrame {
	payload := make([]byte, len(preds)*schema.PredictionSize)
	for i, pr := range preds {
		off := i * schema.PredictionSize
		pr.Marshal(payload[off : off+schema.PredictionSize])
	}
	return wire.TickFrame{TickID: tickID, Count: int32(len(preds)), Payload: payload}
}
