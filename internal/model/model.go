// Package model implements the Predictor's inference collaborator: a tiny
// logistic congestion model over the first six Features slots. This is the
// CPU reference path; an accelerator-backed implementation of the same
// interface could be substituted without touching the orchestration.
package model

import (
	"math"

	"github.com/akrobe/traffic-twin/internal/schema"
)

const numFeatures = 6

var weights = [numFeatures]float32{0.06, 0.04, -0.05, 0.08, 0.02, 0.02}

const bias = float32(0.1)

// Predictor scores congestion_60s for a batch of Features.
type Predictor interface {
	PredictBatch(feats []schema.Features) []schema.Prediction
}

// Linear is the CPU reference implementation.
type Linear struct{}

func (Linear) PredictBatch(feats []schema.Features) []schema.Prediction {
	out := make([]schema.Prediction, len(feats))
	for i, f := range feats {
		z := bias
		for j := 0; j < numFeatures; j++ {
			z += f.F[j] * weights[j]
		}
		y := float32(1.0 / (1.0 + math.Exp(-float64(z))))
		if y < 0 {
			y = 0
		} else if y > 1 {
			y = 1
		}
		out[i] = schema.Prediction{TsMS: f.TsMS, Junction: f.Junction, Congestion60s: y}
	}
	return out
}
