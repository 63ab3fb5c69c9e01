// Package decision implements the Controller's pluggable phase-adjustment
// policy: it turns a tick's predictions into PhaseCmds, de-rating the
// adjustment when the tick is incomplete.
package decision

import (
	"math"
	"sync"

	"github.com/akrobe/traffic-twin/internal/schema"
)

// Config holds the policy's tunables.
type Config struct {
	MaxDeltaPerTick    uint8 // absolute cap for per-tick change, seconds
	HeuristicDeratePct uint8 // 0..100, scale applied when predictions are incomplete
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{MaxDeltaPerTick: 6, HeuristicDeratePct: 50}
}

// Policy converts predictions into phase commands. Its tunables can be
// swapped at runtime (the config hot-reloader's target), so reads go through
// a lock.
type Policy struct {
	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config) *Policy { return &Policy{cfg: cfg} }

// Update replaces the policy tunables; in-flight Decide calls finish with
// the old values.
func (p *Policy) Update(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

// Decide computes one PhaseCmd per prediction, preserving input order.
// complete=true yields full-strength MODEL-reason commands; complete=false
// de-rates the delta and tags the reason HEUR.
func (p *Policy) Decide(preds []schema.Prediction, complete bool) []schema.PhaseCmd {
	p.mu.RLock()
	cfg := p.cfg
	p.mu.RUnlock()

	out := make([]schema.PhaseCmd, 0, len(preds))

	derate := 100
	reason := schema.ReasonModel
	if !complete {
		derate = clampInt(int(cfg.HeuristicDeratePct), 0, 100)
		reason = schema.ReasonHeur
	}

	for _, pr := range preds {
		raw := congestionToDelta(pr.Congestion60s, int(cfg.MaxDeltaPerTick))
		raw = (raw * derate) / 100
		raw = clampInt(raw, -int(cfg.MaxDeltaPerTick), int(cfg.MaxDeltaPerTick))

		phase := nextPhaseForDelta(pr.Junction, raw)
		deltaSec := clampAbsU8(raw, int(cfg.MaxDeltaPerTick))

		out = append(out, schema.PhaseCmd{
			TsMS:     pr.TsMS,
			Junction: pr.Junction,
			PhaseID:  phase,
			DeltaSec: deltaSec,
			Reason:   reason,
		})
	}
	return out
}

func congestionToDelta(c01 float32, maxDelta int) int {
	if c01 < 0 {
		c01 = 0
	} else if c01 > 1 {
		c01 = 1
	}
	scaled := float64(c01) * float64(maxDelta)
	return int(math.Round(scaled))
}

func nextPhaseForDelta(junction uint16, delta int) uint8 {
	phase := uint8(junction % 4)
	if delta > 0 {
		phase = (phase + 1) % 4
	}
	return phase
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampAbsU8(v, max int) uint8 {
	a := v
	if a < 0 {
		a = -a
	}
	if max < 0 {
		max = 0
	}
	if a > max {
		a = max
	}
	return uint8(a)
}
