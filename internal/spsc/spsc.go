// Package spsc implements the single-host pipeline variant: four goroutines
// connected by three lock-free SPSC rings instead of a transport fabric.
// There is exactly one predictor thread (no slicing, no explicit
// back-pressure signal), so pacing is implicit in ring occupancy: a
// producer backs off when its downstream ring is full, a consumer backs off
// when its upstream ring is empty.
package spsc

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/akrobe/traffic-twin/internal/backpressure"
	"github.com/akrobe/traffic-twin/internal/decision"
	"github.com/akrobe/traffic-twin/internal/featuremap"
	"github.com/akrobe/traffic-twin/internal/ingestor"
	"github.com/akrobe/traffic-twin/internal/model"
	"github.com/akrobe/traffic-twin/internal/ring"
	"github.com/akrobe/traffic-twin/internal/schema"
	"github.com/akrobe/traffic-twin/internal/timing"
)

type samplesBatch struct {
	tickID  uint32
	samples []schema.SensorSample
}

type featuresBatch struct {
	tickID uint32
	feats  []schema.Features
}

type predictionsBatch struct {
	tickID uint32
	preds  []schema.Prediction
}

// Config bundles the parameters an all-in-one-process run needs.
type Config struct {
	TickMS       int64
	TotalTicks   int
	RingCapacity int // per-stage ring capacity; rounded up to a power of two
}

// TickObserver is invoked once per tick at the controller stage with the
// tick's outcome, letting callers wire logging/metrics without spsc
// depending on those packages directly.
type TickObserver func(tick uint32, complete bool, missRatio float64, latencyMS int64, preds []schema.Prediction, cmds []schema.PhaseCmd)

// Pipeline runs the four-stage SPSC pipeline in-process.
type Pipeline struct {
	cfg       Config
	clk       timing.Clock
	gen       *ingestor.Generator
	mapper    *featuremap.Mapper
	predictor model.Predictor
	policy    *decision.Policy
	observe   TickObserver
	regulator *backpressure.Regulator

	samplesRing     *ring.Ring[samplesBatch]
	featuresRing    *ring.Ring[featuresBatch]
	predictionsRing *ring.Ring[predictionsBatch]
}

func New(cfg Config, clk timing.Clock, gen *ingestor.Generator, mapper *featuremap.Mapper, pred model.Predictor, policy *decision.Policy, observe TickObserver) *Pipeline {
	cap := cfg.RingCapacity
	if cap <= 0 {
		cap = 8
	}
	return &Pipeline{
		cfg:             cfg,
		clk:             clk,
		gen:             gen,
		mapper:          mapper,
		predictor:       pred,
		policy:          policy,
		observe:         observe,
		regulator:       backpressure.NewRegulator(),
		samplesRing:     ring.New[samplesBatch](cap),
		featuresRing:    ring.New[featuresBatch](cap),
		predictionsRing: ring.New[predictionsBatch](cap),
	}
}

// Run starts the four stage goroutines and blocks until cfg.TotalTicks ticks
// have flowed through the controller stage, or ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.runIngestor(ctx) })
	g.Go(func() error { return p.runAggregator(ctx) })
	g.Go(func() error { return p.runPredictor(ctx) })
	g.Go(func() error { return p.runController(ctx) })
	return g.Wait()
}

// pushWait retries a full ring with a short producer back-off.
func pushWait[T any](ctx context.Context, clk timing.Clock, r *ring.Ring[T], v T) error {
	for !r.Push(v) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			clk.Sleep(timing.PollInterval)
		}
	}
	return nil
}

// popWait retries an empty ring with a short consumer back-off.
func popWait[T any](ctx context.Context, clk timing.Clock, r *ring.Ring[T]) (T, error) {
	for {
		v, ok := r.Pop()
		if ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		default:
			clk.Sleep(timing.PollInterval)
		}
	}
}

// runIngestor produces one sample batch per tick id. It is not wall-clock
// paced in this variant: ring occupancy is the pacing signal, so a full
// downstream ring is what slows it down.
func (p *Pipeline) runIngestor(ctx context.Context) error {
	for tick := uint32(0); int(tick) < p.cfg.TotalTicks; tick++ {
		batch := samplesBatch{tickID: tick, samples: p.gen.Generate(uint32(timing.NowMS(p.clk)))}
		if err := pushWait(ctx, p.clk, p.samplesRing, batch); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runAggregator(ctx context.Context) error {
	for done := 0; done < p.cfg.TotalTicks; done++ {
		sb, err := popWait(ctx, p.clk, p.samplesRing)
		if err != nil {
			return err
		}
		fb := featuresBatch{tickID: sb.tickID, feats: p.mapper.Map(sb.samples)}
		if err := pushWait(ctx, p.clk, p.featuresRing, fb); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runPredictor(ctx context.Context) error {
	for done := 0; done < p.cfg.TotalTicks; done++ {
		fb, err := popWait(ctx, p.clk, p.featuresRing)
		if err != nil {
			return err
		}
		pb := predictionsBatch{tickID: fb.tickID, preds: p.predictor.PredictBatch(fb.feats)}
		if err := pushWait(ctx, p.clk, p.predictionsRing, pb); err != nil {
			return err
		}
	}
	return nil
}

// runController keeps the same aligned tick cadence as the distributed
// Controller, popping this tick's predictions until the tick deadline.
// Batches flow through the rings in tick order, so anything older than the
// active tick is a leftover from a missed deadline and is discarded.
func (p *Pipeline) runController(ctx context.Context) error {
	first := timing.NowMS(p.clk)
	for tick := uint32(0); int(tick) < p.cfg.TotalTicks; tick++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		start := first + int64(tick)*p.cfg.TickMS
		end := start + p.cfg.TickMS
		timing.SleepUntilMS(p.clk, start)

		var preds []schema.Prediction
		complete := false
		for {
			pb, ok := p.predictionsRing.Pop()
			if ok {
				if pb.tickID == tick {
					preds = pb.preds
					complete = true
					break
				}
				continue // stale batch from a slipped tick
			}
			if timing.NowMS(p.clk) >= end {
				break
			}
			p.clk.Sleep(timing.PollInterval)
		}

		cmds := p.policy.Decide(preds, complete)
		_, missRatio := p.regulator.Observe(complete)
		if p.observe != nil {
			p.observe(tick, complete, missRatio, timing.NowMS(p.clk)-start, preds, cmds)
		}

		timing.SleepUntilMS(p.clk, end)
	}
	return nil
}
