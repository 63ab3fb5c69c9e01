// Package ingestor implements the synthetic sample generator role: a seeded
// PRNG emitting one SensorSample per junction*lane per tick, one batch on
// each tick boundary.
package ingestor

import (
	"math/rand"

	"github.com/akrobe/traffic-twin/internal/schema"
)

// Config sizes the synthetic city.
type Config struct {
	Junctions int
	LanesPer  int
}

// Generator produces one tick's worth of synthetic SensorSamples.
type Generator struct {
	cfg Config
	rng *rand.Rand
}

func New(cfg Config, seed int64) *Generator {
	return &Generator{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Generate emits exactly junctions*lanesPer samples stamped with tickMS.
func (g *Generator) Generate(tickMS uint32) []schema.SensorSample {
	out := make([]schema.SensorSample, 0, g.cfg.Junctions*g.cfg.LanesPer)
	for j := 0; j < g.cfg.Junctions; j++ {
		for l := 0; l < g.cfg.LanesPer; l++ {
			out = append(out, schema.SensorSample{
				TsMS:     tickMS,
				Junction: uint16(j),
				Lane:     uint16(l),
				QLen:     uint16(g.rng.Intn(40)),
				Arrivals: uint16(g.rng.Intn(120)),
				AvgSpeed: uint16(150 + g.rng.Intn(400)),
			})
		}
	}
	return out
}
