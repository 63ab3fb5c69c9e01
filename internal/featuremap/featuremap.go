// Package featuremap implements the Aggregator's map-step collaborator: it
// folds per-lane SensorSamples into a per-junction Features vector, carrying
// a per-junction EWMA of queue length across ticks.
package featuremap

import (
	"math"

	"github.com/akrobe/traffic-twin/internal/schema"
)

const (
	alpha     = 0.15 // EWMA smoothing factor
	secPerDay = 86400
	twoPi     = 2 * math.Pi
)

// Mapper accumulates per-junction EWMA state across ticks. The EWMA array is
// the only state the feature stage carries across tick boundaries.
type Mapper struct {
	junctions int
	lanesPer  int
	emaQ      []float32
}

// New returns a Mapper sized for junctions*lanesPer samples per tick.
func New(junctions, lanesPer int) *Mapper {
	return &Mapper{junctions: junctions, lanesPer: lanesPer, emaQ: make([]float32, junctions)}
}

// Map folds one tick's samples (expected length junctions*lanesPer, laid out
// contiguously lane-major within junction) into one Features record per
// junction. Feature layout: [mean_qlen, mean_arrivals/10, mean_speed/10,
// ewma_qlen, sin(time_of_day), cos(time_of_day), 0, ..., 0].
func (m *Mapper) Map(samples []schema.SensorSample) []schema.Features {
	expected := m.junctions * m.lanesPer
	if len(samples) != expected {
		return nil
	}
	out := make([]schema.Features, m.junctions)
	for j := 0; j < m.junctions; j++ {
		base := j * m.lanesPer
		var sumQ, sumA, sumV float64
		for l := 0; l < m.lanesPer; l++ {
			s := samples[base+l]
			sumQ += float64(s.QLen)
			sumA += float64(s.Arrivals)
			sumV += float64(s.AvgSpeed)
		}
		cnt := float64(m.lanesPer)
		mq := float32(sumQ / cnt)
		ma := float32((sumA / cnt) / 10.0)
		mv := float32((sumV / cnt) / 10.0)

		m.emaQ[j] = float32(alpha)*mq + (1-float32(alpha))*m.emaQ[j]

		tsMS := samples[base].TsMS
		sec := int(tsMS/1000) % secPerDay
		ang := twoPi * float64(sec) / float64(secPerDay)

		f := schema.Features{TsMS: tsMS, Junction: uint16(j)}
		f.F[0] = mq
		f.F[1] = ma
		f.F[2] = mv
		f.F[3] = m.emaQ[j]
		f.F[4] = float32(math.Sin(ang))
		f.F[5] = float32(math.Cos(ang))
		out[j] = f
	}
	return out
}
