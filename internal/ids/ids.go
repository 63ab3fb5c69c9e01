// Package ids defines the fixed message tags and role/rank arithmetic shared
// by every peer in the pipeline. Ranks are assigned by position, not
// negotiated: Controller = 0, Predictors = 1..P, Aggregator = P+1,
// Ingestor = P+2.
package ids

import "fmt"

// Tag partitions the logical channels carried over the transport fabric.
type Tag uint8

const (
	TagFeat Tag = 10 // samples scatter, features scatter
	TagPred Tag = 11 // predictions gather
	TagBP   Tag = 12 // back-pressure / control hints
	TagCtrl Tag = 13 // reserved
)

func (t Tag) String() string {
	switch t {
	case TagFeat:
		return "FEAT"
	case TagPred:
		return "PRED"
	case TagBP:
		return "BP"
	case TagCtrl:
		return "CTRL"
	default:
		return fmt.Sprintf("TAG(%d)", uint8(t))
	}
}

// Role is a peer's position in the pipeline topology.
type Role int

const (
	RoleController Role = iota
	RolePredictor
	RoleAggregator
	RoleIngestor
)

func (r Role) String() string {
	switch r {
	case RoleController:
		return "controller"
	case RolePredictor:
		return "predictor"
	case RoleAggregator:
		return "aggregator"
	case RoleIngestor:
		return "ingestor"
	default:
		return "unknown"
	}
}

// Topology derives the rank layout from a world size. Minimum deployment is
// four peers: Controller, at least one Predictor, Aggregator, Ingestor.
type Topology struct {
	World int
	P     int // predictor count
}

// ErrTooFewPeers is returned by NewTopology when world < 4.
var ErrTooFewPeers = fmt.Errorf("ids: need at least 4 peers (controller, >=1 predictor, aggregator, ingestor)")

// NewTopology validates world and derives the predictor count.
func NewTopology(world int) (Topology, error) {
	if world < 4 {
		return Topology{}, ErrTooFewPeers
	}
	return Topology{World: world, P: world - 3}, nil
}

const (
	RankController = 0
)

// RankAggregator returns the Aggregator's rank for this topology.
func (t Topology) RankAggregator() int { return t.P + 1 }

// RankIngestor returns the Ingestor's rank for this topology.
func (t Topology) RankIngestor() int { return t.P + 2 }

// RankPredictor returns the rank of predictor index i (0-based, i in [0,P)).
func (t Topology) RankPredictor(i int) int { return 1 + i }

// RoleOf classifies a rank under this topology.
func (t Topology) RoleOf(rank int) Role {
	switch {
	case rank == RankController:
		return RoleController
	case rank == t.RankAggregator():
		return RoleAggregator
	case rank == t.RankIngestor():
		return RoleIngestor
	case rank >= 1 && rank <= t.P:
		return RolePredictor
	default:
		return Role(-1)
	}
}
