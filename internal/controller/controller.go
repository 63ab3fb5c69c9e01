// Package controller implements the Controller role: the pace-setter that
// owns the pipeline's wall-clock schedule. Each tick runs ALIGN -> GATHER ->
// DECIDE -> REGULATE -> HOLD: sleep to the aligned tick start, gather
// predictions non-blockingly until all slices arrive or the tick deadline
// fires, decide phase commands (de-rated when the gather came up short),
// send the next back-pressure level upstream, and hold to the tick boundary
// so cadence stays monotonic even when the pipeline finishes early.
package controller

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/akrobe/traffic-twin/internal/backpressure"
	"github.com/akrobe/traffic-twin/internal/decision"
	"github.com/akrobe/traffic-twin/internal/ids"
	"github.com/akrobe/traffic-twin/internal/schema"
	"github.com/akrobe/traffic-twin/internal/telemetry/logging"
	"github.com/akrobe/traffic-twin/internal/telemetry/metrics"
	"github.com/akrobe/traffic-twin/internal/timing"
	"github.com/akrobe/traffic-twin/internal/transport"
	"github.com/akrobe/traffic-twin/internal/wire"
)

// HotspotSentinel is printed as the top junction when a tick's working set is
// empty.
const HotspotSentinel = 9999

// Config bundles the Controller's tick-cadence and budget parameters.
type Config struct {
	TickMS         int64
	BudgetCtrlMS   int64 // advisory DECIDE+REGULATE budget; overruns are logged, not fatal
	StartupSlackMS int64
	TotalTicks     int
}

// Controller is the tick engine.
type Controller struct {
	topology ids.Topology
	predIn   []*transport.FrameInbox // one per predictor, TagPred
	bpOut    *transport.Link         // to Aggregator, TagBP

	cfg       Config
	clk       timing.Clock
	regulator *backpressure.Regulator
	policy    *decision.Policy
	log       logging.Logger
	rec       metrics.Recorder
	out       io.Writer // per-tick operational line

	// working set, reused across ticks: cleared, not freed.
	preds []schema.Prediction

	// One parked frame per inbox: a frame polled during tick T but tagged
	// T+k belongs to a later GATHER and must not be lost to this one.
	pending    []wire.TickFrame
	hasPending []bool
}

// New constructs a Controller. topology must already be validated (world>=4
// via ids.NewTopology); the Controller itself does not re-check it, since a
// bad topology would fail to even produce topology.P links to wire up.
func New(topology ids.Topology, predIn []*transport.FrameInbox, bpOut *transport.Link, policy *decision.Policy, clk timing.Clock, cfg Config, log logging.Logger, rec metrics.Recorder) *Controller {
	if log == nil {
		log = logging.New(nil)
	}
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Controller{
		topology:   topology,
		predIn:     predIn,
		bpOut:      bpOut,
		cfg:        cfg,
		clk:        clk,
		regulator:  backpressure.NewRegulator(),
		policy:     policy,
		log:        log,
		rec:        rec,
		out:        os.Stdout,
		preds:      make([]schema.Prediction, 0, 64),
		pending:    make([]wire.TickFrame, len(predIn)),
		hasPending: make([]bool, len(predIn)),
	}
}

// SetOutput redirects the per-tick operational line (stdout by default).
func (c *Controller) SetOutput(w io.Writer) { c.out = w }

// Run drives cfg.TotalTicks ticks or stops early when ctx is cancelled. The
// first tick is scheduled at baseline + startup slack so peers reach their
// receive loops before the pipeline starts; every later tick starts at
// first + t*tick period with no catch-up for slipped ticks.
func (c *Controller) Run(ctx context.Context) error {
	first := timing.NowMS(c.clk) + c.cfg.StartupSlackMS
	for tick := 0; tick < c.cfg.TotalTicks; tick++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		start := first + int64(tick)*c.cfg.TickMS
		end := start + c.cfg.TickMS
		timing.SleepUntilMS(c.clk, start) // ALIGN

		received, complete := c.gather(uint32(tick), end)

		decideStart := timing.NowMS(c.clk)
		cmds := c.policy.Decide(c.preds, complete)
		level, missRatio := c.regulator.Observe(complete)
		if err := c.bpOut.SendLevel(int32(level)); err != nil {
			return fmt.Errorf("controller: send bp level: %w", err)
		}
		if spent := timing.NowMS(c.clk) - decideStart; spent > c.cfg.BudgetCtrlMS {
			c.log.WarnCtx(ctx, "decide budget exceeded", "tick", tick, "spent_ms", spent, "budget_ms", c.cfg.BudgetCtrlMS)
		}

		latency := timing.NowMS(c.clk) - start
		c.report(ctx, tick, received, complete, level, missRatio, latency, cmds)

		timing.SleepUntilMS(c.clk, end) // HOLD
	}
	return nil
}

// gather runs the deadline-bounded GATHER loop: it polls every predictor
// inbox in round-robin order, appending each matching frame's predictions to
// the tick's working set, until every slice has arrived or the clock reaches
// endMS. Frames tagged with an older tick id are
// leftovers from a predictor that ran past a previous deadline and are
// dropped; a frame tagged with a later tick id is parked for the GATHER it
// belongs to. An inbox that has already contributed is left alone so its
// next tick's frame is never consumed early.
func (c *Controller) gather(tick uint32, endMS int64) (received int, complete bool) {
	n := len(c.predIn)
	done := make([]bool, n)
	remaining := n
	c.preds = c.preds[:0]

	transport.PollUntil(c.clk, endMS, func() bool {
		for i, inbox := range c.predIn {
			if done[i] {
				continue
			}
			var f wire.TickFrame
			var ok bool
			if c.hasPending[i] {
				f, ok = c.pending[i], true
				c.hasPending[i] = false
				c.pending[i] = wire.TickFrame{}
			} else {
				f, ok = inbox.TryRecv()
			}
			if !ok {
				continue
			}
			switch {
			case f.TickID == tick:
				done[i] = true
				remaining--
				c.preds = appendPredictions(c.preds, f)
			case f.TickID > tick:
				// Frames per link arrive in tick order: this predictor has
				// already moved past the active tick. Park the frame.
				c.pending[i] = f
				c.hasPending[i] = true
			default:
				// Stale frame from a prior overrun; drop and keep polling.
			}
		}
		return remaining == 0
	})

	received = n - remaining
	return received, remaining == 0
}

func appendPredictions(dst []schema.Prediction, f wire.TickFrame) []schema.Prediction {
	for i := 0; i < int(f.Count); i++ {
		off := i * schema.PredictionSize
		dst = append(dst, schema.UnmarshalPrediction(f.Payload[off:off+schema.PredictionSize]))
	}
	return dst
}

// report emits the stable per-tick operational line and mirrors it as a
// structured log record plus metrics.
func (c *Controller) report(ctx context.Context, tick, received int, complete bool, level backpressure.Level, missRatio float64, latencyMS int64, cmds []schema.PhaseCmd) {
	top := HotspotSentinel
	if j, _, ok := topHotspot(c.preds); ok {
		top = int(j)
	}
	fmt.Fprintf(c.out, "tick %d slices %d/%d preds %d top %d missratio %.2f lat %dms\n",
		tick, received, c.topology.P, len(c.preds), top, missRatio, latencyMS)

	c.log.InfoCtx(ctx, "tick",
		"tick", tick,
		"received", received,
		"predictors", c.topology.P,
		"complete", complete,
		"preds", len(c.preds),
		"top_junction", top,
		"miss_ratio", missRatio,
		"bp_level", int(level),
		"cmds", len(cmds),
		"latency_ms", latencyMS,
	)

	c.rec.ObserveTick(float64(latencyMS)/1000.0, received, c.topology.P, missRatio, int(level))
}

// Misses exposes the regulator's running incomplete-tick count.
func (c *Controller) Misses() uint64 { return c.regulator.Misses() }

// topHotspot returns the junction with the single highest congestion score
// this tick, by a straight linear max.
func topHotspot(preds []schema.Prediction) (junction uint16, score float32, ok bool) {
	if len(preds) == 0 {
		return 0, 0, false
	}
	best := preds[0]
	for _, p := range preds[1:] {
		if p.Congestion60s > best.Congestion60s {
			best = p
		}
	}
	return best.Junction, best.Congestion60s, true
}
