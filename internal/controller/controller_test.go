package controller

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/akrobe/traffic-twin/internal/decision"
	"github.com/akrobe/traffic-twin/internal/ids"
	"github.com/akrobe/traffic-twin/internal/schema"
	"github.com/akrobe/traffic-twin/internal/timing"
	"github.com/akrobe/traffic-twin/internal/transport"
	"github.com/akrobe/traffic-twin/internal/wire"
)

type rig struct {
	c      *Controller
	predTx []*transport.Link
	bpRx   *transport.LevelInbox
	out    *bytes.Buffer
}

func newRig(t *testing.T, world int, clk timing.Clock, cfg Config) *rig {
	t.Helper()
	topo, err := ids.NewTopology(world)
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	predTx := make([]*transport.Link, topo.P)
	predIn := make([]*transport.FrameInbox, topo.P)
	for i := 0; i < topo.P; i++ {
		tx, rx := transport.Pipe(topo.RankPredictor(i), ids.RankController, ids.TagPred, schema.PredictionSize)
		predTx[i] = tx
		predIn[i] = transport.NewFrameInbox(rx)
	}
	bpTx, bpRxLink := transport.Pipe(ids.RankController, topo.RankAggregator(), ids.TagBP, 0)

	c := New(topo, predIn, bpTx, decision.New(decision.DefaultConfig()), clk, cfg, nil, nil)
	out := &bytes.Buffer{}
	c.SetOutput(out)
	return &rig{c: c, predTx: predTx, bpRx: transport.NewLevelInbox(bpRxLink), out: out}
}

func predFrame(tick uint32, scores ...float32) wire.TickFrame {
	payload := make([]byte, len(scores)*schema.PredictionSize)
	for i, s := range scores {
		p := schema.Prediction{TsMS: tick * 1000, Junction: uint16(i), Congestion60s: s}
		p.Marshal(payload[i*schema.PredictionSize:])
	}
	return wire.TickFrame{TickID: tick, Count: int32(len(scores)), Payload: payload}
}

// With no predictor ever replying, every tick is a miss and the cadence is
// still exact: the run ends precisely at first + TotalTicks*TICK_MS.
func TestCadenceAndMissCountingUnderTotalLoss(t *testing.T) {
	clk := timing.NewFakeClock(time.UnixMilli(0))
	r := newRig(t, 4, clk, Config{TickMS: 1000, BudgetCtrlMS: 150, StartupSlackMS: 250, TotalTicks: 3})

	if err := r.c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := timing.NowMS(clk); got != 250+3*1000 {
		t.Fatalf("cadence violated: clock at %d, want 3250", got)
	}
	if r.c.Misses() != 3 {
		t.Fatalf("expected 3 misses, got %d", r.c.Misses())
	}
	lines := strings.Split(strings.TrimSpace(r.out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 tick lines, got %d", len(lines))
	}
	for _, line := range lines {
		if !strings.Contains(line, "slices 0/1") || !strings.Contains(line, "top 9999") {
			t.Fatalf("bad tick line: %q", line)
		}
	}
	// 3 incomplete ticks: r grows 1/1, 2/2, 3/3 > 0.20 each time -> level 3.
	// The inbox reader buffers the last level asynchronously after Run's
	// final send returns, so drain until all three arrive or time runs out.
	var levels []int32
	for waitUntil := time.Now().Add(time.Second); len(levels) < 3 && time.Now().Before(waitUntil); {
		levels = append(levels, r.bpRx.DrainAll()...)
		time.Sleep(time.Millisecond)
	}
	if len(levels) != 3 {
		t.Fatalf("expected 3 bp sends, got %v", levels)
	}
	for i, lvl := range levels {
		if lvl != 3 {
			t.Fatalf("tick %d: expected level 3, got %d", i, lvl)
		}
	}
}

// Healthy steady state: every slice arrives each tick, misses stays 0, the
// level sent is always 0, and the tick line reports the full gather.
func TestHealthySteadyState(t *testing.T) {
	clk := timing.RealClock{}
	r := newRig(t, 5, clk, Config{TickMS: 60, BudgetCtrlMS: 30, StartupSlackMS: 20, TotalTicks: 3})

	// Pre-send every tick's frames, one sender goroutine per link so writes
	// stay serialized; inboxes buffer them and the gather matches them to
	// ticks by id.
	for i, tx := range r.predTx {
		go func(i int, l *transport.Link) {
			for tick := uint32(0); tick < 3; tick++ {
				_ = l.SendFrame(predFrame(tick, 0.1*float32(i+1), 0.9))
			}
		}(i, tx)
	}

	if err := r.c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if r.c.Misses() != 0 {
		t.Fatalf("expected 0 misses, got %d", r.c.Misses())
	}
	for _, line := range strings.Split(strings.TrimSpace(r.out.String()), "\n") {
		if !strings.Contains(line, "slices 2/2") || !strings.Contains(line, "preds 4") {
			t.Fatalf("bad tick line: %q", line)
		}
	}
	for _, lvl := range r.bpRx.DrainAll() {
		if lvl != 0 {
			t.Fatalf("healthy ticks must send level 0, got %d", lvl)
		}
	}
}

// A frame tagged with a foreign tick id must not count toward completion.
func TestGatherDiscardsForeignTickFrames(t *testing.T) {
	clk := timing.RealClock{}
	r := newRig(t, 4, clk, Config{TickMS: 50, BudgetCtrlMS: 25, StartupSlackMS: 10, TotalTicks: 1})

	go func() { _ = r.predTx[0].SendFrame(predFrame(99, 0.5)) }()

	if err := r.c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if r.c.Misses() != 1 {
		t.Fatalf("stale frame counted toward completion: misses=%d", r.c.Misses())
	}
	if !strings.Contains(r.out.String(), "slices 0/1") {
		t.Fatalf("tick line: %q", r.out.String())
	}
}

// One lost tick then recovery: the miss raises the level, the next complete
// tick drops it straight back to 0.
func TestRecoveryAfterSingleMiss(t *testing.T) {
	clk := timing.RealClock{}
	r := newRig(t, 4, clk, Config{TickMS: 60, BudgetCtrlMS: 30, StartupSlackMS: 20, TotalTicks: 2})

	// Nothing for tick 0; tick 1 arrives on time.
	go func() { _ = r.predTx[0].SendFrame(predFrame(1, 0.7)) }()

	if err := r.c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if r.c.Misses() != 1 {
		t.Fatalf("expected exactly 1 miss, got %d", r.c.Misses())
	}
	levels := r.bpRx.DrainAll()
	if len(levels) != 2 {
		t.Fatalf("expected 2 bp sends, got %v", levels)
	}
	// tick 0: miss with r=1/1 -> 3; tick 1: complete -> 0.
	if levels[0] != 3 || levels[1] != 0 {
		t.Fatalf("level sequence: expected [3 0], got %v", levels)
	}
}

func TestTopHotspot(t *testing.T) {
	if _, _, ok := topHotspot(nil); ok {
		t.Fatal("empty working set has no hotspot")
	}
	preds := []schema.Prediction{
		{Junction: 2, Congestion60s: 0.3},
		{Junction: 7, Congestion60s: 0.9},
		{Junction: 5, Congestion60s: 0.6},
	}
	j, score, ok := topHotspot(preds)
	if !ok || j != 7 || score != 0.9 {
		t.Fatalf("expected junction 7 @0.9, got %d @%f", j, score)
	}
}
