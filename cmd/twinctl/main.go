// Command twinctl launches one rank of the traffic-signal decision
// pipeline, either as a real peer in a distributed (TCP) deployment or, in
// spsc mode, as the entire single-host pipeline in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/akrobe/traffic-twin/internal/aggregator"
	"github.com/akrobe/traffic-twin/internal/backpressure"
	"github.com/akrobe/traffic-twin/internal/config"
	"github.com/akrobe/traffic-twin/internal/controller"
	"github.com/akrobe/traffic-twin/internal/decision"
	"github.com/akrobe/traffic-twin/internal/featuremap"
	"github.com/akrobe/traffic-twin/internal/ids"
	"github.com/akrobe/traffic-twin/internal/ingestor"
	"github.com/akrobe/traffic-twin/internal/model"
	"github.com/akrobe/traffic-twin/internal/predictor"
	"github.com/akrobe/traffic-twin/internal/schema"
	"github.com/akrobe/traffic-twin/internal/spsc"
	"github.com/akrobe/traffic-twin/internal/telemetry/logging"
	"github.com/akrobe/traffic-twin/internal/telemetry/metrics"
	"github.com/akrobe/traffic-twin/internal/timing"
	"github.com/akrobe/traffic-twin/internal/transport"
	"github.com/akrobe/traffic-twin/internal/wire"
)

// dialWindowMS bounds how long a dialing peer retries a not-yet-listening
// peer during startup.
const dialWindowMS = 10_000

func main() {
	var (
		mode        string
		rank        int
		world       int
		peersFlag   string
		configPath  string
		profile     string
		seed        int64
		metricsKind string
		metricsAddr string
	)
	flag.StringVar(&mode, "mode", "spsc", "pipeline mode: spsc (single-process demo) or dist (TCP multi-process)")
	flag.IntVar(&rank, "rank", 0, "this process's rank (dist mode only)")
	flag.IntVar(&world, "world", 4, "total peer count: controller + predictors + aggregator + ingestor (dist mode only)")
	flag.StringVar(&peersFlag, "peers", "", "comma-separated rank=host:port listener addresses for every rank that listens (controller, predictors, aggregator); dist mode only")
	flag.StringVar(&configPath, "config", "", "optional YAML file overlaying the default Params; watched for live policy re-tuning")
	flag.StringVar(&profile, "profile", "default", "timing profile: default (1s tick) or tight (250ms tick)")
	flag.Int64Var(&seed, "seed", 1, "PRNG seed for the ingestor's synthetic samples")
	flag.StringVar(&metricsKind, "metrics", "noop", "metrics backend: prom, otel, or noop")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9464", "listen address for the /metrics endpoint (prom backend only)")
	flag.Parse()

	base := config.Defaults()
	if profile == "tight" {
		base = config.TightProfile()
	}
	params, err := base.ApplyEnv()
	if err != nil {
		log.Fatalf("twinctl: %v", err)
	}
	if configPath != "" {
		params, err = config.LoadYAML(params, configPath)
		if err != nil {
			log.Fatalf("twinctl: %v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	instanceID := uuid.NewString()
	slog.Info("starting", "instance_id", instanceID, "mode", mode, "rank", rank)

	rec := buildRecorder(metricsKind, metricsAddr)

	policy := decision.New(decision.Config{MaxDeltaPerTick: params.MaxDeltaPerTick, HeuristicDeratePct: params.HeuristicDerate})
	if configPath != "" {
		startHotReload(ctx, params, configPath, policy)
	}

	switch mode {
	case "spsc":
		err = runSPSC(ctx, params, seed, policy, rec)
	case "dist":
		err = runDist(ctx, params, rank, world, peersFlag, seed, policy, rec)
	default:
		err = fmt.Errorf("unknown -mode %q (want spsc or dist)", mode)
	}
	if err != nil && ctx.Err() == nil {
		log.Fatalf("twinctl: %v", err)
	}
}

func buildRecorder(kind, addr string) metrics.Recorder {
	switch kind {
	case "prom":
		r := metrics.NewPromRecorder(nil)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", r.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				slog.Error("metrics endpoint", "err", err)
			}
		}()
		return r
	case "otel":
		r, err := metrics.NewOTelRecorder()
		if err != nil {
			slog.Error("otel metrics disabled", "err", err)
			return metrics.Noop{}
		}
		return r
	default:
		return metrics.Noop{}
	}
}

// startHotReload re-tunes the decision policy whenever the YAML file is
// rewritten; the cadence and topology fields are fixed at startup.
func startHotReload(ctx context.Context, base config.Params, path string, policy *decision.Policy) {
	hr, err := config.NewHotReloader(base, path)
	if err != nil {
		slog.Error("hot reload disabled", "err", err)
		return
	}
	go func() {
		if err := hr.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("hot reload stopped", "err", err)
		}
	}()
	go func() {
		for {
			select {
			case p := <-hr.Changes:
				policy.Update(decision.Config{MaxDeltaPerTick: p.MaxDeltaPerTick, HeuristicDeratePct: p.HeuristicDerate})
				slog.Info("policy re-tuned", "max_delta", p.MaxDeltaPerTick, "derate_pct", p.HeuristicDerate)
			case err := <-hr.Errors:
				slog.Error("hot reload", "err", err)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func runSPSC(ctx context.Context, params config.Params, seed int64, policy *decision.Policy, rec metrics.Recorder) error {
	clk := timing.RealClock{}
	gen := ingestor.New(ingestor.Config{Junctions: params.Junctions, LanesPer: params.LanesPer}, seed)
	mapper := featuremap.New(params.Junctions, params.LanesPer)

	observe := func(tick uint32, complete bool, missRatio float64, latencyMS int64, preds []schema.Prediction, cmds []schema.PhaseCmd) {
		slog.Info("tick", "tick", tick, "complete", complete, "miss_ratio", missRatio, "preds", len(preds), "cmds", len(cmds), "latency_ms", latencyMS)
		received := 0
		if complete {
			received = 1
		}
		rec.ObserveTick(float64(latencyMS)/1000.0, received, 1, missRatio, 0)
	}

	pipeline := spsc.New(spsc.Config{
		TickMS:     int64(params.TickMS),
		TotalTicks: params.TotalTicks,
	}, clk, gen, mapper, model.Linear{}, policy, observe)

	return pipeline.Run(ctx)
}

// runDist dispatches this process's role. Startup order matters: every rank
// that listens starts its listener before dialing anything, predictors dial
// their outbound links before blocking on the inbound FEAT accept, and the
// Aggregator dials its FEAT fan-out only once every inbound connection is
// up. With dial retries inside the dialWindowMS window this brings the topology up
// regardless of process launch order.
func runDist(ctx context.Context, params config.Params, rank, world int, peersFlag string, seed int64, policy *decision.Policy, rec metrics.Recorder) error {
	topo, err := ids.NewTopology(world)
	if err != nil {
		return err
	}
	peers, err := parsePeers(peersFlag)
	if err != nil {
		return err
	}
	clk := timing.RealClock{}

	switch role := topo.RoleOf(rank); role {
	case ids.RoleController:
		return runController(ctx, topo, peers, params, policy, rec, clk)
	case ids.RolePredictor:
		return runPredictor(ctx, topo, rank-1, peers, params, rec, clk)
	case ids.RoleAggregator:
		return runAggregator(ctx, topo, peers, params, rec, clk)
	case ids.RoleIngestor:
		return runIngestor(ctx, topo, peers, params, seed, clk)
	default:
		return fmt.Errorf("rank %d has no role under world=%d", rank, world)
	}
}

func runController(ctx context.Context, topo ids.Topology, peers map[int]string, params config.Params, policy *decision.Policy, rec metrics.Recorder, clk timing.Clock) error {
	ln, err := transport.Listen(peers[ids.RankController])
	if err != nil {
		return err
	}
	defer ln.Close()

	predIn := make(map[int]*transport.FrameInbox, topo.P)
	for len(predIn) < topo.P {
		conn, peerRank, tag, err := ln.AcceptHandshake()
		if err != nil {
			return err
		}
		if tag != ids.TagPred {
			conn.Close()
			continue
		}
		link := transport.Accept(peerRank, ids.TagPred, conn, schema.PredictionSize)
		predIn[peerRank] = transport.NewFrameInbox(link)
	}
	ordered := make([]*transport.FrameInbox, topo.P)
	for i := 0; i < topo.P; i++ {
		ordered[i] = predIn[topo.RankPredictor(i)]
	}

	bpOut, err := transport.DialHandshakeRetry(clk, dialWindowMS, ids.RankController, topo.RankAggregator(), ids.TagBP, peers[topo.RankAggregator()], 0)
	if err != nil {
		return err
	}
	defer bpOut.Close()

	c := controller.New(topo, ordered, bpOut, policy, clk, controller.Config{
		TickMS:         int64(params.TickMS),
		BudgetCtrlMS:   int64(params.BudgetCtrlMS),
		StartupSlackMS: int64(params.StartupSlackMS),
		TotalTicks:     params.TotalTicks,
	}, logging.New(nil), rec)
	return c.Run(logging.WithPeer(ctx, ids.RoleController, ids.RankController))
}

func runPredictor(ctx context.Context, topo ids.Topology, idx int, peers map[int]string, params config.Params, rec metrics.Recorder, clk timing.Clock) error {
	rank := topo.RankPredictor(idx)
	ln, err := transport.Listen(peers[rank])
	if err != nil {
		return err
	}
	defer ln.Close()

	// Outbound first: the Controller and Aggregator both wait for every
	// predictor's connection before they finish their own wiring.
	predOut, err := transport.DialHandshakeRetry(clk, dialWindowMS, rank, ids.RankController, ids.TagPred, peers[ids.RankController], schema.PredictionSize)
	if err != nil {
		return err
	}
	defer predOut.Close()
	bpOut, err := transport.DialHandshakeRetry(clk, dialWindowMS, rank, topo.RankAggregator(), ids.TagBP, peers[topo.RankAggregator()], 0)
	if err != nil {
		return err
	}
	defer bpOut.Close()

	conn, peerRank, tag, err := ln.AcceptHandshake()
	if err != nil {
		return err
	}
	if tag != ids.TagFeat {
		return fmt.Errorf("predictor %d: expected FEAT handshake, got %s", rank, tag)
	}
	featIn := transport.NewFrameInbox(transport.Accept(peerRank, ids.TagFeat, conn, schema.FeaturesSize))

	p := predictor.New(featIn, predOut, bpOut, model.Linear{}, clk, int64(params.BudgetPredMS))
	for served := 0; served < params.TotalTicks; served++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		tick, overran, err := p.RunOnce()
		if err != nil {
			return err
		}
		if overran {
			rec.ObserveOverrun(rank)
			slog.Warn("predictor overran budget", "rank", rank, "tick", tick, "budget_ms", params.BudgetPredMS)
		}
	}
	return nil
}

func runAggregator(ctx context.Context, topo ids.Topology, peers map[int]string, params config.Params, rec metrics.Recorder, clk timing.Clock) error {
	aggRank := topo.RankAggregator()
	ln, err := transport.Listen(peers[aggRank])
	if err != nil {
		return err
	}
	defer ln.Close()

	// Inbound: one FEAT connection from the Ingestor plus P+1 BP connections
	// (every predictor's advisory hint channel and the Controller's
	// authoritative one).
	var samplesIn *transport.FrameInbox
	bpIn := make([]*transport.LevelInbox, 0, topo.P+1)
	for samplesIn == nil || len(bpIn) < topo.P+1 {
		conn, peerRank, tag, err := ln.AcceptHandshake()
		if err != nil {
			return err
		}
		switch tag {
		case ids.TagFeat:
			samplesIn = transport.NewFrameInbox(transport.Accept(peerRank, ids.TagFeat, conn, schema.SensorSampleSize))
		case ids.TagBP:
			bpIn = append(bpIn, transport.NewLevelInbox(transport.Accept(peerRank, ids.TagBP, conn, 0)))
		default:
			conn.Close()
		}
	}

	featOut := make([]*transport.Link, topo.P)
	for i := 0; i < topo.P; i++ {
		predRank := topo.RankPredictor(i)
		link, err := transport.DialHandshakeRetry(clk, dialWindowMS, aggRank, predRank, ids.TagFeat, peers[predRank], schema.FeaturesSize)
		if err != nil {
			return err
		}
		defer link.Close()
		featOut[i] = link
	}

	mapper := featuremap.New(params.Junctions, params.LanesPer)
	agg := aggregator.New(samplesIn, featOut, bpIn, mapper)

	for served := 0; served < params.TotalTicks; served++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		tick, stride, level, err := agg.RunOnce()
		if err != nil {
			return err
		}
		rec.ObserveStride(stride, int(level))
		if level > backpressure.LevelNone {
			slog.Info("thinning", "tick", tick, "stride", stride, "level", int(level))
		}
	}
	return nil
}

func runIngestor(ctx context.Context, topo ids.Topology, peers map[int]string, params config.Params, seed int64, clk timing.Clock) error {
	aggRank := topo.RankAggregator()
	ingRank := topo.RankIngestor()
	link, err := transport.DialHandshakeRetry(clk, dialWindowMS, ingRank, aggRank, ids.TagFeat, peers[aggRank], schema.SensorSampleSize)
	if err != nil {
		return err
	}
	defer link.Close()

	gen := ingestor.New(ingestor.Config{Junctions: params.Junctions, LanesPer: params.LanesPer}, seed)

	// Same aligned timeline as the Controller: first emission at baseline +
	// slack, then one batch per tick boundary.
	first := timing.NowMS(clk) + int64(params.StartupSlackMS)
	for tick := uint32(0); int(tick) < params.TotalTicks; tick++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		start := first + int64(tick)*int64(params.TickMS)
		timing.SleepUntilMS(clk, start)

		samples := gen.Generate(uint32(start))
		payload := make([]byte, len(samples)*schema.SensorSampleSize)
		for i, s := range samples {
			off := i * schema.SensorSampleSize
			s.Marshal(payload[off : off+schema.SensorSampleSize])
		}
		frame := wire.TickFrame{TickID: tick, Count: int32(len(samples)), Payload: payload}
		if err := link.SendFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

func parsePeers(flagVal string) (map[int]string, error) {
	out := make(map[int]string)
	if flagVal == "" {
		return out, nil
	}
	for _, entry := range strings.Split(flagVal, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("twinctl: invalid -peers entry %q, want rank=host:port", entry)
		}
		rank, err := strconv.Atoi(kv[0])
		if err != nil {
			return nil, fmt.Errorf("twinctl: invalid -peers rank in %q: %w", entry, err)
		}
		out[rank] = kv[1]
	}
	return out, nil
}
