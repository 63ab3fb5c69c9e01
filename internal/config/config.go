// Package config layers the pipeline's tunables: hard-coded defaults (a 1 s
// and a 250 ms tick profile), environment variables, and an optional YAML
// file that can be hot-reloaded
// while the process runs. Hot reload is limited to the handful of values the
// pipeline can safely re-tune live: the decision policy's delta cap and
// de-rate percentage.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Params is the full configuration surface.
type Params struct {
	TickMS          uint32 `yaml:"tick_ms"`
	BudgetPredMS    uint32 `yaml:"budget_pred_ms"`
	BudgetCtrlMS    uint32 `yaml:"budget_ctrl_ms"`
	Junctions       int    `yaml:"junctions"`
	LanesPer        int    `yaml:"lanes_per"`
	TotalTicks      int    `yaml:"total_ticks"`
	StartupSlackMS  uint32 `yaml:"startup_slack_ms"`
	MaxDeltaPerTick uint8  `yaml:"max_delta_per_tick"`
	HeuristicDerate uint8  `yaml:"heuristic_derate_pct"`
}

// Defaults returns the pipeline's baseline configuration: the 1 s tick
// profile. TightProfile is the 250 ms alternative.
func Defaults() Params {
	return Params{
		TickMS:          1000,
		BudgetPredMS:    350,
		BudgetCtrlMS:    150,
		Junctions:       16,
		LanesPer:        4,
		TotalTicks:      30,
		StartupSlackMS:  250,
		MaxDeltaPerTick: 6,
		HeuristicDerate: 50,
	}
}

// TightProfile returns the 250 ms tick profile.
func TightProfile() Params {
	p := Defaults()
	p.TickMS = 250
	p.BudgetPredMS = 120
	p.BudgetCtrlMS = 80
	return p
}

// ApplyEnv overrides any field set in the environment (TWIN_TICK_MS,
// TWIN_BUDGET_PRED_MS, TWIN_BUDGET_CTRL_MS, TWIN_JUNCTIONS, TWIN_LANES_PER,
// TWIN_TOTAL_TICKS, TWIN_STARTUP_SLACK_MS, TWIN_MAX_DELTA_PER_TICK,
// TWIN_HEURISTIC_DERATE_PCT).
func (p Params) ApplyEnv() (Params, error) {
	var err error
	p.TickMS, err = envUint32("TWIN_TICK_MS", p.TickMS, err)
	p.BudgetPredMS, err = envUint32("TWIN_BUDGET_PRED_MS", p.BudgetPredMS, err)
	p.BudgetCtrlMS, err = envUint32("TWIN_BUDGET_CTRL_MS", p.BudgetCtrlMS, err)
	p.Junctions, err = envInt("TWIN_JUNCTIONS", p.Junctions, err)
	p.LanesPer, err = envInt("TWIN_LANES_PER", p.LanesPer, err)
	p.TotalTicks, err = envInt("TWIN_TOTAL_TICKS", p.TotalTicks, err)
	p.StartupSlackMS, err = envUint32("TWIN_STARTUP_SLACK_MS", p.StartupSlackMS, err)
	p.MaxDeltaPerTick, err = envUint8("TWIN_MAX_DELTA_PER_TICK", p.MaxDeltaPerTick, err)
	p.HeuristicDerate, err = envUint8("TWIN_HEURISTIC_DERATE_PCT", p.HeuristicDerate, err)
	return p, err
}

func envUint8(key string, cur uint8, prevErr error) (uint8, error) {
	if prevErr != nil {
		return cur, prevErr
	}
	v, ok := os.LookupEnv(key)
	if !ok {
		return cur, nil
	}
	n, err := strconv.ParseUint(v, 10, 8)
	if err != nil {
		return cur, fmt.Errorf("config: %s: %w", key, err)
	}
	return uint8(n), nil
}

func envUint32(key string, cur uint32, prevErr error) (uint32, error) {
	if prevErr != nil {
		return cur, prevErr
	}
	v, ok := os.LookupEnv(key)
	if !ok {
		return cur, nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return cur, fmt.Errorf("config: %s: %w", key, err)
	}
	return uint32(n), nil
}

func envInt(key string, cur int, prevErr error) (int, error) {
	if prevErr != nil {
		return cur, prevErr
	}
	v, ok := os.LookupEnv(key)
	if !ok {
		return cur, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return cur, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

// LoadYAML merges a YAML file's fields over p, leaving p unchanged for any
// field the file omits: omitted fields decode as zero and the merge skips
// zero values, so a field set explicitly to 0 in the file also leaves p's
// value in place. Used for the optional -config flag.
func LoadYAML(p Params, path string) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("config: read %s: %w", path, err)
	}
	var overlay Params
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return p, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return mergeNonZero(p, overlay), nil
}

func mergeNonZero(base, overlay Params) Params {
	if overlay.TickMS != 0 {
		base.TickMS = overlay.TickMS
	}
	if overlay.BudgetPredMS != 0 {
		base.BudgetPredMS = overlay.BudgetPredMS
	}
	if overlay.BudgetCtrlMS != 0 {
		base.BudgetCtrlMS = overlay.BudgetCtrlMS
	}
	if overlay.Junctions != 0 {
		base.Junctions = overlay.Junctions
	}
	if overlay.LanesPer != 0 {
		base.LanesPer = overlay.LanesPer
	}
	if overlay.TotalTicks != 0 {
		base.TotalTicks = overlay.TotalTicks
	}
	if overlay.StartupSlackMS != 0 {
		base.StartupSlackMS = overlay.StartupSlackMS
	}
	if overlay.MaxDeltaPerTick != 0 {
		base.MaxDeltaPerTick = overlay.MaxDeltaPerTick
	}
	if overlay.HeuristicDerate != 0 {
		base.HeuristicDerate = overlay.HeuristicDerate
	}
	return base
}

// HotReloader watches a YAML config file and republishes merged Params on
// Changes whenever the file is rewritten. Only the decision policy's knobs
// (delta cap, de-rate percentage) are live-tuned this way; the cadence and
// topology fields are read once at startup.
type HotReloader struct {
	path    string
	watcher *fsnotify.Watcher

	mu   sync.RWMutex
	base Params

	Changes chan Params
	Errors  chan error
}

// NewHotReloader creates the watcher for writes to path, seeded with base as
// the fallback for any field the file doesn't set. Watching begins in Run.
func NewHotReloader(base Params, path string) (*HotReloader, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	hr := &HotReloader{path: path, watcher: w, base: base, Changes: make(chan Params, 4), Errors: make(chan error, 4)}
	return hr, nil
}

// Run watches until ctx is cancelled, pushing a freshly merged Params onto
// Changes after every write to the watched file.
func (hr *HotReloader) Run(ctx context.Context) error {
	dir := dirOf(hr.path)
	if err := hr.watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	defer hr.watcher.Close()
	for {
		select {
		case ev, ok := <-hr.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != hr.path || ev.Op&fsnotify.Write == 0 {
				continue
			}
			// A rewrite arrives as several write events (truncate, then data);
			// wait until they settle so the merge reads the finished file.
			for settled := false; !settled; {
				select {
				case _, ok := <-hr.watcher.Events:
					if !ok {
						return nil
					}
				case <-time.After(20 * time.Millisecond):
					settled = true
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			hr.mu.RLock()
			base := hr.base
			hr.mu.RUnlock()
			merged, err := LoadYAML(base, hr.path)
			if err != nil {
				hr.Errors <- err
				continue
			}
			hr.Changes <- merged
		case err, ok := <-hr.watcher.Errors:
			if !ok {
				return nil
			}
			hr.Errors <- err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
