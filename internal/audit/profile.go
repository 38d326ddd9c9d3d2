package audit

import (
	"context"
	"fmt"
	"time"

	"miesc/internal/adapter"
	"miesc/internal/scheduler"
)

// Profile names a layer/deadline preset.
type Profile string

const (
	ProfileQuick    Profile = "quick"
	ProfileStandard Profile = "standard"
	ProfileFull     Profile = "full"
	ProfileCustom   Profile = "custom"
)

// Options carries caller overrides on top of a profile. For the custom
// profile, Layers and GlobalDeadline are mandatory.
type Options struct {
	// Tools restricts the run to these ids; empty means every registered
	// tool in the selected layers. Disable removes ids after selection.
	Tools   []string
	Disable []string

	Layers              []int
	PerToolDeadline     time.Duration
	PerToolDeadlines    map[string]time.Duration
	GlobalDeadline      time.Duration
	MaxParallelPerLayer int
	CrossLayerMode      scheduler.Mode
	Extra               map[string]string
}

type preset struct {
	layers         []int
	toolDeadline   time.Duration
	globalDeadline time.Duration
}

var presets = map[Profile]preset{
	ProfileQuick:    {layers: []int{1}, toolDeadline: 60 * time.Second, globalDeadline: 5 * time.Minute},
	ProfileStandard: {layers: []int{1, 2, 3}, toolDeadline: 300 * time.Second, globalDeadline: 30 * time.Minute},
	ProfileFull: {
		layers:         []int{1, 2, 3, 4, 5, 6, 7, 8, 9},
		toolDeadline:   900 * time.Second,
		globalDeadline: 4 * time.Hour,
	},
}

// resolvePlan turns a profile plus overrides into a concrete plan. Tool
// lists are availability-filtered here; the ids excluded by the filter are
// returned separately so the coordinator can report them as skipped.
func (c *Coordinator) resolvePlan(ctx context.Context, auditID string, target adapter.ContractRef, profile Profile, opts Options) (scheduler.Plan, []string, error) {
	var (
		layers         []int
		toolDeadline   time.Duration
		globalDeadline time.Duration
	)

	if profile == ProfileCustom {
		if len(opts.Layers) == 0 {
			return scheduler.Plan{}, nil, fmt.Errorf("custom profile requires layers")
		}
		if opts.GlobalDeadline <= 0 {
			return scheduler.Plan{}, nil, fmt.Errorf("custom profile requires a global deadline")
		}
		layers = opts.Layers
		toolDeadline = opts.PerToolDeadline
		if toolDeadline <= 0 {
			toolDeadline = presets[ProfileStandard].toolDeadline
		}
		globalDeadline = opts.GlobalDeadline
	} else {
		p, ok := presets[profile]
		if !ok {
			return scheduler.Plan{}, nil, fmt.Errorf("unknown profile %q", profile)
		}
		layers = p.layers
		toolDeadline = p.toolDeadline
		globalDeadline = p.globalDeadline
		if len(opts.Layers) > 0 {
			layers = opts.Layers
		}
		if opts.PerToolDeadline > 0 {
			toolDeadline = opts.PerToolDeadline
		}
		if opts.GlobalDeadline > 0 {
			globalDeadline = opts.GlobalDeadline
		}
	}

	for _, l := range layers {
		if l < adapter.MinLayer || l > adapter.MaxLayer {
			return scheduler.Plan{}, nil, fmt.Errorf("layer %d out of range", l)
		}
	}

	enabled := make(map[string]bool, len(opts.Tools))
	for _, id := range opts.Tools {
		if !c.reg.Has(id) {
			return scheduler.Plan{}, nil, fmt.Errorf("unknown tool %q", id)
		}
		enabled[id] = true
	}
	disabled := make(map[string]bool, len(opts.Disable))
	for _, id := range opts.Disable {
		disabled[id] = true
	}

	tools := make(map[int][]string, len(layers))
	var skipped []string
	for _, layer := range layers {
		var ids []string
		for _, id := range c.reg.ByLayer(layer) {
			if disabled[id] {
				continue
			}
			if len(enabled) > 0 && !enabled[id] {
				continue
			}
			ids = append(ids, id)
		}
		kept := c.reg.AvailableOnly(ctx, ids)
		keptSet := make(map[string]bool, len(kept))
		for _, id := range kept {
			keptSet[id] = true
		}
		for _, id := range ids {
			if !keptSet[id] {
				skipped = append(skipped, id)
			}
		}
		tools[layer] = kept
	}

	maxParallel := opts.MaxParallelPerLayer
	if maxParallel < 1 {
		maxParallel = c.defaults.MaxParallelPerLayer
	}
	mode := opts.CrossLayerMode
	if mode == "" {
		mode = c.defaults.CrossLayerMode
	}

	plan := scheduler.Plan{
		AuditID:             auditID,
		Target:              target,
		Layers:              layers,
		Tools:               tools,
		ToolDeadline:        toolDeadline,
		PerToolDeadlines:    opts.PerToolDeadlines,
		GlobalDeadline:      globalDeadline,
		MaxParallelPerLayer: maxParallel,
		CrossLayerMode:      mode,
		Workspace:           c.workspaceFor(auditID),
		Extra:               opts.Extra,
	}
	return plan, skipped, nil
}
