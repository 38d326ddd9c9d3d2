// Package registry holds the process-wide catalog of tool adapters, keyed
// by stable tool id and indexed by layer and category.
//
// The registry is built once at process startup by an explicit
// registration step and is append-only afterwards (replacement requires the
// explicit upsert flag). It is passed by reference to the coordinator and
// scheduler; tests construct their own.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"miesc/internal/adapter"
)

// probeTimeout bounds every availability probe. Adapters are required to
// answer faster; this is the hard stop.
const probeTimeout = 2 * time.Second

// GovernanceWarning describes a registration that violates catalog policy
// without being fatal (today: a tool declared non-optional).
type GovernanceWarning struct {
	ToolID  string
	Message string
}

// Registry is a thread-safe adapter catalog.
type Registry struct {
	mu         sync.RWMutex
	byID       map[string]adapter.Adapter
	byLayer    map[int][]string
	byCategory map[adapter.Category][]string

	availMu    sync.Mutex
	availCache map[string]cachedAvailability
	availTTL   time.Duration

	warnings []GovernanceWarning
	logger   *zap.Logger
}

type cachedAvailability struct {
	value adapter.Availability
	at    time.Time
}

// New creates an empty registry. availTTL bounds how long availability
// probes are cached; zero disables caching.
func New(logger *zap.Logger, availTTL time.Duration) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byID:       make(map[string]adapter.Adapter),
		byLayer:    make(map[int][]string),
		byCategory: make(map[adapter.Category][]string),
		availCache: make(map[string]cachedAvailability),
		availTTL:   availTTL,
		logger:     logger,
	}
}

// Register inserts an adapter keyed by its tool id. Duplicate ids are
// rejected with ErrConflict. A non-optional tool is accepted but recorded
// as a governance warning; no built-in tool may be a hard dependency.
func (r *Registry) Register(a adapter.Adapter) error {
	return r.register(a, false)
}

// Upsert inserts or replaces an adapter. The explicit flag keeps accidental
// replacement out of normal startup paths.
func (r *Registry) Upsert(a adapter.Adapter) error {
	return r.register(a, true)
}

func (r *Registry) register(a adapter.Adapter, upsert bool) error {
	meta := a.Metadata()
	if meta.ID == "" {
		return fmt.Errorf("%w: empty tool id", ErrInvalidTool)
	}
	if meta.Layer < adapter.MinLayer || meta.Layer > adapter.MaxLayer {
		return fmt.Errorf("%w: %s has layer %d", ErrInvalidTool, meta.ID, meta.Layer)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.byID[meta.ID]
	if exists && !upsert {
		return fmt.Errorf("%w: %s", ErrConflict, meta.ID)
	}

	r.byID[meta.ID] = a
	if !exists {
		r.byLayer[meta.Layer] = append(r.byLayer[meta.Layer], meta.ID)
		r.byCategory[meta.Category] = append(r.byCategory[meta.Category], meta.ID)
	}

	if !meta.Optional {
		w := GovernanceWarning{
			ToolID:  meta.ID,
			Message: "tool registered as non-optional; treating as optional",
		}
		r.warnings = append(r.warnings, w)
		r.logger.Warn("governance: non-optional tool registered", zap.String("tool", meta.ID))
	}

	r.logger.Debug("registered tool",
		zap.String("tool", meta.ID),
		zap.Int("layer", meta.Layer),
		zap.String("category", string(meta.Category)))
	return nil
}

// MustRegister registers and panics on error; for static startup wiring.
func (r *Registry) MustRegister(a adapter.Adapter) {
	if err := r.Register(a); err != nil {
		panic(fmt.Sprintf("register tool %s: %v", a.Metadata().ID, err))
	}
}

// Get returns the adapter for a tool id, or nil.
func (r *Registry) Get(id string) adapter.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// Has reports whether a tool id is registered.
func (r *Registry) Has(id string) bool {
	return r.Get(id) != nil
}

// ByLayer returns the tool ids registered for a layer, sorted.
func (r *Registry) ByLayer(layer int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := append([]string(nil), r.byLayer[layer]...)
	sort.Strings(ids)
	return ids
}

// ByCategory returns the tool ids in a category, sorted.
func (r *Registry) ByCategory(c adapter.Category) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := append([]string(nil), r.byCategory[c]...)
	sort.Strings(ids)
	return ids
}

// IDs returns all registered tool ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Tools returns the metadata of every registered tool, sorted by id.
func (r *Registry) Tools() []adapter.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]adapter.Tool, 0, len(r.byID))
	for _, a := range r.byID {
		out = append(out, a.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Warnings returns the governance warnings accumulated during
// registration.
func (r *Registry) Warnings() []GovernanceWarning {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]GovernanceWarning(nil), r.warnings...)
}

// Availability probes one tool, serving from the bounded-TTL cache when
// fresh. Unknown tools report NOT_INSTALLED.
func (r *Registry) Availability(ctx context.Context, id string) adapter.Availability {
	a := r.Get(id)
	if a == nil {
		return adapter.NotInstalled
	}

	if r.availTTL > 0 {
		r.availMu.Lock()
		if c, ok := r.availCache[id]; ok && time.Since(c.at) < r.availTTL {
			r.availMu.Unlock()
			return c.value
		}
		r.availMu.Unlock()
	}

	v := probe(ctx, a)

	if r.availTTL > 0 {
		r.availMu.Lock()
		r.availCache[id] = cachedAvailability{value: v, at: time.Now()}
		r.availMu.Unlock()
	}
	return v
}

// AvailabilitySnapshot probes every registered tool in parallel, each under
// its own timeout, and returns the id → availability map.
func (r *Registry) AvailabilitySnapshot(ctx context.Context) map[string]adapter.Availability {
	ids := r.IDs()
	out := make(map[string]adapter.Availability, len(ids))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			v := r.Availability(ctx, id)
			mu.Lock()
			out[id] = v
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return out
}

// AvailableOnly filters ids down to the tools whose probe reports
// AVAILABLE, preserving input order.
func (r *Registry) AvailableOnly(ctx context.Context, ids []string) []string {
	var out []string
	for _, id := range ids {
		if r.Availability(ctx, id) == adapter.Available {
			out = append(out, id)
		}
	}
	return out
}

// probe runs the availability check with the hard per-probe timeout and a
// panic guard; a probe must never take down the snapshot.
func probe(ctx context.Context, a adapter.Adapter) (v adapter.Availability) {
	defer func() {
		if rec := recover(); rec != nil {
			v = adapter.Misconfigured
		}
	}()
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	done := make(chan adapter.Availability, 1)
	go func() {
		done <- a.Availability(pctx)
	}()
	select {
	case v = <-done:
		return v
	case <-pctx.Done():
		return adapter.ExternalDown
	}
}
