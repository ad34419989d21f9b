package measure

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ahrav/volscan/internal/domain/scanning"
	"github.com/ahrav/volscan/pkg/common/logger"
)

// RegistryConfig controls which methods are candidates and in what order.
type RegistryConfig struct {
	// Order lists method names in the order to try them. Empty means order by
	// performance tier, then accuracy, then registration order.
	Order []string
	// MinAccuracy excludes methods less accurate than this tier.
	MinAccuracy scanning.AccuracyTier
}

// Registry is the read-only catalog of measurement methods. The set of methods
// is fixed at construction; only availability changes, on Refresh.
type Registry struct {
	mu      sync.RWMutex
	methods []scanning.Measurer
	byName  map[string]scanning.Measurer
	cfg     RegistryConfig

	logger *logger.Logger
}

// Builtin returns every built-in method in registration order.
func Builtin(walkWorkers int) []scanning.Measurer {
	return []scanning.Measurer{
		NewStatfs(),
		NewFastwalk(walkWorkers),
		NewDu(),
		NewWalk(),
	}
}

// NewRegistry builds a registry over methods. Names must be unique and every
// name in cfg.Order must be registered.
func NewRegistry(log *logger.Logger, cfg RegistryConfig, methods ...scanning.Measurer) (*Registry, error) {
	if cfg.MinAccuracy == "" {
		cfg.MinAccuracy = scanning.AccuracyExact
	}

	r := &Registry{
		methods: methods,
		byName:  make(map[string]scanning.Measurer, len(methods)),
		cfg:     cfg,
		logger:  log.With("component", "method_registry"),
	}
	for _, m := range methods {
		name := m.Info().Name
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("duplicate measurement method %q", name)
		}
		r.byName[name] = m
	}
	for _, name := range cfg.Order {
		if _, ok := r.byName[name]; !ok {
			return nil, fmt.Errorf("method_order names unknown method %q", name)
		}
	}

	return r, nil
}

// Refresh re-probes every method's availability.
func (r *Registry) Refresh(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.methods {
		ok := m.Probe(ctx)
		r.logger.Debug(ctx, "probed measurement method", "method", m.Info().Name, "available", ok)
	}
}

// Methods returns every registered method's metadata in registration order.
func (r *Registry) Methods() []scanning.MethodInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]scanning.MethodInfo, 0, len(r.methods))
	for _, m := range r.methods {
		infos = append(infos, m.Info())
	}
	return infos
}

// Candidates returns the methods meeting the accuracy floor, in the order they
// should be attempted. Unavailable methods keep their place; the scheduler
// records them as MethodUnavailable and moves on.
func (r *Registry) Candidates() []scanning.Measurer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	eligible := func(m scanning.Measurer) bool {
		return m.Info().AccuracyTier.AtLeast(r.cfg.MinAccuracy)
	}

	var out []scanning.Measurer
	if len(r.cfg.Order) > 0 {
		for _, name := range r.cfg.Order {
			if m := r.byName[name]; eligible(m) {
				out = append(out, m)
			}
		}
		return out
	}

	for _, m := range r.methods {
		if eligible(m) {
			out = append(out, m)
		}
	}
	slices.SortStableFunc(out, func(a, b scanning.Measurer) int {
		ai, bi := a.Info(), b.Info()
		if d := ai.PerformanceTier.Rank() - bi.PerformanceTier.Rank(); d != 0 {
			return d
		}
		return bi.AccuracyTier.Rank() - ai.AccuracyTier.Rank()
	})
	return out
}
