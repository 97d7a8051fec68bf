// Package registry serves the immutable activity templates per phase.
// Templates are read-mostly at request time and cached; config reloads must
// invalidate the cache before new phase initializations proceed.
package registry

import (
	"fmt"
	"sync"

	"regcycle/internal/config"
	"regcycle/internal/domain"
)

// ErrStaleDefinition marks an instance referencing a code the current
// template no longer defines. The instance is flagged for operator review,
// never auto-corrected.
var ErrStaleDefinition = fmt.Errorf("activity references a definition removed from the template")

type Registry struct {
	mu    sync.RWMutex
	cfg   *config.Config
	cache map[string][]domain.ActivityDefinition
}

func New(cfg *config.Config) *Registry {
	return &Registry{cfg: cfg, cache: map[string][]domain.ActivityDefinition{}}
}

// DefinitionsForPhase returns the ordered definitions for a phase.
func (r *Registry) DefinitionsForPhase(phase string) ([]domain.ActivityDefinition, error) {
	r.mu.RLock()
	if defs, ok := r.cache[phase]; ok {
		r.mu.RUnlock()
		return defs, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if defs, ok := r.cache[phase]; ok {
		return defs, nil
	}
	pc, ok := r.cfg.Phase(phase)
	if !ok {
		return nil, fmt.Errorf("unknown phase %s", phase)
	}
	defs := pc.Definitions()
	r.cache[phase] = defs
	return defs, nil
}

// Definition resolves a single (phase, code) template.
func (r *Registry) Definition(phase, code string) (domain.ActivityDefinition, error) {
	defs, err := r.DefinitionsForPhase(phase)
	if err != nil {
		return domain.ActivityDefinition{}, err
	}
	for _, d := range defs {
		if d.Code == code {
			return d, nil
		}
	}
	return domain.ActivityDefinition{}, fmt.Errorf("%w: phase %s code %s", ErrStaleDefinition, phase, code)
}

// PhaseNames returns the fixed phase ordering.
func (r *Registry) PhaseNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.PhaseNames()
}

// PhaseConfig returns the raw phase config (SLA duration etc).
func (r *Registry) PhaseConfig(phase string) (config.PhaseConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Phase(phase)
}

// Reload swaps the underlying config and drops cached definitions.
func (r *Registry) Reload(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	r.cache = map[string][]domain.ActivityDefinition{}
}

// Invalidate drops cached definitions without replacing the config.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = map[string][]domain.ActivityDefinition{}
}

// StaleCodes returns instance activity codes the current template no longer
// defines. Changed definitions are matched by code; removed codes are
// reported, not deleted.
func (r *Registry) StaleCodes(phase string, states []domain.ActivityState) ([]string, error) {
	defs, err := r.DefinitionsForPhase(phase)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(defs))
	for _, d := range defs {
		known[d.Code] = true
	}
	var stale []string
	for _, s := range states {
		if !known[s.ActivityCode] {
			stale = append(stale, s.ActivityCode)
		}
	}
	return stale, nil
}
