// File: internal/control/facade.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Facade composes Metrics, Debug, and an internal/config.Store behind
// api.Control's single GetConfig/SetConfig/Stats/OnReload/RegisterDebugProbe
// contract, the same aggregation api/control.go originally sketched but
// never wired to a concrete configuration source.

package control

import (
	"sync"

	"github.com/momentics/enclavehttp/api"
)

// configSource is the subset of internal/config.Store a Facade needs,
// kept narrow so this package doesn't import internal/config directly
// (internal/config has no reason to depend back on internal/control).
type configSource interface {
	Snapshot() map[string]any
}

// Facade implements api.Control over this package's Metrics and Debug
// registries plus a caller-supplied configuration snapshot source.
type Facade struct {
	cfg     configSource
	debug   *Debug
	metrics *Metrics

	mu        sync.Mutex
	listeners []func()
}

// NewFacade builds a Facade over an already-constructed Debug/Metrics
// pair and a configuration snapshot source.
func NewFacade(cfg configSource, metrics *Metrics, debug *Debug) *Facade {
	return &Facade{cfg: cfg, metrics: metrics, debug: debug}
}

// GetConfig returns the current configuration snapshot.
func (f *Facade) GetConfig() map[string]any {
	if f.cfg == nil {
		return map[string]any{}
	}
	return f.cfg.Snapshot()
}

// SetConfig is unsupported: configuration is file/env-sourced and
// hot-reloaded by internal/config.Store, not mutated in place by
// control-plane callers. Returning an error here is more honest than
// silently discarding the write.
func (f *Facade) SetConfig(cfg map[string]any) error {
	return api.NewKindError(api.KindServerFault, "configuration is read-only; edit the config file instead")
}

// Stats reports the debug probe dump (every registered probe's current
// value); the Prometheus gauges are not included.
func (f *Facade) Stats() map[string]any {
	out := f.debug.DumpState()
	return out
}

// OnReload registers fn to run whenever the underlying configuration
// source signals a reload, fanning out the same way
// control/config.go's ConfigStore.dispatchReload does.
func (f *Facade) OnReload(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

// NotifyReload runs every registered OnReload listener; the caller
// (internal/config.Store's own OnReload hook) invokes this once per
// detected file change.
func (f *Facade) NotifyReload() {
	f.mu.Lock()
	fns := append([]func(){}, f.listeners...)
	f.mu.Unlock()
	for _, fn := range fns {
		go fn()
	}
}

// RegisterDebugProbe proxies to the underlying Debug registry.
func (f *Facade) RegisterDebugProbe(name string, fn func() any) {
	f.debug.RegisterProbe(name, fn)
}

var _ api.Control = (*Facade)(nil)
