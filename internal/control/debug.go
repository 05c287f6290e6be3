// File: internal/control/debug.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Debug adapts control/debug.go's DebugProbes (a named-function probe
// registry with a DumpState snapshot) unchanged in shape -- the
// generalization here is the consumer, not the registry: coreserver's
// /debug route registers a handful of reactor-specific probes
// (connection count, server token, uptime) instead of leaving the
// registry empty.

package control

import (
	"encoding/json"
	"sync"

	"github.com/momentics/enclavehttp/api"
)

var _ api.Debug = (*Debug)(nil)

// Debug holds registered probe functions, evaluated on demand.
type Debug struct {
	mu     sync.RWMutex
	probes map[string]func() any
}

// NewDebug creates an empty probe registry.
func NewDebug() *Debug {
	return &Debug{probes: make(map[string]func() any)}
}

// RegisterProbe inserts or replaces a named debug hook.
func (d *Debug) RegisterProbe(name string, fn func() any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.probes[name] = fn
}

// DumpState evaluates every registered probe and returns the combined
// result.
func (d *Debug) DumpState() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]any, len(d.probes))
	for name, fn := range d.probes {
		out[name] = fn()
	}
	return out
}

// RenderJSON evaluates every probe and marshals the snapshot, for
// coreserver's /debug handler to write as a response body.
func (d *Debug) RenderJSON() ([]byte, error) {
	return json.Marshal(d.DumpState())
}
