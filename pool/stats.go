// File: pool/stats.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared allocation counters for the platform-specific buffer pool backends.

package pool

import (
	"sync/atomic"

	"github.com/momentics/enclavehttp/api"
)

type poolStats struct {
	alloc atomic.Int64
	free  atomic.Int64
}

func (s *poolStats) recordAlloc() { s.alloc.Add(1) }
func (s *poolStats) recordFree()  { s.free.Add(1) }

func (s *poolStats) snapshot(numaNode int) api.BufferPoolStats {
	a := s.alloc.Load()
	f := s.free.Load()
	return api.BufferPoolStats{
		TotalAlloc: a,
		TotalFree:  f,
		InUse:      a - f,
		NUMAStats:  map[int]int64{numaNode: a},
	}
}
