// +build windows

// Package pool
// Author: momentics <momentics@gmail.com>
//
// Windows-specific NUMA-aware, zero-copy buffer pool implementation.

package pool

import (
	"sync"

	"github.com/momentics/enclavehttp/api"
)

type windowsBufferPool struct {
	pool   sync.Pool
	numaId int
	stats  poolStats
}

func (bp *windowsBufferPool) Get(size int, numaPreferred int) api.Buffer {
	v := bp.pool.Get()
	var data []byte
	if v == nil {
		data = make([]byte, size)
	} else {
		data = v.([]byte)
		if cap(data) < size {
			data = make([]byte, size)
		} else {
			data = data[:size]
		}
	}
	bp.stats.recordAlloc()
	return api.Buffer{Data: data, NUMA: bp.numaId, Pool: bp, Class: cap(data)}
}

func (bp *windowsBufferPool) Put(b api.Buffer) {
	bp.stats.recordFree()
	bp.pool.Put(b.Data[:0])
}

func (bp *windowsBufferPool) Stats() api.BufferPoolStats {
	return bp.stats.snapshot(bp.numaId)
}

// newBufferPool (Windows) creates a buffer pool with potential NUMA affinity.
func newBufferPool(numaNode int) api.BufferPool {
	return &windowsBufferPool{numaId: numaNode}
}
