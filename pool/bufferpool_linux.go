// +build linux

// Package pool
// Author: momentics <momentics@gmail.com>
//
// Linux-specific NUMA-aware, zero-copy buffer pool implementation.

package pool

import (
	"sync"

	"github.com/momentics/enclavehttp/api"
)

// linuxBufferPool recycles byte slices for a single NUMA node via sync.Pool.
type linuxBufferPool struct {
	pool   sync.Pool
	numaId int
	stats  poolStats
}

func (bp *linuxBufferPool) Get(size int, numaPreferred int) api.Buffer {
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

func (bp *linuxBufferPool) Put(b api.Buffer) {
	bp.stats.recordFree()
	bp.pool.Put(b.Data[:0])
}

func (bp *linuxBufferPool) Stats() api.BufferPoolStats {
	return bp.stats.snapshot(bp.numaId)
}

// newBufferPool (Linux) creates a buffer pool for the specified NUMA node.
// TODO: hugepage/mmap-backed allocation for ultra-low-latency buffer blocks.
func newBufferPool(numaNode int) api.BufferPool {
	return &linuxBufferPool{numaId: numaNode}
}
