package pool

import (
	"sync"

	"github.com/momentics/enclavehttp/api"
	"github.com/momentics/enclavehttp/internal/concurrency"
)

var (
	defaultOnce sync.Once
	defaultMgr  *BufferPoolManager
)

// DefaultManager returns a process-wide BufferPoolManager so all components
// reuse the same NUMA-aware pools instead of fragmenting allocations.
func DefaultManager() *BufferPoolManager {
	defaultOnce.Do(func() {
		defaultMgr = NewBufferPoolManager()
		for node := 0; node < concurrency.NUMANodes(); node++ {
			defaultMgr.GetPool(node)
		}
	})
	return defaultMgr
}

// DefaultPool is a shortcut to fetch a pool from the default manager.
// size is not used for pool selection: a pool serves any buffer size.
func DefaultPool(size, numaPreferred int) api.BufferPool {
	return DefaultManager().GetPool(numaPreferred)
}
