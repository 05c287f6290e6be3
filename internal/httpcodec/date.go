// File: internal/httpcodec/date.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Cached RFC 7231 IMF-fixdate Date header. The original reactor this
// module is modeled on renders this value once per second from a
// thread-local cache (see original_source's commented-out date module in
// handler/codec.rs); Go has no thread-local primitive, so the cache is
// guarded by a mutex instead — contention is negligible since the value
// only changes once per second and reads vastly outnumber writes.

package httpcodec

import (
	"net/http"
	"sync"
	"time"
)

var dateCache struct {
	mu     sync.Mutex
	second int64
	value  string
}

// CachedDate returns the current RFC 7231 IMF-fixdate string, recomputing
// it at most once per wall-clock second.
func CachedDate() string {
	now := time.Now().UTC()
	sec := now.Unix()

	dateCache.mu.Lock()
	defer dateCache.mu.Unlock()
	if dateCache.second == sec && dateCache.value != "" {
		return dateCache.value
	}
	dateCache.second = sec
	dateCache.value = now.Format(http.TimeFormat)
	return dateCache.value
}
