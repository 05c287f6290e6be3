//go:build windows
// +build windows

// File: internal/concurrency/affinity_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Windows affinity backend. NUMA topology is not queried here; CPU pinning
// uses SetThreadAffinityMask via golang.org/x/sys/windows.

package concurrency

import (
	"runtime"

	"golang.org/x/sys/windows"
)

func platformNUMANodes() int {
	return 1
}

func platformCurrentNUMANodeID() int {
	return -1
}

func platformPreferredCPUID(numaNode int) int {
	total := runtime.NumCPU()
	if total <= 0 || numaNode < 0 {
		return 0
	}
	return numaNode % total
}

func platformPinCurrentThread(_, cpuID int) error {
	runtime.LockOSThread()
	if cpuID < 0 {
		return nil
	}
	h := windows.CurrentThread()
	_, err := windows.SetThreadAffinityMask(h, uintptr(1)<<uint(cpuID))
	return err
}

func platformUnpinCurrentThread() error {
	runtime.LockOSThread()
	total := runtime.NumCPU()
	if total <= 0 {
		total = 1
	}
	h := windows.CurrentThread()
	mask := (uintptr(1) << uint(total)) - 1
	_, err := windows.SetThreadAffinityMask(h, mask)
	return err
}
