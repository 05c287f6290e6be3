//go:build linux
// +build linux

// File: internal/concurrency/affinity_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux affinity backend. Avoids cgo: NUMA node count is read from
// /sys/devices/system/node, thread pinning uses unix.SchedSetaffinity.

package concurrency

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const sysNodePath = "/sys/devices/system/node"

func platformNUMANodes() int {
	entries, err := os.ReadDir(sysNodePath)
	if err != nil {
		return 1
	}
	count := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "node") {
			count++
		}
	}
	if count == 0 {
		return 1
	}
	return count
}

func platformCurrentNUMANodeID() int {
	cpu, err := unix.SchedGetcpu()
	if err != nil {
		return -1
	}
	entries, err := os.ReadDir(sysNodePath)
	if err != nil {
		return -1
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "node") {
			continue
		}
		if _, err := os.Stat(sysNodePath + "/" + e.Name() + "/cpu" + strconv.Itoa(cpu)); err == nil {
			return nodeIndex(e.Name())
		}
	}
	return -1
}

func platformPreferredCPUID(numaNode int) int {
	if numaNode < 0 {
		return 0
	}
	total := runtime.NumCPU()
	nodes := platformNUMANodes()
	if nodes <= 0 {
		nodes = 1
	}
	perNode := total / nodes
	if perNode <= 0 {
		perNode = 1
	}
	return (numaNode * perNode) % total
}

func platformPinCurrentThread(numaNode, cpuID int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	if cpuID >= 0 {
		set.Set(cpuID)
	}
	return unix.SchedSetaffinity(0, &set)
}

func platformUnpinCurrentThread() error {
	var set unix.CPUSet
	set.Zero()
	for i := 0; i < runtime.NumCPU(); i++ {
		set.Set(i)
	}
	return unix.SchedSetaffinity(0, &set)
}

func nodeIndex(name string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(name, "node"))
	if err != nil {
		return -1
	}
	return n
}
