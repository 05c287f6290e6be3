// File: internal/coreserver/listen.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Raw non-blocking listening socket setup, mirroring the same
// socket/bind/listen syscall sequence internal/httpclient/dial.go and
// reactor.go's start() use for outbound sockets -- the listening socket
// is owned directly by the reactor, per spec.md §4.1, rather than going
// through net.Listen and extracting its fd.

//go:build linux

package coreserver

import (
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

const listenBacklog = 1024

func listenTCP(address string) (int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, err
	}

	ip := net.ParseIP(host)
	if ip == nil {
		if host == "" {
			ip = net.IPv4zero
		} else {
			ips, lerr := net.LookupIP(host)
			if lerr != nil || len(ips) == 0 {
				return 0, lerr
			}
			ip = ips[0]
		}
	}

	var fd int
	var sa unix.Sockaddr
	if v4 := ip.To4(); v4 != nil {
		fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
		if err != nil {
			return 0, err
		}
		sa = &unix.SockaddrInet4{Port: port, Addr: [4]byte{v4[0], v4[1], v4[2], v4[3]}}
	} else {
		fd, err = unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, unix.IPPROTO_TCP)
		if err != nil {
			return 0, err
		}
		var addr [16]byte
		copy(addr[:], ip.To16())
		sa = &unix.SockaddrInet6{Port: port, Addr: addr}
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return 0, err
	}
	return fd, nil
}
