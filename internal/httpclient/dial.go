// File: internal/httpclient/dial.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Address resolution for the raw non-blocking sockets start() opens.
// DNS resolution itself stays on the stdlib resolver (net.LookupIP) --
// the reactor's non-blocking discipline applies to the connection
// socket, not to name resolution, matching the teacher's own use of
// net.LookupIP ahead of raw syscall socket setup in
// internal/transport/transport_linux.go.

//go:build linux

package httpclient

import (
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

func lookupIPs(host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	return net.LookupIP(host)
}

func sockaddrFor(ip net.IP, port string) (unix.Sockaddr, error) {
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, err
	}
	if v4 := ip.To4(); v4 != nil {
		return &unix.SockaddrInet4{Port: p, Addr: [4]byte{v4[0], v4[1], v4[2], v4[3]}}, nil
	}
	v6 := ip.To16()
	var addr [16]byte
	copy(addr[:], v6)
	return &unix.SockaddrInet6{Port: p, Addr: addr}, nil
}
