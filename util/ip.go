package util

import (
	"net"
)

// RemoteHost returns the host part of a peer address, without the port.
// Addresses that cannot be split are returned as-is.
func RemoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
