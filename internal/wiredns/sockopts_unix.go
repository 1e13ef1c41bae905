//go:build !windows

package wiredns

import "golang.org/x/sys/unix"

// setReusePort lets multiple processes (or multiple Backend instances in
// this one) bind the well-known mDNS port concurrently, the way every
// real mDNS responder on the LAN must coexist with the OS's own resolver.
func setReusePort(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}
