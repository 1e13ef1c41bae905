package wiredns

import (
	"context"
	"net"
	"syscall"
)

// listenReusable binds addr with SO_REUSEPORT set (where the platform
// supports it, see sockopts_unix.go/sockopts_windows.go) before the bind
// completes, the same "port 5353 might already be taken by another mDNS
// responder on this box" accommodation bonjour's newServer comment calls
// out — multiple independent listeners need to share the well-known mDNS
// port.
func listenReusable(network string, addr *net.UDPAddr) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: controlReuseAddr}
	return lc.ListenPacket(context.Background(), network, addr.String())
}

func controlReuseAddr(_, _ string, c syscall.RawConn) error {
	return c.Control(func(fd uintptr) {
		// SO_REUSEPORT isn't available on every platform (notably
		// Windows); treat it as best-effort rather than failing the
		// bind outright.
		_ = setReusePort(fd)
	})
}
