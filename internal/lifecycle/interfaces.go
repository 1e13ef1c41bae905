// Package lifecycle implements the network watchdog and mode-switching
// state machine described by spec.md §4.7: it brings the lookup backend
// up when a usable link appears, tears it down when the link is lost, and
// reconciles mode flips and the running flag against backend state.
//
// This file adapts the teacher's own interface-resolution contract sketch
// (originally specs/007-interface-specific-addressing/contracts/
// interface_resolver.go, a doc-comment-only stub with no compiled body)
// into the concrete bearer classifier the controller actually calls.
package lifecycle

import (
	"net"

	internalerrors "github.com/machinekit/svcdiscovery/internal/errors"
)

// Bearer classifies a network interface the way the original's
// QNetworkConfiguration::bearerType() did, restricted to the three kinds
// spec.md §4.7/§8 (P8) says sessions may open on.
type Bearer int

const (
	// BearerEthernet is a wired link.
	BearerEthernet Bearer = iota
	// BearerWLAN is a wireless link.
	BearerWLAN
	// BearerUnknown is usually Ethernet or another local network; the
	// original treats it as acceptable ("unknown is usually ethernet or
	// any other local network").
	BearerUnknown
	// BearerUnsupported covers loopback and down interfaces and is never
	// opened (P8). ClassifyBearer does not recognise Cellular or Bluetooth
	// links; they are classified by name like any other interface.
	BearerUnsupported
)

func (b Bearer) String() string {
	switch b {
	case BearerEthernet:
		return "ethernet"
	case BearerWLAN:
		return "wlan"
	case BearerUnknown:
		return "unknown"
	default:
		return "unsupported"
	}
}

// Acceptable reports whether a session may be opened on this bearer
// (spec.md P8: Ethernet/WLAN/Unknown only).
func (b Bearer) Acceptable() bool {
	return b == BearerEthernet || b == BearerWLAN || b == BearerUnknown
}

// ClassifyBearer maps a net.Interface to a Bearer. Go's net package does
// not expose a bearer type the way Qt's QNetworkConfiguration does, so
// this is a heuristic over name prefixes, the best available Go-native
// substitute: "eth"/"en" → Ethernet, "wl"/"wifi" → WLAN, loopback and
// down interfaces → Unsupported, anything else → Unknown (still
// acceptable, mirroring the original's BearerUnknown fallback).
func ClassifyBearer(iface net.Interface) Bearer {
	if iface.Flags&net.FlagLoopback != 0 {
		return BearerUnsupported
	}
	if iface.Flags&net.FlagUp == 0 {
		return BearerUnsupported
	}
	name := iface.Name
	switch {
	case hasAnyPrefix(name, "eth", "en", "eno", "enp"):
		return BearerEthernet
	case hasAnyPrefix(name, "wl", "wifi", "wlan"):
		return BearerWLAN
	default:
		return BearerUnknown
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}

// LinkProvider enumerates candidate network interfaces. The default
// implementation wraps net.Interfaces(); tests substitute a fixed list.
type LinkProvider interface {
	Interfaces() ([]net.Interface, error)
}

// SystemLinkProvider is the default LinkProvider, backed by net.Interfaces.
type SystemLinkProvider struct{}

// Interfaces returns the host's network interfaces.
func (SystemLinkProvider) Interfaces() ([]net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, &internalerrors.NetworkError{
			Operation: "enumerate interfaces",
			Err:       err,
		}
	}
	return ifaces, nil
}

// PickLink scans ifaces for the first acceptable bearer, preferring the
// order net.Interfaces() returns them in (the original similarly prefers
// the system's default configuration first, then falls back to the next
// discovered one).
func PickLink(ifaces []net.Interface) (net.Interface, Bearer, bool) {
	for _, iface := range ifaces {
		bearer := ClassifyBearer(iface)
		if bearer.Acceptable() {
			return iface, bearer, true
		}
	}
	return net.Interface{}, BearerUnsupported, false
}
