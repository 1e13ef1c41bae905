package discovery

import (
	"github.com/machinekit/svcdiscovery/internal/backend"
	"github.com/machinekit/svcdiscovery/internal/filter"
	"github.com/machinekit/svcdiscovery/internal/instance"
)

// ServiceType identifies a DNS-SD service type string, e.g.
// "_printer._sub._http._tcp.local.".
type ServiceType = instance.ServiceType

// Mode selects multicast or unicast DNS lookup.
type Mode = backend.Mode

// The two lookup modes the engine can run in.
const (
	Multicast = backend.ModeMulticast
	Unicast   = backend.ModeUnicast
)

// RecordKind distinguishes a normal, filtered DNS-SD query from a
// hostname query, whose results bypass filtering (spec.md §3's "When
// recordType is A (host-name resolve), filtering is bypassed").
type RecordKind int

const (
	// KindService is a standard PTR-driven service discovery query: both
	// the engine-wide primary filter and the query's own secondary
	// filter apply.
	KindService RecordKind = iota
	// KindHostname queries are never filtered. They drive the same PTR
	// scan of the service type as KindService; no direct A lookup of a
	// host name is made.
	KindHostname
)

// Filter is a name/TXT predicate over resolved instances (spec.md §4.6).
// The zero value matches everything.
type Filter struct {
	// NamePattern is a Unix shell glob ("*", "?", "[...]"), matched
	// case-sensitively against an instance's name. Empty matches any name.
	NamePattern string
	// TXTPatterns are globs applied left to right as successive
	// narrowing filters over an instance's TXT strings; all are ANDed.
	// Empty matches any TXT set.
	TXTPatterns []string
}

func (f Filter) toInternal() filter.Filter {
	return filter.Filter{NamePattern: f.NamePattern, TXTPatterns: f.TXTPatterns}
}

// NameServer is a unicast DNS server address.
type NameServer struct {
	Address string
	Port    uint16
}

func (n NameServer) toInternal() backend.NameServer {
	return backend.NameServer{Address: n.Address, Port: n.Port}
}

// Instance is a snapshot of one fully-resolved DNS-SD service instance,
// the public rendering of internal/instance.Instance (spec.md §3). It is
// a value type: mutating it does not affect the engine's state.
type Instance struct {
	Name        string
	TXT         []string
	HostName    string
	Port        uint16
	HostAddress string
}

func instanceToPublic(inst *instance.Instance) Instance {
	return Instance{
		Name:        inst.Name,
		TXT:         append([]string(nil), inst.TXT...),
		HostName:    inst.HostName,
		Port:        inst.Port,
		HostAddress: inst.HostAddress,
	}
}

func instancesToPublic(items []*instance.Instance) []Instance {
	out := make([]Instance, 0, len(items))
	for _, inst := range items {
		out = append(out, instanceToPublic(inst))
	}
	return out
}
