// Package backend defines the capability contract the resolver state
// machine consumes to talk to an actual DNS/mDNS packet engine (spec.md
// §4.1, §6). The resolver never touches wire bytes; it only ever calls
// through this interface, which is why two independent implementations —
// internal/wiredns (real mDNS/unicast DNS) and Mock in mock.go (an
// in-memory test double) — can both drive the exact same resolver logic.
//
// This mirrors the polymorphism beacon's internal/transport.Transport
// interface gives the querier/responder packages, and the
// idiscovery.Plugin capability vanadium's lib/discovery plugins satisfy.
package backend

import (
	"net"

	"github.com/machinekit/svcdiscovery/internal/registry"
)

// Mode selects multicast or unicast DNS lookup.
type Mode int

const (
	// ModeMulticast performs DNS-SD resolution over mDNS.
	ModeMulticast Mode = iota
	// ModeUnicast performs DNS-SD resolution over conventional DNS.
	ModeUnicast
)

func (m Mode) String() string {
	if m == ModeUnicast {
		return "unicast"
	}
	return "multicast"
}

// ErrorKind classifies a backend query error (spec.md §6).
type ErrorKind int

// The error kinds a Backend may report through Callbacks.Error.
const (
	ErrorGeneric ErrorKind = iota
	ErrorNXDomain
	ErrorTimeout
	ErrorConflict
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNXDomain:
		return "NXDomain"
	case ErrorTimeout:
		return "Timeout"
	case ErrorConflict:
		return "Conflict"
	default:
		return "Generic"
	}
}

// AnswerRecord is one DNS answer record as delivered by the backend. Only
// the fields relevant to RecordType are populated; see spec.md §4.1.
type AnswerRecord struct {
	Owner      string
	Name       string
	RecordType registry.RecordType
	TTL        uint32

	// Texts holds the TXT strings, in answer order, for RecordType == TXT.
	Texts []string
	// SRVTarget/SRVPort are populated for RecordType == SRV.
	SRVTarget string
	SRVPort   uint16
	// Address holds the textual IPv4/IPv6 address for RecordType == A/AAAA.
	Address string
}

// NameServer is a unicast DNS server address, paired the way spec.md §6
// describes nameServers ({hostName→address, port}).
type NameServer struct {
	Address string
	Port    uint16
}

// Callbacks is how a Backend delivers asynchronous results back to its
// owner. Results and Error are invoked from whatever goroutine the backend
// chooses to deliver on; callers that are not already safe for concurrent
// use must synchronize inside their own handlers (see internal/lifecycle's
// Controller, which funnels both callbacks onto its single event loop).
type Callbacks struct {
	// Results delivers every answer record received for queryID in one
	// backend response.
	Results func(queryID int, answers []AnswerRecord)
	// Error reports a diagnostic-only backend error for queryID. Per
	// spec.md §7, InstanceTables are never mutated on this path.
	Error func(queryID int, kind ErrorKind)
}

// Backend abstracts the DNS/mDNS packet engine the resolver drives,
// spec.md §4.1 and §6.
type Backend interface {
	// Init brings the backend up in mode, binding to bindAddress (the
	// zero value selects the backend's default bind address). It returns
	// false if initialization failed, in which case the lifecycle
	// controller resets networkReady to false so its watchdog retries later.
	Init(mode Mode, bindAddress net.IP) bool

	// Shutdown tears the backend down. Re-Init after Shutdown must fully
	// reset backend state (spec.md §4.1).
	Shutdown()

	// SetNameServers installs the unicast nameserver list. Ignored in
	// multicast mode.
	SetNameServers(servers []NameServer)

	// QueryStart begins an async query for name/recordType and returns a
	// backend-assigned query ID. Results arrive via Callbacks.Results or
	// Callbacks.Error, addressed by that ID.
	QueryStart(name string, recordType registry.RecordType) int

	// QueryCancel stops a live query. Cancelling an unknown or already
	// completed ID is a no-op.
	QueryCancel(queryID int)

	// SetCallbacks installs the delivery callbacks. Called once, before
	// Init, by discovery.New, which points them at the lifecycle controller.
	SetCallbacks(cb Callbacks)

	// SystemNameServers returns the platform's fallback unicast
	// nameservers, used when the user-configured list is empty
	// (spec.md §7 error kind 6).
	SystemNameServers() []NameServer
}
