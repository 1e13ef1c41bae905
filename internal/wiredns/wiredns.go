// Package wiredns is the real DNS/mDNS packet engine behind the
// backend.Backend contract: multicast DNS-SD resolution over the LAN and
// conventional unicast DNS resolution against configured or system
// nameservers (spec.md §1's "DNS/mDNS packet engine [...] treated as an
// external collaborator").
//
// The engine never parses or builds a DNS wire message itself; that's
// github.com/miekg/dns's job throughout this package, the same way
// elum-utils' mdns client and the Formlabs bonjour responder use it.
// Interface-aware multicast socket handling — joining 224.0.0.251/ff02::fb
// per interface, reading the receiving interface index back out of
// control messages — follows beacon's internal/transport.UDPv4Transport.
package wiredns

import (
	"net"
	"sync"

	"github.com/miekg/dns"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/machinekit/svcdiscovery/internal/backend"
	internalerrors "github.com/machinekit/svcdiscovery/internal/errors"
	"github.com/machinekit/svcdiscovery/internal/logging"
	"github.com/machinekit/svcdiscovery/internal/registry"
)

// pendingQuery is one live QueryStart call: what it's asking for, and (for
// unicast) how to cancel its in-flight exchange.
type pendingQuery struct {
	name       string
	recordType registry.RecordType
	cancel     func()
}

// Backend is the backend.Backend implementation that actually puts DNS
// packets on the wire. It is safe for concurrent use: QueryStart/QueryCancel
// are called from the resolver's event-loop goroutine, while the multicast
// receive loop and unicast exchange goroutines deliver results from their
// own goroutines, so mu genuinely guards a cross-goroutine boundary here
// (unlike the resolver, which never needs one).
type Backend struct {
	log logging.Logger

	mu          sync.Mutex
	cb          backend.Callbacks
	mode        backend.Mode
	nameServers []backend.NameServer
	nextID      int
	queries     map[int]*pendingQuery

	ifaces   []net.Interface
	ipv4conn *ipv4.PacketConn
	ipv6conn *ipv6.PacketConn
	closeCh  chan struct{}
	wg       sync.WaitGroup

	dnsClient *dns.Client
}

// New returns a Backend that logs diagnostics through log (logging.Discard
// if nil).
func New(log logging.Logger) *Backend {
	if log == nil {
		log = logging.Discard
	}
	return &Backend{log: log}
}

// SetCallbacks implements backend.Backend.
func (b *Backend) SetCallbacks(cb backend.Callbacks) {
	b.mu.Lock()
	b.cb = cb
	b.mu.Unlock()
}

// Init implements backend.Backend. bindAddress narrows which interface's
// address multicast queries claim as their source; a nil bindAddress joins
// the group on every multicast-capable interface, mirroring bonjour's
// newServer(nil) fallback.
func (b *Backend) Init(mode backend.Mode, bindAddress net.IP) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.shutdownLocked()
	b.mode = mode
	b.queries = make(map[int]*pendingQuery)
	b.closeCh = make(chan struct{})

	ifaces, err := selectInterfaces(bindAddress)
	if err != nil {
		b.log.Errorf("wiredns: enumerate interfaces: %v", err)
		return false
	}
	b.ifaces = ifaces

	switch mode {
	case backend.ModeMulticast:
		if !b.initMulticastLocked() {
			return false
		}
	case backend.ModeUnicast:
		b.dnsClient = &dns.Client{Net: "udp", Timeout: unicastTimeout}
	}
	return true
}

// Shutdown implements backend.Backend.
func (b *Backend) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdownLocked()
}

func (b *Backend) shutdownLocked() {
	if b.closeCh != nil {
		close(b.closeCh)
	}
	for _, q := range b.queries {
		if q.cancel != nil {
			q.cancel()
		}
	}
	if b.ipv4conn != nil {
		b.ipv4conn.Close()
	}
	if b.ipv6conn != nil {
		b.ipv6conn.Close()
	}
	b.wg.Wait()

	b.ipv4conn = nil
	b.ipv6conn = nil
	b.dnsClient = nil
	b.queries = nil
	b.closeCh = nil
}

// SetNameServers implements backend.Backend.
func (b *Backend) SetNameServers(servers []backend.NameServer) {
	b.mu.Lock()
	b.nameServers = append([]backend.NameServer(nil), servers...)
	b.mu.Unlock()
}

// SystemNameServers implements backend.Backend by reading the platform's
// resolver configuration.
func (b *Backend) SystemNameServers() []backend.NameServer {
	servers, err := readSystemNameServers()
	if err != nil {
		b.log.Errorf("wiredns: read system nameservers: %v", err)
		return nil
	}
	return servers
}

// QueryStart implements backend.Backend, dispatching to the multicast or
// unicast query path chosen at Init.
func (b *Backend) QueryStart(name string, recordType registry.RecordType) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.queries[id] = &pendingQuery{name: name, recordType: recordType}

	switch b.mode {
	case backend.ModeMulticast:
		b.sendMulticastQueryLocked(name, recordType)
	case backend.ModeUnicast:
		b.startUnicastQueryLocked(id, name, recordType)
	}
	return id
}

// QueryCancel implements backend.Backend.
func (b *Backend) QueryCancel(queryID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queries[queryID]
	if !ok {
		return
	}
	if q.cancel != nil {
		q.cancel()
	}
	delete(b.queries, queryID)
}

func recordTypeToQtype(rtype registry.RecordType) uint16 {
	switch rtype {
	case registry.RecordTypePTR:
		return dns.TypePTR
	case registry.RecordTypeTXT:
		return dns.TypeTXT
	case registry.RecordTypeSRV:
		return dns.TypeSRV
	case registry.RecordTypeAAAA:
		return dns.TypeAAAA
	default:
		return dns.TypeA
	}
}

func wrapNetworkError(op string, err error, details string) error {
	return &internalerrors.NetworkError{Operation: op, Err: err, Details: details}
}
