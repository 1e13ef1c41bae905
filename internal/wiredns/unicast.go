package wiredns

import (
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"

	"github.com/machinekit/svcdiscovery/internal/backend"
	"github.com/machinekit/svcdiscovery/internal/registry"
)

// nsAddr renders a NameServer as the "host:port" string dns.Client.Exchange
// expects, defaulting to the conventional DNS port 53.
func nsAddr(ns backend.NameServer) string {
	port := ns.Port
	if port == 0 {
		port = 53
	}
	return net.JoinHostPort(ns.Address, strconv.Itoa(int(port)))
}

// unicastTimeout bounds a single dns.Client.Exchange call, well under the
// lifecycle package's 5s default unicast refresh interval so a hung
// nameserver can't stall the next refresh cycle.
const unicastTimeout = 2 * time.Second

// startUnicastQueryLocked spawns the one-shot exchange for id. Each call
// to QueryStart in unicast mode is already a fresh lookup — the resolver's
// RefreshQuery cancels and re-starts the query every refresh cycle rather
// than keeping one alive, so there is no continuous listening to do here,
// unlike the multicast path.
func (b *Backend) startUnicastQueryLocked(id int, name string, recordType registry.RecordType) {
	servers := append([]backend.NameServer(nil), b.nameServers...)
	client := b.dnsClient
	cancelled := make(chan struct{})
	b.queries[id].cancel = func() { close(cancelled) }

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runUnicastQuery(id, name, recordType, servers, client, cancelled)
	}()
}

func (b *Backend) runUnicastQuery(id int, name string, recordType registry.RecordType, servers []backend.NameServer, client *dns.Client, cancelled chan struct{}) {
	if len(servers) == 0 {
		b.deliverError(id, cancelled, backend.ErrorGeneric)
		return
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), recordTypeToQtype(recordType))
	m.RecursionDesired = true

	var lastErr error
	for _, ns := range servers {
		select {
		case <-cancelled:
			return
		default:
		}
		resp, _, err := client.Exchange(m, nsAddr(ns))
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode == dns.RcodeNameError {
			b.deliverError(id, cancelled, backend.ErrorNXDomain)
			return
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = &dnsRcodeError{resp.Rcode}
			continue
		}

		var answers []backend.AnswerRecord
		for _, rr := range resp.Answer {
			rec, ok := toAnswerRecord(rr)
			if !ok || rec.RecordType != recordType {
				continue
			}
			answers = append(answers, rec)
		}
		b.deliverResults(id, cancelled, answers)
		return
	}

	kind := backend.ErrorGeneric
	if isTimeout(lastErr) {
		kind = backend.ErrorTimeout
	}
	b.deliverError(id, cancelled, kind)
}

func (b *Backend) deliverResults(id int, cancelled chan struct{}, answers []backend.AnswerRecord) {
	b.mu.Lock()
	if !b.stillLive(id, cancelled) {
		b.mu.Unlock()
		return
	}
	cb := b.cb
	b.mu.Unlock()
	if cb.Results != nil {
		cb.Results(id, answers)
	}
}

func (b *Backend) deliverError(id int, cancelled chan struct{}, kind backend.ErrorKind) {
	b.mu.Lock()
	if !b.stillLive(id, cancelled) {
		b.mu.Unlock()
		return
	}
	cb := b.cb
	b.mu.Unlock()
	if cb.Error != nil {
		cb.Error(id, kind)
	}
}

// stillLive reports whether id is still registered and wasn't cancelled
// while the exchange was in flight. Must be called with b.mu held.
func (b *Backend) stillLive(id int, cancelled chan struct{}) bool {
	select {
	case <-cancelled:
		return false
	default:
	}
	_, ok := b.queries[id]
	return ok
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	t, ok := err.(timeouter)
	return ok && t.Timeout()
}

type dnsRcodeError struct{ rcode int }

func (e *dnsRcodeError) Error() string { return dns.RcodeToString[e.rcode] }
