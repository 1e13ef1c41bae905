package wiredns

import (
	"net"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/machinekit/svcdiscovery/internal/backend"
	"github.com/machinekit/svcdiscovery/internal/registry"
)

// RFC 6762 §3: the well-known mDNS multicast groups and port.
var (
	mdnsGroupIPv4 = net.IPv4(224, 0, 0, 251)
	mdnsGroupIPv6 = net.ParseIP("ff02::fb")

	mdnsWildcardAddrIPv4 = &net.UDPAddr{Port: mdnsPort}
	mdnsWildcardAddrIPv6 = &net.UDPAddr{Port: mdnsPort}

	mdnsDestAddrIPv4 = &net.UDPAddr{IP: mdnsGroupIPv4, Port: mdnsPort}
	mdnsDestAddrIPv6 = &net.UDPAddr{IP: mdnsGroupIPv6, Port: mdnsPort}
)

const mdnsPort = 5353

// selectInterfaces resolves which interfaces to join the multicast group
// on. A nil bindAddress joins every multicast-capable interface (bonjour's
// newServer(nil) fallback); a non-nil one narrows to whichever interface
// carries it.
func selectInterfaces(bindAddress net.IP) ([]net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, wrapNetworkError("enumerate interfaces", err, "")
	}
	if bindAddress == nil {
		return multicastCapable(ifaces), nil
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if ok && ipnet.IP.Equal(bindAddress) {
				return []net.Interface{iface}, nil
			}
		}
	}
	return multicastCapable(ifaces), nil
}

func multicastCapable(ifaces []net.Interface) []net.Interface {
	var out []net.Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, iface)
	}
	return out
}

// initMulticastLocked binds the wildcard mDNS port (":5353" can already be
// taken by another process on the box, hence SO_REUSEPORT via setReusePort
// before the bind) and joins the multicast group on every selected
// interface. Per-interface JoinGroup failures are tolerated as long as at
// least one interface succeeds, the same all-or-nothing-but-one tolerance
// bonjour's newServer applies.
func (b *Backend) initMulticastLocked() bool {
	conn4, err4 := listenReusable("udp4", mdnsWildcardAddrIPv4)
	conn6, err6 := listenReusable("udp6", mdnsWildcardAddrIPv6)
	if err4 != nil {
		b.log.Errorf("wiredns: bind udp4 mDNS port: %v", err4)
	}
	if err6 != nil {
		b.log.Errorf("wiredns: bind udp6 mDNS port: %v", err6)
	}
	if conn4 == nil && conn6 == nil {
		return false
	}

	joined := 0
	if conn4 != nil {
		p4 := ipv4.NewPacketConn(conn4)
		if err := p4.SetControlMessage(ipv4.FlagInterface, true); err != nil {
			b.log.Debugf("wiredns: ipv4 control messages unavailable: %v", err)
		}
		for i := range b.ifaces {
			if err := p4.JoinGroup(&b.ifaces[i], mdnsDestAddrIPv4); err != nil {
				b.log.Debugf("wiredns: join ipv4 group on %s: %v", b.ifaces[i].Name, err)
				continue
			}
			joined++
		}
		b.ipv4conn = p4
	}
	if conn6 != nil {
		p6 := ipv6.NewPacketConn(conn6)
		if err := p6.SetControlMessage(ipv6.FlagInterface, true); err != nil {
			b.log.Debugf("wiredns: ipv6 control messages unavailable: %v", err)
		}
		for i := range b.ifaces {
			if err := p6.JoinGroup(&b.ifaces[i], mdnsDestAddrIPv6); err != nil {
				b.log.Debugf("wiredns: join ipv6 group on %s: %v", b.ifaces[i].Name, err)
				continue
			}
			joined++
		}
		b.ipv6conn = p6
	}
	if joined == 0 {
		b.log.Errorf("wiredns: failed to join multicast group on any interface")
		if b.ipv4conn != nil {
			b.ipv4conn.Close()
			b.ipv4conn = nil
		}
		if b.ipv6conn != nil {
			b.ipv6conn.Close()
			b.ipv6conn = nil
		}
		return false
	}

	if b.ipv4conn != nil {
		b.wg.Add(1)
		go b.recvLoop4()
	}
	if b.ipv6conn != nil {
		b.wg.Add(1)
		go b.recvLoop6()
	}
	return true
}

func (b *Backend) recvLoop4() {
	defer b.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, _, _, err := b.ipv4conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-b.closeCh:
				return
			default:
				b.log.Debugf("wiredns: ipv4 read: %v", err)
				return
			}
		}
		b.handlePacket(buf[:n])
	}
}

func (b *Backend) recvLoop6() {
	defer b.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, _, _, err := b.ipv6conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-b.closeCh:
				return
			default:
				b.log.Debugf("wiredns: ipv6 read: %v", err)
				return
			}
		}
		b.handlePacket(buf[:n])
	}
}

// handlePacket unpacks one incoming mDNS message and routes every answer
// record to whichever live queries it matches by (recordType, owner name),
// grouping by query ID so each query gets exactly one Results callback per
// packet — the same grouping elum-utils' client.go performs across flagPTR/
// flagSRV/flagTXT/flagA before firing its ServiceEntry callback.
func (b *Backend) handlePacket(buf []byte) {
	msg := new(dns.Msg)
	if err := msg.Unpack(buf); err != nil {
		b.log.Debugf("wiredns: malformed mDNS packet: %v", err)
		return
	}

	grouped := map[int][]backend.AnswerRecord{}
	b.mu.Lock()
	for _, rr := range append(append([]dns.RR{}, msg.Answer...), msg.Extra...) {
		rec, ok := toAnswerRecord(rr)
		if !ok {
			continue
		}
		for id, q := range b.queries {
			if q.recordType != rec.RecordType || !sameName(q.name, rec.Owner) {
				continue
			}
			grouped[id] = append(grouped[id], rec)
		}
	}
	cb := b.cb
	b.mu.Unlock()

	for id, answers := range grouped {
		if cb.Results != nil {
			cb.Results(id, answers)
		}
	}
}

func (b *Backend) sendMulticastQueryLocked(name string, recordType registry.RecordType) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), recordTypeToQtype(recordType))
	m.RecursionDesired = false
	buf, err := m.Pack()
	if err != nil {
		b.log.Errorf("wiredns: pack query for %s: %v", name, err)
		return
	}
	if b.ipv4conn != nil {
		var wcm ipv4.ControlMessage
		for i := range b.ifaces {
			wcm.IfIndex = b.ifaces[i].Index
			if _, err := b.ipv4conn.WriteTo(buf, &wcm, mdnsDestAddrIPv4); err != nil {
				b.log.Debugf("wiredns: send ipv4 query on %s: %v", b.ifaces[i].Name, err)
			}
		}
	}
	if b.ipv6conn != nil {
		var wcm ipv6.ControlMessage
		for i := range b.ifaces {
			wcm.IfIndex = b.ifaces[i].Index
			if _, err := b.ipv6conn.WriteTo(buf, &wcm, mdnsDestAddrIPv6); err != nil {
				b.log.Debugf("wiredns: send ipv6 query on %s: %v", b.ifaces[i].Name, err)
			}
		}
	}
}

// toAnswerRecord translates one parsed resource record into the backend's
// wire-agnostic AnswerRecord shape. Record types the resolver never asks
// for (NSEC, OPT, ...) return ok=false and are dropped.
func toAnswerRecord(rr dns.RR) (backend.AnswerRecord, bool) {
	hdr := rr.Header()
	switch v := rr.(type) {
	case *dns.PTR:
		return backend.AnswerRecord{
			Owner:      trimDot(hdr.Name),
			Name:       trimDot(v.Ptr),
			RecordType: registry.RecordTypePTR,
			TTL:        hdr.Ttl,
		}, true
	case *dns.TXT:
		return backend.AnswerRecord{
			Owner:      trimDot(hdr.Name),
			RecordType: registry.RecordTypeTXT,
			TTL:        hdr.Ttl,
			Texts:      append([]string(nil), v.Txt...),
		}, true
	case *dns.SRV:
		return backend.AnswerRecord{
			Owner:      trimDot(hdr.Name),
			RecordType: registry.RecordTypeSRV,
			TTL:        hdr.Ttl,
			SRVTarget:  trimDot(v.Target),
			SRVPort:    v.Port,
		}, true
	case *dns.A:
		return backend.AnswerRecord{
			Owner:      trimDot(hdr.Name),
			RecordType: registry.RecordTypeA,
			TTL:        hdr.Ttl,
			Address:    v.A.String(),
		}, true
	case *dns.AAAA:
		return backend.AnswerRecord{
			Owner:      trimDot(hdr.Name),
			RecordType: registry.RecordTypeAAAA,
			TTL:        hdr.Ttl,
			Address:    v.AAAA.String(),
		}, true
	default:
		return backend.AnswerRecord{}, false
	}
}

func trimDot(name string) string {
	if len(name) > 0 && name[len(name)-1] == '.' {
		return name[:len(name)-1]
	}
	return name
}

func sameName(a, b string) bool {
	return strings.EqualFold(trimDot(a), trimDot(b))
}
