package wiredns

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/machinekit/svcdiscovery/internal/backend"
	"github.com/machinekit/svcdiscovery/internal/registry"
)

func TestToAnswerRecordPTR(t *testing.T) {
	rr := &dns.PTR{
		Hdr: dns.RR_Header{Name: "_http._tcp.local.", Rrtype: dns.TypePTR, Ttl: 120},
		Ptr: "myprinter._http._tcp.local.",
	}
	rec, ok := toAnswerRecord(rr)
	if !ok {
		t.Fatal("toAnswerRecord() ok = false")
	}
	if rec.RecordType != registry.RecordTypePTR || rec.Owner != "_http._tcp.local" || rec.Name != "myprinter._http._tcp.local" || rec.TTL != 120 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestToAnswerRecordSRV(t *testing.T) {
	rr := &dns.SRV{
		Hdr:    dns.RR_Header{Name: "myprinter._http._tcp.local.", Rrtype: dns.TypeSRV, Ttl: 120},
		Target: "printer.local.",
		Port:   631,
	}
	rec, ok := toAnswerRecord(rr)
	if !ok {
		t.Fatal("toAnswerRecord() ok = false")
	}
	if rec.RecordType != registry.RecordTypeSRV || rec.SRVTarget != "printer.local" || rec.SRVPort != 631 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestToAnswerRecordUnsupportedType(t *testing.T) {
	rr := &dns.NS{Hdr: dns.RR_Header{Name: "local.", Rrtype: dns.TypeNS}, Ns: "ns.local."}
	if _, ok := toAnswerRecord(rr); ok {
		t.Fatal("toAnswerRecord() ok = true for an NS record, want false")
	}
}

func TestSameNameIgnoresTrailingDotAndCase(t *testing.T) {
	cases := []struct{ a, b string }{
		{"_http._tcp.local", "_http._tcp.local."},
		{"Printer._http._tcp.local", "printer._http._tcp.local"},
	}
	for _, c := range cases {
		if !sameName(c.a, c.b) {
			t.Errorf("sameName(%q, %q) = false, want true", c.a, c.b)
		}
	}
	if sameName("a.local", "b.local") {
		t.Error("sameName(a.local, b.local) = true, want false")
	}
}

func TestRecordTypeToQtype(t *testing.T) {
	cases := map[registry.RecordType]uint16{
		registry.RecordTypePTR:  dns.TypePTR,
		registry.RecordTypeTXT:  dns.TypeTXT,
		registry.RecordTypeSRV:  dns.TypeSRV,
		registry.RecordTypeA:    dns.TypeA,
		registry.RecordTypeAAAA: dns.TypeAAAA,
	}
	for rtype, want := range cases {
		if got := recordTypeToQtype(rtype); got != want {
			t.Errorf("recordTypeToQtype(%v) = %v, want %v", rtype, got, want)
		}
	}
}

func TestNsAddrDefaultsPort53(t *testing.T) {
	got := nsAddr(backend.NameServer{Address: "192.0.2.53"})
	if got != "192.0.2.53:53" {
		t.Errorf("nsAddr() = %q, want %q", got, "192.0.2.53:53")
	}
}

func TestReadSystemNameServers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resolv.conf")
	content := "nameserver 192.0.2.1\nsearch example.com\nnameserver 192.0.2.2\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	old := resolvConfPath
	resolvConfPath = path
	defer func() { resolvConfPath = old }()

	got, err := readSystemNameServers()
	if err != nil {
		t.Fatalf("readSystemNameServers() error = %v", err)
	}
	want := []backend.NameServer{{Address: "192.0.2.1", Port: 53}, {Address: "192.0.2.2", Port: 53}}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("readSystemNameServers() = %+v, want %+v", got, want)
	}
}

// TestUnicastQueryWithoutNameServersReportsError exercises the QueryStart
// bookkeeping and error-delivery path without opening a real socket: no
// nameservers configured means runUnicastQuery's len(servers)==0 guard
// fires immediately.
func TestUnicastQueryWithoutNameServersReportsError(t *testing.T) {
	b := New(nil)
	if !b.Init(backend.ModeUnicast, nil) {
		t.Fatal("Init() = false")
	}
	defer b.Shutdown()

	errCh := make(chan backend.ErrorKind, 1)
	b.SetCallbacks(backend.Callbacks{
		Error: func(queryID int, kind backend.ErrorKind) { errCh <- kind },
	})

	id := b.QueryStart("_http._tcp.local", registry.RecordTypePTR)
	if id == 0 {
		t.Fatal("QueryStart() returned id 0")
	}

	select {
	case kind := <-errCh:
		if kind != backend.ErrorGeneric {
			t.Errorf("error kind = %v, want ErrorGeneric", kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error callback")
	}
}

// TestQueryCancelDropsLateCallback ensures a query cancelled before its
// exchange resolves never reaches the installed callbacks, mirroring the
// resolver's own late-callback-after-cancel guarantee.
func TestQueryCancelDropsLateCallback(t *testing.T) {
	b := New(nil)
	if !b.Init(backend.ModeUnicast, nil) {
		t.Fatal("Init() = false")
	}
	defer b.Shutdown()

	called := make(chan struct{}, 1)
	b.SetCallbacks(backend.Callbacks{
		Error:   func(int, backend.ErrorKind) { called <- struct{}{} },
		Results: func(int, []backend.AnswerRecord) { called <- struct{}{} },
	})

	id := b.QueryStart("_http._tcp.local", registry.RecordTypePTR)
	b.QueryCancel(id)

	select {
	case <-called:
		t.Fatal("callback fired after QueryCancel")
	case <-time.After(100 * time.Millisecond):
	}
}
