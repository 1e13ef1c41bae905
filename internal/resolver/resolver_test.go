package resolver

import (
	"testing"

	"github.com/machinekit/svcdiscovery/internal/backend"
	"github.com/machinekit/svcdiscovery/internal/filter"
	"github.com/machinekit/svcdiscovery/internal/instance"
	"github.com/machinekit/svcdiscovery/internal/registry"
)

const httpType instance.ServiceType = "_http._tcp.local"

func resolveOneInstance(t *testing.T, mock *backend.Mock, r *Resolver) *instance.Instance {
	t.Helper()

	ptrID := mustFindQuery(t, mock, "_http._tcp.local")
	mock.Deliver(ptrID, []backend.AnswerRecord{{
		Name: "myprinter._http._tcp.local",
		TTL:  120,
	}})

	txtID := mustFindLatestQuery(t, mock, registry.RecordTypeTXT)
	mock.Deliver(txtID, []backend.AnswerRecord{{
		Texts: []string{"path=/cgi"},
	}})

	srvID := mustFindLatestQuery(t, mock, registry.RecordTypeSRV)
	mock.Deliver(srvID, []backend.AnswerRecord{{
		SRVTarget: "printer.local",
		SRVPort:   631,
	}})

	aID := mustFindLatestQuery(t, mock, registry.RecordTypeA)
	mock.Deliver(aID, []backend.AnswerRecord{{
		Address: "192.0.2.5",
	}})

	items := r.Items(httpType)
	if len(items) != 1 {
		t.Fatalf("Items() = %d instances, want 1", len(items))
	}
	return items[0]
}

func mustFindQuery(t *testing.T, mock *backend.Mock, name string) int {
	t.Helper()
	for id, q := range mock.Started {
		if q.Name == name && !mock.IsCancelled(id) {
			return id
		}
	}
	t.Fatalf("no live query for name %q", name)
	return 0
}

func mustFindLatestQuery(t *testing.T, mock *backend.Mock, rtype registry.RecordType) int {
	t.Helper()
	best := -1
	for id, q := range mock.Started {
		if q.RecordType == rtype && !mock.IsCancelled(id) && id > best {
			best = id
		}
	}
	if best < 0 {
		t.Fatalf("no live query of type %v", rtype)
	}
	return best
}

// Scenario 1: single instance multicast discovery (spec.md §8.1).
func TestSingleInstanceMulticastDiscovery(t *testing.T) {
	mock := backend.NewMock()
	r := New(mock, nil)
	mock.SetCallbacks(backend.Callbacks{Results: r.HandleResults, Error: r.HandleError})
	r.AddServiceType(httpType)
	r.SetLive(true)

	inst := resolveOneInstance(t, mock, r)

	if inst.Name != "myprinter" {
		t.Errorf("Name = %q, want myprinter", inst.Name)
	}
	if inst.HostName != "printer.local" {
		t.Errorf("HostName = %q, want printer.local", inst.HostName)
	}
	if inst.Port != 631 {
		t.Errorf("Port = %d, want 631", inst.Port)
	}
	if inst.HostAddress != "192.0.2.5" {
		t.Errorf("HostAddress = %q, want 192.0.2.5", inst.HostAddress)
	}
	if len(inst.TXT) != 1 || inst.TXT[0] != "path=/cgi" {
		t.Errorf("TXT = %v, want [path=/cgi]", inst.TXT)
	}
	if inst.HasOutstandingRequests() {
		t.Error("instance still has outstanding requests after full resolution")
	}
}

// Scenario 2: a goodbye message (ttl=0 PTR) removes the resolved instance
// from the table (spec.md §8.2).
func TestGoodbyeRemovesInstance(t *testing.T) {
	mock := backend.NewMock()
	r := New(mock, nil)
	mock.SetCallbacks(backend.Callbacks{Results: r.HandleResults, Error: r.HandleError})
	r.AddServiceType(httpType)
	r.SetLive(true)
	resolveOneInstance(t, mock, r)

	ptrID := mustFindQuery(t, mock, "_http._tcp.local")
	mock.Deliver(ptrID, []backend.AnswerRecord{{
		Name: "myprinter._http._tcp.local",
		TTL:  0,
	}})

	if items := r.Items(httpType); len(items) != 0 {
		t.Fatalf("Items() = %d instances after goodbye, want 0", len(items))
	}
}

// Scenario 3: unicast refresh pruning drops an instance that fails to
// re-respond in more than unicastErrorThreshold cycles (spec.md §8.3).
func TestUnicastRefreshPruning(t *testing.T) {
	mock := backend.NewMock()
	var changed []instance.ServiceType
	r := New(mock, func(typ instance.ServiceType) { changed = append(changed, typ) })
	mock.SetCallbacks(backend.Callbacks{Results: r.HandleResults, Error: r.HandleError})
	r.AddServiceType(httpType)
	r.SetLive(true)

	ptrID := mustFindQuery(t, mock, "_http._tcp.local")
	mock.Deliver(ptrID, []backend.AnswerRecord{
		{Name: "a._http._tcp.local", TTL: 120},
		{Name: "b._http._tcp.local", TTL: 120},
	})
	resolveSubQueries(t, mock, "a")
	resolveSubQueries(t, mock, "b")

	const threshold = 2
	// The first refresh consumes the "updated" credit both instances
	// earned by fully resolving in cycle 0, so B's errorCount only starts
	// climbing from the second refresh onward; four refreshes with only A
	// re-responding are needed to push B's errorCount past threshold.
	for i := 0; i < 4; i++ {
		r.RefreshQuery(httpType, threshold)
		rearmPTR(t, mock, r, "a")
	}

	items := r.Items(httpType)
	if len(items) != 1 || items[0].Name != "a" {
		t.Fatalf("Items() = %v, want only instance a", items)
	}
	if items[0].ErrorCount != 0 {
		t.Errorf("a.ErrorCount = %d, want 0", items[0].ErrorCount)
	}
}

func resolveSubQueries(t *testing.T, mock *backend.Mock, name string) {
	t.Helper()
	owner := name + "._http._tcp.local"
	txtID := mustFindLatestQueryForInstance(t, mock, registry.RecordTypeTXT, owner)
	mock.Deliver(txtID, []backend.AnswerRecord{{Texts: nil}})
	srvID := mustFindLatestQueryForInstance(t, mock, registry.RecordTypeSRV, owner)
	mock.Deliver(srvID, []backend.AnswerRecord{{SRVTarget: name + ".local", SRVPort: 1}})
	aID := mustFindLatestQueryForInstance(t, mock, registry.RecordTypeA, name+".local")
	mock.Deliver(aID, []backend.AnswerRecord{{Address: "192.0.2.1"}})
}

// mustFindLatestQueryForInstance returns the newest live query of rtype
// whose queried name is qname, i.e. one belonging to a single instance.
func mustFindLatestQueryForInstance(t *testing.T, mock *backend.Mock, rtype registry.RecordType, qname string) int {
	t.Helper()
	best := -1
	for id, q := range mock.Started {
		if q.RecordType == rtype && q.Name == qname && !mock.IsCancelled(id) && id > best {
			best = id
		}
	}
	if best < 0 {
		t.Fatalf("no live %v query for %q", rtype, qname)
	}
	return best
}

// rearmPTR re-delivers a PTR answer for name only, simulating the backend
// re-announcing the single instance that is still alive after a refresh.
func rearmPTR(t *testing.T, mock *backend.Mock, r *Resolver, name string) {
	t.Helper()
	ptrID := mustFindQuery(t, mock, "_http._tcp.local")
	mock.Deliver(ptrID, []backend.AnswerRecord{{
		Name: name + "._http._tcp.local",
		TTL:  120,
	}})
}

// Scenario 4: filter application (spec.md §8.4).
func TestFilterApplication(t *testing.T) {
	mock := backend.NewMock()
	r := New(mock, nil)
	mock.SetCallbacks(backend.Callbacks{Results: r.HandleResults, Error: r.HandleError})
	r.AddServiceType(httpType)
	r.SetLive(true)

	ptrID := mustFindQuery(t, mock, "_http._tcp.local")
	mock.Deliver(ptrID, []backend.AnswerRecord{
		{Name: "prod-1._http._tcp.local", TTL: 120},
		{Name: "dev-1._http._tcp.local", TTL: 120},
	})
	resolveSubQueries(t, mock, "prod-1")
	resolveSubQueries(t, mock, "dev-1")

	primary := filter.Filter{NamePattern: "prod-*"}
	secondary := filter.Filter{}

	visible := FilteredItems(r.Items(httpType), registry.RecordTypePTR, primary, secondary)
	if len(visible) != 1 || visible[0].Name != "prod-1" {
		t.Fatalf("visible = %v, want only prod-1", visible)
	}

	both := FilteredItems(r.Items(httpType), registry.RecordTypePTR, filter.Filter{}, secondary)
	if len(both) != 2 {
		t.Fatalf("visible with empty filter = %d, want 2", len(both))
	}
}

// Scenario 6: a late callback for an already-cancelled query is dropped
// without mutation or panic (spec.md §8.6).
func TestLateCallbackAfterCancelIsDropped(t *testing.T) {
	mock := backend.NewMock()
	r := New(mock, nil)
	mock.SetCallbacks(backend.Callbacks{Results: r.HandleResults, Error: r.HandleError})
	r.AddServiceType(httpType)
	r.SetLive(true)

	ptrID := mustFindQuery(t, mock, "_http._tcp.local")
	r.RemoveServiceType(httpType)
	if !mock.IsCancelled(ptrID) {
		t.Fatal("PTR query not cancelled on RemoveServiceType")
	}

	// Must not panic and must not resurrect the service type.
	mock.Deliver(ptrID, []backend.AnswerRecord{{Name: "late._http._tcp.local", TTL: 120}})

	r.AddServiceType(httpType)
	if items := r.Items(httpType); len(items) != 0 {
		t.Fatalf("Items() = %v after late callback, want empty", items)
	}
}

// A PTR target with no "._" separator is malformed and silently ignored
// (spec.md §4.3, §7 kind 3).
func TestMalformedPTRIgnored(t *testing.T) {
	mock := backend.NewMock()
	r := New(mock, nil)
	mock.SetCallbacks(backend.Callbacks{Results: r.HandleResults, Error: r.HandleError})
	r.AddServiceType(httpType)
	r.SetLive(true)

	ptrID := mustFindQuery(t, mock, "_http._tcp.local")
	mock.Deliver(ptrID, []backend.AnswerRecord{{Name: "nodotunderscore", TTL: 120}})

	if items := r.Items(httpType); len(items) != 0 {
		t.Fatalf("Items() = %v after malformed PTR, want empty", items)
	}
}

// A duplicate PTR announcement for an instance already in flight starts no
// new sub-queries (spec.md §4.3 last bullet).
func TestDuplicatePTRStartsNoNewSubQueries(t *testing.T) {
	mock := backend.NewMock()
	r := New(mock, nil)
	mock.SetCallbacks(backend.Callbacks{Results: r.HandleResults, Error: r.HandleError})
	r.AddServiceType(httpType)
	r.SetLive(true)

	ptrID := mustFindQuery(t, mock, "_http._tcp.local")
	mock.Deliver(ptrID, []backend.AnswerRecord{{Name: "a._http._tcp.local", TTL: 120}})
	startedAfterFirst := len(mock.Started)

	mock.Deliver(ptrID, []backend.AnswerRecord{{Name: "a._http._tcp.local", TTL: 120}})
	if len(mock.Started) != startedAfterFirst {
		t.Fatalf("Started grew from %d to %d on duplicate PTR", startedAfterFirst, len(mock.Started))
	}
}
