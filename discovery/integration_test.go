package discovery

import (
	"testing"

	"github.com/machinekit/svcdiscovery/internal/backend"
)

// TestModeFlipWhileRunning exercises spec.md §8 seed scenario 5 end to
// end through the public Engine: running, multicast, one instance
// resolved, then SetLookupMode(Unicast) while still running. The backend
// must be torn down and re-initialized, every InstanceTable emptied
// during the transition, and nameservers pushed (falling back to the
// backend's SystemNameServers since none were configured) before PTR
// queries are re-armed against the new backend.
//
// Seed scenarios 1, 2, 3, 4 and 6 already have dedicated coverage at the
// layer they're simplest to express at: 1/2/3/4/6 in internal/resolver's
// test suite (the resolver is where the DNS-SD pipeline and purge timing
// actually live), and 1/4 again at the Engine layer in engine_test.go to
// confirm the facade wiring doesn't lose anything on the way up. Scenario
// 5 is the one genuinely engine-level behavior — a backend swap — so it
// lives here instead.
func TestModeFlipWhileRunning(t *testing.T) {
	mock := backend.NewMock()
	e := newTestEngine(t, mock)
	e.SetRunning(true)

	q := e.AddQuery("_http._tcp.local", KindService, Filter{})
	ptrID := liveQueryID(t, mock, "_http._tcp.local")
	mock.Deliver(ptrID, []backend.AnswerRecord{{Name: "myprinter._http._tcp.local", TTL: 120}})
	resolveAllPending(t, mock)
	waitFor(t, func() bool { return len(q.Items()) == 1 })

	initsBefore := len(mock.InitCalls)
	shutdownsBefore := mock.ShutdownCount

	e.SetLookupMode(Unicast)

	waitFor(t, func() bool { return mock.ShutdownCount > shutdownsBefore })
	waitFor(t, func() bool { return len(mock.InitCalls) > initsBefore })
	last := mock.InitCalls[len(mock.InitCalls)-1]
	if last.Mode != Unicast {
		t.Fatalf("re-Init mode = %v, want Unicast", last.Mode)
	}

	waitFor(t, func() bool { return e.LookupMode() == Unicast && e.LookupReady() })
	waitFor(t, func() bool { return len(mock.NameServersSet) > 0 })
	if mock.NameServersSet[0].Address != "198.51.100.1" {
		t.Fatalf("NameServersSet = %+v, want the mock's SystemNameServers fallback", mock.NameServersSet)
	}

	newPTRID := liveQueryID(t, mock, "_http._tcp.local")
	if newPTRID == ptrID {
		t.Fatal("PTR query was not re-armed against the new backend")
	}

	mock.Deliver(newPTRID, []backend.AnswerRecord{{Name: "myprinter._http._tcp.local", TTL: 120}})
	resolveAllPending(t, mock)
	waitFor(t, func() bool { return len(q.Items()) == 1 })
}

// TestGoodbyeRemovesInstanceThroughEngine exercises seed scenario 2 at
// the Engine layer: a ttl=0 PTR re-announcement must empty the UserQuery
// the same way it empties the resolver's own InstanceTable (confirmed in
// internal/resolver/resolver_test.go's TestGoodbyeRemovesInstance).
func TestGoodbyeRemovesInstanceThroughEngine(t *testing.T) {
	mock := backend.NewMock()
	e := newTestEngine(t, mock)
	e.SetRunning(true)

	q := e.AddQuery("_http._tcp.local", KindService, Filter{})
	ptrID := liveQueryID(t, mock, "_http._tcp.local")
	mock.Deliver(ptrID, []backend.AnswerRecord{{Name: "myprinter._http._tcp.local", TTL: 120}})
	resolveAllPending(t, mock)
	waitFor(t, func() bool { return len(q.Items()) == 1 })

	mock.Deliver(ptrID, []backend.AnswerRecord{{Name: "myprinter._http._tcp.local", TTL: 0}})
	waitFor(t, func() bool { return len(q.Items()) == 0 })
}
