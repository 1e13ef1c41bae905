// Package resolver implements the DNS-SD resolution state machine: it
// drives PTR→TXT/SRV→A per service type, ingests backend answer records,
// maintains the per-service-type instance table, and prunes stale
// instances under unicast refresh. It is the Go rendering of
// ServiceDiscovery::resultsReady, ::addItem/::removeItem/::clearItems,
// ::updateServiceType and ::purgeItems from the original qtquickvcp
// ServiceDiscovery component (spec.md §4.3-§4.5).
//
// A Resolver is not safe for concurrent use: every method here is expected
// to run on a single goroutine (the owning discovery.Engine's event loop),
// matching the single-threaded cooperative scheduling model the design
// assumes. The only concurrency boundary is the Backend, which is free to
// deliver results from any goroutine — callers are responsible for
// funnelling HandleResults/HandleError back onto that one goroutine.
package resolver

import (
	"strings"

	"github.com/machinekit/svcdiscovery/internal/backend"
	internalerrors "github.com/machinekit/svcdiscovery/internal/errors"
	"github.com/machinekit/svcdiscovery/internal/filter"
	"github.com/machinekit/svcdiscovery/internal/instance"
	"github.com/machinekit/svcdiscovery/internal/logging"
	"github.com/machinekit/svcdiscovery/internal/registry"
)

// Resolver owns the TypeTable, every InstanceTable, and the QueryRegistry
// that correlates backend query IDs to them.
type Resolver struct {
	backend  backend.Backend
	registry *registry.Registry
	tables   *instance.Table

	// typeQuery holds the live PTR query ID for each declared service
	// type, or is absent if that type's scan is not currently started.
	typeQuery map[instance.ServiceType]int

	// live is true once queries are allowed to run (networkReady &&
	// lookupReady && running, per invariant I5). AddServiceType only
	// starts a PTR scan immediately when live is true.
	live bool

	// onChange is invoked after an instance under typ becomes fully
	// resolved, disappears, or the purge pass drops it — i.e. whenever
	// the caller should recompute UserQuery.resolvedInstances for typ.
	onChange func(typ instance.ServiceType)

	log logging.Logger
}

// New returns a Resolver driving b, invoking onChange whenever a service
// type's instance set changes. onChange may be nil.
func New(b backend.Backend, onChange func(typ instance.ServiceType)) *Resolver {
	if onChange == nil {
		onChange = func(instance.ServiceType) {}
	}
	return &Resolver{
		backend:   b,
		registry:  registry.New(),
		tables:    instance.NewTable(),
		typeQuery: make(map[instance.ServiceType]int),
		onChange:  onChange,
		log:       logging.Discard,
	}
}

// SetLogger installs l as the destination for diagnostic output (malformed
// records, dropped answers). Passing nil restores the default no-op logger.
func (r *Resolver) SetLogger(l logging.Logger) {
	if l == nil {
		l = logging.Discard
	}
	r.log = l
}

// Items returns the fully- and partially-resolved instances currently
// known for typ (callers filter out partial ones via
// Instance.HasOutstandingRequests, or rely on the fact that onChange only
// fires once an instance is fully resolved; Items itself performs no
// gating so tests can inspect partial state).
func (r *Resolver) Items(typ instance.ServiceType) []*instance.Instance {
	return r.tables.Items(typ)
}

// ServiceTypes returns every declared service type (§4.4 TypeTable).
func (r *Resolver) ServiceTypes() []instance.ServiceType {
	return r.tables.ServiceTypes()
}

// AddServiceType declares typ, idempotently. If the resolver is live, a
// PTR scan is started immediately.
func (r *Resolver) AddServiceType(typ instance.ServiceType) {
	if r.tables.HasServiceType(typ) {
		return
	}
	r.tables.AddServiceType(typ)
	if r.live {
		r.startQuery(typ)
	}
}

// RemoveServiceType stops typ's PTR scan, cancels every outstanding
// sub-query under it, and drops the type entirely (§4.4).
func (r *Resolver) RemoveServiceType(typ instance.ServiceType) {
	if !r.tables.HasServiceType(typ) {
		return
	}
	r.stopQuery(typ)
	r.clearItems(typ)
	r.tables.RemoveServiceType(typ)
	delete(r.typeQuery, typ)
}

// RemoveAllServiceTypes drops every declared service type.
func (r *Resolver) RemoveAllServiceTypes() {
	for _, typ := range r.tables.ServiceTypes() {
		r.RemoveServiceType(typ)
	}
}

// SetLive starts or stops every declared service type's PTR scan. The
// lifecycle controller calls this whenever running && networkReady &&
// lookupReady transitions (§4.7 "Running set true/false").
func (r *Resolver) SetLive(live bool) {
	if r.live == live {
		return
	}
	r.live = live
	for _, typ := range r.tables.ServiceTypes() {
		if live {
			r.startQuery(typ)
		} else {
			r.stopQuery(typ)
		}
	}
}

// Reset empties the registry and every InstanceTable without touching the
// TypeTable, implementing invariant I6 (lookupReady true→false). Live PTR
// query IDs are considered already invalid (the backend was torn down) so
// no cancellation is issued; typeQuery is cleared so a later SetLive(true)
// restarts every scan fresh. onChange fires for every declared type so
// callers see the emptied tables.
func (r *Resolver) Reset() {
	r.registry.Clear()
	for _, typ := range r.tables.ServiceTypes() {
		r.tables.RemoveServiceType(typ)
		r.tables.AddServiceType(typ)
		r.onChange(typ)
	}
	r.typeQuery = make(map[instance.ServiceType]int)
	r.live = false
}

func (r *Resolver) startQuery(typ instance.ServiceType) {
	if _, ok := r.typeQuery[typ]; ok {
		return
	}
	id := r.backend.QueryStart(string(typ), registry.RecordTypePTR)
	r.registry.RegisterServiceTypeQuery(id, registry.RecordTypePTR, typ)
	r.typeQuery[typ] = id
}

func (r *Resolver) stopQuery(typ instance.ServiceType) {
	id, ok := r.typeQuery[typ]
	if !ok {
		return
	}
	r.backend.QueryCancel(id)
	r.registry.Remove(id)
	delete(r.typeQuery, typ)
}

// RefreshQuery implements the unicast refresh cycle (§4.5): cancel the
// live PTR scan, purge the instance table, then restart the scan.
func (r *Resolver) RefreshQuery(typ instance.ServiceType, unicastErrorThreshold int) {
	if !r.tables.HasServiceType(typ) {
		return
	}
	r.stopQuery(typ)
	r.purgeItems(typ, unicastErrorThreshold)
	if r.live {
		r.startQuery(typ)
	}
}

// purgeItems implements §4.5's purge pass: instances that did not
// re-resolve since the last cycle have their errorCount bumped and are
// dropped past the threshold; survivors are re-armed for the next cycle.
func (r *Resolver) purgeItems(typ instance.ServiceType, unicastErrorThreshold int) {
	removed := false
	for _, inst := range r.tables.Items(typ) {
		if !inst.Updated {
			inst.IncreaseErrorCount()
			if inst.ErrorCount > unicastErrorThreshold {
				r.removeItem(inst.Name, typ)
				removed = true
			}
			continue
		}
		inst.Updated = false
	}
	if removed {
		r.onChange(typ)
	}
}

// addItem implements §4.4's addItem: returns the existing instance if one
// is already registered under (name, type), otherwise creates it. Returns
// nil if type was never declared.
func (r *Resolver) addItem(name string, typ instance.ServiceType) (*instance.Instance, bool) {
	return r.tables.AddItem(name, typ)
}

// removeItem implements §4.4's removeItem: drop the instance from the
// table and cancel and de-register every outstanding sub-query for it, so
// a late callback finds no binding (P3, §5's liveness invariant). It does
// not notify; callers invoke onChange once they are done removing.
func (r *Resolver) removeItem(name string, typ instance.ServiceType) {
	inst := r.tables.RemoveItem(name, typ)
	if inst == nil {
		return
	}
	for _, id := range inst.OutstandingRequests() {
		r.backend.QueryCancel(id)
		r.registry.Remove(id)
	}
}

// clearItems implements §4.4's clearItems: remove every instance under
// typ, cancelling their outstanding sub-queries, then notify once.
func (r *Resolver) clearItems(typ instance.ServiceType) {
	items := r.tables.Items(typ)
	if len(items) == 0 {
		return
	}
	for _, inst := range items {
		r.removeItem(inst.Name, typ)
	}
	r.onChange(typ)
}

// HandleResults ingests one backend response, dispatching each answer
// record per the §4.3 ingestion rules keyed by the record type registered
// for queryID.
func (r *Resolver) HandleResults(queryID int, answers []backend.AnswerRecord) {
	rtype, ok := r.registry.RecordType(queryID)
	if !ok {
		// Late callback for an ID already removed from the registry
		// (cancelled, or never valid). Silently dropped (§7 kind 4).
		return
	}
	for _, answer := range answers {
		switch rtype {
		case registry.RecordTypePTR:
			r.handlePTR(queryID, answer)
		case registry.RecordTypeTXT:
			r.handleTXT(queryID, answer)
		case registry.RecordTypeSRV:
			r.handleSRV(queryID, answer)
		case registry.RecordTypeA, registry.RecordTypeAAAA:
			r.handleAddress(queryID, answer)
		}
	}
}

// HandleError treats a backend error as diagnostic only, per §5/§7:
// InstanceTables are never mutated here. Stale instances age out through
// the purge pass, not through this path.
func (r *Resolver) HandleError(queryID int, kind backend.ErrorKind) {
	_, _ = queryID, kind
}

func (r *Resolver) handlePTR(queryID int, answer backend.AnswerRecord) {
	typ, ok := r.registry.ServiceType(queryID)
	if !ok {
		return
	}
	name, ok := instanceName(answer.Name)
	if !ok {
		// Malformed PTR target, no "._" separator (§7 kind 3).
		r.log.Errorf("%v", &internalerrors.ProtocolError{
			Operation: "handlePTR",
			Details:   "PTR target " + answer.Name + ` has no "._" separator`,
		})
		return
	}
	if answer.TTL == 0 {
		r.removeItem(name, typ)
		r.onChange(typ)
		return
	}
	inst, created := r.addItem(name, typ)
	if inst == nil {
		// typ was never declared.
		return
	}
	if !created {
		// Duplicate PTR announcement for an instance already in
		// flight/resolved (§4.3's last bullet): no new sub-queries this
		// refresh. The re-announcement itself is the liveness signal the
		// unicast purge pass (§4.5) checks for, so it still arms
		// updated=true here even though nothing else changes.
		inst.Updated = true
		return
	}
	r.startSubQuery(inst, registry.RecordTypeTXT, answer.Name)
	r.startSubQuery(inst, registry.RecordTypeSRV, answer.Name)
}

func (r *Resolver) handleTXT(queryID int, answer backend.AnswerRecord) {
	inst, ok := r.registry.Instance(queryID)
	if !ok {
		return
	}
	r.completeSubQuery(queryID, inst)
	inst.TXT = append([]string(nil), answer.Texts...)
	r.checkFullyResolved(inst)
}

func (r *Resolver) handleSRV(queryID int, answer backend.AnswerRecord) {
	inst, ok := r.registry.Instance(queryID)
	if !ok {
		return
	}
	r.completeSubQuery(queryID, inst)
	inst.HostName = answer.SRVTarget
	inst.Port = answer.SRVPort
	r.startSubQuery(inst, registry.RecordTypeA, answer.SRVTarget)
	r.checkFullyResolved(inst)
}

func (r *Resolver) handleAddress(queryID int, answer backend.AnswerRecord) {
	inst, ok := r.registry.Instance(queryID)
	if !ok {
		return
	}
	r.completeSubQuery(queryID, inst)
	inst.HostAddress = answer.Address
	r.checkFullyResolved(inst)
}

func (r *Resolver) startSubQuery(inst *instance.Instance, rtype registry.RecordType, name string) {
	id := r.backend.QueryStart(name, rtype)
	r.registry.RegisterInstanceQuery(id, rtype, inst)
}

// completeSubQuery cancels and de-registers queryID and removes it from
// inst's outstanding set, the shared tail of the TXT/SRV/A ingestion rules.
func (r *Resolver) completeSubQuery(queryID int, inst *instance.Instance) {
	r.backend.QueryCancel(queryID)
	r.registry.Remove(queryID)
	inst.RemoveOutstandingRequest(queryID)
}

// checkFullyResolved implements the tail of §4.3: once every sub-query has
// completed at least once, the instance becomes visible (I1).
func (r *Resolver) checkFullyResolved(inst *instance.Instance) {
	if inst.HasOutstandingRequests() {
		return
	}
	inst.ResetErrorCount()
	inst.Updated = true
	r.onChange(inst.Type)
}

// instanceName derives the left-hand instance label from a PTR target,
// the prefix before the first "._" occurrence (§3). Returns ok=false for
// a malformed target with no such separator.
func instanceName(ptrTarget string) (string, bool) {
	idx := strings.Index(ptrTarget, "._")
	if idx < 0 {
		return "", false
	}
	return ptrTarget[:idx], true
}

// FilteredItems returns the instances under typ that satisfy both primary
// and secondary filters, implementing §4.6's matches() conjunction. When
// recordType is A (host-name resolve), filtering is bypassed per §3's
// UserQuery definition.
func FilteredItems(items []*instance.Instance, recordType registry.RecordType, primary, secondary filter.Filter) []*instance.Instance {
	bypass := recordType == registry.RecordTypeA
	out := make([]*instance.Instance, 0, len(items))
	for _, inst := range items {
		if inst.HasOutstandingRequests() {
			continue
		}
		if !bypass && !filter.MatchesBoth(primary, secondary, inst.Name, inst.TXT) {
			continue
		}
		out = append(out, inst)
	}
	return out
}
