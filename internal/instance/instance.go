// Package instance holds the resolved-service-instance bookkeeping that the
// resolver state machine mutates as PTR, TXT, SRV and A/AAAA answers arrive.
//
// An Instance starts life with a name and a pending set of sub-queries and
// becomes visible to callers only once every sub-query has completed at
// least once (see Instance.HasOutstandingRequests). Tables are keyed by
// service type and enforce name uniqueness within a type, mirroring
// ServiceDiscovery::m_serviceItemsMap in the original qtquickvcp
// ServiceDiscovery component.
package instance

import "sort"

// ServiceType identifies a DNS-SD service type string, e.g.
// "_printer._sub._v23._tcp.local.". It is opaque to this package.
type ServiceType string

// Instance is one resolved (or resolving) DNS-SD service instance.
type Instance struct {
	// Name is the left-hand label of the PTR target, stripped before the
	// first "._" occurrence.
	Name string
	// Type is the ServiceType this instance was discovered under.
	Type ServiceType

	// TXT holds the ordered TXT strings from the last TXT answer. Empty
	// until the TXT sub-query resolves.
	TXT []string
	// HostName is the SRV target.
	HostName string
	// Port is the SRV target port.
	Port uint16
	// HostAddress is the textual IPv4/IPv6 address from A/AAAA.
	HostAddress string

	// outstanding is the set of backend query IDs this instance is still
	// waiting on (TXT, SRV, A/AAAA sub-queries started but not yet
	// answered or cancelled).
	outstanding map[int]struct{}

	// Updated is toggled by the resolver's refresh/purge cycle; see
	// internal/resolver for the full state machine around it.
	Updated bool
	// ErrorCount counts consecutive unicast refresh cycles in which this
	// instance failed to re-respond.
	ErrorCount int
}

// New creates an Instance with no outstanding requests.
func New(name string, typ ServiceType) *Instance {
	return &Instance{
		Name:        name,
		Type:        typ,
		outstanding: make(map[int]struct{}),
	}
}

// AddOutstandingRequest records queryID as a sub-query this instance is
// waiting on.
func (i *Instance) AddOutstandingRequest(queryID int) {
	i.outstanding[queryID] = struct{}{}
}

// RemoveOutstandingRequest clears queryID from the waiting set. It is a
// no-op if queryID was not outstanding.
func (i *Instance) RemoveOutstandingRequest(queryID int) {
	delete(i.outstanding, queryID)
}

// HasOutstandingRequests reports whether any sub-query is still pending.
// Per invariant I1, an Instance is fully resolved, and therefore visible to
// user queries, only when this returns false.
func (i *Instance) HasOutstandingRequests() bool {
	return len(i.outstanding) > 0
}

// OutstandingRequests returns a snapshot of the pending query IDs, used by
// removeItem/clearItems to cancel every in-flight sub-query before the
// instance is destroyed.
func (i *Instance) OutstandingRequests() []int {
	ids := make([]int, 0, len(i.outstanding))
	for id := range i.outstanding {
		ids = append(ids, id)
	}
	return ids
}

// IncreaseErrorCount increments the consecutive-refresh-failure counter
// used by the unicast purge heuristic.
func (i *Instance) IncreaseErrorCount() {
	i.ErrorCount++
}

// ResetErrorCount clears the error counter, called once an instance is
// fully resolved again.
func (i *Instance) ResetErrorCount() {
	i.ErrorCount = 0
}

// Table maps a ServiceType to the instances discovered under it, enforcing
// invariant I2 (names are unique within a ServiceType).
type Table struct {
	byType map[ServiceType]map[string]*Instance
}

// NewTable returns an empty instance table.
func NewTable() *Table {
	return &Table{byType: make(map[ServiceType]map[string]*Instance)}
}

// AddServiceType registers typ as a known service type with no instances.
// It is idempotent.
func (t *Table) AddServiceType(typ ServiceType) {
	if _, ok := t.byType[typ]; !ok {
		t.byType[typ] = make(map[string]*Instance)
	}
}

// HasServiceType reports whether typ has been registered via
// AddServiceType and not yet removed.
func (t *Table) HasServiceType(typ ServiceType) bool {
	_, ok := t.byType[typ]
	return ok
}

// RemoveServiceType drops typ and every instance under it. Callers are
// responsible for cancelling outstanding queries first (see
// internal/resolver.Resolver.RemoveServiceType).
func (t *Table) RemoveServiceType(typ ServiceType) {
	delete(t.byType, typ)
}

// ServiceTypes returns every registered service type, in no particular
// order (insertion order is not observable per spec).
func (t *Table) ServiceTypes() []ServiceType {
	types := make([]ServiceType, 0, len(t.byType))
	for typ := range t.byType {
		types = append(types, typ)
	}
	return types
}

// AddItem returns the existing instance named name under typ, or creates
// and inserts a new one. It returns nil if typ was never registered via
// AddServiceType. The boolean result reports whether a new instance was
// created (false means a duplicate PTR announcement for an instance
// already in flight or resolved).
func (t *Table) AddItem(name string, typ ServiceType) (*Instance, bool) {
	instances, ok := t.byType[typ]
	if !ok {
		return nil, false
	}
	if existing, ok := instances[name]; ok {
		return existing, false
	}
	inst := New(name, typ)
	instances[name] = inst
	return inst, true
}

// GetItem looks up an existing instance, returning nil if absent.
func (t *Table) GetItem(name string, typ ServiceType) *Instance {
	instances, ok := t.byType[typ]
	if !ok {
		return nil
	}
	return instances[name]
}

// RemoveItem deletes the named instance from typ, returning it (or nil if
// it did not exist) so the caller can cancel its outstanding queries
// before it is dropped.
func (t *Table) RemoveItem(name string, typ ServiceType) *Instance {
	instances, ok := t.byType[typ]
	if !ok {
		return nil
	}
	inst, ok := instances[name]
	if !ok {
		return nil
	}
	delete(instances, name)
	return inst
}

// Items returns every instance under typ, sorted by name for deterministic
// iteration (the spec does not require ordering, but deterministic output
// makes the rest of the pipeline, and its tests, reproducible).
func (t *Table) Items(typ ServiceType) []*Instance {
	instances, ok := t.byType[typ]
	if !ok {
		return nil
	}
	out := make([]*Instance, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
