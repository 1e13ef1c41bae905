// Package registry implements the query-ID correlation maps the resolver
// uses to figure out which DNS record type, service type or instance a
// backend answer belongs to. It is the Go rendering of
// ServiceDiscovery::m_queryIdTypeMap / m_queryIdServiceMap /
// m_queryIdItemMap from the original qtquickvcp ServiceDiscovery
// component (spec.md §3 QueryRegistry, §4.2).
package registry

import "github.com/machinekit/svcdiscovery/internal/instance"

// RecordType is the DNS record type a query ID is fetching.
type RecordType int

// The record types the resolver's DNS-SD pipeline issues or accepts.
const (
	RecordTypePTR RecordType = iota
	RecordTypeTXT
	RecordTypeSRV
	RecordTypeA
	RecordTypeAAAA
)

func (t RecordType) String() string {
	switch t {
	case RecordTypePTR:
		return "PTR"
	case RecordTypeTXT:
		return "TXT"
	case RecordTypeSRV:
		return "SRV"
	case RecordTypeA:
		return "A"
	case RecordTypeAAAA:
		return "AAAA"
	default:
		return "UNKNOWN"
	}
}

// Registry holds the three query-ID correlation maps described by
// invariant I3: for any live query ID, exactly one of idToServiceType and
// idToInstance is populated, matching idToRecordType.
type Registry struct {
	idToRecordType  map[int]RecordType
	idToServiceType map[int]instance.ServiceType
	idToInstance    map[int]*instance.Instance
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		idToRecordType:  make(map[int]RecordType),
		idToServiceType: make(map[int]instance.ServiceType),
		idToInstance:    make(map[int]*instance.Instance),
	}
}

// RegisterServiceTypeQuery records queryID as the PTR scan for typ.
func (r *Registry) RegisterServiceTypeQuery(queryID int, rtype RecordType, typ instance.ServiceType) {
	r.idToRecordType[queryID] = rtype
	r.idToServiceType[queryID] = typ
}

// RegisterInstanceQuery records queryID as a TXT/SRV/A/AAAA sub-query
// resolving inst, and adds queryID to inst's outstanding set.
func (r *Registry) RegisterInstanceQuery(queryID int, rtype RecordType, inst *instance.Instance) {
	r.idToRecordType[queryID] = rtype
	r.idToInstance[queryID] = inst
	inst.AddOutstandingRequest(queryID)
}

// RecordType returns the record type registered for queryID, if any.
func (r *Registry) RecordType(queryID int) (RecordType, bool) {
	rtype, ok := r.idToRecordType[queryID]
	return rtype, ok
}

// ServiceType returns the service type a PTR query ID belongs to.
func (r *Registry) ServiceType(queryID int) (instance.ServiceType, bool) {
	typ, ok := r.idToServiceType[queryID]
	return typ, ok
}

// Instance returns the instance a TXT/SRV/A/AAAA query ID is resolving.
func (r *Registry) Instance(queryID int) (*instance.Instance, bool) {
	inst, ok := r.idToInstance[queryID]
	return inst, ok
}

// Remove deletes every entry for queryID. It is a no-op for an unknown ID.
// Once removed, RecordType reports queryID as unknown, which is how the
// resolver silently drops late callbacks (spec.md §4.3, §7 error kind 4).
func (r *Registry) Remove(queryID int) {
	delete(r.idToRecordType, queryID)
	delete(r.idToServiceType, queryID)
	delete(r.idToInstance, queryID)
}

// FindQueryByServiceType performs the linear scan the §4.2
// findQueryByServiceType operation describes. At most one query ID maps to
// typ by invariant I3 combined with the one-PTR-scan-per-type contract in
// §4.3.
func (r *Registry) FindQueryByServiceType(typ instance.ServiceType) (int, bool) {
	for id, t := range r.idToServiceType {
		if t == typ {
			return id, true
		}
	}
	return 0, false
}

// Clear empties all three maps. Called when lookupReady transitions from
// true to false (invariant I6).
func (r *Registry) Clear() {
	r.idToRecordType = make(map[int]RecordType)
	r.idToServiceType = make(map[int]instance.ServiceType)
	r.idToInstance = make(map[int]*instance.Instance)
}
