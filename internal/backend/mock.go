package backend

import (
	"net"

	"github.com/machinekit/svcdiscovery/internal/registry"
)

// Mock is an in-memory Backend double that records every QueryStart/
// QueryCancel call and lets tests inject synthetic answer records,
// exactly the capability spec.md §9's "Design Notes" calls for so the §8
// seed scenarios can run without sockets. Grounded on the hand-rolled
// fakes vanadium's plugins/mock discovery plugin and beacon's querier
// tests use for the same purpose.
type Mock struct {
	cb Callbacks

	nextID    int
	Started   map[int]MockQuery
	Cancelled map[int]bool

	InitCalls      []MockInit
	ShutdownCount  int
	NameServersSet []NameServer

	InitResult bool
}

// MockQuery records one QueryStart call.
type MockQuery struct {
	Name       string
	RecordType registry.RecordType
}

// MockInit records one Init call.
type MockInit struct {
	Mode        Mode
	BindAddress net.IP
}

// NewMock returns a Mock whose Init always succeeds.
func NewMock() *Mock {
	return &Mock{
		Started:    make(map[int]MockQuery),
		Cancelled:  make(map[int]bool),
		InitResult: true,
	}
}

func (m *Mock) SetCallbacks(cb Callbacks) { m.cb = cb }

func (m *Mock) Init(mode Mode, bindAddress net.IP) bool {
	m.InitCalls = append(m.InitCalls, MockInit{Mode: mode, BindAddress: bindAddress})
	return m.InitResult
}

func (m *Mock) Shutdown() { m.ShutdownCount++ }

func (m *Mock) SetNameServers(servers []NameServer) {
	m.NameServersSet = append([]NameServer(nil), servers...)
}

func (m *Mock) SystemNameServers() []NameServer {
	return []NameServer{{Address: "198.51.100.1", Port: 53}}
}

func (m *Mock) QueryStart(name string, recordType registry.RecordType) int {
	m.nextID++
	id := m.nextID
	m.Started[id] = MockQuery{Name: name, RecordType: recordType}
	return id
}

func (m *Mock) QueryCancel(queryID int) {
	m.Cancelled[queryID] = true
}

// Deliver pushes answers to the installed Results callback for queryID, as
// if the backend had just received them off the wire.
func (m *Mock) Deliver(queryID int, answers []AnswerRecord) {
	if m.cb.Results != nil {
		m.cb.Results(queryID, answers)
	}
}

// DeliverError pushes a diagnostic error to the installed Error callback.
func (m *Mock) DeliverError(queryID int, kind ErrorKind) {
	if m.cb.Error != nil {
		m.cb.Error(queryID, kind)
	}
}

// IsCancelled reports whether QueryCancel(queryID) was ever called.
func (m *Mock) IsCancelled(queryID int) bool {
	return m.Cancelled[queryID]
}
