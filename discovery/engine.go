// Package discovery is the public façade over the DNS-SD resolution
// engine: it aggregates user-declared Queries, feeds their service types
// into the resolver, and keeps each Query's resolved-instance list
// current as PTR/TXT/SRV/A answers arrive (spec.md §2 C8, §6 "Engine
// facade").
//
// ## WHY THIS PACKAGE EXISTS
//
// Everything below discovery (internal/resolver, internal/lifecycle,
// internal/backend, internal/registry, internal/instance, internal/
// filter) is plumbing: correlating query IDs, driving a state machine,
// watching a network link. None of it is meant to be called directly by
// an application. This package is the one seam applications are meant to
// import: declare a Query, read back a live, already-deduplicated,
// already-filtered list of service instances, and not worry about PTR
// goodbyes, TTL pruning, or backend query IDs.
//
// ## CONCURRENCY
//
// Engine is safe for concurrent use. Every mutating call (AddQuery,
// SetRunning, UpdateFilter, …) is funnelled through the internal
// lifecycle.Controller's single event-loop goroutine, matching spec.md
// §5's single-threaded core invariant; Query.Items and Query.OnUpdate are
// separately safe for concurrent reads from any goroutine.
package discovery

import (
	"sync"
	"time"

	"github.com/machinekit/svcdiscovery/internal/backend"
	internalerrors "github.com/machinekit/svcdiscovery/internal/errors"
	"github.com/machinekit/svcdiscovery/internal/instance"
	"github.com/machinekit/svcdiscovery/internal/lifecycle"
	"github.com/machinekit/svcdiscovery/internal/logging"
	"github.com/machinekit/svcdiscovery/internal/registry"
	"github.com/machinekit/svcdiscovery/internal/resolver"
)

// Engine aggregates UserQueries and drives the resolver/lifecycle
// controller beneath them (spec.md §2 C8).
type Engine struct {
	controller *lifecycle.Controller
	resolver   *resolver.Resolver
	backend    backend.Backend

	// queries and primaryFilter are mutated only on the controller's
	// event-loop goroutine: every public method that touches them is
	// wrapped in controller.exec-equivalent serialization, and the
	// resolver's onChange callback (which also touches queries) only
	// ever fires nested inside one of those same calls. See
	// internal/lifecycle's Controller doc comment for why this is safe
	// without an additional mutex here.
	queries       []*Query
	primaryFilter Filter
	nameServers   []NameServer

	updateMu sync.RWMutex
	onUpdate func()
}

// Option configures an Engine at construction time, the same functional
// options shape beacon's responder.Option uses.
type Option func(*engineConfig) error

type engineConfig struct {
	mode                  Mode
	watchdogInterval      time.Duration
	unicastLookupInterval time.Duration
	unicastErrorThreshold int
	filter                Filter
	logger                logging.Logger
	linkProvider          lifecycle.LinkProvider
}

// WithMode selects the initial lookup mode. Default Multicast.
func WithMode(mode Mode) Option {
	return func(c *engineConfig) error {
		c.mode = mode
		return nil
	}
}

// WithWatchdogInterval overrides the network watchdog poll period.
// Default 3s (spec.md §4.7).
func WithWatchdogInterval(d time.Duration) Option {
	return func(c *engineConfig) error {
		if d <= 0 {
			return &internalerrors.ValidationError{Field: "watchdogInterval", Value: d, Message: "must be positive"}
		}
		c.watchdogInterval = d
		return nil
	}
}

// WithUnicastLookupInterval overrides the unicast refresh period. Default
// 5000ms (spec.md §6).
func WithUnicastLookupInterval(d time.Duration) Option {
	return func(c *engineConfig) error {
		if d <= 0 {
			return &internalerrors.ValidationError{Field: "unicastLookupInterval", Value: d, Message: "must be positive"}
		}
		c.unicastLookupInterval = d
		return nil
	}
}

// WithUnicastErrorThreshold overrides the unicast purge threshold.
// Default 2 (spec.md §6).
func WithUnicastErrorThreshold(n int) Option {
	return func(c *engineConfig) error {
		if n <= 0 {
			return &internalerrors.ValidationError{Field: "unicastErrorThreshold", Value: n, Message: "must be positive"}
		}
		c.unicastErrorThreshold = n
		return nil
	}
}

// WithFilter sets the engine-wide primary filter applied in conjunction
// with every query's secondary filter.
func WithFilter(f Filter) Option {
	return func(c *engineConfig) error {
		c.filter = f
		return nil
	}
}

// WithLogger installs a logging.Logger. Default discards everything.
func WithLogger(l logging.Logger) Option {
	return func(c *engineConfig) error {
		c.logger = l
		return nil
	}
}

// WithLinkProvider overrides how the engine enumerates candidate network
// interfaces. Intended for tests; production callers should leave this
// unset to get lifecycle.SystemLinkProvider.
func WithLinkProvider(p lifecycle.LinkProvider) Option {
	return func(c *engineConfig) error {
		c.linkProvider = p
		return nil
	}
}

// New builds an Engine over b and starts its network watchdog.
func New(b backend.Backend, opts ...Option) (*Engine, error) {
	cfg := engineConfig{mode: Multicast}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	e := &Engine{backend: b, primaryFilter: cfg.filter}
	e.resolver = resolver.New(b, e.onServiceTypeChanged)
	if cfg.logger != nil {
		e.resolver.SetLogger(cfg.logger)
	}
	e.controller = lifecycle.New(b, e.resolver, lifecycle.Options{
		WatchdogInterval:       cfg.watchdogInterval,
		UnicastRefreshInterval: cfg.unicastLookupInterval,
		UnicastErrorThreshold:  cfg.unicastErrorThreshold,
		LinkProvider:           cfg.linkProvider,
		Logger:                 cfg.logger,
		InitialMode:            cfg.mode,
		OnChange:               e.fireUpdate,
	})

	b.SetCallbacks(backend.Callbacks{
		Results: e.controller.HandleResults,
		Error:   e.controller.HandleError,
	})

	e.controller.Start()
	return e, nil
}

// Close stops the watchdog and tears down the backend if it is up.
func (e *Engine) Close() {
	e.controller.Close()
}

// Running reports whether the engine is currently issuing live queries.
func (e *Engine) Running() bool { return e.controller.Running() }

// NetworkReady reports whether a usable network session is open.
func (e *Engine) NetworkReady() bool { return e.controller.NetworkReady() }

// LookupReady reports whether the lookup backend initialized successfully
// on the current session.
func (e *Engine) LookupReady() bool { return e.controller.LookupReady() }

// LookupMode returns the current lookup mode.
func (e *Engine) LookupMode() Mode { return e.controller.Mode() }

// UnicastLookupInterval returns the unicast refresh period the engine was
// constructed with (spec.md §6; see WithUnicastLookupInterval).
func (e *Engine) UnicastLookupInterval() time.Duration {
	return e.controller.UnicastRefreshInterval()
}

// UnicastErrorThreshold returns the unicast purge threshold the engine was
// constructed with (spec.md §6; see WithUnicastErrorThreshold).
func (e *Engine) UnicastErrorThreshold() int { return e.controller.UnicastErrorThreshold() }

// Filter returns the current engine-wide primary filter.
func (e *Engine) Filter() Filter {
	var out Filter
	e.controller.Exec(func() { out = e.primaryFilter })
	return out
}

// OnUpdate installs a callback invoked whenever any of the engine's
// observable properties changes: Running, NetworkReady, LookupReady,
// LookupMode, Filter or the NameServers list (spec.md §6 "Change
// notifications on every observable property"). Grounded on beacon's
// OnProbe/OnAnnounce callback-registration pattern in responder.go, cut
// down to a single no-argument callback since this engine has one change
// stream rather than per-phase probe/announce events. Pass nil to remove
// the callback. The callback must not block or call back into the Engine
// synchronously.
func (e *Engine) OnUpdate(fn func()) {
	e.updateMu.Lock()
	e.onUpdate = fn
	e.updateMu.Unlock()
}

// fireUpdate invokes the installed OnUpdate callback, if any.
func (e *Engine) fireUpdate() {
	e.updateMu.RLock()
	fn := e.onUpdate
	e.updateMu.RUnlock()
	if fn != nil {
		fn()
	}
}

// SetRunning starts or stops issuing queries for every declared service
// type (spec.md §4.7 "Running set true/false").
func (e *Engine) SetRunning(running bool) { e.controller.SetRunning(running) }

// SetLookupMode switches between Multicast and Unicast, tearing down and
// re-initializing the backend as needed (spec.md §4.7 "Mode change").
func (e *Engine) SetLookupMode(mode Mode) { e.controller.SetMode(mode) }

// AddQuery declares a new UserQuery for serviceType and returns it. The
// returned Query's Items() begins reflecting live results once the
// engine is running with a usable network session.
func (e *Engine) AddQuery(serviceType ServiceType, kind RecordKind, secondaryFilter Filter) *Query {
	q := &Query{serviceType: serviceType, kind: kind, secondaryFilter: secondaryFilter}
	e.controller.Exec(func() {
		e.queries = append(e.queries, q)
		e.resolver.AddServiceType(serviceType)
		e.projectLocked(serviceType)
	})
	return q
}

// RemoveQuery withdraws q. If no other Query still needs serviceType, its
// PTR scan is stopped and its instances dropped.
func (e *Engine) RemoveQuery(q *Query) {
	e.controller.Exec(func() {
		for i, existing := range e.queries {
			if existing == q {
				e.queries = append(e.queries[:i], e.queries[i+1:]...)
				break
			}
		}
		if !e.serviceTypeStillWanted(q.serviceType) {
			e.resolver.RemoveServiceType(q.serviceType)
		}
	})
}

// UpdateFilter replaces the engine-wide primary filter and immediately
// recomputes every query's resolved list (spec.md §6 updateFilter, P5).
func (e *Engine) UpdateFilter(f Filter) {
	e.controller.Exec(func() {
		e.primaryFilter = f
		for _, q := range e.queries {
			e.projectLocked(q.serviceType)
		}
	})
	e.fireUpdate()
}

// UpdateServices reconciles the resolver's declared service types against
// the current query list: any service type with no remaining query is
// dropped, any newly-declared one is started (spec.md §4.5
// updateServices). AddQuery/RemoveQuery already keep this invariant, so
// this is only needed if a caller mutates a Query's ServiceType directly
// — which this package does not allow — or wants to force a resync.
func (e *Engine) UpdateServices() {
	e.controller.Exec(func() {
		wanted := map[ServiceType]bool{}
		for _, q := range e.queries {
			wanted[q.serviceType] = true
		}
		for _, typ := range e.resolver.ServiceTypes() {
			if !wanted[typ] {
				e.resolver.RemoveServiceType(typ)
			}
		}
		for typ := range wanted {
			e.resolver.AddServiceType(typ)
		}
		for typ := range wanted {
			e.projectLocked(typ)
		}
	})
}

func (e *Engine) serviceTypeStillWanted(typ ServiceType) bool {
	for _, q := range e.queries {
		if q.serviceType == typ {
			return true
		}
	}
	return false
}

// onServiceTypeChanged is the resolver's onChange callback. It always
// fires nested inside a call already running on the controller's
// event-loop goroutine (a backend callback delivery or a public method's
// Exec closure), so it is safe to touch e.queries/e.primaryFilter
// directly here without re-entering Exec.
func (e *Engine) onServiceTypeChanged(typ instance.ServiceType) {
	e.projectLocked(typ)
}

// projectLocked recomputes and publishes the resolved list for every
// query declared against typ (spec.md §4.5 updateServiceType).
func (e *Engine) projectLocked(typ ServiceType) {
	items := e.resolver.Items(typ)
	for _, q := range e.queries {
		if q.serviceType != typ {
			continue
		}
		rtype := registry.RecordTypePTR
		if q.kind == KindHostname {
			rtype = registry.RecordTypeA
		}
		filtered := resolver.FilteredItems(items, rtype, e.primaryFilter.toInternal(), q.secondaryFilter.toInternal())
		q.setResolved(instancesToPublic(filtered))
	}
}

// NameServers management (spec.md §6).

// SetNameServers replaces the unicast nameserver list and, if unicast and
// running, triggers an immediate refresh (spec.md §4.7 "NameServers
// changed").
func (e *Engine) SetNameServers(servers []NameServer) {
	e.controller.Exec(func() { e.nameServers = append([]NameServer(nil), servers...) })
	e.pushNameServers()
}

// NameServers returns the currently configured unicast nameserver list.
func (e *Engine) NameServers() []NameServer {
	var out []NameServer
	e.controller.Exec(func() { out = append([]NameServer(nil), e.nameServers...) })
	return out
}

// AddNameServer appends ns to the configured list and pushes the change.
func (e *Engine) AddNameServer(ns NameServer) {
	e.controller.Exec(func() { e.nameServers = append(e.nameServers, ns) })
	e.pushNameServers()
}

// RemoveNameServer drops the nameserver at index and pushes the change.
// Out-of-range indices are a no-op.
func (e *Engine) RemoveNameServer(index int) {
	e.controller.Exec(func() {
		if index < 0 || index >= len(e.nameServers) {
			return
		}
		e.nameServers = append(e.nameServers[:index], e.nameServers[index+1:]...)
	})
	e.pushNameServers()
}

// ClearNameServers empties the configured list and pushes the change.
func (e *Engine) ClearNameServers() {
	e.controller.Exec(func() { e.nameServers = nil })
	e.pushNameServers()
}

// pushNameServers forwards the current list down to the lifecycle
// controller, which is responsible for the unicast-mode push/refresh
// semantics of spec.md §4.7's "NameServers changed" transition.
func (e *Engine) pushNameServers() {
	var converted []backend.NameServer
	e.controller.Exec(func() {
		converted = make([]backend.NameServer, 0, len(e.nameServers))
		for _, ns := range e.nameServers {
			converted = append(converted, ns.toInternal())
		}
	})
	e.controller.SetNameServers(converted)
	e.fireUpdate()
}

// FilterMatches reports whether (name, txt) satisfies f, exposed so
// callers can pre-validate inputs without constructing an Engine.
// Grounded on internal/filter.Filter.Matches.
func FilterMatches(f Filter, name string, txt []string) bool {
	return f.toInternal().Matches(name, txt)
}
