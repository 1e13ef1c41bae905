package lifecycle

import (
	"net"
	"sync"
	"time"

	"github.com/machinekit/svcdiscovery/internal/backend"
	"github.com/machinekit/svcdiscovery/internal/instance"
	"github.com/machinekit/svcdiscovery/internal/logging"
	"github.com/machinekit/svcdiscovery/internal/resolver"
)

// Defaults mirror spec.md §4.5/§6: 3s watchdog poll, 5s unicast refresh,
// error threshold 2.
const (
	DefaultWatchdogInterval       = 3 * time.Second
	DefaultUnicastRefreshInterval = 5000 * time.Millisecond
	DefaultUnicastErrorThreshold  = 2
)

// state is the cross product of flags spec.md §3 names under "Lifecycle
// states (C7)". componentComplete is implicit: Controller.Start is the
// one-time transition into it.
type state struct {
	networkReady bool
	lookupReady  bool
	running      bool
	mode         backend.Mode
}

// Controller drives the network watchdog, session open/close, mode
// switching and unicast refresh timer described by spec.md §4.7. Every
// mutation — watchdog ticks, public setters, backend callbacks — is
// funnelled onto one internal goroutine (cmds channel) so the resolver
// and instance tables it owns are only ever touched single-threaded, per
// spec.md §5. The only state read concurrently from other goroutines is
// the published snapshot guarded by mu.
type Controller struct {
	backend  backend.Backend
	resolver *resolver.Resolver
	link     LinkProvider
	log      logging.Logger

	watchdogInterval time.Duration
	refreshInterval  time.Duration
	errorThreshold   int

	cmds chan func()
	stop chan struct{}
	done chan struct{}

	mu        sync.RWMutex
	published state
	notify    func()

	nameServers []backend.NameServer
	refreshTick *time.Ticker
}

// Options configures a new Controller. All fields are optional; zero
// values fall back to the package defaults.
type Options struct {
	WatchdogInterval       time.Duration
	UnicastRefreshInterval time.Duration
	UnicastErrorThreshold  int
	LinkProvider           LinkProvider
	Logger                 logging.Logger
	InitialMode            backend.Mode

	// OnChange, if set, is invoked every time Running/NetworkReady/
	// LookupReady/Mode transitions to a new value, the change-
	// notification hook spec.md §6 requires on every observable
	// property. Invoked outside c.mu, always on the controller's event-loop
	// goroutine: watchdog-driven changes are published there directly, and
	// Exec/SetRunning/SetMode run their closures there too.
	OnChange func()
}

// New builds a Controller over b and res, not yet started.
func New(b backend.Backend, res *resolver.Resolver, opts Options) *Controller {
	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = DefaultWatchdogInterval
	}
	if opts.UnicastRefreshInterval <= 0 {
		opts.UnicastRefreshInterval = DefaultUnicastRefreshInterval
	}
	if opts.UnicastErrorThreshold <= 0 {
		opts.UnicastErrorThreshold = DefaultUnicastErrorThreshold
	}
	if opts.LinkProvider == nil {
		opts.LinkProvider = SystemLinkProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard
	}
	return &Controller{
		backend:          b,
		resolver:         res,
		link:             opts.LinkProvider,
		log:              opts.Logger,
		watchdogInterval: opts.WatchdogInterval,
		refreshInterval:  opts.UnicastRefreshInterval,
		errorThreshold:   opts.UnicastErrorThreshold,
		notify:           opts.OnChange,
		cmds:             make(chan func()),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
		published:        state{mode: opts.InitialMode},
	}
}

// UnicastRefreshInterval and UnicastErrorThreshold expose the immutable
// unicast tuning the engine facade was constructed with (spec.md §6).
func (c *Controller) UnicastRefreshInterval() time.Duration { return c.refreshInterval }
func (c *Controller) UnicastErrorThreshold() int            { return c.errorThreshold }

// Start begins the watchdog loop (the "ComponentComplete" transition of
// spec.md §4.7). Safe to call once.
func (c *Controller) Start() {
	go c.run()
}

// Close stops the watchdog loop and tears down the backend if it is up.
func (c *Controller) Close() {
	close(c.stop)
	<-c.done
}

// Running, NetworkReady, LookupReady and Mode are the read-only published
// properties spec.md §6 lists on the engine facade.
func (c *Controller) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published.running
}

func (c *Controller) NetworkReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published.networkReady
}

func (c *Controller) LookupReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published.lookupReady
}

func (c *Controller) Mode() backend.Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published.mode
}

func (c *Controller) publish(s state) {
	c.mu.Lock()
	changed := c.published != s
	c.published = s
	c.mu.Unlock()
	if changed && c.notify != nil {
		c.notify()
	}
}

// SetRunning implements the "Running set true/false" transition.
func (c *Controller) SetRunning(running bool) {
	c.exec(func(s *state) { c.setRunning(s, running) })
}

// SetMode implements the "Mode change" transition.
func (c *Controller) SetMode(mode backend.Mode) {
	c.exec(func(s *state) { c.setMode(s, mode) })
}

// SetNameServers implements the "NameServers changed" transition.
func (c *Controller) SetNameServers(servers []backend.NameServer) {
	c.exec(func(s *state) {
		c.nameServers = append([]backend.NameServer(nil), servers...)
		if s.mode == backend.ModeUnicast && s.lookupReady {
			c.backend.SetNameServers(c.effectiveNameServers())
			if s.running {
				c.refreshAll()
			}
		}
	})
}

// HandleResults forwards a backend result delivery onto the event loop.
func (c *Controller) HandleResults(queryID int, answers []backend.AnswerRecord) {
	c.exec(func(s *state) { c.resolver.HandleResults(queryID, answers) })
}

// HandleError forwards a backend error delivery onto the event loop.
func (c *Controller) HandleError(queryID int, kind backend.ErrorKind) {
	c.exec(func(s *state) { c.resolver.HandleError(queryID, kind) })
}

// Exec runs f on the controller's event-loop goroutine, blocking until it
// completes. It is the serialization primitive discovery.Engine uses to
// touch the shared resolver/query-list state safely (see that package's
// Engine doc comment): any closure run through Exec is guaranteed never
// to run concurrently with a backend callback, a watchdog tick, or
// another Exec call.
func (c *Controller) Exec(f func()) {
	c.exec(func(s *state) { f() })
}

// exec enqueues f to run on the controller's goroutine with the current
// state, then republishes the result. It blocks until f has run.
func (c *Controller) exec(f func(s *state)) {
	done := make(chan struct{})
	op := func() {
		c.mu.RLock()
		s := c.published
		c.mu.RUnlock()
		f(&s)
		c.publish(s)
		close(done)
	}
	select {
	case c.cmds <- op:
		<-done
	case <-c.stop:
	}
}

func (c *Controller) run() {
	defer close(c.done)

	watchdog := time.NewTicker(c.watchdogInterval)
	defer watchdog.Stop()

	s := state{mode: c.Mode()}
	c.tryOpenLink(&s)
	c.publish(s)

	for {
		select {
		case <-c.stop:
			c.teardown(&s)
			c.publish(s)
			return
		case op := <-c.cmds:
			op()
			c.mu.RLock()
			s = c.published
			c.mu.RUnlock()
		case <-watchdog.C:
			if !s.networkReady {
				c.tryOpenLink(&s)
				c.publish(s)
			}
		case <-c.refreshTickerChan():
			if s.mode == backend.ModeUnicast && s.lookupReady && s.running {
				c.refreshAll()
			}
		}
	}
}

func (c *Controller) refreshTickerChan() <-chan time.Time {
	if c.refreshTick == nil {
		return nil
	}
	return c.refreshTick.C
}

// tryOpenLink implements "Link discovered" → "Session opened" (spec.md
// §4.7): pick an acceptable bearer, bring the backend up on it, and on
// success cascade into lookupReady and, if running, live queries.
func (c *Controller) tryOpenLink(s *state) {
	ifaces, err := c.link.Interfaces()
	if err != nil {
		c.log.Errorf("enumerate interfaces: %v", err)
		s.networkReady = false
		return
	}
	iface, bearer, ok := PickLink(ifaces)
	if !ok {
		// No usable bearer; watchdog keeps polling (§7 error kind 5).
		s.networkReady = false
		return
	}
	c.log.Infof("opening session on %s (%s)", iface.Name, bearer)
	s.networkReady = true

	bindAddr := firstIPv4(iface)
	if !c.backend.Init(s.mode, bindAddr) {
		// Init failure forces networkReady back to false (§4.7, §7 kind 1).
		c.log.Errorf("backend init failed on %s", iface.Name)
		s.networkReady = false
		return
	}
	s.lookupReady = true
	if s.mode == backend.ModeUnicast {
		c.backend.SetNameServers(c.effectiveNameServers())
		c.startRefreshTimer()
	}
	if s.running {
		c.resolver.SetLive(true)
	}
}

// teardown implements "Session closed": tear down the backend, flush the
// resolver (registry + every InstanceTable, I6), reset flags.
func (c *Controller) teardown(s *state) {
	if !s.networkReady {
		return
	}
	c.stopRefreshTimer()
	c.resolver.SetLive(false)
	c.resolver.Reset()
	c.backend.Shutdown()
	s.networkReady = false
	s.lookupReady = false
}

func (c *Controller) setRunning(s *state, running bool) {
	if s.running == running {
		return
	}
	s.running = running
	if !s.networkReady || !s.lookupReady {
		return
	}
	c.resolver.SetLive(running)
	if s.mode == backend.ModeUnicast {
		if running {
			c.startRefreshTimer()
		} else {
			c.stopRefreshTimer()
		}
	}
}

func (c *Controller) setMode(s *state, mode backend.Mode) {
	if s.mode == mode {
		return
	}
	wasRunning := s.running
	wasReady := s.lookupReady
	if wasReady {
		// Tear down and flush (I6); the link itself hasn't gone away, only
		// the backend/lookup layer, so restore networkReady before the
		// re-init below probes it again.
		c.teardown(s)
		s.networkReady = true
	}
	s.mode = mode
	s.running = wasRunning
	if wasReady {
		c.tryOpenLink(s)
	}
}

func (c *Controller) startRefreshTimer() {
	if c.refreshTick != nil {
		return
	}
	c.refreshTick = time.NewTicker(c.refreshInterval)
}

func (c *Controller) stopRefreshTimer() {
	if c.refreshTick == nil {
		return
	}
	c.refreshTick.Stop()
	c.refreshTick = nil
}

func (c *Controller) refreshAll() {
	for _, typ := range c.resolver.ServiceTypes() {
		c.resolver.RefreshQuery(typ, c.errorThreshold)
	}
}

func (c *Controller) effectiveNameServers() []backend.NameServer {
	if len(c.nameServers) > 0 {
		return c.nameServers
	}
	// §7 kind 6: empty configured list falls back to system nameservers.
	return c.backend.SystemNameServers()
}

// AddServiceType/RemoveServiceType/RemoveAllServiceTypes proxy straight
// to the resolver but are serialized through the event loop so they never
// race a concurrent watchdog tick or backend callback.
func (c *Controller) AddServiceType(typ instance.ServiceType) {
	c.exec(func(s *state) { c.resolver.AddServiceType(typ) })
}

func (c *Controller) RemoveServiceType(typ instance.ServiceType) {
	c.exec(func(s *state) { c.resolver.RemoveServiceType(typ) })
}

func (c *Controller) RemoveAllServiceTypes() {
	c.exec(func(s *state) { c.resolver.RemoveAllServiceTypes() })
}

// Items returns a snapshot of the resolver's instances for typ, fetched
// on the event-loop goroutine so it never races a backend callback or
// watchdog tick touching the same InstanceTable.
func (c *Controller) Items(typ instance.ServiceType) []*instance.Instance {
	var out []*instance.Instance
	c.exec(func(s *state) { out = c.resolver.Items(typ) })
	return out
}

// ServiceTypes returns a snapshot of every declared service type.
func (c *Controller) ServiceTypes() []instance.ServiceType {
	var out []instance.ServiceType
	c.exec(func(s *state) { out = c.resolver.ServiceTypes() })
	return out
}

func firstIPv4(iface net.Interface) net.IP {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			if v4 := ipnet.IP.To4(); v4 != nil {
				return v4
			}
		}
	}
	return nil
}
