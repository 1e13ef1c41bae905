// Command discover is a small CLI driver for the discovery engine,
// replacing beacon's examples/interface-specific and
// examples/multi-interface-demo with a demo of the resolver side instead
// of the responder side: it browses one DNS-SD service type and prints
// every instance as it resolves, until interrupted.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/machinekit/svcdiscovery/discovery"
	"github.com/machinekit/svcdiscovery/internal/logging"
	"github.com/machinekit/svcdiscovery/internal/wiredns"
)

func main() {
	serviceType := flag.String("type", "_http._tcp.local", "DNS-SD service type to browse")
	unicast := flag.Bool("unicast", false, "use unicast DNS instead of multicast mDNS")
	namePattern := flag.String("name", "", "glob filter applied to instance names")
	verbose := flag.Bool("v", false, "log diagnostics to stderr")
	flag.Parse()

	var opts []discovery.Option
	if *unicast {
		opts = append(opts, discovery.WithMode(discovery.Unicast))
	}
	if *namePattern != "" {
		opts = append(opts, discovery.WithFilter(discovery.Filter{NamePattern: *namePattern}))
	}
	if *verbose {
		opts = append(opts, discovery.WithLogger(logging.NewFunc(func(format string, args ...interface{}) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		})))
	}

	backend := wiredns.New(nil)
	engine, err := discovery.New(backend, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "discover: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	query := engine.AddQuery(discovery.ServiceType(*serviceType), discovery.KindService, discovery.Filter{})
	query.OnUpdate(func(items []discovery.Instance) {
		fmt.Printf("--- %s: %d instance(s) ---\n", *serviceType, len(items))
		for _, inst := range items {
			fmt.Printf("  %s\t%s:%d\t%v\n", inst.Name, inst.HostAddress, inst.Port, inst.TXT)
		}
	})

	engine.SetRunning(true)
	waitForNetwork(engine)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

// waitForNetwork blocks briefly so the first OnUpdate print isn't racing
// an empty result set before the backend has even opened a session; it
// gives up after a few seconds rather than hanging forever on an
// interfaceless host.
func waitForNetwork(e *discovery.Engine) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if e.NetworkReady() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}
