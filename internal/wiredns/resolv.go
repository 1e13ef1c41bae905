package wiredns

import (
	"bufio"
	"os"
	"strings"

	"github.com/machinekit/svcdiscovery/internal/backend"
)

// resolvConfPath is the standard location queried when the engine's own
// NameServers list is empty (spec.md §7 error kind 6's system fallback).
// Overridden by tests.
var resolvConfPath = "/etc/resolv.conf"

// readSystemNameServers parses the "nameserver <addr>" lines out of
// resolv.conf, the same configuration source every unicast DNS client on
// a Unix host uses absent an explicit server list.
func readSystemNameServers() ([]backend.NameServer, error) {
	f, err := os.Open(resolvConfPath)
	if err != nil {
		return nil, wrapNetworkError("read system nameservers", err, resolvConfPath)
	}
	defer f.Close()

	var servers []backend.NameServer
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "nameserver" {
			continue
		}
		servers = append(servers, backend.NameServer{Address: fields[1], Port: 53})
	}
	if err := scanner.Err(); err != nil {
		return nil, wrapNetworkError("read system nameservers", err, resolvConfPath)
	}
	return servers, nil
}
