// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command coreinstd runs the instance supervisor for a single server
// definition. Configuration loading and the full administrative CLI are
// out of scope for this core (spec §1); this entrypoint only accepts the
// handful of flags needed to wire the supervisor's dependencies and reads
// the server definition as a JSON file in the shape of model.Server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/WPMedia/pritunl/internal/events"
	"github.com/WPMedia/pritunl/internal/firewall"
	"github.com/WPMedia/pritunl/internal/logging"
	"github.com/WPMedia/pritunl/internal/model"
	"github.com/WPMedia/pritunl/internal/orchestrator"
	"github.com/WPMedia/pritunl/internal/registry"
	"github.com/WPMedia/pritunl/internal/store"
)

func main() {
	var (
		dbPath          = flag.String("db", "pritunl.db", "path to the shared datastore file")
		serverFile      = flag.String("server", "", "path to the server definition JSON file")
		hostID          = flag.String("host-id", "", "this host's id, for instance row ownership")
		openvpnBinary   = flag.String("openvpn-binary", "openvpn", "path to the openvpn binary")
		ipv6Wait        = flag.Bool("iptables-wait", true, "pass --wait to iptables/ip6tables rule mutations")
		routedSubnet6   = flag.Bool("routed-subnet6", false, "host has a routed IPv6 subnet (enables stricter IPv6 ruleset)")
	)
	flag.Parse()

	logger := logging.New(logging.DefaultConfig())

	if *serverFile == "" || *hostID == "" {
		logger.Error("usage: coreinstd -server <path> -host-id <id>")
		os.Exit(2)
	}

	raw, err := os.ReadFile(*serverFile)
	if err != nil {
		logger.Error("failed to read server definition", "error", err)
		os.Exit(1)
	}
	var server model.Server
	if err := json.Unmarshal(raw, &server); err != nil {
		logger.Error("failed to parse server definition", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.PutServer(server.ID, server.Status, server.ReplicaCount); err != nil {
		logger.Error("failed to register server row", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := orchestrator.Deps{
		Store:    st,
		Registry: registry.New(),
		Events:   events.New(ctx, st),
		HostCapabilities: firewall.HostCapabilities{
			RoutedSubnet6: *routedSubnet6,
			IPTablesWait:  *ipv6Wait,
		},
		OpenVPNBinary: *openvpnBinary,
		HostID:        *hostID,
		Logger:        logger,
	}

	o := orchestrator.New(deps, &server)
	if err := o.Run(ctx); err != nil {
		logger.Error("instance run ended with error", "error", err)
		os.Exit(1)
	}
}
