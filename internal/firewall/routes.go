// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"net"

	"github.com/vishvananda/netlink"

	"github.com/WPMedia/pritunl/internal/errors"
)

// routeEntry is one row of a parsed routing table: a destination network
// and the interface it egresses through.
type routeEntry struct {
	Network   *net.IPNet
	Interface string
}

// hostRoutes is the host's IPv4 and (optionally) IPv6 routing tables,
// collected once per rule-generation pass (spec §4.B rule generation
// algorithm).
type hostRoutes struct {
	v4                []routeEntry
	v6                []routeEntry
	defaultInterface  string
	defaultInterface6 string
}

// collectHostRoutes parses the host's routing tables via netlink, mirroring
// what the reference implementation does by shelling out to `route -n` /
// `route -n -A inet6`: the default route's interface is the row whose
// destination is 0.0.0.0 (IPv4) or ::/0 (IPv6). It fails fatally if no IPv4
// default route is found. A missing IPv6 default is fatal too; an IPv6
// default that egresses via "lo" is accepted with a warning (spec §4.B).
func collectHostRoutes(wantIPv6 bool, logger warner) (*hostRoutes, error) {
	hr := &hostRoutes{}

	v4routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindFilterRuleFailed, "failed to list IPv4 routes")
	}
	for _, r := range v4routes {
		entry, isDefault, ok := routeEntryFrom(r, netlink.FAMILY_V4)
		if !ok {
			continue
		}
		hr.v4 = append(hr.v4, entry)
		if isDefault && hr.defaultInterface == "" {
			hr.defaultInterface = entry.Interface
		}
	}
	// Reverse order, matching the reference implementation's longest-match
	// bias toward more specific (later-discovered) routes.
	reverseRoutes(hr.v4)

	if hr.defaultInterface == "" {
		return nil, errors.New(errors.KindFilterRuleFailed, "failed to find default network interface")
	}

	if wantIPv6 {
		v6routes, err := netlink.RouteList(nil, netlink.FAMILY_V6)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindFilterRuleFailed, "failed to list IPv6 routes")
		}
		for _, r := range v6routes {
			entry, isDefault, ok := routeEntryFrom(r, netlink.FAMILY_V6)
			if !ok {
				continue
			}
			hr.v6 = append(hr.v6, entry)
			if isDefault && hr.defaultInterface6 == "" {
				hr.defaultInterface6 = entry.Interface
			}
		}
		reverseRoutes(hr.v6)

		if hr.defaultInterface6 == "" {
			return nil, errors.New(errors.KindFilterRuleFailed, "failed to find default IPv6 network interface")
		}
		if hr.defaultInterface6 == "lo" && logger != nil {
			logger.Warn("default IPv6 route egresses via loopback")
		}
	}

	return hr, nil
}

type warner interface {
	Warn(msg string, args ...any)
}

func routeEntryFrom(r netlink.Route, family int) (routeEntry, bool, bool) {
	if r.Dst == nil {
		// A nil Dst from netlink represents the default route
		// (0.0.0.0/0 or ::/0).
		ip := net.IPv4zero
		bits := 32
		if family == netlink.FAMILY_V6 {
			ip = net.IPv6zero
			bits = 128
		}
		r.Dst = &net.IPNet{IP: ip, Mask: net.CIDRMask(0, bits)}
	}

	link, err := netlink.LinkByIndex(r.LinkIndex)
	if err != nil {
		return routeEntry{}, false, false
	}

	ones, _ := r.Dst.Mask.Size()
	isDefault := ones == 0
	return routeEntry{Network: r.Dst, Interface: link.Attrs().Name}, isDefault, true
}

func reverseRoutes(routes []routeEntry) {
	for i, j := 0, len(routes)-1; i < j; i, j = i+1, j-1 {
		routes[i], routes[j] = routes[j], routes[i]
	}
}

// egressFor returns the interface a packet to network would take, via
// longest-prefix match against the parsed table, falling back to the
// default interface (spec §4.B).
func egressFor(routes []routeEntry, network *net.IPNet, defaultInterface string) string {
	best := ""
	bestOnes := -1
	for _, r := range routes {
		if r.Network.Contains(network.IP) {
			ones, _ := r.Network.Mask.Size()
			if ones > bestOnes {
				bestOnes = ones
				best = r.Interface
			}
		}
	}
	if best == "" {
		return defaultInterface
	}
	return best
}
