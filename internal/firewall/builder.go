// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"net"

	"github.com/WPMedia/pritunl/internal/model"
)

// HostCapabilities describes the host features rule generation depends on.
// RoutedSubnet6 reports whether the host has a routed IPv6 subnet of its
// own, gating the stricter default-drop ruleset (spec §4.B); hosts without
// one fall back to the unconditional accept form. IPTablesWait appends
// `--wait` to every generated rule.
type HostCapabilities struct {
	RoutedSubnet6 bool
	IPTablesWait  bool
}

// GenerateRules builds the IPv4 and IPv6 rule sets for a server, following
// the algorithm in spec §4.B: base accept rules for the tun interface, the
// optional IPv6 firewall hardening, and MASQUERADE + stateful FORWARD pairs
// for every NAT route and every linked peer's network.
func GenerateRules(server *model.Server, tunIface string, caps HostCapabilities, logger warner) (v4, v6 []Rule, err error) {
	hr, err := collectHostRoutes(server.IPv6, logger)
	if err != nil {
		return nil, nil, err
	}

	v4 = append(v4, Rule{"INPUT", "-i", tunIface, "-j", "ACCEPT"})
	v4 = append(v4, Rule{"FORWARD", "-i", tunIface, "-j", "ACCEPT"})

	if server.IPv6 {
		if server.IPv6Firewall && caps.RoutedSubnet6 {
			v6 = append(v6,
				Rule{"INPUT", "-d", server.Network6, "-j", "DROP"},
				Rule{"INPUT", "-d", server.Network6, "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT"},
				Rule{"INPUT", "-d", server.Network6, "-p", "icmpv6", "-m", "conntrack", "--ctstate", "NEW", "-j", "ACCEPT"},
				Rule{"FORWARD", "-d", server.Network6, "-j", "DROP"},
				Rule{"FORWARD", "-d", server.Network6, "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT"},
				Rule{"FORWARD", "-d", server.Network6, "-p", "icmpv6", "-m", "conntrack", "--ctstate", "NEW", "-j", "ACCEPT"},
			)
		} else {
			v6 = append(v6,
				Rule{"INPUT", "-d", server.Network6, "-j", "ACCEPT"},
				Rule{"FORWARD", "-d", server.Network6, "-j", "ACCEPT"},
			)
		}
	}

	interfaces := map[string]bool{}
	interfaces6 := map[string]bool{}

	for _, route := range server.Routes {
		if route.VirtualNetwork || !route.NAT {
			continue
		}

		is6, network, networkObj := classifyNetwork(route.Network)
		if networkObj == nil {
			continue
		}

		var egress string
		if is6 {
			egress = egressFor(hr.v6, networkObj, hr.defaultInterface6)
			interfaces6[egress] = true
		} else {
			egress = egressFor(hr.v4, networkObj, hr.defaultInterface)
			interfaces[egress] = true
		}

		base := Rule{"POSTROUTING", "-t", "nat"}
		if network != "0.0.0.0" && network != "::/0" {
			base = append(base, "-d", route.Network)
		}
		base = append(base, "-o", egress, "-j", "MASQUERADE")

		if is6 {
			v6 = append(v6, append(append(Rule{}, base...), "-s", server.Network6))
		} else {
			v4 = append(v4, append(append(Rule{}, base...), "-s", server.Network))
		}

		for _, link := range server.Links {
			if link.Network == "" {
				continue
			}
			if isIPv6Network(link.Network) {
				v6 = append(v6, append(append(Rule{}, base...), "-s", link.Network))
			} else {
				v4 = append(v4, append(append(Rule{}, base...), "-s", link.Network))
			}
		}
	}

	for iface := range interfaces {
		v4 = append(v4,
			Rule{"FORWARD", "-i", iface, "-o", tunIface, "-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
			Rule{"FORWARD", "-i", tunIface, "-o", iface, "-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
		)
	}

	for iface := range interfaces6 {
		if server.IPv6 && server.IPv6Firewall && caps.RoutedSubnet6 && iface == hr.defaultInterface6 {
			continue
		}
		v6 = append(v6,
			Rule{"FORWARD", "-i", iface, "-o", tunIface, "-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
			Rule{"FORWARD", "-i", tunIface, "-o", iface, "-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
		)
	}

	for i, r := range v4 {
		v4[i] = WithComment(r, server.ID, caps.IPTablesWait)
	}
	for i, r := range v6 {
		v6[i] = WithComment(r, server.ID, caps.IPTablesWait)
	}

	return v4, v6, nil
}

func isIPv6Network(s string) bool {
	for _, c := range s {
		if c == ':' {
			return true
		}
	}
	return false
}

// classifyNetwork returns whether a route's network string is IPv6, its
// textual network address, and its parsed *net.IPNet (nil if unparsable -
// malformed entries are skipped per spec §9 Open Questions, matching the
// reference implementation's permissive parser).
func classifyNetwork(s string) (is6 bool, network string, ipnet *net.IPNet) {
	is6 = isIPv6Network(s)
	_, ipn, err := net.ParseCIDR(s)
	if err != nil {
		return is6, s, nil
	}
	if is6 {
		// The IPv6 default-route comparison is against the full
		// "::/0" form, not the bare address.
		return is6, s, ipn
	}
	return is6, ipn.IP.String(), ipn
}
