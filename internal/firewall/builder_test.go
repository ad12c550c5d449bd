// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"net"
	"testing"
)

func TestClassifyNetwork_IPv4UsesBareAddress(t *testing.T) {
	is6, network, ipnet := classifyNetwork("0.0.0.0/0")
	if is6 {
		t.Fatal("expected IPv4 network to classify as not-v6")
	}
	if network != "0.0.0.0" {
		t.Fatalf("expected bare address for IPv4 default route, got %q", network)
	}
	if ipnet == nil {
		t.Fatal("expected parsed ipnet")
	}
}

func TestClassifyNetwork_IPv6UsesFullCIDR(t *testing.T) {
	is6, network, ipnet := classifyNetwork("::/0")
	if !is6 {
		t.Fatal("expected IPv6 network to classify as v6")
	}
	// Unlike IPv4, the IPv6 default-route comparison is against the full
	// "::/0" form, not the bare address - this asymmetry must be
	// preserved exactly (matches the reference implementation).
	if network != "::/0" {
		t.Fatalf("expected full CIDR form for IPv6 default route, got %q", network)
	}
	if ipnet == nil {
		t.Fatal("expected parsed ipnet")
	}
}

func TestClassifyNetwork_Unparsable(t *testing.T) {
	_, _, ipnet := classifyNetwork("not-a-network")
	if ipnet != nil {
		t.Fatal("expected nil ipnet for an unparsable route, so callers skip it")
	}
}

func TestEgressFor_LongestPrefixMatch(t *testing.T) {
	_, broad, _ := net.ParseCIDR("10.0.0.0/8")
	_, narrow, _ := net.ParseCIDR("10.1.0.0/16")
	routes := []routeEntry{
		{Network: broad, Interface: "eth0"},
		{Network: narrow, Interface: "eth1"},
	}
	_, target, _ := net.ParseCIDR("10.1.2.0/24")

	got := egressFor(routes, target, "eth-default")
	if got != "eth1" {
		t.Fatalf("expected longest-prefix match to pick eth1, got %q", got)
	}
}

func TestEgressFor_FallsBackToDefault(t *testing.T) {
	_, target, _ := net.ParseCIDR("192.168.1.0/24")
	got := egressFor(nil, target, "eth-default")
	if got != "eth-default" {
		t.Fatalf("expected fallback to default interface, got %q", got)
	}
}

func TestWithComment_TagsAndOptionalWait(t *testing.T) {
	base := Rule{"INPUT", "-j", "ACCEPT"}

	tagged := WithComment(base, "srv1", false)
	if tagged.String() != "INPUT -j ACCEPT -m comment --comment pritunl_srv1" {
		t.Fatalf("unexpected rule without wait: %q", tagged.String())
	}

	waited := WithComment(base, "srv1", true)
	if waited.String() != "INPUT -j ACCEPT -m comment --comment pritunl_srv1 --wait" {
		t.Fatalf("unexpected rule with wait: %q", waited.String())
	}

	// WithComment must not mutate the caller's slice.
	if len(base) != 3 {
		t.Fatalf("expected base rule untouched, got %v", base)
	}
}

func TestRuleEqual(t *testing.T) {
	a := Rule{"INPUT", "-j", "ACCEPT"}
	b := Rule{"INPUT", "-j", "ACCEPT"}
	c := Rule{"INPUT", "-j", "DROP"}

	if !a.Equal(b) {
		t.Fatal("expected identical argv rules to be equal")
	}
	if a.Equal(c) {
		t.Fatal("expected differing argv rules to not be equal")
	}
}
