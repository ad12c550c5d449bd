// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package render

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/WPMedia/pritunl/internal/model"
)

func baseServer() *model.Server {
	return &model.Server{
		ID:           "srv-a",
		Port:         1194,
		Protocol:     model.ProtocolUDP,
		Network:      "10.8.0.0/24",
		NetworkMode:  model.NetworkModeTun,
		Cipher:       "aes256",
		Hash:         "sha256",
		CAPem:        "CA-PEM",
		DHParams:     "DH-PARAMS",
		PrimaryCert:  "CERT",
		PrimaryKey:   "KEY",
		MaxClients:   100,
		PingInterval: 10,
		PingTimeout:  60,
	}
}

func baseInstance() *model.Instance {
	return &model.Instance{
		Interface:            "tun0",
		ManagementSocketPath: "/var/run/pritunl/mgmt.sock",
	}
}

func TestRender_TunModeBasics(t *testing.T) {
	out, err := Render(baseServer(), baseInstance())
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	for _, want := range []string{
		"port 1194\n",
		"proto udp\n",
		"dev tun0\n",
		"server 10.8.0.0 255.255.255.0\n",
		"management /var/run/pritunl/mgmt.sock unix\n",
		"max-clients 100\n",
		"keepalive 10 80\n", // ping_timeout + 20
		"cipher aes-256-cbc\n",
		"auth SHA256\n",
		"<ca>\nCA-PEM\n</ca>\n",
		"<cert>\nCERT\n</cert>\n",
		"<key>\nKEY\n</key>\n",
		"<dh>\nDH-PARAMS\n</dh>\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestRender_IPv6AppendsProtoSuffixAndServerIPv6Line(t *testing.T) {
	server := baseServer()
	server.IPv6 = true
	server.Network6 = "fd00::/64"

	out, err := Render(server, baseInstance())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "proto udp6\n") {
		t.Fatalf("expected proto udp6, got:\n%s", out)
	}
	if !strings.Contains(out, "server-ipv6 fd00::/64\n") {
		t.Fatalf("expected server-ipv6 line, got:\n%s", out)
	}
}

func TestRender_BridgeModeRequiresHostData(t *testing.T) {
	server := baseServer()
	server.NetworkMode = model.NetworkModeBridge
	server.BridgeStart = "10.8.0.100"
	server.BridgeEnd = "10.8.0.200"

	if _, err := Render(server, baseInstance()); err == nil {
		t.Fatal("expected error when bridge mode lacks host interface data")
	}

	inst := baseInstance()
	inst.HostInterfaceData = &model.HostInterfaceData{Address: "10.8.0.1", Netmask: "255.255.255.0"}
	out, err := Render(server, inst)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "server-bridge 10.8.0.1 255.255.255.0 10.8.0.100 10.8.0.200\n") {
		t.Fatalf("expected server-bridge line, got:\n%s", out)
	}
}

func TestRender_RouteDirectives(t *testing.T) {
	server := baseServer()
	server.Routes = []model.Route{
		{Network: "192.168.50.0/24"},
		{Network: "192.168.60.0/24", NetworkLink: true},
		{Network: "0.0.0.0/0"}, // default route never pushed/routed explicitly
	}
	server.Links = []model.LinkPeer{
		{ServerID: "srv-b", Routes: []model.Route{{Network: "192.168.70.0/24"}}},
		{ServerID: "srv-0", Routes: []model.Route{{Network: "192.168.80.0/24"}}}, // lower id, skipped
	}

	out, err := Render(server, baseInstance())
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	if !strings.Contains(out, `push "route 192.168.50.0 255.255.255.0"`) {
		t.Fatalf("expected pushed route, got:\n%s", out)
	}
	if !strings.Contains(out, "route 192.168.60.0 255.255.255.0 10.8.0.1\n") {
		t.Fatalf("expected network_link route with gateway, got:\n%s", out)
	}
	if !strings.Contains(out, "route 192.168.70.0 255.255.255.0 10.8.0.1\n") {
		t.Fatalf("expected linked peer route (higher id), got:\n%s", out)
	}
	if strings.Contains(out, "192.168.80.0") {
		t.Fatalf("did not expect route from lower-id peer, got:\n%s", out)
	}
}

func TestWrite_AtomicAndOwnerOnly(t *testing.T) {
	dir := t.TempDir()
	inst := baseInstance()
	inst.TempDir = dir

	path, err := Write(baseServer(), inst)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Fatalf("expected config written under temp dir, got %q", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be renamed away, stat err=%v", err)
	}
}
