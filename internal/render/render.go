// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package render implements the Config Renderer (spec §4.D): it turns a
// Server entity and its per-run Instance bookkeeping into the OpenVPN
// server configuration text, and writes it atomically with owner-only
// permissions.
package render

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/WPMedia/pritunl/internal/errors"
	"github.com/WPMedia/pritunl/internal/model"
)

// cipherNames and hashNames translate the server entity's stored cipher/hash
// identifiers into the argument OpenVPN's --cipher/--auth flags expect.
var cipherNames = map[string]string{
	"none":       "none",
	"bf128":      "bf-cbc",
	"bf256":      "bf-cbc",
	"aes128":     "aes-128-cbc",
	"aes192":     "aes-192-cbc",
	"aes256":     "aes-256-cbc",
	"aes128gcm":  "aes-128-gcm",
	"aes192gcm":  "aes-192-gcm",
	"aes256gcm":  "aes-256-gcm",
}

var hashNames = map[string]string{
	"sha1":   "SHA1",
	"sha256": "SHA256",
	"sha512": "SHA512",
}

const confFileName = "openvpn.conf"

// ConfigFileName is the name of the rendered config inside an instance's
// temp directory.
const ConfigFileName = confFileName

// Render builds the OpenVPN server configuration text for one instance
// (spec §4.D). inst.HostInterfaceData is only consulted when the server is
// in bridge mode.
func Render(server *model.Server, inst *model.Instance) (string, error) {
	var b strings.Builder

	proto := string(server.Protocol)
	if server.IPv6 {
		proto += "6"
	}

	fmt.Fprintf(&b, "port %d\n", server.Port)
	fmt.Fprintf(&b, "proto %s\n", proto)
	fmt.Fprintf(&b, "dev %s\n", inst.Interface)

	serverLine, err := serverLine(server, inst)
	if err != nil {
		return "", err
	}
	b.WriteString(serverLine)

	fmt.Fprintf(&b, "management %s unix\n", inst.ManagementSocketPath)
	fmt.Fprintf(&b, "max-clients %d\n", server.MaxClients)
	fmt.Fprintf(&b, "keepalive %d %d\n", server.PingInterval, server.PingTimeout+20)

	cipher, ok := cipherNames[server.Cipher]
	if !ok {
		cipher = server.Cipher
	}
	fmt.Fprintf(&b, "cipher %s\n", cipher)

	hash, ok := hashNames[server.Hash]
	if !ok {
		hash = server.Hash
	}
	fmt.Fprintf(&b, "auth %s\n", hash)

	if server.Debug {
		b.WriteString("verb 4\n")
		b.WriteString("mute 8\n")
	} else {
		b.WriteString("verb 1\n")
		b.WriteString("mute 3\n")
	}

	if server.LocalAddress != "" {
		fmt.Fprintf(&b, "local %s\n", server.LocalAddress)
	}

	if server.InterClient {
		b.WriteString("client-to-client\n")
	}

	if server.MultiDevice {
		b.WriteString("duplicate-cn\n")
	}

	if server.Protocol == model.ProtocolUDP {
		b.WriteString("replay-window 128\n")
	}

	switch server.LZOCompression {
	case model.CompressionOn:
		b.WriteString("comp-lzo yes\npush \"comp-lzo yes\"\n")
	case model.CompressionOff:
		b.WriteString("comp-lzo no\npush \"comp-lzo no\"\n")
	case model.CompressionAdaptive:
		// Adaptive omits comp-lzo from the server conf entirely, letting
		// each client negotiate independently.
	}

	b.WriteString(jumboFramesBlock(server.JumboFrames))

	push, err := routeDirectives(server)
	if err != nil {
		return "", err
	}
	b.WriteString(push)

	b.WriteString("<ca>\n")
	b.WriteString(server.CAPem)
	b.WriteString("\n</ca>\n")

	if server.TLSAuthKey != "" {
		b.WriteString("key-direction 0\n<tls-auth>\n")
		b.WriteString(server.TLSAuthKey)
		b.WriteString("\n</tls-auth>\n")
	}

	b.WriteString("<cert>\n")
	b.WriteString(server.PrimaryCert)
	b.WriteString("\n</cert>\n")

	b.WriteString("<key>\n")
	b.WriteString(server.PrimaryKey)
	b.WriteString("\n</key>\n")

	b.WriteString("<dh>\n")
	b.WriteString(server.DHParams)
	b.WriteString("\n</dh>\n")

	return b.String(), nil
}

func serverLine(server *model.Server, inst *model.Instance) (string, error) {
	if server.NetworkMode == model.NetworkModeBridge {
		if inst.HostInterfaceData == nil {
			return "", errors.New(errors.KindValidation, "bridge mode requires host interface data")
		}
		return fmt.Sprintf("server-bridge %s %s %s %s\n",
			inst.HostInterfaceData.Address,
			inst.HostInterfaceData.Netmask,
			server.BridgeStart,
			server.BridgeEnd,
		), nil
	}

	network, mask, err := parseNetworkMask(server.Network)
	if err != nil {
		return "", err
	}
	line := fmt.Sprintf("server %s %s\n", network, mask)
	if server.IPv6 {
		line += fmt.Sprintf("server-ipv6 %s\n", server.Network6)
	}
	return line, nil
}

// routeDirectives emits pushed and non-pushed routes for this server's own
// routes, plus non-pushed routes for every linked peer whose id is greater
// than this server's, so each pair of linked servers only pushes routes
// from one side (spec §4.D).
func routeDirectives(server *model.Server) (string, error) {
	gateway, err := networkGateway(server.Network)
	if err != nil {
		return "", err
	}
	var gateway6 string
	if server.IPv6 && server.Network6 != "" {
		gateway6, err = networkGateway(server.Network6)
		if err != nil {
			return "", err
		}
	}

	var b strings.Builder
	for _, route := range server.Routes {
		if route.VirtualNetwork || isDefaultRoute(route.Network) {
			continue
		}

		if !route.NetworkLink {
			if isIPv6(route.Network) {
				fmt.Fprintf(&b, "push \"route-ipv6 %s\"\n", route.Network)
			} else {
				network, mask, err := parseNetworkMask(route.Network)
				if err != nil {
					return "", err
				}
				fmt.Fprintf(&b, "push \"route %s %s\"\n", network, mask)
			}
			continue
		}

		if isIPv6(route.Network) {
			fmt.Fprintf(&b, "route-ipv6 %s %s\n", route.Network, gateway6)
		} else {
			network, mask, err := parseNetworkMask(route.Network)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(&b, "route %s %s %s\n", network, mask, gateway)
		}
	}

	for _, link := range server.Links {
		if link.ServerID <= server.ID {
			continue
		}
		for _, route := range link.Routes {
			if route.VirtualNetwork || isDefaultRoute(route.Network) {
				continue
			}
			if isIPv6(route.Network) {
				fmt.Fprintf(&b, "route-ipv6 %s %s\n", route.Network, gateway6)
			} else {
				network, mask, err := parseNetworkMask(route.Network)
				if err != nil {
					return "", err
				}
				fmt.Fprintf(&b, "route %s %s %s\n", network, mask, gateway)
			}
		}
	}

	return b.String(), nil
}

func isIPv6(s string) bool {
	for _, c := range s {
		if c == ':' {
			return true
		}
	}
	return false
}

func isDefaultRoute(s string) bool {
	return s == "0.0.0.0/0" || s == "::/0"
}

func parseNetworkMask(cidr string) (network, mask string, err error) {
	_, ipnet, perr := net.ParseCIDR(cidr)
	if perr != nil {
		return "", "", errors.Wrapf(perr, errors.KindValidation, "invalid network %q", cidr)
	}
	return ipnet.IP.String(), net.IP(ipnet.Mask).String(), nil
}

// networkGateway returns the first usable address in a network - the
// network address incremented by one - matching the reference
// implementation's convention for route next-hop (spec §9 supplement).
func networkGateway(cidr string) (string, error) {
	if cidr == "" {
		return "", nil
	}
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", errors.Wrapf(err, errors.KindValidation, "invalid network %q", cidr)
	}
	var ip net.IP
	if v4 := ipnet.IP.To4(); v4 != nil {
		ip = append(net.IP{}, v4...)
	} else {
		ip = append(net.IP{}, ipnet.IP.To16()...)
	}
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
	return ip.String(), nil
}

func jumboFramesBlock(enabled bool) string {
	if !enabled {
		return "tun-mtu 1500\nmssfix 1450\n"
	}
	return "tun-mtu 9000\nmssfix 8950\nfragment 0\n"
}

// Write renders the config and writes it atomically to <instance temp
// dir>/openvpn.conf with 0600 permissions (spec §4.D).
func Write(server *model.Server, inst *model.Instance) (string, error) {
	text, err := Render(server, inst)
	if err != nil {
		return "", err
	}

	path := filepath.Join(inst.TempDir, confFileName)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, []byte(text), 0600); err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "failed to write temporary config file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", errors.Wrap(err, errors.KindInternal, "failed to rename config file into place")
	}

	return path, nil
}
