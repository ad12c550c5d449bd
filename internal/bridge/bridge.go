// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package bridge implements the Bridge Manager (spec §4.C): joining a
// server's TUN interface to a host Ethernet bridge when network_mode is
// "bridge", and discovering the host interface's address/netmask for the
// config renderer's `server-bridge` line.
package bridge

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"

	"github.com/WPMedia/pritunl/internal/errors"
	"github.com/WPMedia/pritunl/internal/logging"
	"github.com/WPMedia/pritunl/internal/model"
)

// netlinker is the seam between the manager and the kernel's link/address
// tables, mirroring the injectable-dependency pattern used throughout this
// codebase's network code (tests supply a fake; production uses netlink).
type netlinker interface {
	LinkList() ([]netlink.Link, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
	LinkByName(name string) (netlink.Link, error)
	LinkAdd(link netlink.Link) error
	LinkSetUp(link netlink.Link) error
	LinkSetMaster(link netlink.Link, master *netlink.Bridge) error
	LinkSetNoMaster(link netlink.Link) error
	LinkDel(link netlink.Link) error
}

type realNetlinker struct{}

func (realNetlinker) LinkList() ([]netlink.Link, error) { return netlink.LinkList() }
func (realNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return netlink.AddrList(link, family)
}
func (realNetlinker) LinkByName(name string) (netlink.Link, error) { return netlink.LinkByName(name) }
func (realNetlinker) LinkAdd(link netlink.Link) error               { return netlink.LinkAdd(link) }
func (realNetlinker) LinkSetUp(link netlink.Link) error             { return netlink.LinkSetUp(link) }
func (realNetlinker) LinkSetMaster(link netlink.Link, master *netlink.Bridge) error {
	return netlink.LinkSetMaster(link, master)
}
func (realNetlinker) LinkSetNoMaster(link netlink.Link) error { return netlink.LinkSetNoMaster(link) }
func (realNetlinker) LinkDel(link netlink.Link) error         { return netlink.LinkDel(link) }

// Manager joins/leaves a TUN interface from a host bridge for one instance's
// lifetime (spec §4.C; only exercised when network_mode = bridge).
type Manager struct {
	nl     netlinker
	logger *logging.Logger
}

// New creates a Manager backed by the real netlink package.
func New(logger *logging.Logger) *Manager {
	return &Manager{nl: realNetlinker{}, logger: logger.WithComponent("bridge")}
}

const bridgeNamePrefix = "pritbr"

// Start finds the host interface whose address falls within the server's
// configured network, ensures a bridge wraps it, enslaves tunIface to that
// bridge, and returns the bridge name plus the host interface's address and
// netmask (spec §4.C). It returns a BridgeLookupFailed error if no host
// interface matches the network.
func (m *Manager) Start(server *model.Server, tunIface string) (bridgeName string, hostData model.HostInterfaceData, err error) {
	_, network, err := net.ParseCIDR(server.Network)
	if err != nil {
		return "", model.HostInterfaceData{}, errors.Wrapf(err, errors.KindValidation, "invalid server network %q", server.Network)
	}

	hostLink, addr, err := m.findHostInterface(network)
	if err != nil {
		return "", model.HostInterfaceData{}, err
	}

	ones, _ := addr.Mask.Size()
	hostData = model.HostInterfaceData{
		Interface: hostLink.Attrs().Name,
		Address:   addr.IP.String(),
		Netmask:   net.IP(net.CIDRMask(ones, 32)).String(),
	}

	br, err := m.ensureBridge(hostLink)
	if err != nil {
		return "", model.HostInterfaceData{}, err
	}

	tunLink, err := m.nl.LinkByName(tunIface)
	if err != nil {
		return "", model.HostInterfaceData{}, errors.Wrapf(err, errors.KindBridgeLookupFailed, "tun interface %q not found", tunIface)
	}
	if err := m.nl.LinkSetMaster(tunLink, br); err != nil {
		return "", model.HostInterfaceData{}, errors.Wrap(err, errors.KindBridgeLookupFailed, "failed to join tun interface to bridge")
	}

	return br.Attrs().Name, hostData, nil
}

// Stop removes tunIface from whatever bridge it belongs to. It is a no-op
// (best effort) if the interface is already detached (spec §4.I teardown:
// bridge_stop never raises).
func (m *Manager) Stop(tunIface string) {
	link, err := m.nl.LinkByName(tunIface)
	if err != nil {
		return
	}
	if err := m.nl.LinkSetNoMaster(link); err != nil {
		m.logger.Warn("failed to detach tun interface from bridge", "interface", tunIface, "error", err)
	}
}

func (m *Manager) findHostInterface(network *net.IPNet) (netlink.Link, *net.IPNet, error) {
	links, err := m.nl.LinkList()
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.KindBridgeLookupFailed, "failed to list host interfaces")
	}

	for _, link := range links {
		addrs, err := m.nl.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if a.IPNet != nil && network.Contains(a.IPNet.IP) {
				return link, a.IPNet, nil
			}
		}
	}

	return nil, nil, errors.Errorf(errors.KindBridgeLookupFailed, "failed to find bridged network interface for %s", network.String())
}

// ensureBridge returns hostLink itself if it is already a bridge, or an
// existing bridge named "pritbr<index>"; otherwise it creates that bridge and
// enslaves hostLink to it.
func (m *Manager) ensureBridge(hostLink netlink.Link) (*netlink.Bridge, error) {
	if br, ok := hostLink.(*netlink.Bridge); ok {
		return br, nil
	}

	name := fmt.Sprintf("%s%d", bridgeNamePrefix, hostLink.Attrs().Index)
	if existing, err := m.nl.LinkByName(name); err == nil {
		if br, ok := existing.(*netlink.Bridge); ok {
			return br, nil
		}
	}

	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := m.nl.LinkAdd(br); err != nil {
		return nil, errors.Wrap(err, errors.KindBridgeLookupFailed, "failed to create host bridge")
	}
	if err := m.nl.LinkSetUp(br); err != nil {
		return nil, errors.Wrap(err, errors.KindBridgeLookupFailed, "failed to bring up host bridge")
	}
	if err := m.nl.LinkSetMaster(hostLink, br); err != nil {
		return nil, errors.Wrap(err, errors.KindBridgeLookupFailed, "failed to join host interface to bridge")
	}

	return br, nil
}
