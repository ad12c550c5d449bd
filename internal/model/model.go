// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package model defines the data shapes this core operates on: the Server
// entity committed by configuration (out of scope here, spec §1) and the
// per-run Instance bookkeeping the orchestrator owns (spec §3).
package model

import "time"

// Protocol is the OpenVPN transport protocol.
type Protocol string

const (
	ProtocolUDP Protocol = "udp"
	ProtocolTCP Protocol = "tcp"
)

// NetworkMode selects between a routed TUN device and a bridged TAP device.
type NetworkMode string

const (
	NetworkModeTun    NetworkMode = "tun"
	NetworkModeBridge NetworkMode = "bridge"
)

// Compression is the tri-state LZO compression setting.
type Compression string

const (
	CompressionOff      Compression = "off"
	CompressionOn       Compression = "on"
	CompressionAdaptive Compression = "adaptive"
)

// ServerStatus is the status field gating slot claims.
type ServerStatus string

const (
	StatusOnline  ServerStatus = "online"
	StatusOffline ServerStatus = "offline"
)

// Route is one routed or pushed network on a server.
type Route struct {
	Network        string `json:"network"`
	NAT            bool   `json:"nat"`
	VirtualNetwork bool   `json:"virtual_network"`
	NetworkLink    bool   `json:"network_link"`
}

// LinkPeer is a configured site-to-site link to another server.
type LinkPeer struct {
	ServerID string  `json:"server_id"`
	Network  string  `json:"network"`
	Network6 string  `json:"network6,omitempty"`
	Routes   []Route `json:"routes,omitempty"`
}

// Server is the immutable-during-a-run input committed by configuration.
type Server struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Port     int      `json:"port"`
	Protocol Protocol `json:"protocol"`
	IPv6     bool     `json:"ipv6"`

	Network       string      `json:"network"`
	Network6      string      `json:"network6,omitempty"`
	NetworkMode   NetworkMode `json:"network_mode"`
	BridgeStart   string      `json:"bridge_start,omitempty"`
	BridgeEnd     string      `json:"bridge_end,omitempty"`
	AdapterType   string      `json:"adapter_type"`
	ReplicaCount  int         `json:"replica_count"`
	Status        ServerStatus `json:"status"`
	InstancesCount int        `json:"instances_count"`

	Cipher      string      `json:"cipher"`
	Hash        string      `json:"hash"`
	CAPem       string      `json:"ca_pem"`
	DHParams    string      `json:"dh_params"`
	TLSAuthKey  string      `json:"tls_auth_key,omitempty"`
	PrimaryCert string      `json:"primary_cert"`
	PrimaryKey  string      `json:"primary_key"`

	MaxClients      int         `json:"max_clients"`
	PingInterval    int         `json:"ping_interval"`
	PingTimeout     int         `json:"ping_timeout"`
	LZOCompression  Compression `json:"lzo_compression"`
	JumboFrames     bool        `json:"jumbo_frames"`
	InterClient     bool        `json:"inter_client"`
	MultiDevice     bool        `json:"multi_device"`
	Debug           bool        `json:"debug"`
	IPv6Firewall    bool        `json:"ipv6_firewall"`
	LocalAddress    string      `json:"local_address,omitempty"`

	Routes []Route    `json:"routes,omitempty"`
	Links  []LinkPeer `json:"links,omitempty"`
}

// HostInterfaceData is discovered by the bridge manager and consumed by the
// config renderer when network_mode is bridge (spec §4.C, §9 Open Question:
// threaded explicitly here rather than relying on a side effect).
type HostInterfaceData struct {
	Interface string
	Address   string
	Netmask   string
}

// InstanceRecord is the shape of one instance entry of a server (spec §6).
// internal/store does not use this type; it keeps the same fields as
// columns of its instances table.
type InstanceRecord struct {
	InstanceID     string    `json:"instance_id"`
	HostID         string    `json:"host_id"`
	PingTimestamp  time.Time `json:"ping_timestamp"`
}

// Instance is the per-run bookkeeping state owned by the orchestrator
// (spec §3). It is never persisted wholesale; the datastore keeps only the
// instance id, host id and ping timestamp.
type Instance struct {
	InstanceID string
	ServerID   string
	HostID     string

	Interface         string
	BridgeInterface   string
	HostInterfaceData *HostInterfaceData

	TempDir             string
	ManagementSocketPath string

	Interrupt     bool
	SockInterrupt bool
	CleanExit     bool
}
