// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package instancecom defines this core's contract with the OpenVPN
// management-socket client (spec §1): the core owns the socket path and
// the process that listens on it, but the client events it parses
// (per-connection client-connect/disconnect, byte counters) are an
// external collaborator whose internal parser is out of scope here.
package instancecom

// ClientEvent is one event the management-socket client reports back to
// the orchestrator. Only the fields this core acts on are modeled; the
// full management-protocol vocabulary belongs to the client itself.
type ClientEvent struct {
	Type       string
	ClientID   string
	RemoteAddr string
}

// Sink receives client events as InstanceCom observes them. No type in this
// module implements it; the Process Supervisor (spec §4.E) reads only state
// events from the management connection and forwards nothing to a Sink.
type Sink interface {
	PushClientEvent(ClientEvent)
}
