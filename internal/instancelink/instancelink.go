// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package instancelink defines this core's contract with the
// server-to-server link tunnel worker (spec §1): the orchestrator decides
// which peers to link to and when to start/stop the worker, but the
// worker's own tunnel protocol is an external collaborator, specified only
// at this interface.
package instancelink

import "context"

// Worker drives one outbound link to a peer server for the lifetime of a
// run. The orchestrator starts exactly one Worker per link peer whose id
// is less than this server's id (spec §4.I: the id-comparison tie-breaker
// ensures exactly one side of each pair initiates).
type Worker interface {
	// Run blocks until ctx is canceled or the link fails unrecoverably.
	Run(ctx context.Context) error
}

// Starter creates a Worker for one peer. Establishing the actual tunnel is
// out of scope here (spec §1); this core only owns the worker's lifecycle.
type Starter interface {
	Start(peerServerID, peerNetwork string) Worker
}
