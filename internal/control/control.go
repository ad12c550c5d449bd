// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package control implements the Control Subscriber (spec §4.G): it
// consumes this server's messages off the pub/sub bus's "servers" channel
// and dispatches stop/force_stop to the Process Supervisor.
package control

import (
	"context"
	"time"

	"github.com/WPMedia/pritunl/internal/logging"
	"github.com/WPMedia/pritunl/internal/store"
)

const (
	// MessageStop requests graceful termination.
	MessageStop = "stop"
	// MessageForceStop requests immediate, uncatchable termination.
	MessageForceStop = "force_stop"
)

const (
	forceStopKills    = 10
	forceStopInterval = 10 * time.Millisecond
)

// Supervisor is the subset of process.Supervisor this subscriber drives.
type Supervisor interface {
	Stop() bool
	MarkCleanExit()
	Kill()
}

// Subscriber drains control messages scoped to one server id and dispatches
// them to a Supervisor (spec §4.G).
type Subscriber struct {
	store      *store.Store
	serverID   string
	supervisor Supervisor
	logger     *logging.Logger
}

// New creates a Subscriber. The cursor later passed to Run must be captured
// before the instance row was inserted so that no concurrent message is
// missed (spec §4.G, §3).
func New(st *store.Store, serverID string, supervisor Supervisor, logger *logging.Logger) *Subscriber {
	return &Subscriber{store: st, serverID: serverID, supervisor: supervisor, logger: logger.WithComponent("control")}
}

// Run subscribes from cursor and dispatches messages until ctx is canceled.
// It returns when the subscription ends (spec §4.G: "exits when interrupt
// is observed").
func (s *Subscriber) Run(ctx context.Context, cursor store.Cursor) {
	ch := s.store.Subscribe(ctx, "servers", cursor, s.serverID)
	for change := range ch {
		s.dispatch(change.Type)
	}
}

func (s *Subscriber) dispatch(messageType string) {
	switch messageType {
	case MessageStop:
		if s.supervisor.Stop() {
			s.supervisor.MarkCleanExit()
			s.logger.Info("instance stopped on request")
		}
	case MessageForceStop:
		s.supervisor.MarkCleanExit()
		for i := 0; i < forceStopKills; i++ {
			s.supervisor.Kill()
			time.Sleep(forceStopInterval)
		}
	default:
		s.logger.Debug("ignoring unrecognized control message", "type", messageType)
	}
}
