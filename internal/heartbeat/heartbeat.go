// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package heartbeat implements the Heartbeat Writer (spec §4.F): a periodic
// conditional liveness update against the shared datastore, with
// self-eviction when the update stops matching.
package heartbeat

import (
	"context"
	"time"

	"github.com/WPMedia/pritunl/internal/errors"
	"github.com/WPMedia/pritunl/internal/logging"
)

// Pinger is the subset of the store this writer depends on.
type Pinger interface {
	Heartbeat(ctx context.Context, serverID, instanceID string) (bool, error)
}

// retryDelay is how long to wait after a transient datastore error before
// trying the heartbeat again (spec §4.F).
const retryDelay = time.Second

// Writer refreshes one instance's ping_timestamp every interval until
// stopped, evicted, or its context is canceled.
type Writer struct {
	store      Pinger
	serverID   string
	instanceID string
	interval   time.Duration
	logger     *logging.Logger
}

// New creates a Writer. interval is the server's configured server_ping
// period.
func New(store Pinger, serverID, instanceID string, interval time.Duration, logger *logging.Logger) *Writer {
	return &Writer{
		store:      store,
		serverID:   serverID,
		instanceID: instanceID,
		interval:   interval,
		logger:     logger.WithComponent("heartbeat"),
	}
}

// Run blocks, heartbeating on a timer, until ctx is canceled or the
// instance is evicted (its conditional update matches no row). It returns
// true if eviction occurred, false if ctx was canceled first.
func (w *Writer) Run(ctx context.Context) (evicted bool) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if w.tick(ctx) {
				return true
			}
		}
	}
}

// tick performs one heartbeat attempt, retrying transient failures after
// retryDelay without returning, and reports whether eviction was observed.
func (w *Writer) tick(ctx context.Context) (evicted bool) {
	for {
		ok, err := w.store.Heartbeat(ctx, w.serverID, w.instanceID)
		if err != nil {
			w.logger.Warn("heartbeat failed, retrying", "error", err, "kind", errors.GetKind(err).String())
			select {
			case <-ctx.Done():
				return false
			case <-time.After(retryDelay):
				continue
			}
		}
		if !ok {
			w.logger.Error("heartbeat evicted: instance row no longer matches")
			return true
		}
		return false
	}
}
