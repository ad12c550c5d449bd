// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package orchestrator implements the Instance Orchestrator (spec §4.I):
// the top-level state machine that claims a replica slot, composes every
// other component, and owns teardown ordering so that every acquired
// resource is released on every exit path.
package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/WPMedia/pritunl/internal/bridge"
	"github.com/WPMedia/pritunl/internal/control"
	"github.com/WPMedia/pritunl/internal/errors"
	"github.com/WPMedia/pritunl/internal/events"
	"github.com/WPMedia/pritunl/internal/firewall"
	"github.com/WPMedia/pritunl/internal/heartbeat"
	"github.com/WPMedia/pritunl/internal/instancelink"
	"github.com/WPMedia/pritunl/internal/logging"
	"github.com/WPMedia/pritunl/internal/model"
	"github.com/WPMedia/pritunl/internal/process"
	"github.com/WPMedia/pritunl/internal/registry"
	"github.com/WPMedia/pritunl/internal/render"
	"github.com/WPMedia/pritunl/internal/store"
)

// State is one node of the spec §4.I state machine.
type State int

const (
	StateNew State = iota
	StateClaimed
	StateResourced
	StateRunning
	StateStopping
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateClaimed:
		return "claimed"
	case StateResourced:
		return "resourced"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// eventType names published on the "events" channel (spec §6).
const (
	eventServersUpdated = "SERVERS_UPDATED"
)

// reassertInterval is the period of the firewall self-repair pass. It is
// hardcoded here; firewall capabilities and the openvpn binary path come in
// through Deps.
var (
	reassertInterval = 30 * time.Second
)

// Deps are the process-wide collaborators shared across every instance run
// on this host (spec §5: registry and per-server lock map are process-wide).
type Deps struct {
	Store           *store.Store
	Registry        *registry.Registry
	Events          *events.Coalescer
	HostCapabilities firewall.HostCapabilities
	OpenVPNBinary   string
	HostID          string
	LinkStarter     instancelink.Starter
	Logger          *logging.Logger
}

// Orchestrator runs one server's instance lifecycle end to end.
type Orchestrator struct {
	deps   Deps
	server *model.Server
	logger *logging.Logger

	mu    sync.Mutex
	state State

	inst     *model.Instance
	fw       *firewall.Manager
	bridgeMgr *bridge.Manager
	sup      *process.Supervisor
	links    []linkWorker
	cancelBg context.CancelFunc
	evicted  chan struct{}

	lockAcquired     bool
	ifaceAdapterType string
}

type linkWorker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Orchestrator for one server. Run may be called at most
// once.
func New(deps Deps, server *model.Server) *Orchestrator {
	return &Orchestrator{
		deps:   deps,
		server: server,
		logger: deps.Logger.WithComponent("orchestrator").With("server_id", server.ID),
		state:  StateNew,
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.logger.Debug("state transition", "state", s.String())
}

// State reports the current lifecycle state, for tests and diagnostics.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Run drives the full NEW -> ... -> REMOVED lifecycle (spec §4.I). It
// returns nil if the slot claim simply missed (no teardown was owed) or the
// run ended and was torn down normally, and the first fatal error of the
// claim or startup otherwise. ctx's cancellation is the process-wide
// interrupt signal (spec §5, §6).
func (o *Orchestrator) Run(ctx context.Context) error {
	// The control subscriber's cursor must be captured before the instance
	// row is inserted, or a stop published between Claim and the cursor
	// read would have a cursor <= from and never be replayed (spec §5, §9).
	cursor, err := o.deps.Store.CurrentCursor(ctx, "servers")
	if err != nil {
		return err
	}

	claimed, err := o.claimSlot(ctx)
	if err != nil {
		return err
	}
	if !claimed {
		o.logger.Debug("slot claim missed, exiting silently")
		return nil
	}

	if err := o.acquireResources(ctx); err != nil {
		o.teardown(context.Background())
		return err
	}

	if err := o.startRunning(ctx, cursor); err != nil {
		o.teardown(context.Background())
		return err
	}

	o.waitForTerminal(ctx)
	o.teardown(context.Background())
	return nil
}

// claimSlot performs the admission-control conditional update (spec §4.I
// claim_slot). A missed claim is not an error.
func (o *Orchestrator) claimSlot(ctx context.Context) (bool, error) {
	instanceID, ok, err := o.deps.Store.Claim(ctx, o.server.ID, o.deps.HostID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	o.inst = &model.Instance{
		InstanceID: instanceID,
		ServerID:   o.server.ID,
		HostID:     o.deps.HostID,
	}
	o.setState(StateClaimed)
	return true, nil
}

// acquireResources obtains the per-server lock (blocking) then the
// interface name, and creates the instance's temp directory (spec §4.I
// acquire_resources, §4.A).
func (o *Orchestrator) acquireResources(ctx context.Context) error {
	// The lock and, once acquired, the interface name are released only in
	// teardown (never here on an error path) so that each is released
	// exactly once regardless of where acquisition fails (spec §3
	// invariants 1 and 4).
	o.deps.Registry.ServerLock(o.server.ID).Lock()
	o.lockAcquired = true

	adapterType := "tun"
	if o.server.NetworkMode == model.NetworkModeBridge {
		adapterType = "tap"
	}
	iface, err := o.deps.Registry.AcquireInterface(adapterType)
	if err != nil {
		return err
	}
	o.inst.Interface = iface
	o.ifaceAdapterType = adapterType

	tempDir, err := os.MkdirTemp("", "pritunl-"+o.server.ID+"-")
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to create instance temp directory")
	}
	o.inst.TempDir = tempDir
	o.inst.ManagementSocketPath = filepath.Join(tempDir, "management.sock")

	o.setState(StateResourced)
	return nil
}

// startRunning optionally bridges, renders the config, installs firewall
// rules, spawns the process, starts the background workers, and publishes
// "started" (spec §4.I, §5 ordering guarantees).
func (o *Orchestrator) startRunning(ctx context.Context, cursor store.Cursor) error {
	if o.server.NetworkMode == model.NetworkModeBridge {
		o.bridgeMgr = bridge.New(o.logger)
		bridgeName, hostData, err := o.bridgeMgr.Start(o.server, o.inst.Interface)
		if err != nil {
			return err
		}
		o.inst.BridgeInterface = bridgeName
		o.inst.HostInterfaceData = &hostData
	}

	if _, err := render.Write(o.server, o.inst); err != nil {
		return err
	}

	o.fw = firewall.NewManager(o.server.ID, o.inst.Interface, o.deps.HostCapabilities, o.logger)
	v4, v6, err := firewall.GenerateRules(o.server, o.inst.Interface, o.deps.HostCapabilities, o.logger)
	if err != nil {
		return err
	}
	if err := o.fw.Append(ctx, v4, v6); err != nil {
		return err
	}

	sink := &discardOutputSink{}
	sup, err := process.Start(ctx, o.deps.OpenVPNBinary, filepath.Join(o.inst.TempDir, render.ConfigFileName), o.inst.ManagementSocketPath, sink, o.logger)
	if err != nil {
		return err
	}
	o.sup = sup

	bgCtx, cancel := context.WithCancel(context.Background())
	o.cancelBg = cancel
	o.evicted = make(chan struct{})

	writer := heartbeat.New(o.deps.Store, o.server.ID, o.inst.InstanceID, time.Duration(o.server.PingInterval)*time.Second, o.logger)
	go func() {
		if writer.Run(bgCtx) {
			o.sup.Stop()
			close(o.evicted)
		}
	}()
	go control.New(o.deps.Store, o.server.ID, o.sup, o.logger).Run(bgCtx, cursor)
	go o.reassertLoop(bgCtx)
	o.startLinkedPeers(bgCtx)

	o.setState(StateRunning)

	if err := o.deps.Events.Publish(ctx, o.server.ID, "SERVER_STARTED", o.server.ID, 0); err != nil {
		o.logger.Warn("failed to publish started event", "error", err)
	}

	return nil
}

// startLinkedPeers starts one InstanceLink worker per peer whose id is
// less than this server's id, so exactly one side of each pair initiates
// (spec §4.I).
func (o *Orchestrator) startLinkedPeers(ctx context.Context) {
	if o.deps.LinkStarter == nil {
		return
	}
	for _, link := range o.server.Links {
		if link.ServerID >= o.server.ID {
			continue
		}
		worker := o.deps.LinkStarter.Start(link.ServerID, link.Network)
		linkCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := worker.Run(linkCtx); err != nil {
				o.logger.Warn("link worker exited", "peer", link.ServerID, "error", err)
			}
		}()
		o.links = append(o.links, linkWorker{cancel: cancel, done: done})
	}
}

// reassertLoop periodically self-repairs the firewall rule set (spec
// §4.B, §5: must not run during teardown - Reassert's nil-list guard
// handles that).
func (o *Orchestrator) reassertLoop(ctx context.Context) {
	ticker := time.NewTicker(reassertInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.fw.Reassert(ctx, true); err != nil {
				o.logger.Warn("firewall reassert failed", "error", err)
			}
		}
	}
}

// waitForTerminal blocks until the process exits, the heartbeat reports
// eviction, or ctx (the global interrupt) is canceled - whichever happens
// first ends the RUNNING state (spec §4.I transitions).
func (o *Orchestrator) waitForTerminal(ctx context.Context) {
	exitCh := make(chan struct{})
	go func() {
		o.sup.Wait()
		close(exitCh)
	}()

	select {
	case <-ctx.Done():
	case <-exitCh:
	case <-o.evicted:
	}
	o.setState(StateStopping)
}

// teardown runs the best-effort release sequence (spec §4.I teardown):
// none of these steps may raise past this point. ctx is a fresh,
// non-canceled context so release calls are not themselves aborted by the
// interrupt that triggered teardown.
func (o *Orchestrator) teardown(ctx context.Context) {
	if o.inst == nil {
		return
	}
	o.inst.Interrupt = true

	for _, l := range o.links {
		l.cancel()
		<-l.done
	}

	if o.cancelBg != nil {
		o.cancelBg()
	}

	// stop() here, not Kill directly: if the process already exited (crash,
	// eof) this is a fast no-op; if teardown was triggered by the global
	// interrupt it requests graceful termination first, same as a `stop`
	// control message (spec §4.I teardown, §4.E). Teardown never calls
	// MarkCleanExit itself - that stays the Control Subscriber's call
	// (spec §4.G), so an interrupt-triggered teardown still reads as
	// "stopped unexpectedly" unless a prior stop message already marked it.
	cleanExit := false
	if o.sup != nil {
		o.sup.Stop()
		cleanExit = o.sup.CleanExit()
	}
	o.inst.CleanExit = cleanExit

	if o.bridgeMgr != nil {
		o.bridgeMgr.Stop(o.inst.Interface)
	}

	if o.fw != nil {
		o.fw.Clear(ctx)
	}

	if o.inst.Interface != "" {
		o.deps.Registry.ReleaseInterface(o.ifaceAdapterType, o.inst.Interface)
	}
	if o.lockAcquired {
		o.deps.Registry.ServerLock(o.server.ID).Unlock()
	}

	if err := o.deps.Store.Release(ctx, o.server.ID, o.inst.InstanceID); err != nil {
		o.logger.Warn("failed to release instance row", "error", err)
	}

	if o.inst.TempDir != "" {
		if err := os.RemoveAll(o.inst.TempDir); err != nil {
			o.logger.Warn("failed to remove instance temp directory", "error", err)
		}
	}

	if !cleanExit {
		o.logger.Error("instance stopped unexpectedly")
		if err := o.deps.Events.Publish(ctx, o.server.ID, eventServersUpdated, o.server.ID, 0); err != nil {
			o.logger.Warn("failed to publish unexpected-stop event", "error", err)
		}
	}

	o.setState(StateRemoved)
}

type discardOutputSink struct{}

func (discardOutputSink) PushOutput(string) {}
