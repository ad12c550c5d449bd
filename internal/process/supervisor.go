// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package process implements the Process Supervisor (spec §4.E): it spawns
// OpenVPN against a rendered config and a management socket, streams its
// output, and enforces graceful-then-forceful termination.
package process

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/apparentlymart/go-openvpn-mgmt/openvpn"
	"golang.org/x/sys/unix"

	"github.com/WPMedia/pritunl/internal/errors"
	"github.com/WPMedia/pritunl/internal/logging"
)

// OutputSink receives each line of OpenVPN's stdout/stderr, fanned out to
// whatever surface (log, UI, etc.) the caller wires up (spec §4.E).
type OutputSink interface {
	PushOutput(line string)
}

const (
	mgmtAcceptTimeout = 10 * time.Second
	stopTimeout       = 10 * time.Second
)

// Supervisor owns one OpenVPN child process for the lifetime of an
// instance.
type Supervisor struct {
	cmd  *exec.Cmd
	mgmt *openvpn.MgmtClient

	logger *logging.Logger

	mu        sync.Mutex
	exited    bool
	exitErr   error
	cleanExit bool

	exitCh chan struct{}
}

// Start spawns the OpenVPN binary with the given config file and management
// socket path, blocking until the process has connected to the management
// socket (or failed to). The caller owns creation/removal of the socket's
// parent directory (spec §4.E, §3: temp directory lifecycle).
func Start(ctx context.Context, binaryPath, configPath, mgmtSocketPath string, sink OutputSink, logger *logging.Logger) (*Supervisor, error) {
	logger = logger.WithComponent("process")

	listener, err := openvpn.Listen(mgmtSocketPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindProcessSpawnFailed, "failed to open management socket")
	}

	cmd := exec.CommandContext(ctx, binaryPath, "--config", configPath)
	cmd.Env = []string{}

	outputRead, outputWrite, err := os.Pipe()
	if err != nil {
		listener.Close()
		return nil, errors.Wrap(err, errors.KindProcessSpawnFailed, "failed to open output pipe")
	}
	cmd.Stdout = outputWrite
	cmd.Stderr = outputWrite

	if err := cmd.Start(); err != nil {
		listener.Close()
		outputRead.Close()
		outputWrite.Close()
		return nil, errors.Wrap(err, errors.KindProcessSpawnFailed, "failed to start openvpn")
	}
	outputWrite.Close() // parent's copy; the child holds its own

	stdout := outputRead

	s := &Supervisor{
		cmd:    cmd,
		logger: logger,
		exitCh: make(chan struct{}),
	}

	go s.watchProcessExit()
	go s.streamOutput(stdout, sink)

	type acceptResult struct {
		conn *openvpn.IncomingConn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := listener.Accept()
		acceptCh <- acceptResult{conn, err}
	}()

	select {
	case res := <-acceptCh:
		listener.Close()
		if res.err != nil {
			s.Kill()
			return nil, errors.Wrap(res.err, errors.KindProcessSpawnFailed, "error awaiting management connection")
		}
		eventCh := make(chan openvpn.Event, 16)
		s.mgmt = res.conn.Open(eventCh)
		if err := s.mgmt.SetStateEvents(true); err != nil {
			s.Kill()
			return nil, errors.Wrap(err, errors.KindProcessSpawnFailed, "failed to enable state events")
		}
		go s.drainEvents(eventCh)

	case <-s.exitCh:
		listener.Close()
		return nil, errors.New(errors.KindProcessSpawnFailed, "openvpn exited before connecting to management socket")

	case <-time.After(mgmtAcceptTimeout):
		listener.Close()
		s.Kill()
		return nil, errors.New(errors.KindProcessSpawnFailed, "timeout waiting for openvpn to connect to management socket")
	}

	return s, nil
}

func (s *Supervisor) watchProcessExit() {
	err := s.cmd.Wait()
	s.mu.Lock()
	s.exited = true
	s.exitErr = err
	s.mu.Unlock()
	close(s.exitCh)
}

// streamOutput reads stdout line-by-line and forwards each to sink, exiting
// when the pipe closes (spec §4.E watch()).
func (s *Supervisor) streamOutput(r io.Reader, sink OutputSink) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if sink != nil {
			sink.PushOutput(scanner.Text())
		}
	}
}

func (s *Supervisor) drainEvents(eventCh <-chan openvpn.Event) {
	for event := range eventCh {
		if se, ok := event.(*openvpn.StateEvent); ok {
			s.logger.Debug("openvpn state changed", "state", se.NewState())
		}
	}
}

// Wait blocks until the process has exited. Exited reports the exit error
// and CleanExit whether the exit was marked as intentional.
func (s *Supervisor) Wait() {
	<-s.exitCh
}

// Exited reports whether the process has terminated, and its exit error if
// any.
func (s *Supervisor) Exited() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited, s.exitErr
}

// MarkCleanExit records that termination was operator- or self-initiated,
// not a crash. On force_stop the Control Subscriber calls it before the
// first Kill; on stop it calls it only after Stop has observed termination
// (spec §4.G). An exit observed after clean_exit is set is treated as
// expected, not as cause for re-election.
func (s *Supervisor) MarkCleanExit() {
	s.mu.Lock()
	s.cleanExit = true
	s.mu.Unlock()
}

// CleanExit reports whether MarkCleanExit has been called.
func (s *Supervisor) CleanExit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanExit
}

// Stop requests graceful termination via the management socket, waits up to
// stopTimeout, and escalates to Kill if the process has not exited by then.
// It returns whether termination was observed before returning (spec §4.E).
// It does not itself mark clean_exit - the caller (Control Subscriber, spec
// §4.G) does that only when Stop reports success, so a Stop that never
// observed termination still reads as a crash.
func (s *Supervisor) Stop() bool {
	if s.mgmt != nil {
		if err := s.mgmt.SendSignal("SIGTERM"); err != nil {
			s.logger.Warn("failed to send SIGTERM via management socket", "error", err)
		}
	} else {
		s.Kill()
	}

	select {
	case <-s.exitCh:
		return true
	case <-time.After(stopTimeout):
		s.Kill()
		select {
		case <-s.exitCh:
			return true
		case <-time.After(stopTimeout):
			return false
		}
	}
}

// Kill sends an uncatchable termination signal directly to the process.
func (s *Supervisor) Kill() {
	if s.cmd.Process == nil {
		return
	}
	if err := s.cmd.Process.Signal(unix.SIGKILL); err != nil {
		s.logger.Warn("failed to send SIGKILL", "error", err)
	}
}
