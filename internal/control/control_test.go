// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/WPMedia/pritunl/internal/logging"
	"github.com/WPMedia/pritunl/internal/store"
)

type fakeSupervisor struct {
	mu           sync.Mutex
	stopResult   bool
	markCalls    int
	killCalls    int
	firstMarkAfterKill bool
}

func (f *fakeSupervisor) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopResult
}

func (f *fakeSupervisor) MarkCleanExit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markCalls++
	if f.killCalls > 0 {
		f.firstMarkAfterKill = true
	}
}

func (f *fakeSupervisor) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killCalls++
}

func TestDispatch_StopSuccess_MarksCleanExit(t *testing.T) {
	sup := &fakeSupervisor{stopResult: true}
	s := &Subscriber{supervisor: sup, logger: logging.New(logging.DefaultConfig())}

	s.dispatch(MessageStop)

	if sup.markCalls != 1 {
		t.Fatalf("expected MarkCleanExit to be called once on successful stop, got %d calls", sup.markCalls)
	}
}

func TestDispatch_StopFailure_DoesNotMarkCleanExit(t *testing.T) {
	sup := &fakeSupervisor{stopResult: false}
	s := &Subscriber{supervisor: sup, logger: logging.New(logging.DefaultConfig())}

	s.dispatch(MessageStop)

	if sup.markCalls != 0 {
		t.Fatalf("expected MarkCleanExit not to be called when Stop fails, got %d calls", sup.markCalls)
	}
}

func TestDispatch_ForceStop_MarksCleanExitBeforeKillingAndKillsTenTimes(t *testing.T) {
	sup := &fakeSupervisor{}
	s := &Subscriber{supervisor: sup, logger: logging.New(logging.DefaultConfig())}

	s.dispatch(MessageForceStop)

	if sup.markCalls != 1 {
		t.Fatalf("expected exactly one MarkCleanExit call, got %d", sup.markCalls)
	}
	if sup.firstMarkAfterKill {
		t.Fatal("expected clean_exit to be marked before any kill, not after")
	}
	if sup.killCalls != forceStopKills {
		t.Fatalf("expected %d kill calls, got %d", forceStopKills, sup.killCalls)
	}
}

func TestDispatch_UnrecognizedMessage_NoSupervisorCalls(t *testing.T) {
	sup := &fakeSupervisor{}
	s := &Subscriber{supervisor: sup, logger: logging.New(logging.DefaultConfig())}

	s.dispatch("something_else")

	if sup.markCalls != 0 || sup.killCalls != 0 {
		t.Fatalf("expected no supervisor calls for unrecognized message, got mark=%d kill=%d", sup.markCalls, sup.killCalls)
	}
}

func TestRun_DispatchesUntilContextCanceled(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	sup := &fakeSupervisor{stopResult: true}
	s := New(st, "srv1", sup, logging.New(logging.DefaultConfig()))

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Run(ctx, 0)
		close(done)
	}()

	if _, err := st.Publish(context.Background(), "servers", "srv1", MessageStop, ""); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		sup.mu.Lock()
		marked := sup.markCalls
		sup.mu.Unlock()
		if marked == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for dispatched stop message to mark clean_exit")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
