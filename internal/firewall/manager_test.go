// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/WPMedia/pritunl/internal/logging"
)

// fakeRunner scripts exit codes per (verb, rule), the same for both tools,
// and records every
// invocation, standing in for the real iptables/ip6tables subprocess calls.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	absent  map[string]bool // rule.String() -> true means -C should fail (absent)
	failIns int              // number of -I calls to fail before succeeding
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, name+" "+Rule(args).String())

	if len(args) == 0 {
		return nil
	}
	verb := args[0]
	ruleKey := Rule(args[1:]).String()

	switch verb {
	case "-C":
		if f.absent[ruleKey] {
			return errAbsent
		}
		return nil
	case "-I":
		if f.failIns > 0 {
			f.failIns--
			return errAbsent
		}
		return nil
	case "-D":
		return nil
	}
	return nil
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errAbsent = fakeErr("absent")

func newTestManager(t *testing.T) (*Manager, *fakeRunner) {
	t.Helper()
	sleep = func(time.Duration) {} // no real backoff in tests
	fr := &fakeRunner{absent: map[string]bool{}}
	m := NewManager("srv1", "tun0", HostCapabilities{}, logging.New(logging.DefaultConfig()))
	m.runner = fr
	return m, fr
}

func TestAppend_SkipsExistingRule(t *testing.T) {
	m, fr := newTestManager(t)
	rule := Rule{"INPUT", "-i", "tun0", "-j", "ACCEPT"}

	if err := m.Append(context.Background(), []Rule{rule}, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	v4, _ := m.Rules()
	if len(v4) != 1 {
		t.Fatalf("expected 1 tracked rule, got %d", len(v4))
	}

	for _, c := range fr.calls {
		if containsVerb(c, "-I") {
			t.Fatalf("expected no insert call for an already-present rule, got call %q", c)
		}
	}
}

func TestAppend_InsertsMissingRule(t *testing.T) {
	m, fr := newTestManager(t)
	rule := Rule{"INPUT", "-i", "tun0", "-j", "ACCEPT"}
	fr.absent[rule.String()] = true

	if err := m.Append(context.Background(), []Rule{rule}, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	found := false
	for _, c := range fr.calls {
		if containsVerb(c, "-I") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an insert call for a rule reported absent by check")
	}
}

func containsVerb(call, verb string) bool {
	for i := 0; i+len(verb) <= len(call); i++ {
		if call[i:i+len(verb)] == verb {
			return true
		}
	}
	return false
}

func TestAppend_RetriesThenFails(t *testing.T) {
	m, fr := newTestManager(t)
	rule := Rule{"INPUT", "-i", "tun0", "-j", "ACCEPT"}
	fr.absent[rule.String()] = true
	fr.failIns = insertRetries // every attempt fails

	err := m.Append(context.Background(), []Rule{rule}, nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestClear_NoOpsFurtherMutation(t *testing.T) {
	m, _ := newTestManager(t)
	rule := Rule{"INPUT", "-i", "tun0", "-j", "ACCEPT"}

	if err := m.Append(context.Background(), []Rule{rule}, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	m.Clear(context.Background())

	v4, v6 := m.Rules()
	if len(v4) != 0 || len(v6) != 0 {
		t.Fatalf("expected empty rule lists after clear, got v4=%v v6=%v", v4, v6)
	}

	// Further mutation must be a no-op: Append should not reintroduce
	// rules once teardown has started.
	if err := m.Append(context.Background(), []Rule{rule}, nil); err != nil {
		t.Fatalf("append after clear should not error: %v", err)
	}
	v4, _ = m.Rules()
	if len(v4) != 0 {
		t.Fatalf("expected append after clear to be a no-op, got %v", v4)
	}
}

func TestEnableTunNAT_Idempotent(t *testing.T) {
	m, fr := newTestManager(t)

	if err := m.EnableTunNAT(context.Background(), false); err != nil {
		t.Fatalf("enable tun nat: %v", err)
	}
	callsAfterFirst := len(fr.calls)

	if err := m.EnableTunNAT(context.Background(), false); err != nil {
		t.Fatalf("enable tun nat (second): %v", err)
	}
	if len(fr.calls) != callsAfterFirst {
		t.Fatalf("expected no new calls on second EnableTunNAT, got %d new", len(fr.calls)-callsAfterFirst)
	}

	v4, _ := m.Rules()
	if len(v4) != 1 {
		t.Fatalf("expected exactly one tracked NAT rule, got %d", len(v4))
	}
}
