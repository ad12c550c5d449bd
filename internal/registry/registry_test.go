// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package registry

import (
	"sync"
	"testing"
)

func TestAcquireInterface_LowestFree(t *testing.T) {
	r := New()

	a, err := r.AcquireInterface("tun")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if a != "tun0" {
		t.Fatalf("expected tun0, got %s", a)
	}

	b, err := r.AcquireInterface("tun")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if b != "tun1" {
		t.Fatalf("expected tun1, got %s", b)
	}

	r.ReleaseInterface("tun", a)

	c, err := r.AcquireInterface("tun")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if c != "tun0" {
		t.Fatalf("expected freed tun0 to be reused, got %s", c)
	}
}

func TestAcquireInterface_MutualExclusion(t *testing.T) {
	r := New()

	const n = 64
	names := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name, err := r.AcquireInterface("tap")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			names[i] = name
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, name := range names {
		if name == "" {
			continue
		}
		if seen[name] {
			t.Fatalf("interface name %s allocated twice", name)
		}
		seen[name] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct names, got %d", n, len(seen))
	}
}

func TestServerLock_SameInstanceReused(t *testing.T) {
	r := New()

	l1 := r.ServerLock("srv-1")
	l2 := r.ServerLock("srv-1")
	if l1 != l2 {
		t.Fatal("expected same lock instance for the same server id")
	}

	l3 := r.ServerLock("srv-2")
	if l1 == l3 {
		t.Fatal("expected distinct locks for distinct server ids")
	}
}
