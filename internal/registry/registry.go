// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package registry is the process-wide allocator for TUN/TAP interface
// names and per-server serialization locks (spec §4.A). It is a singleton
// with explicit lifecycle: the lock map grows lazily and is never pruned,
// since it is bounded by the number of distinct servers this process has
// ever touched (spec §9 design notes).
package registry

import (
	"fmt"
	"sync"

	"github.com/WPMedia/pritunl/internal/errors"
)

// Registry allocates interface names and per-server locks. It is safe for
// concurrent use and is meant to be constructed once per process.
type Registry struct {
	mu sync.Mutex

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	used map[string]map[int]bool // adapterType -> set of allocated indices
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		locks: make(map[string]*sync.Mutex),
		used:  make(map[string]map[int]bool),
	}
}

// ServerLock returns the process-wide lock for serverID, creating it on
// first use. The returned lock is never removed from the map.
func (r *Registry) ServerLock(serverID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	lock, ok := r.locks[serverID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[serverID] = lock
	}
	return lock
}

// AcquireInterface returns the lowest-numbered free interface name of the
// given adapter family (e.g. "tun" or "tap"), atomically marking it used.
// Allocation is mutually exclusive across every caller in the process.
func (r *Registry) AcquireInterface(adapterType string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.used[adapterType]
	if !ok {
		set = make(map[int]bool)
		r.used[adapterType] = set
	}

	for i := 0; i < maxInterfaces; i++ {
		if !set[i] {
			set[i] = true
			return fmt.Sprintf("%s%d", adapterType, i), nil
		}
	}

	return "", errors.Errorf(errors.KindResourceExhausted,
		"no free %s interface name available", adapterType)
}

// ReleaseInterface frees a previously acquired interface name so it can be
// reused. Releasing a name that was not acquired, or releasing it twice, is
// a no-op.
func (r *Registry) ReleaseInterface(adapterType, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.used[adapterType]
	if !ok {
		return
	}

	var idx int
	if _, err := fmt.Sscanf(name, adapterType+"%d", &idx); err != nil {
		return
	}
	delete(set, idx)
}

// maxInterfaces bounds the name space scanned for a free slot. It is well
// above any realistic replica count per host.
const maxInterfaces = 4096
