// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"context"
	"sync"

	"github.com/WPMedia/pritunl/internal/errors"
	"github.com/WPMedia/pritunl/internal/logging"
)

// Manager tracks the IPv4 and IPv6 rules installed for a single instance
// and mutates them under a per-instance lock (spec §4.B). A nil rule list
// is the teardown sentinel: once Clear has run, Append/Delete/Reassert on
// that list silently no-op (spec §3 invariant 3, §9 design notes).
type Manager struct {
	serverID string
	tunIface string
	caps     HostCapabilities

	mu     sync.Mutex
	v4     []Rule
	v6     []Rule
	tunNAT bool

	logger *logging.Logger
	runner commandRunner
}

// NewManager creates a Manager for one instance's lifetime. v4/v6 start as
// empty (non-nil) lists, per spec §3's rule-list lifecycle.
func NewManager(serverID, tunIface string, caps HostCapabilities, logger *logging.Logger) *Manager {
	return &Manager{
		serverID: serverID,
		tunIface: tunIface,
		caps:     caps,
		v4:       []Rule{},
		v6:       []Rule{},
		logger:   logger.WithComponent("firewall"),
		runner:   execRunner{},
	}
}

// Append installs each rule (top-insert, only if an exact-match check
// reports it absent) and tracks it regardless, so re-running Append after a
// partial failure is idempotent (spec §4.B).
func (m *Manager) Append(ctx context.Context, v4, v6 []Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.v4 == nil {
		return nil // teardown in progress
	}

	for _, r := range v4 {
		if !m.checkRule(ctx, tableIPv4, r) {
			if err := m.insertRule(ctx, tableIPv4, r); err != nil {
				return errors.Wrap(err, errors.KindFilterRuleFailed, "failed to insert iptables rule")
			}
		}
		m.v4 = append(m.v4, r)
	}
	for _, r := range v6 {
		if !m.checkRule(ctx, tableIPv6, r) {
			if err := m.insertRule(ctx, tableIPv6, r); err != nil {
				return errors.Wrap(err, errors.KindFilterRuleFailed, "failed to insert ip6tables rule")
			}
		}
		m.v6 = append(m.v6, r)
	}

	return nil
}

// Delete removes rules from the tracking list and from the kernel on a
// best-effort basis (spec §4.B).
func (m *Manager) Delete(ctx context.Context, v4, v6 []Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.v4 == nil {
		return
	}

	for _, r := range v4 {
		m.v4 = removeRule(m.v4, r)
		if err := m.deleteRule(ctx, tableIPv4, r); err != nil {
			m.logger.Warn("failed to remove iptables rule", "rule", r.String(), "error", err)
		}
	}
	for _, r := range v6 {
		m.v6 = removeRule(m.v6, r)
		if err := m.deleteRule(ctx, tableIPv6, r); err != nil {
			m.logger.Warn("failed to remove ip6tables rule", "rule", r.String(), "error", err)
		}
	}
}

// Reassert walks the tracking list and reinserts any rule whose check
// reports absent - the periodic self-repair pass (spec §4.B, §5: must not
// run during teardown, which the nil-list sentinel guarantees).
func (m *Manager) Reassert(ctx context.Context, logMissing bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.v4 == nil {
		return nil
	}

	for _, r := range m.v4 {
		if !m.checkRule(ctx, tableIPv4, r) {
			if logMissing {
				m.logger.Error("unexpected loss of iptables rule, adding again", "rule", r.String())
			}
			if err := m.insertRule(ctx, tableIPv4, r); err != nil {
				return errors.Wrap(err, errors.KindFilterRuleFailed, "failed to reassert iptables rule")
			}
		}
	}
	for _, r := range m.v6 {
		if !m.checkRule(ctx, tableIPv6, r) {
			if logMissing {
				m.logger.Error("unexpected loss of ip6tables rule, adding again", "rule", r.String())
			}
			if err := m.insertRule(ctx, tableIPv6, r); err != nil {
				return errors.Wrap(err, errors.KindFilterRuleFailed, "failed to reassert ip6tables rule")
			}
		}
	}

	return nil
}

// Clear deletes every tracked rule and nils both lists so further mutation
// calls become no-ops (spec §4.B, §3 invariant 3).
func (m *Manager) Clear(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.v4 {
		if err := m.deleteRule(ctx, tableIPv4, r); err != nil {
			m.logger.Warn("failed to remove iptables rule during teardown", "rule", r.String(), "error", err)
		}
	}
	for _, r := range m.v6 {
		if err := m.deleteRule(ctx, tableIPv6, r); err != nil {
			m.logger.Warn("failed to remove ip6tables rule during teardown", "rule", r.String(), "error", err)
		}
	}

	m.v4 = nil
	m.v6 = nil
}

// EnableTunNAT installs a one-shot `POSTROUTING -t nat -o <tun> -j
// MASQUERADE` rule at the request of InstanceCom, for VPNs using
// client-side masquerade (spec §4.B). It is idempotent: subsequent calls
// are no-ops.
func (m *Manager) EnableTunNAT(ctx context.Context, ipv6 bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.v4 == nil || m.tunNAT {
		return nil
	}
	m.tunNAT = true

	rule := WithComment(Rule{"POSTROUTING", "-t", "nat", "-o", m.tunIface, "-j", "MASQUERADE"}, m.serverID, m.caps.IPTablesWait)

	if err := m.insertRule(ctx, tableIPv4, rule); err != nil {
		return errors.Wrap(err, errors.KindFilterRuleFailed, "failed to install tun NAT rule")
	}
	m.v4 = append(m.v4, rule)

	if ipv6 {
		if err := m.insertRule(ctx, tableIPv6, rule); err != nil {
			return errors.Wrap(err, errors.KindFilterRuleFailed, "failed to install IPv6 tun NAT rule")
		}
		m.v6 = append(m.v6, rule)
	}

	return nil
}

// Rules returns a snapshot of the currently tracked IPv4 and IPv6 rules,
// for tests and diagnostics.
func (m *Manager) Rules() (v4, v6 []Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Rule{}, m.v4...), append([]Rule{}, m.v6...)
}
