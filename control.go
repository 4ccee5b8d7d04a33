// control.go exposes the control RPC surface of spec.md §6 as exported
// Manager methods; transport (HTTP/IPC/whatever an embedder chooses) is left
// entirely to the caller, per spec.md §1's scoping of CLI/transport
// bootstrap out of the core.
package riftproxy

import (
	"github.com/google/uuid"

	"github.com/riftproxy/riftproxy/intercept"
	"github.com/riftproxy/riftproxy/rules"
	"github.com/riftproxy/riftproxy/store"
)

// SetInterceptEnabled toggles global interception across every running
// instance (the teacher's ProxyState keeps this flag at the top level, not
// per-proxy — see mod.rs's ProxyState.intercept_enabled). Disabling it
// auto-forwards every instance's pending tickets in both directions.
func (m *Manager) SetInterceptEnabled(enabled bool) {
	m.interceptEnabled.Store(enabled)
	for _, i := range m.runningInstances() {
		i.SetInterceptEnabled(enabled)
	}
}

// SetRequestInterceptEnabled toggles request-side interception globally.
func (m *Manager) SetRequestInterceptEnabled(enabled bool) {
	m.requestInterceptEnabled.Store(enabled)
	for _, i := range m.runningInstances() {
		i.SetRequestInterceptEnabled(enabled)
	}
}

// SetResponseInterceptEnabled toggles response-side interception globally.
func (m *Manager) SetResponseInterceptEnabled(enabled bool) {
	m.responseInterceptEnabled.Store(enabled)
	for _, i := range m.runningInstances() {
		i.SetResponseInterceptEnabled(enabled)
	}
}

// ProxySettings returns the three global intercept flags as one struct,
// matching the original's get_proxy_settings.
func (m *Manager) ProxySettings() InterceptSettings {
	return InterceptSettings{
		Enabled:         m.interceptEnabled.Load(),
		RequestEnabled:  m.requestInterceptEnabled.Load(),
		ResponseEnabled: m.responseInterceptEnabled.Load(),
	}
}

func (m *Manager) runningInstances() []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Instance, 0, len(m.instances))
	for _, rp := range m.instances {
		out = append(out, rp.instance)
	}
	return out
}

// ForwardInterceptedRequest resumes a suspended request ticket, applying
// mutation's non-nil fields.
func (m *Manager) ForwardInterceptedRequest(recordID uuid.UUID, mutation intercept.Mutation) error {
	return m.coord.ForwardRequest(recordID, mutation)
}

// DropInterceptedRequest resumes a suspended request ticket with Drop (a
// synthesized 403 is sent to the client).
func (m *Manager) DropInterceptedRequest(recordID uuid.UUID) error {
	return m.coord.DropRequest(recordID)
}

// ForwardInterceptedResponse resumes a suspended response ticket, applying
// mutation's non-nil fields.
func (m *Manager) ForwardInterceptedResponse(recordID uuid.UUID, mutation intercept.Mutation) error {
	return m.coord.ForwardResponse(recordID, mutation)
}

// DropInterceptedResponse resumes a suspended response ticket with Drop (a
// synthesized 502 is sent to the client).
func (m *Manager) DropInterceptedResponse(recordID uuid.UUID) error {
	return m.coord.DropResponse(recordID)
}

// GetHistory returns up to n of the most recent request records, newest
// first. n < 0 returns every record.
func (m *Manager) GetHistory(n int) []*store.Record {
	return m.store.GetRecent(n)
}

// ClearHistory empties the request store.
func (m *Manager) ClearHistory() {
	m.store.Clear()
}

// RequestRules returns the current ordered request-rule list.
func (m *Manager) RequestRules() []*rules.Rule { return m.rules.RequestRules() }

// ResponseRules returns the current ordered response-rule list.
func (m *Manager) ResponseRules() []*rules.Rule { return m.rules.ResponseRules() }

// SetRequestRules atomically replaces the request-rule list and persists it.
func (m *Manager) SetRequestRules(list []*rules.Rule) error {
	return m.rules.SetRequestRules(list)
}

// SetResponseRules atomically replaces the response-rule list and persists it.
func (m *Manager) SetResponseRules(list []*rules.Rule) error {
	return m.rules.SetResponseRules(list)
}

// HasCA reports whether the root Certificate Authority has been generated.
func (m *Manager) HasCA() bool { return m.ca.HasCA() }

// GetCAMaterial returns the root certificate (DER) and its SPKI hash.
func (m *Manager) GetCAMaterial() (der []byte, spkiHashB64 string, err error) {
	return m.ca.GetCAMaterial()
}
