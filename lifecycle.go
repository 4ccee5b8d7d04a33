// lifecycle.go implements the Proxy Lifecycle (C7): binding an Instance to a
// real listener, staged shutdown with port-release confirmation, and the
// id-keyed Manager registry spec.md §9's Design Note collapses the
// teacher's default-singleton/id-map dual state into.
//
// Grounded on the teacher's listener/listener.go (ProtocolMuxListener,
// MarasiListener -> listener.ProtocolMuxListener/ResilientListener in this
// module) and proxy.go's GetListener/Serve/Close, generalized with the exact
// start/stop/wait_for_port_release timing pinned down by
// original_source/src-tauri/src/core/proxy/mod.rs's start_proxy_by_id /
// stop_proxy_by_id and proxy_server.rs's wait_for_port_release.
package riftproxy

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/riftproxy/riftproxy/ca"
	"github.com/riftproxy/riftproxy/cookiejar"
	"github.com/riftproxy/riftproxy/events"
	"github.com/riftproxy/riftproxy/intercept"
	"github.com/riftproxy/riftproxy/listener"
	"github.com/riftproxy/riftproxy/rules"
	"github.com/riftproxy/riftproxy/store"
)

// DefaultProxyID is the reserved, undeletable proxy id every no-id
// convenience operation implicitly addresses (spec.md §9 Design Note).
const DefaultProxyID = "default"

// ErrDefaultConfigUndeletable is returned by Manager.DeleteConfig("default").
var ErrDefaultConfigUndeletable = errors.New("riftproxy: the default proxy config cannot be deleted")

// ErrAlreadyRunning is returned by StartProxy for an id with a live instance.
var ErrAlreadyRunning = errors.New("riftproxy: proxy already running for that id")

// ErrNotRunning is returned by StopProxy for an id with no live instance.
var ErrNotRunning = errors.New("riftproxy: proxy not running for that id")

// Serve binds the underlying martian.Proxy to ln and blocks, handling
// connections until ln is closed.
func (i *Instance) Serve(ln net.Listener) error {
	i.logger.Info("riftproxy: proxy serving", "id", i.ID, "addr", ln.Addr().String())
	return i.martianProxy.Serve(ln)
}

// Close stops accepting connections and auto-forwards any ticket this
// instance's own in-flight handlers are suspended on, so they terminate
// instead of blocking on a coordinator shared with other running instances
// (spec.md §5 Cancellation).
func (i *Instance) Close() error {
	var pending []uuid.UUID
	for _, r := range i.store.GetIncomplete() {
		if r.ProxyID == i.ID {
			pending = append(pending, r.ID)
		}
	}
	if len(pending) > 0 {
		i.coord.ForwardIDs(pending)
	}
	return i.martianProxy.Close()
}

// tlsConfigForAuthority builds the TLS server config the protocol-sniffing
// listener uses for a transparently-bound proxy port (as opposed to the
// CONNECT-tunnelled MITM path, which martian/mitm.Config handles with its
// own certificate cache): it mints (or reuses) a leaf certificate per SNI
// host from the shared Certificate Authority.
func tlsConfigForAuthority(authority *ca.Authority) *tls.Config {
	return &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := hello.ServerName
			if host == "" {
				host = "localhost"
			}
			return authority.LeafFor(host)
		},
	}
}

// Manager is the id-keyed proxy instance registry: the single collapsed
// state the teacher's ProxyState (default singleton + id map) becomes per
// spec.md §9's Design Note. It owns the collaborators every Instance shares
// (Certificate Authority, Request Store, Cookie Store, Rule Engine,
// Interception Coordinator) plus the bind-config and global intercept-flag
// state the teacher's ProxyState keeps at the top level.
type Manager struct {
	mu        sync.Mutex
	instances map[string]*runningProxy
	configs   *configStore

	ca     *ca.Authority
	store  *store.Store
	jar    *cookiejar.Jar
	rules  *rules.Engine
	coord  *intercept.Coordinator
	sink   events.Sink
	logger *slog.Logger

	interceptTimeout time.Duration

	interceptEnabled         atomic.Bool
	requestInterceptEnabled  atomic.Bool
	responseInterceptEnabled atomic.Bool
}

// runningProxy bundles a live Instance with the listener it owns, so Stop
// can close exactly the socket Start opened.
type runningProxy struct {
	instance *Instance
	ln       net.Listener
	port     string
}

// ManagerOption configures NewManager.
type ManagerOption func(*Manager)

// WithManagerSink supplies the UI event sink every Instance and the Manager
// itself emit through.
func WithManagerSink(s events.Sink) ManagerOption {
	return func(m *Manager) { m.sink = s }
}

// WithManagerLogger supplies a structured logger. Defaults to slog.Default().
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithInterceptTimeout overrides the Interception Coordinator's per-ticket
// suspension budget (intercept.DefaultTimeout otherwise).
func WithInterceptTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.interceptTimeout = d }
}

// NewManager bootstraps every shared collaborator rooted at configDir
// (certs/ for the CA, config/intercept_rules.json for the rule engine,
// config/riftproxy_configs.yaml for per-id bind configs), matching the
// teacher's WithConfigDir layout. It emits proxy-ca-missing/proxy-ca-ready/
// proxy-ca-error around CA bootstrap per spec.md §4.1.
func NewManager(configDir string, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		instances: make(map[string]*runningProxy),
		sink:      events.Discard,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	// Request-side interception defaults to enabled, response-side to
	// disabled, matching the teacher's ProxyState::default.
	m.requestInterceptEnabled.Store(true)

	certsDir := configDir + "/certs"
	rulesPath := configDir + "/config/intercept_rules.json"

	hadCA := ca.Exists(certsDir)
	if !hadCA {
		m.sink.Emit(events.CAMissing, nil)
	}
	authority, err := ca.New(certsDir)
	if err != nil {
		m.sink.Emit(events.CAError, map[string]any{"message": err.Error()})
		return nil, fmt.Errorf("riftproxy: bootstrapping certificate authority: %w", err)
	}
	m.sink.Emit(events.CAReady, nil)
	m.ca = authority

	m.store = store.New(m.logger)
	m.jar = cookiejar.New()

	ruleEngine, err := rules.New(rulesPath, m.logger)
	if err != nil {
		return nil, fmt.Errorf("riftproxy: bootstrapping rule engine: %w", err)
	}
	m.rules = ruleEngine

	m.coord = intercept.New(m.interceptTimeout, m.logger)

	configs, err := newConfigStore(configDir + "/config")
	if err != nil {
		return nil, fmt.Errorf("riftproxy: bootstrapping proxy config store: %w", err)
	}
	m.configs = configs

	return m, nil
}

// Authority, Store, CookieJar, Rules, Coordinator expose the shared
// collaborators for an embedder that wants direct access (e.g. to register
// an events.Channel consumer loop, or drive the replay client against the
// same cookie jar).
func (m *Manager) Authority() *ca.Authority            { return m.ca }
func (m *Manager) Store() *store.Store                 { return m.store }
func (m *Manager) CookieJar() *cookiejar.Jar            { return m.jar }
func (m *Manager) Rules() *rules.Engine                { return m.rules }
func (m *Manager) Coordinator() *intercept.Coordinator { return m.coord }

func resolveID(id string) string {
	if id == "" {
		return DefaultProxyID
	}
	return id
}

// Configs returns every saved proxy config, with "default" synthesized from
// DefaultProxyConfig if nothing was ever explicitly saved under that id
// (matches the original's get_configs backward-compat fallback).
func (m *Manager) Configs() []ProxyConfig {
	raw := m.configs.all()
	if _, ok := raw[DefaultProxyID]; !ok {
		raw[DefaultProxyID] = DefaultProxyConfig()
	}
	out := make([]ProxyConfig, 0, len(raw))
	for _, cfg := range raw {
		out = append(out, cfg)
	}
	return out
}

// SaveConfig persists cfg under id (cfg.ID is overwritten with id).
func (m *Manager) SaveConfig(id string, cfg ProxyConfig) error {
	id = resolveID(id)
	cfg.ID = id
	if err := m.configs.save(cfg); err != nil {
		return fmt.Errorf("riftproxy: saving config %q: %w", id, err)
	}
	return nil
}

// DeleteConfig removes id's saved config, stopping it first if running.
// "default" can never be deleted.
func (m *Manager) DeleteConfig(id string) error {
	id = resolveID(id)
	if id == DefaultProxyID {
		return ErrDefaultConfigUndeletable
	}
	if m.GetStatus(id) {
		if err := m.StopProxy(id); err != nil {
			return fmt.Errorf("riftproxy: stopping %q before delete: %w", id, err)
		}
	}
	if err := m.configs.delete(id); err != nil {
		return fmt.Errorf("riftproxy: deleting config %q: %w", id, err)
	}
	return nil
}

func (m *Manager) configFor(id string) ProxyConfig {
	if cfg, ok := m.configs.get(id); ok {
		return cfg
	}
	if id == DefaultProxyID {
		return DefaultProxyConfig()
	}
	return ProxyConfig{ID: id, BindAddr: "127.0.0.1", Port: "8888"}
}

// StartProxy binds and runs the proxy instance for id (resolved to
// "default" if empty). It verifies the port is free via a transient bind
// before committing to a real listener, matching spec.md §4.7 exactly.
func (m *Manager) StartProxy(id string) error {
	id = resolveID(id)

	m.mu.Lock()
	if _, running := m.instances[id]; running {
		m.mu.Unlock()
		return fmt.Errorf("riftproxy: starting %q: %w", id, ErrAlreadyRunning)
	}
	m.mu.Unlock()

	cfg := m.configFor(id)
	addr := net.JoinHostPort(cfg.BindAddr, cfg.Port)

	probe, err := net.Listen("tcp", addr)
	if err != nil {
		m.sink.Emit(events.Error, map[string]any{"id": id, "message": err.Error()})
		return fmt.Errorf("riftproxy: probing bind address %s: %w", addr, err)
	}
	probe.Close()

	settings := InterceptSettings{
		Enabled:         m.interceptEnabled.Load(),
		RequestEnabled:  m.requestInterceptEnabled.Load(),
		ResponseEnabled: m.responseInterceptEnabled.Load(),
	}

	instance, err := New(id,
		WithBindAddr(cfg.BindAddr, cfg.Port),
		WithAuthority(m.ca),
		WithStore(m.store),
		WithCookieJar(m.jar),
		WithRules(m.rules),
		WithCoordinator(m.coord),
		WithSink(m.sink),
		WithLogger(m.logger),
		WithInitialIntercept(settings),
	)
	if err != nil {
		m.sink.Emit(events.Error, map[string]any{"id": id, "message": err.Error()})
		return fmt.Errorf("riftproxy: constructing instance %q: %w", id, err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		m.sink.Emit(events.Error, map[string]any{"id": id, "message": err.Error()})
		return fmt.Errorf("riftproxy: binding %s: %w", addr, err)
	}
	// ResilientListener must wrap ProtocolMuxListener, not the other way
	// around: a bad/slow TLS ClientHello fails inside ProtocolMuxListener's
	// own Accept (peek timeout, handshake failure, short read) without
	// ever returning net.ErrClosed, and only the outer ResilientListener
	// retries those instead of propagating them out of martian's Serve loop
	// and killing the whole proxy instance over one malformed connection.
	resilientListener := listener.NewResilientListener(
		listener.NewProtocolMuxListener(ln, tlsConfigForAuthority(m.ca)),
		m.logger,
	)

	rp := &runningProxy{instance: instance, ln: resilientListener, port: cfg.Port}

	m.mu.Lock()
	m.instances[id] = rp
	m.mu.Unlock()

	go func() {
		if err := instance.Serve(resilientListener); err != nil {
			m.logger.Warn("riftproxy: proxy server stopped", "id", id, "err", err)
		}
	}()

	m.sink.Emit(events.Started, map[string]any{"id": id})
	m.sink.Emit(events.StatusChange, map[string]any{"id": id, "status": true})
	return nil
}

// StopProxy shuts down id's instance: closes the listener, waits 300ms for
// in-flight handlers to unwind, then calls WaitForPortRelease with a 15s
// budget. If the port hasn't released by then, a background goroutine keeps
// trying for up to 30s and logs the eventual outcome — StopProxy itself
// still returns nil, matching spec.md §4.7 ("the foreground returns Ok
// regardless; the port state is best-effort").
func (m *Manager) StopProxy(id string) error {
	id = resolveID(id)

	m.mu.Lock()
	rp, ok := m.instances[id]
	if ok {
		delete(m.instances, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("riftproxy: stopping %q: %w", id, ErrNotRunning)
	}

	if err := rp.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		m.logger.Warn("riftproxy: closing listener", "id", id, "err", err)
	}
	if err := rp.instance.Close(); err != nil {
		m.logger.Warn("riftproxy: closing martian proxy", "id", id, "err", err)
	}

	port := rp.port
	time.Sleep(300 * time.Millisecond)

	if !WaitForPortRelease(port, 15_000*time.Millisecond) {
		m.logger.Warn("riftproxy: port did not release in time, proxy is stopped regardless", "id", id, "port", port)
		go func() {
			if WaitForPortRelease(port, 30_000*time.Millisecond) {
				m.logger.Info("riftproxy: port eventually released", "id", id, "port", port)
			} else {
				m.logger.Error("riftproxy: port never released after extended wait", "id", id, "port", port)
			}
		}()
	}

	m.sink.Emit(events.Stopped, map[string]any{"id": id})
	m.sink.Emit(events.StatusChange, map[string]any{"id": id, "status": false})
	return nil
}

// GetStatus reports whether id currently has a running instance.
func (m *Manager) GetStatus(id string) bool {
	id = resolveID(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.instances[id]
	return ok
}

// WaitForPortRelease is spec.md §4.7's exact retry protocol, taken verbatim
// from original_source's proxy_server.rs::wait_for_port_release: sleep
// 1000ms, then up to 5 retries spaced budget/6 apart, each a transient bind
// attempt on 127.0.0.1:port; on a successful bind, wait 500ms more and
// confirm with a second bind before declaring the port released.
func WaitForPortRelease(port string, budget time.Duration) bool {
	addr := net.JoinHostPort("127.0.0.1", port)
	deadline := time.Now().Add(budget)

	time.Sleep(1000 * time.Millisecond)

	const maxRetries = 5
	retryInterval := budget / (maxRetries + 1)

	for time.Now().Before(deadline) {
		if ln, err := net.Listen("tcp", addr); err == nil {
			ln.Close()
			time.Sleep(500 * time.Millisecond)
			if confirm, err := net.Listen("tcp", addr); err == nil {
				confirm.Close()
				return true
			}
		}
		time.Sleep(retryInterval)
	}
	return false
}
