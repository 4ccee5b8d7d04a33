// Package riftproxy is the MITM HTTP(S)/WebSocket proxy engine (C6) and the
// per-proxy lifecycle it runs under (C7). It wires the Certificate Authority
// (ca), Request Store (store), Cookie Store (cookiejar), Rule Engine
// (rules), and Interception Coordinator (intercept) packages into a single
// google/martian proxy per Instance, and a Manager that keeps an id-keyed
// registry of instances alive across start/stop cycles.
//
// Grounded on the teacher's proxy.go/modifiers.go/options.go (the
// martian.Proxy wiring, the modifier-pipeline architecture) and
// listener/listener.go plus original_source's core/proxy/mod.rs (the
// lifecycle timing this module's lifecycle.go pins down exactly).
package riftproxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/google/martian"
	"github.com/google/martian/mitm"
	"github.com/google/uuid"

	"github.com/riftproxy/riftproxy/ca"
	"github.com/riftproxy/riftproxy/cookiejar"
	"github.com/riftproxy/riftproxy/events"
	"github.com/riftproxy/riftproxy/intercept"
	"github.com/riftproxy/riftproxy/rules"
	"github.com/riftproxy/riftproxy/store"
)

// InterceptSettings is the three intercept flags of a Proxy Instance
// (spec §3), returned as one struct by Manager.ProxySettings.
type InterceptSettings struct {
	Enabled         bool `json:"enabled"`
	RequestEnabled  bool `json:"request_enabled"`
	ResponseEnabled bool `json:"response_enabled"`
}

// Instance is one Proxy Instance: a bound martian proxy plus the intercept
// flags and modifier pipeline that govern it. The Certificate Authority,
// Request Store, Cookie Store, and Rule Engine are shared collaborators
// handed in by the Manager, not owned per-instance — only the intercept
// flags and the running martian.Proxy are instance-local, matching spec §3's
// Proxy Instance shape.
type Instance struct {
	ID       string
	BindAddr string
	Port     string

	martianProxy *martian.Proxy

	ca     *ca.Authority
	store  *store.Store
	jar    *cookiejar.Jar
	rules  *rules.Engine
	coord  *intercept.Coordinator
	sink   events.Sink
	logger *slog.Logger

	interceptEnabled         atomic.Bool
	requestInterceptEnabled  atomic.Bool
	responseInterceptEnabled atomic.Bool

	reqModifiers []RequestModifierFunc
	resModifiers []ResponseModifierFunc

	client *http.Client // used by riftproxy.cert and local tooling, proxy-aware
}

// Option configures an Instance in New.
type Option func(*Instance) error

// WithBindAddr sets the address/port this instance listens on.
func WithBindAddr(addr, port string) Option {
	return func(i *Instance) error {
		i.BindAddr = addr
		i.Port = port
		return nil
	}
}

// WithAuthority supplies the shared Certificate Authority.
func WithAuthority(a *ca.Authority) Option {
	return func(i *Instance) error { i.ca = a; return nil }
}

// WithStore supplies the shared Request Store.
func WithStore(s *store.Store) Option {
	return func(i *Instance) error { i.store = s; return nil }
}

// WithCookieJar supplies the shared Cookie Store.
func WithCookieJar(j *cookiejar.Jar) Option {
	return func(i *Instance) error { i.jar = j; return nil }
}

// WithRules supplies the shared Rule Engine.
func WithRules(r *rules.Engine) Option {
	return func(i *Instance) error { i.rules = r; return nil }
}

// WithCoordinator supplies the shared Interception Coordinator.
func WithCoordinator(c *intercept.Coordinator) Option {
	return func(i *Instance) error { i.coord = c; return nil }
}

// WithSink supplies the UI event sink. Defaults to events.Discard.
func WithSink(s events.Sink) Option {
	return func(i *Instance) error { i.sink = s; return nil }
}

// WithLogger supplies a structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(i *Instance) error { i.logger = l; return nil }
}

// WithInitialIntercept seeds the three intercept flags at construction time,
// bypassing the Set* setters so a freshly-created instance doesn't emit a
// status-change event or try to auto-forward tickets (there are none yet)
// just for picking up the Manager's current global settings.
func WithInitialIntercept(settings InterceptSettings) Option {
	return func(i *Instance) error {
		i.interceptEnabled.Store(settings.Enabled)
		i.requestInterceptEnabled.Store(settings.RequestEnabled)
		i.responseInterceptEnabled.Store(settings.ResponseEnabled)
		return nil
	}
}

// New constructs an Instance and installs the default modifier pipeline. The
// instance is not yet bound to a listener; call Serve to run it.
func New(id string, opts ...Option) (*Instance, error) {
	i := &Instance{
		ID:           id,
		martianProxy: martian.NewProxy(),
		sink:         events.Discard,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(i); err != nil {
			return nil, fmt.Errorf("riftproxy: applying option: %w", err)
		}
	}
	if i.ca == nil || i.store == nil || i.jar == nil || i.rules == nil || i.coord == nil {
		return nil, fmt.Errorf("riftproxy: instance %q missing a required collaborator (ca/store/jar/rules/coord)", id)
	}

	mitmConfig, err := mitm.NewConfig(i.ca.RootCert(), i.ca.RootKey())
	if err != nil {
		return nil, fmt.Errorf("riftproxy: building mitm config: %w", err)
	}
	mitmConfig.SetOrganization("riftproxy")
	mitmConfig.SkipTLSVerify(false)
	// martian mints and caches its own per-host leaf certs for the
	// CONNECT-tunnelled MITM path; our own bounded-LRU Authority mints leafs
	// for the separate direct-TLS-bind path (tlsConfigForAuthority, used by
	// the protocol-sniffing listener when a proxy is bound transparently
	// rather than reached via CONNECT).
	i.martianProxy.SetMITM(mitmConfig)

	i.client = &http.Client{Transport: newUpstreamTransport(i.ca)}

	i.installDefaultPipeline()
	i.wireMartianModifiers()

	return i, nil
}

// SetInterceptEnabled toggles global interception for this instance.
// Disabling it auto-forwards every pending ticket on both directions
// (spec §4.5 invariant: never leave a connection hanging).
func (i *Instance) SetInterceptEnabled(enabled bool) {
	was := i.interceptEnabled.Swap(enabled)
	if was && !enabled {
		i.coord.ForwardAllPending(intercept.Req)
		i.coord.ForwardAllPending(intercept.Resp)
	}
	i.sink.Emit(events.InterceptStatusChange, map[string]any{"enabled": enabled})
}

// SetRequestInterceptEnabled toggles request-side interception.
func (i *Instance) SetRequestInterceptEnabled(enabled bool) {
	was := i.requestInterceptEnabled.Swap(enabled)
	if was && !enabled {
		i.coord.ForwardAllPending(intercept.Req)
	}
	i.sink.Emit(events.InterceptStatusChange, map[string]any{"enabled": enabled})
}

// SetResponseInterceptEnabled toggles response-side interception.
func (i *Instance) SetResponseInterceptEnabled(enabled bool) {
	was := i.responseInterceptEnabled.Swap(enabled)
	if was && !enabled {
		i.coord.ForwardAllPending(intercept.Resp)
	}
	i.sink.Emit(events.InterceptResponseStatusChange, map[string]any{"enabled": enabled})
}

// Settings returns the current intercept flags.
func (i *Instance) Settings() InterceptSettings {
	return InterceptSettings{
		Enabled:         i.interceptEnabled.Load(),
		RequestEnabled:  i.requestInterceptEnabled.Load(),
		ResponseEnabled: i.responseInterceptEnabled.Load(),
	}
}

// recordIDForRequest returns a freshly-minted id, used by
// assignRecordModifier to build and store the Request Record.
func (i *Instance) recordIDForRequest() uuid.UUID {
	return i.store.NextRecordID()
}
