// Package replay implements the active-scanner-facing replay client: it
// sends an arbitrary (possibly raw-bytes) request over HTTP/1.1 or HTTP/2
// and reports timing and a decoded response, independent of the live MITM
// path.
package replay

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// Default timing budget, grounded on the original repeater's
// send_socket_request family: a short, fixed connect timeout distinct from
// the overall read/write timeout, plus an idle-byte timeout and an absolute
// cap on the read loop.
const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultReadWriteTimeout = 5 * time.Second
	DefaultIdleTimeout    = 200 * time.Millisecond
	DefaultAbsoluteCap    = 5 * time.Second
)

// ProxyKind selects how an upstream proxy is reached.
type ProxyKind string

const (
	ProxyNone        ProxyKind = ""
	ProxyHTTPConnect ProxyKind = "http_connect"
	ProxySOCKS5      ProxyKind = "socks5"
)

// UpstreamProxy describes an optional upstream proxy hop, with optional
// credentials (used only by SOCKS5's RFC 1929 sub-negotiation).
type UpstreamProxy struct {
	Kind     ProxyKind
	Addr     string // host:port
	Username string
	Password string
}

// Options configures a single replay. Zero values fall back to the
// Default* constants above.
type Options struct {
	ConnectTimeout     time.Duration
	ReadWriteTimeout   time.Duration
	IdleTimeout        time.Duration
	AbsoluteCap        time.Duration
	InsecureSkipVerify bool // accept invalid upstream certs, matching the scanner's trust model
	Upstream           *UpstreamProxy
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReadWriteTimeout <= 0 {
		o.ReadWriteTimeout = DefaultReadWriteTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.AbsoluteCap <= 0 {
		o.AbsoluteCap = DefaultAbsoluteCap
	}
	return o
}

// Result is a decoded, timed response.
type Result struct {
	Raw        []byte // full wire bytes received
	Body       []byte // decoded (dechunked, decompressed) body
	BodyBase64 bool   // true if Body is binary and should be transported as base64
	HTTP2      bool
	Duration   time.Duration
}

// Client performs replays. It holds no per-request state, so one Client is
// safe to reuse (and share) across calls.
type Client struct{}

// NewClient returns a Client.
func NewClient() *Client { return &Client{} }

// StructuredRequest sends method/url/header/body via the standard HTTP
// client stack (HTTP/1.1, or HTTP/2 when the scheme is https and the server
// negotiates h2 via ALPN).
func (c *Client) StructuredRequest(ctx context.Context, method, rawURL string, header http.Header, body []byte, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("replay: building request: %w", err)
	}
	req.Header = header.Clone()

	transport, err := c.buildTransport(opts)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Transport: transport, Timeout: opts.ReadWriteTimeout + opts.AbsoluteCap}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("replay: structured request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := readAllCapped(resp.Body, opts.AbsoluteCap)
	if err != nil {
		return nil, fmt.Errorf("replay: reading response body: %w", err)
	}

	body2, isBinary := decodeBody(raw, resp.Header)
	return &Result{
		Raw:        raw,
		Body:       body2,
		BodyBase64: isBinary,
		HTTP2:      resp.ProtoMajor == 2,
		Duration:   time.Since(start),
	}, nil
}

func readAllCapped(r io.Reader, cap time.Duration) ([]byte, error) {
	var buf bytes.Buffer
	deadline := time.Now().Add(cap)
	chunk := make([]byte, 32*1024)
	for time.Now().Before(deadline) {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			break
		}
	}
	return buf.Bytes(), nil
}

func (c *Client) buildTransport(opts Options) (http.RoundTripper, error) {
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}

	base := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialUpstream(ctx, dialer, addr, opts)
		},
		TLSClientConfig: &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify},
	}
	// Enables transparent HTTP/2 over https when the upstream ALPN-negotiates h2.
	if err := http2.ConfigureTransport(base); err != nil {
		return nil, fmt.Errorf("replay: configuring http2 transport: %w", err)
	}
	return base, nil
}

// dialUpstream dials addr directly, or through the configured upstream proxy.
func dialUpstream(ctx context.Context, dialer *net.Dialer, addr string, opts Options) (net.Conn, error) {
	if opts.Upstream == nil || opts.Upstream.Kind == ProxyNone {
		return dialer.DialContext(ctx, "tcp", addr)
	}
	switch opts.Upstream.Kind {
	case ProxyHTTPConnect:
		return dialHTTPConnect(ctx, dialer, opts.Upstream.Addr, addr)
	case ProxySOCKS5:
		return dialSOCKS5(ctx, dialer, opts.Upstream, addr)
	default:
		return nil, fmt.Errorf("replay: unknown upstream proxy kind %q", opts.Upstream.Kind)
	}
}
