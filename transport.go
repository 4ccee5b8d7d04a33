package riftproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"

	utls "github.com/refraction-networking/utls"

	"github.com/riftproxy/riftproxy/ca"
)

// certEndpointURLs are the riftproxy.cert convenience endpoint a client can
// hit (through the proxy) to download the CA certificate without touching
// the filesystem. Grounded on the teacher's marasi.cert endpoint.
var certEndpointURLs = []string{"http://riftproxy.cert/", "http://riftproxy.cert"}

// caRoundTripper intercepts requests to the riftproxy.cert convenience
// endpoint and serves the CA certificate directly; every other request goes
// to base.
type caRoundTripper struct {
	authority *ca.Authority
	base      http.RoundTripper
}

// newUpstreamTransport builds the upstream transport used for every forwarded
// request: a Chrome-mimicking uTLS handshake (to avoid a flat, proxy-shaped
// TLS fingerprint tipping off the target) forcing ALPN to HTTP/1.1, so the
// live MITM path always deals in discrete, independently-replayable request
// records rather than multiplexed HTTP/2 streams. Grounded on the teacher's
// transport.go.
func newUpstreamTransport(authority *ca.Authority) http.RoundTripper {
	transport := &http.Transport{}
	transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		tcpConn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
		if err != nil {
			return nil, fmt.Errorf("riftproxy: dialing upstream %s: %w", addr, err)
		}

		sniHost, _, err := net.SplitHostPort(addr)
		if err != nil {
			sniHost = addr
		}

		uConfig := &utls.Config{ServerName: sniHost}
		if transport.TLSClientConfig != nil {
			uConfig.InsecureSkipVerify = transport.TLSClientConfig.InsecureSkipVerify
		}

		uConn := utls.UClient(tcpConn, uConfig, utls.HelloChrome_Auto)
		if err := uConn.BuildHandshakeState(); err != nil {
			tcpConn.Close()
			return nil, fmt.Errorf("riftproxy: building utls handshake state: %w", err)
		}

		foundALPN := false
		for _, ext := range uConn.Extensions {
			if alpnExt, ok := ext.(*utls.ALPNExtension); ok {
				alpnExt.AlpnProtocols = []string{"http/1.1"}
				foundALPN = true
				break
			}
		}
		if !foundALPN {
			tcpConn.Close()
			return nil, errors.New("riftproxy: could not find ALPN extension in Chrome client hello")
		}

		if err := uConn.HandshakeContext(ctx); err != nil {
			tcpConn.Close()
			return nil, fmt.Errorf("riftproxy: utls handshake with %s: %w", sniHost, err)
		}
		return uConn, nil
	}

	return &caRoundTripper{authority: authority, base: &synthesizingRoundTripper{base: transport}}
}

// synthesizingRoundTripper turns a transient upstream failure (DNS,
// connect, TLS) into a synthesized 502 response instead of an error, so the
// response modifier pipeline still runs: the record gets marked Responded
// with the synthetic status and proxy-request-completed still fires, rather
// than the exchange vanishing silently.
type synthesizingRoundTripper struct {
	base http.RoundTripper
}

func (t *synthesizingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := t.base.RoundTrip(req)
	if err == nil {
		return res, nil
	}
	body := fmt.Sprintf("<html><head><title>502 Bad Gateway</title></head>"+
		"<body><h1>502 Bad Gateway</h1><p>%s</p></body></html>", http.StatusText(http.StatusBadGateway))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusBadGateway, http.StatusText(http.StatusBadGateway)),
		StatusCode:    http.StatusBadGateway,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Request:       req,
		Header:        http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}, nil
}

// RoundTrip implements http.RoundTripper.
func (c *caRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if slices.Contains(certEndpointURLs, req.URL.String()) {
		der, _, err := c.authority.GetCAMaterial()
		if err != nil {
			return nil, fmt.Errorf("riftproxy: fetching CA material: %w", err)
		}
		resp := &http.Response{
			Status:        "200 OK",
			StatusCode:    http.StatusOK,
			Proto:         "HTTP/1.1",
			ProtoMajor:    1,
			ProtoMinor:    1,
			Request:       req,
			Header:        make(http.Header),
			Body:          io.NopCloser(bytes.NewReader(der)),
			ContentLength: int64(len(der)),
		}
		resp.Header.Set("Content-Type", "application/x-x509-ca-cert")
		resp.Header.Set("Content-Disposition", `attachment; filename="riftproxy-ca.der"`)
		return resp, nil
	}
	return c.base.RoundTrip(req)
}
