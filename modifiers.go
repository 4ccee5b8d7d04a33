package riftproxy

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/martian"
	"github.com/google/uuid"

	"github.com/riftproxy/riftproxy/events"
	"github.com/riftproxy/riftproxy/httpdump"
	"github.com/riftproxy/riftproxy/intercept"
	"github.com/riftproxy/riftproxy/store"
)

// prettyBodyLimit caps how large a response body we'll run through
// httpdump.Prettify for the UI event payload; larger bodies are left for the
// operator to fetch and format client-side from the stored record.
const prettyBodyLimit = 256 * 1024

// Sentinel pipeline-control errors, grounded on the teacher's
// modifiers.go: nil/ErrSkipPipeline/ErrDropped are the only outcomes the
// martian-facing adapter treats as non-fatal.
var (
	// ErrDropped means the exchange was dropped (by a rule-triggered user
	// decision); the request pipeline has already set a synthesized 403
	// response and skipped the upstream round trip.
	ErrDropped = errors.New("riftproxy: dropped by interception decision")
	// ErrSkipPipeline stops the remaining modifier chain for this
	// request/response without treating it as an error.
	ErrSkipPipeline = errors.New("riftproxy: stop processing this exchange")
)

// RequestModifierFunc is one step of the request pipeline.
type RequestModifierFunc func(i *Instance, req *http.Request) error

// ResponseModifierFunc is one step of the response pipeline.
type ResponseModifierFunc func(i *Instance, res *http.Response) error

// martianReqModifierFunc adapts a plain function to martian.RequestModifier.
type martianReqModifierFunc func(*http.Request) error

func (f martianReqModifierFunc) ModifyRequest(req *http.Request) error { return f(req) }

// martianResModifierFunc adapts a plain function to martian.ResponseModifier.
type martianResModifierFunc func(*http.Response) error

func (f martianResModifierFunc) ModifyResponse(res *http.Response) error { return f(res) }

// installDefaultPipeline wires the ten-step request/response flow (record
// assignment, cookie application, rule-gated interception, response
// decoding, completion) in the exact order spec'd: loop prevention and
// CONNECT pass-through first, interception last before the exchange leaves
// (or re-enters) the pipeline.
func (i *Instance) installDefaultPipeline() {
	i.reqModifiers = []RequestModifierFunc{
		preventLoopModifier,
		skipConnectRequestModifier,
		assignRecordModifier,
		applyCookiesModifier,
		interceptRequestModifier,
	}
	i.resModifiers = []ResponseModifierFunc{
		responseFilterModifier,
		decodeResponseBodyModifier,
		storeCookiesModifier,
		interceptResponseModifier,
		finalizeResponseModifier,
	}
}

// ModifyRequest runs the request pipeline. It satisfies the signature martian
// expects once wrapped in martianReqModifierFunc.
func (i *Instance) ModifyRequest(req *http.Request) error {
	*req = *contextWithSession(req, martian.NewContext(req).Session())
	for _, m := range i.reqModifiers {
		if err := m(i, req); err != nil {
			if errors.Is(err, ErrSkipPipeline) || errors.Is(err, ErrDropped) {
				return nil
			}
			i.logger.Error("riftproxy: request pipeline", "err", err)
			return err
		}
	}
	return nil
}

// ModifyResponse runs the response pipeline, except for a WebSocket upgrade
// response, which is recorded and handed to the frame relay instead.
func (i *Instance) ModifyResponse(res *http.Response) error {
	// A 101 response's body is the live upgraded connection, not a normal
	// byte stream to buffer/decode/cookie-scan — hand it straight to the
	// frame relay instead of running it through the rest of the pipeline.
	if isWebSocketUpgrade(res.StatusCode, res.Header) {
		if id, ok := recordIDForResponse(i, res); ok {
			if record := i.store.UpdateWithResponse(id, res.StatusCode, res.Header.Clone(), nil); record != nil {
				i.sink.Emit(events.RequestCompleted, recordPayload(record))
			}
		}
		i.beginWebSocketRelay(res)
		return nil
	}

	for _, m := range i.resModifiers {
		if err := m(i, res); err != nil {
			if errors.Is(err, ErrSkipPipeline) {
				return nil
			}
			i.logger.Error("riftproxy: response pipeline", "err", err)
			return err
		}
	}
	return nil
}

// wireMartianModifiers hooks ModifyRequest/ModifyResponse into the
// underlying martian.Proxy.
func (i *Instance) wireMartianModifiers() {
	i.martianProxy.SetRequestModifier(martianReqModifierFunc(i.ModifyRequest))
	i.martianProxy.SetResponseModifier(martianResModifierFunc(i.ModifyResponse))
	i.martianProxy.SetRoundTripper(i.client.Transport)
}

// hostPort returns host:port for req, falling back to the scheme's default
// port when none is given.
func hostPort(req *http.Request) string {
	raw := req.URL.Host
	if raw == "" {
		raw = req.Host
	}
	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		host = raw
		if req.URL.Scheme == "https" || req.TLS != nil {
			port = "443"
		} else {
			port = "80"
		}
	}
	return net.JoinHostPort(host, port)
}

// preventLoopModifier skips a request aimed back at this proxy's own
// listener address, avoiding an infinite loop when riftproxy.cert or a
// similarly proxy-aware client gets proxy-chained through itself.
func preventLoopModifier(i *Instance, req *http.Request) error {
	host, port, err := net.SplitHostPort(hostPort(req))
	if err != nil {
		return nil
	}
	if host == "localhost" {
		host = "127.0.0.1"
	}
	listenerAddr := i.BindAddr
	if listenerAddr == "localhost" {
		listenerAddr = "127.0.0.1"
	}
	if host == listenerAddr && port == i.Port {
		martian.NewContext(req).SkipRoundTrip()
		return ErrSkipPipeline
	}
	return nil
}

// skipConnectRequestModifier lets CONNECT requests pass through untouched;
// martian's own MITM machinery handles the tunnel, and the decrypted
// requests inside it re-enter this same pipeline individually.
func skipConnectRequestModifier(i *Instance, req *http.Request) error {
	if req.Method == http.MethodConnect {
		return ErrSkipPipeline
	}
	return nil
}

// assignRecordModifier mints a record id, captures the request as received,
// and indexes it under the redundant correlation keys the response side
// falls back on if context propagation is ever lost (e.g. across a hijack).
func assignRecordModifier(i *Instance, req *http.Request) error {
	id := i.recordIDForRequest()
	now := time.Now()

	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("riftproxy: reading request body: %w", err)
		}
		body = b
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	record := &store.Record{
		ID:          id,
		Method:      req.Method,
		URL:         req.URL.String(),
		HTTPVersion: req.Proto,
		ReqHeader:   req.Header.Clone(),
		ReqBody:     body,
		StartedAt:   now,
		ClientAddr:  req.RemoteAddr,
		ProxyID:     i.ID,
		State:       store.Pending,
	}
	if err := i.store.Add(record); err != nil {
		return fmt.Errorf("riftproxy: storing request record: %w", err)
	}

	connKey := req.RemoteAddr
	i.store.SaveConnection(connKey, id)
	i.store.SaveConnection(connKey+":"+id.String(), id)
	i.store.SaveConnection(connKey+id.String(), id)
	i.store.SaveConnection(id.String(), id)

	*req = *contextWithRecordID(req, id)
	*req = *contextWithMetadata(req, make(map[string]any))
	*req = *contextWithRequestTime(req, now)
	shouldInterceptResponse := i.interceptEnabled.Load() && i.responseInterceptEnabled.Load()
	*req = *contextWithShouldInterceptResponse(req, shouldInterceptResponse)

	i.sink.Emit(events.RequestReceived, recordPayload(record))
	return nil
}

// applyCookiesModifier layers any jar-held cookies for this host onto the
// outgoing Cookie header.
func applyCookiesModifier(i *Instance, req *http.Request) error {
	i.jar.Apply(req.URL.String(), req.Header)
	return nil
}

// interceptRequestModifier suspends the request for user review when
// interception is enabled and a request rule matches, applying the eventual
// Forward mutation (or synthesizing a drop response) on resume.
func interceptRequestModifier(i *Instance, req *http.Request) error {
	id, ok := recordIDFromContext(req.Context())
	if !ok {
		return fmt.Errorf("riftproxy: request has no record id in context")
	}
	if !(i.interceptEnabled.Load() && i.requestInterceptEnabled.Load()) {
		return nil
	}
	if !i.rules.ShouldInterceptRequest(req.Method, req.URL.String(), req.Header) {
		return nil
	}

	i.sink.Emit(events.RequestIntercepted, map[string]any{"record_id": id})
	resolution := i.coord.Suspend(id, intercept.Req)
	if resolution.TimedOut {
		i.logger.Warn("riftproxy: request intercept ticket timed out, forwarding unmodified", "record_id", id)
	}

	if metadata, ok := metadataFromContext(req.Context()); ok {
		metadata["intercepted"] = true
	}

	if resolution.Action == intercept.Drop {
		resp := synthesizeResponse(req, http.StatusForbidden, "request dropped by interception rule")
		req.Response = resp
		martian.NewContext(req).SkipRoundTrip()
		if metadata, ok := metadataFromContext(req.Context()); ok {
			metadata["dropped"] = true
		}
		i.store.MarkDropped(id)
		i.sink.Emit(events.RequestCompleted, map[string]any{"record_id": id, "dropped": true})
		return ErrDropped
	}

	applyRequestMutation(req, resolution.Mutation)
	return nil
}

// applyRequestMutation rewrites req's method/URL/header/body from the
// fields set on m, leaving everything else as received.
func applyRequestMutation(req *http.Request, m intercept.Mutation) {
	if m.Method != nil {
		req.Method = *m.Method
	}
	if m.URL != nil {
		if u, err := req.URL.Parse(*m.URL); err == nil {
			req.URL = u
			req.Host = u.Host
		}
	}
	if m.Header != nil {
		req.Header = m.Header.Clone()
	}
	if m.HasBody() {
		req.Body = io.NopCloser(bytes.NewReader(m.Body))
		req.ContentLength = int64(len(m.Body))
		req.Header.Set("Content-Length", fmt.Sprintf("%d", len(m.Body)))
	}
}

// synthesizeResponse builds a minimal in-memory *http.Response for a
// dropped exchange, matching the teacher's pattern of setting req.Response
// and calling SkipRoundTrip instead of forwarding upstream.
func synthesizeResponse(req *http.Request, status int, message string) *http.Response {
	body := []byte(message)
	resp := &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Request:       req,
		Header:        make(http.Header),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	return resp
}

// responseFilterModifier mirrors the request-side CONNECT/skip filtering,
// and stamps the response timestamp.
func responseFilterModifier(i *Instance, res *http.Response) error {
	if res.Request.Method == http.MethodConnect || martian.NewContext(res.Request).SkippingRoundTrip() {
		return ErrSkipPipeline
	}
	*res.Request = *contextWithResponseTime(res.Request, time.Now())
	return nil
}

// decodeResponseBodyModifier buffers the full response body into memory and
// decompresses gzip/br bodies, always re-framing the result as a fixed
// Content-Length. A malformed compressed body is kept as received (raw
// bytes, original headers) rather than aborting the pipeline.
func decodeResponseBodyModifier(i *Instance, res *http.Response) error {
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("riftproxy: reading response body: %w", err)
	}

	body := raw
	switch strings.ToLower(res.Header.Get("Content-Encoding")) {
	case "gzip":
		if decoded, decErr := decodeGzip(raw); decErr != nil {
			i.logger.Warn("riftproxy: malformed gzip response body, keeping raw bytes", "err", decErr)
		} else {
			body = decoded
			res.Header.Del("Content-Encoding")
		}
	case "br":
		if decoded, decErr := decodeBrotli(raw); decErr != nil {
			i.logger.Warn("riftproxy: malformed brotli response body, keeping raw bytes", "err", decErr)
		} else {
			body = decoded
			res.Header.Del("Content-Encoding")
		}
	}

	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.Header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	res.TransferEncoding = nil
	return nil
}

func decodeGzip(raw []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading gzip content: %w", err)
	}
	return out, nil
}

func decodeBrotli(raw []byte) ([]byte, error) {
	out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("reading brotli content: %w", err)
	}
	return out, nil
}

// storeCookiesModifier records any Set-Cookie headers into the jar.
func storeCookiesModifier(i *Instance, res *http.Response) error {
	i.jar.StoreFromResponse(res.Request.URL.String(), res.Header)
	return nil
}

// recordIDForResponse resolves res's record id from context, falling back to
// the store's connection-key fallback chain (store.ResolveForResponse) when
// context propagation was lost — e.g. a response that reaches a hijacked
// connection or a direct-bind TLS path the request pipeline never ran
// assignRecordModifier for.
func recordIDForResponse(i *Instance, res *http.Response) (uuid.UUID, bool) {
	if id, ok := recordIDFromContext(res.Request.Context()); ok {
		return id, true
	}
	return i.store.ResolveForResponse(res.Request.RemoteAddr)
}

// interceptResponseModifier suspends the response for user review when
// interception is enabled, response-side interception was enabled when the
// request arrived, and a response rule matches, applying the eventual
// Forward mutation or synthesizing a drop in its place.
func interceptResponseModifier(i *Instance, res *http.Response) error {
	id, ok := recordIDForResponse(i, res)
	if !ok {
		return fmt.Errorf("riftproxy: response has no correlatable record id")
	}
	wantedAtRequestTime, _ := shouldInterceptResponseFromContext(res.Request.Context())
	if !(i.interceptEnabled.Load() && wantedAtRequestTime) {
		return nil
	}
	if !i.rules.ShouldInterceptResponse(res.StatusCode, res.Request.URL.String(), res.Header) {
		return nil
	}

	i.sink.Emit(events.ResponseIntercepted, map[string]any{"record_id": id})
	resolution := i.coord.Suspend(id, intercept.Resp)
	if resolution.TimedOut {
		i.logger.Warn("riftproxy: response intercept ticket timed out, forwarding unmodified", "record_id", id)
	}

	if resolution.Action == intercept.Drop {
		synthesizeDropResponse(res)
		i.store.MarkDropped(id)
		i.sink.Emit(events.RequestCompleted, map[string]any{"record_id": id, "dropped": true})
		return nil
	}

	applyResponseMutation(res, resolution.Mutation)
	return nil
}

// synthesizeDropResponse replaces res in place with a 502 HTML error, the
// client-visible result of dropping a response under interception.
func synthesizeDropResponse(res *http.Response) {
	const body = `<html><head><title>502 Bad Gateway</title></head>` +
		`<body><h1>502 Bad Gateway</h1><p>Response dropped by interception rule.</p></body></html>`
	res.StatusCode = http.StatusBadGateway
	res.Status = fmt.Sprintf("%d %s", http.StatusBadGateway, http.StatusText(http.StatusBadGateway))
	res.Header = make(http.Header)
	res.Header.Set("Content-Type", "text/html; charset=utf-8")
	res.Body = io.NopCloser(strings.NewReader(body))
	res.ContentLength = int64(len(body))
	res.Header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
}

// applyResponseMutation rewrites res's status/header/body from the fields
// set on m, leaving everything else as received.
func applyResponseMutation(res *http.Response, m intercept.Mutation) {
	if m.Status != nil {
		res.StatusCode = *m.Status
		res.Status = fmt.Sprintf("%d %s", *m.Status, http.StatusText(*m.Status))
	}
	if m.Header != nil {
		res.Header = m.Header.Clone()
	}
	if m.HasBody() {
		res.Body = io.NopCloser(bytes.NewReader(m.Body))
		res.ContentLength = int64(len(m.Body))
		res.Header.Set("Content-Length", fmt.Sprintf("%d", len(m.Body)))
	}
}

// finalizeResponseModifier writes the completed response back onto the
// record and emits the terminal event.
func finalizeResponseModifier(i *Instance, res *http.Response) error {
	id, ok := recordIDForResponse(i, res)
	if !ok {
		return fmt.Errorf("riftproxy: response has no correlatable record id")
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("riftproxy: reading finalized response body: %w", err)
	}
	res.Body = io.NopCloser(bytes.NewReader(body))

	record := i.store.UpdateWithResponse(id, res.StatusCode, res.Header.Clone(), body)
	if record == nil {
		i.logger.Warn("riftproxy: response finalized for unknown record id", "record_id", id)
		return nil
	}

	payload := recordPayload(record)
	payload["content_type"] = httpdump.ContentTypeOf(res.Header, body)
	if len(body) <= prettyBodyLimit {
		if pretty := httpdump.Prettify(body); pretty != nil {
			payload["pretty_body"] = string(pretty)
		}
	}
	if reqTime, ok := requestTimeFromContext(res.Request.Context()); ok {
		if resTime, ok := responseTimeFromContext(res.Request.Context()); ok {
			payload["duration_ms"] = resTime.Sub(reqTime).Milliseconds()
		}
	}
	if metadata, ok := metadataFromContext(res.Request.Context()); ok && len(metadata) > 0 {
		payload["metadata"] = metadata
	}
	i.sink.Emit(events.RequestCompleted, payload)
	return nil
}

// recordPayload is the event payload shape emitted alongside
// RequestReceived/RequestCompleted: small enough to always include, with
// callers free to fetch the full record from the store by id for detail.
func recordPayload(r *store.Record) map[string]any {
	return map[string]any{
		"record_id": r.ID,
		"method":    r.Method,
		"url":       r.URL,
		"status":    r.Status,
		"state":     string(r.State),
	}
}
