// Package httpdump turns live *http.Request/*http.Response values into the
// raw wire bytes a Request Record stores, rebuilds them back into live
// values after a mutation, and prettifies bodies for display.
//
// Grounded on the teacher's rawhttp package: the same "dump, read body,
// restore it via io.NopCloser, recompute Content-Length" shape, generalized
// for the Request Record rather than a SQL row.
package httpdump

import (
	"bufio"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/beevik/etree"
	"github.com/gabriel-vasile/mimetype"
	"github.com/yosssi/gohtml"
)

// DumpRequest returns the full wire bytes of req (headers + body), restoring
// req.Body afterward so the caller can still read it once more.
func DumpRequest(req *http.Request) ([]byte, error) {
	var bodyBytes []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("httpdump: reading request body: %w", err)
		}
		bodyBytes = b
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	dump, err := httputil.DumpRequestOut(cloneForDump(req, bodyBytes), false)
	if err != nil {
		return nil, fmt.Errorf("httpdump: dumping request: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	full := make([]byte, len(dump)+len(bodyBytes))
	copy(full, dump)
	copy(full[len(dump):], bodyBytes)
	return full, nil
}

// cloneForDump produces a shallow copy suitable for DumpRequestOut, which
// otherwise drains req.Body permanently.
func cloneForDump(req *http.Request, body []byte) *http.Request {
	clone := req.Clone(req.Context())
	clone.Body = io.NopCloser(bytes.NewReader(body))
	return clone
}

// DumpResponse returns the full wire bytes of res (headers + body), restoring
// res.Body afterward.
func DumpResponse(res *http.Response) ([]byte, error) {
	var bodyBytes []byte
	if res.Body != nil {
		b, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, fmt.Errorf("httpdump: reading response body: %w", err)
		}
		bodyBytes = b
	}
	res.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	headerDump, err := httputil.DumpResponse(&http.Response{
		Status:        res.Status,
		StatusCode:    res.StatusCode,
		Proto:         res.Proto,
		ProtoMajor:    res.ProtoMajor,
		ProtoMinor:    res.ProtoMinor,
		Header:        res.Header,
		Body:          io.NopCloser(bytes.NewReader(nil)),
		ContentLength: -1,
	}, false)
	if err != nil {
		return nil, fmt.Errorf("httpdump: dumping response: %w", err)
	}
	res.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	// Copying headerDump before a second append avoids slice aliasing
	// corruption if the caller reuses the backing array (DumpResponse with
	// body=true would otherwise truncate a previously captured full dump).
	prettyHeaders := make([]byte, len(headerDump))
	copy(prettyHeaders, headerDump)

	full := make([]byte, len(prettyHeaders)+len(bodyBytes))
	copy(full, prettyHeaders)
	copy(full[len(prettyHeaders):], bodyBytes)
	return full, nil
}

// RecalculateContentLength normalizes CRLF line endings and recomputes the
// Content-Length header to match the actual body length, stripping any
// existing Content-Length header first. Used after a mutation replaces the
// body with a different length.
func RecalculateContentLength(raw []byte) []byte {
	normalized := bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	idx := bytes.Index(normalized, []byte("\n\n"))
	if idx < 0 {
		return raw
	}
	headerBlock := normalized[:idx]
	body := normalized[idx+2:]

	var keptLines [][]byte
	for _, line := range bytes.Split(headerBlock, []byte("\n")) {
		if bytes.HasPrefix(bytes.ToLower(bytes.TrimSpace(line)), []byte("content-length:")) {
			continue
		}
		keptLines = append(keptLines, line)
	}
	if len(body) > 0 {
		keptLines = append(keptLines, []byte(fmt.Sprintf("Content-Length: %d", len(body))))
	}

	headers := bytes.Join(keptLines, []byte("\r\n"))
	out := append(headers, []byte("\r\n\r\n")...)
	out = append(out, body...)
	return out
}

// RebuildRequest reparses raw wire bytes (after RecalculateContentLength)
// back into an *http.Request, preserving scheme/host/context from original.
func RebuildRequest(raw []byte, original *http.Request) (*http.Request, error) {
	fixed := RecalculateContentLength(raw)
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(fixed)))
	if err != nil {
		return nil, fmt.Errorf("httpdump: rebuilding request: %w", err)
	}
	req.URL.Scheme = original.URL.Scheme
	req.URL.Host = original.Host
	req.RequestURI = ""
	return req.WithContext(original.Context()), nil
}

// RebuildResponse reparses raw wire bytes back into an *http.Response,
// associated with req.
func RebuildResponse(raw []byte, req *http.Request) (*http.Response, error) {
	fixed := RecalculateContentLength(raw)
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(fixed)), req)
	if err != nil {
		return nil, fmt.Errorf("httpdump: rebuilding response: %w", err)
	}
	return res, nil
}

// Prettify reformats a JSON, XML or HTML body for display. It returns nil
// if body matches none of those shapes.
func Prettify(body []byte) []byte {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	var js any
	if json.Unmarshal(body, &js) == nil {
		if out, err := json.MarshalIndent(js, "", "  "); err == nil {
			return out
		}
	}

	if looksLikeXML(body) {
		doc := etree.NewDocument()
		if err := doc.ReadFromBytes(body); err == nil && doc.Root() != nil {
			doc.Indent(2)
			if out, err := doc.WriteToBytes(); err == nil {
				return out
			}
		}
	}

	if formatted := gohtml.FormatBytes(body); len(formatted) > 0 && !bytes.Equal(formatted, body) {
		return formatted
	}

	return nil
}

func looksLikeXML(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '<' {
		return false
	}
	dec := xml.NewDecoder(bytes.NewReader(trimmed))
	_, err := dec.Token()
	return err == nil
}

// ContentTypeOf returns header's Content-Type, or a mimetype-sniffed guess
// from body when the header is absent or empty (the same sniff-on-missing
// fallback the teacher's rawhttp display path uses).
func ContentTypeOf(header http.Header, body []byte) string {
	if ct := header.Get("Content-Type"); ct != "" {
		return strings.SplitN(ct, ";", 2)[0]
	}
	if len(body) == 0 {
		return "application/octet-stream"
	}
	return mimetype.Detect(body).String()
}
