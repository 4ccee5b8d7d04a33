package replay

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// chunkedTerminator is the marker that ends a chunked-transfer body.
var chunkedTerminator = []byte("0\r\n\r\n")

// RawRequest sends a caller-supplied, full wire-format request over a raw
// TCP (or TCP+TLS) socket to target ("host:port"). Bare "\n" line endings in
// raw are normalized to CRLF before sending, matching the teacher's own
// RecalculateContentLength normalization step. useTLS selects TLS with
// certificate validation controlled by opts.InsecureSkipVerify.
func (c *Client) RawRequest(ctx context.Context, target string, useTLS bool, raw []byte, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	normalized := normalizeCRLF(raw)
	wantsHTTP2 := bytes.Contains(normalized, []byte("HTTP/2"))

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}

	var conn net.Conn
	var err error
	if opts.Upstream != nil && opts.Upstream.Kind != ProxyNone {
		switch opts.Upstream.Kind {
		case ProxyHTTPConnect:
			conn, err = dialHTTPConnect(ctx, dialer, opts.Upstream.Addr, target)
		case ProxySOCKS5:
			conn, err = dialSOCKS5(ctx, dialer, opts.Upstream, target)
		}
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", target)
	}
	if err != nil {
		return nil, fmt.Errorf("replay: connecting to %s: %w", target, err)
	}
	defer conn.Close()

	if useTLS {
		host, _, _ := net.SplitHostPort(target)
		tlsCfg := &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify, ServerName: host}
		if wantsHTTP2 {
			tlsCfg.NextProtos = []string{"h2", "http/1.1"}
		}
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("replay: tls handshake with %s: %w", target, err)
		}
		conn = tlsConn
	}

	start := time.Now()
	if err := writeAll(conn, normalized, opts.ReadWriteTimeout); err != nil {
		return nil, fmt.Errorf("replay: writing request: %w", err)
	}

	rawResp, err := readUntilComplete(conn, opts)
	if err != nil && len(rawResp) == 0 {
		return nil, fmt.Errorf("replay: reading response: %w", err)
	}

	headerEnd := bytes.Index(rawResp, []byte("\r\n\r\n"))
	var headerBytes, bodyBytes []byte
	if headerEnd >= 0 {
		headerBytes = rawResp[:headerEnd]
		bodyBytes = rawResp[headerEnd+4:]
	} else {
		headerBytes = rawResp
	}
	decodedBody, isBinary := decodeBody(bodyBytes, parseHeaderLines(headerBytes))

	return &Result{
		Raw:        rawResp,
		Body:       decodedBody,
		BodyBase64: isBinary,
		HTTP2:      wantsHTTP2,
		Duration:   time.Since(start),
	}, nil
}

// normalizeCRLF turns bare "\n" (not already preceded by "\r") into "\r\n".
func normalizeCRLF(raw []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if b == '\n' && (i == 0 || raw[i-1] != '\r') {
			out.WriteByte('\r')
		}
		out.WriteByte(b)
	}
	return out.Bytes()
}

// writeAll writes data in a loop honoring an overall write deadline, so a
// slow/stalled peer can't hang the replay indefinitely.
func writeAll(conn net.Conn, data []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	total := 0
	for total < len(data) {
		n, err := conn.Write(data[total:])
		total += n
		if err != nil {
			return err
		}
	}
	return conn.SetWriteDeadline(time.Time{})
}

// readUntilComplete reads from conn until one of:
//   - headers are complete and Content-Length bytes of body have arrived
//   - the chunked-final marker "0\r\n\r\n" has been seen
//   - an inter-byte idle period of opts.IdleTimeout elapses with no new data
//   - opts.AbsoluteCap has elapsed since the read loop started
func readUntilComplete(conn net.Conn, opts Options) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)
	start := time.Now()
	contentLength := -1
	headerEnd := -1

	for {
		if time.Since(start) >= opts.AbsoluteCap {
			return buf.Bytes(), nil
		}

		remaining := opts.AbsoluteCap - time.Since(start)
		deadline := time.Now().Add(opts.IdleTimeout)
		if remaining < opts.IdleTimeout {
			deadline = time.Now().Add(remaining)
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return buf.Bytes(), err
		}

		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}

		if headerEnd < 0 {
			if idx := bytes.Index(buf.Bytes(), []byte("\r\n\r\n")); idx >= 0 {
				headerEnd = idx
				contentLength = parseContentLength(buf.Bytes()[:idx])
			}
		}
		if headerEnd >= 0 {
			body := buf.Bytes()[headerEnd+4:]
			if contentLength >= 0 && len(body) >= contentLength {
				return buf.Bytes(), nil
			}
			if bytes.Contains(body, chunkedTerminator) {
				return buf.Bytes(), nil
			}
		}

		if err != nil {
			if isTimeout(err) {
				if n == 0 {
					// idle timeout with no bytes at all since the last read:
					// treat as complete if we already have something, else
					// keep waiting until the absolute cap.
					if buf.Len() > 0 {
						return buf.Bytes(), nil
					}
					continue
				}
				continue
			}
			// connection closed or a real error: return what we have.
			return buf.Bytes(), nil
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func parseContentLength(header []byte) int {
	lines := bytes.Split(header, []byte("\r\n"))
	for _, line := range lines {
		if len(line) > 15 && bytesHasFoldPrefix(line, "content-length:") {
			var n int
			if _, err := fmt.Sscanf(string(bytes.TrimSpace(line[15:])), "%d", &n); err == nil {
				return n
			}
		}
	}
	return -1
}

func bytesHasFoldPrefix(line []byte, prefix string) bool {
	if len(line) < len(prefix) {
		return false
	}
	return bytes.EqualFold(line[:len(prefix)], []byte(prefix))
}
