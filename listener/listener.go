// Package listener provides the two net.Listener wrappers the proxy
// lifecycle layers its bind on: a protocol-sniffing listener that picks TLS
// vs. plaintext off the first bytes of a connection (for a transparently
// bound port, as opposed to the CONNECT-tunnelled TLS interception the
// martian MITM path already handles), and a listener that swallows
// recoverable Accept errors instead of taking the whole proxy down with them.
//
// Grounded on the teacher's listener/listener.go (ProtocolMuxListener,
// MarasiListener), renamed for this module.
package listener

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
)

// peekDeadline bounds how long Accept will wait on a client that connects
// but doesn't send its first bytes, so one slow client can't wedge the
// accept loop.
const peekDeadline = 10 * time.Second

// connWrapper prepends bytes already consumed by a bufio.Reader peek back
// onto the net.Conn's read side.
type connWrapper struct {
	net.Conn
	r io.Reader
}

func (c *connWrapper) Read(b []byte) (int, error) { return c.r.Read(b) }

// ProtocolMuxListener inspects the first two bytes of each accepted
// connection and wraps it in a TLS server handshake only if they look like a
// TLS ClientHello record (0x16 0x03). Plaintext HTTP/1.1 connections are
// passed through with their peeked bytes intact.
type ProtocolMuxListener struct {
	net.Listener
	TLSConfig *tls.Config
}

// NewProtocolMuxListener wraps listener, using tlsConfig for connections
// that turn out to be TLS.
func NewProtocolMuxListener(l net.Listener, tlsConfig *tls.Config) *ProtocolMuxListener {
	return &ProtocolMuxListener{Listener: l, TLSConfig: tlsConfig}
}

// Accept implements net.Listener.
func (l *ProtocolMuxListener) Accept() (net.Conn, error) {
	raw, err := l.Listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("listener: accepting connection: %w", err)
	}

	br := bufio.NewReader(raw)

	if err := raw.SetReadDeadline(time.Now().Add(peekDeadline)); err != nil {
		raw.Close()
		return nil, fmt.Errorf("listener: setting peek deadline: %w", err)
	}
	peeked, err := br.Peek(2)
	if err := raw.SetReadDeadline(time.Time{}); err != nil {
		raw.Close()
		return nil, fmt.Errorf("listener: clearing peek deadline: %w", err)
	}
	if err != nil && err != bufio.ErrBufferFull {
		raw.Close()
		return nil, fmt.Errorf("listener: peeking initial bytes: %w", err)
	}

	isTLS := len(peeked) >= 2 && peeked[0] == 0x16 && peeked[1] == 0x03
	wrapped := &connWrapper{Conn: raw, r: br}
	if !isTLS {
		return wrapped, nil
	}

	tlsConn := tls.Server(wrapped, l.TLSConfig)
	if err := raw.SetReadDeadline(time.Now().Add(peekDeadline)); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("listener: setting handshake deadline: %w", err)
	}
	if err := tlsConn.Handshake(); err != nil {
		raw.SetReadDeadline(time.Time{})
		tlsConn.Close()
		return nil, fmt.Errorf("listener: TLS handshake: %w", err)
	}
	if err := raw.SetReadDeadline(time.Time{}); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("listener: clearing handshake deadline: %w", err)
	}
	return tlsConn, nil
}

// ResilientListener swallows recoverable Accept errors (anything but the
// listener itself being closed) so one bad connection attempt never takes
// the accept loop down.
type ResilientListener struct {
	net.Listener
	Logger *slog.Logger
}

// NewResilientListener wraps l. A nil logger falls back to slog.Default().
func NewResilientListener(l net.Listener, logger *slog.Logger) *ResilientListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResilientListener{Listener: l, Logger: logger}
}

// Accept implements net.Listener, retrying on every error except
// net.ErrClosed (which means the operator asked the listener to stop).
func (l *ResilientListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, err
		}
		l.Logger.Warn("listener: recoverable accept error, continuing", "err", err)
	}
}
