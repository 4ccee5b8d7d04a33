package riftproxy

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// isWebSocketUpgrade reports whether a response completed a WebSocket
// handshake (101 Switching Protocols with the Upgrade/Connection tokens
// RFC 6455 requires).
func isWebSocketUpgrade(status int, h http.Header) bool {
	if status != http.StatusSwitchingProtocols {
		return false
	}
	return strings.EqualFold(h.Get("Upgrade"), "websocket") && headerContainsToken(h.Get("Connection"), "upgrade")
}

func headerContainsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// beginWebSocketRelay takes over a successfully upgraded connection pair and
// relays frames between client and upstream unchanged, logging each frame's
// type for visibility. Frame mutation is out of scope for v1 — the rule
// engine and interception coordinator operate on whole HTTP exchanges, and a
// WebSocket connection has no equivalent request/response boundary to
// suspend on.
func (i *Instance) beginWebSocketRelay(res *http.Response) {
	session, ok := sessionFromContext(res.Request.Context())
	if !ok {
		i.logger.Warn("riftproxy: websocket upgrade has no session to hijack, closing")
		return
	}
	recordID, _ := recordIDFromContext(res.Request.Context())

	clientConn, clientBuf, err := session.Hijack()
	if err != nil {
		i.logger.Error("riftproxy: hijacking websocket client connection", "err", err)
		return
	}

	upstream, ok := res.Body.(io.ReadWriteCloser)
	if !ok {
		i.logger.Error("riftproxy: upgraded response body is not a full-duplex connection")
		clientConn.Close()
		return
	}

	// res.Write would drain res.Body trying to write it, but for a 101
	// response that body IS the live upstream connection — write the status
	// line and headers only, and let the relay goroutines own the body.
	if err := writeUpgradeResponseHeaders(clientBuf, res); err != nil {
		i.logger.Error("riftproxy: writing 101 response to client", "err", err)
		clientConn.Close()
		upstream.Close()
		return
	}
	if clientBuf.Reader.Buffered() > 0 {
		if _, err := io.CopyN(upstream, clientBuf.Reader, int64(clientBuf.Reader.Buffered())); err != nil {
			i.logger.Warn("riftproxy: draining buffered websocket bytes to upstream", "err", err)
		}
	}

	clientWS := websocket.NewConn(clientConn, true, 4096, 4096)
	upstreamWS := websocket.NewConn(upstream, false, 4096, 4096)

	done := make(chan struct{}, 2)
	go i.relayWebSocketFrames(recordID, "client->upstream", clientWS, upstreamWS, done)
	go i.relayWebSocketFrames(recordID, "upstream->client", upstreamWS, clientWS, done)
	<-done
	clientConn.Close()
	upstream.Close()
}

// relayWebSocketFrames pumps messages from -> to until either side closes
// or errors, logging each frame's opcode for observability.
func (i *Instance) relayWebSocketFrames(recordID any, direction string, from, to *websocket.Conn, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		mt, data, err := from.ReadMessage()
		if err != nil {
			return
		}
		i.logger.Debug("riftproxy: websocket frame observed",
			"record_id", recordID, "direction", direction, "type", wsFrameType(mt), "bytes", len(data))
		if err := to.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

// writeUpgradeResponseHeaders writes just the 101 status line and headers
// (never the body, which for an upgraded response is the live connection
// itself) to w, flushing afterward.
func writeUpgradeResponseHeaders(w *bufio.ReadWriter, res *http.Response) error {
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", res.StatusCode, http.StatusText(res.StatusCode)); err != nil {
		return err
	}
	if err := res.Header.Write(w); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func wsFrameType(mt int) string {
	switch mt {
	case websocket.TextMessage:
		return "text"
	case websocket.BinaryMessage:
		return "binary"
	case websocket.CloseMessage:
		return "close"
	case websocket.PingMessage:
		return "ping"
	case websocket.PongMessage:
		return "pong"
	default:
		return "unknown"
	}
}
