package replay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// dialHTTPConnect establishes a tunnel to target through an HTTP proxy at
// proxyAddr using the CONNECT method, grounded on the original repeater's
// send_proxy_request/send_proxy_tls_request.
func dialHTTPConnect(ctx context.Context, dialer *net.Dialer, proxyAddr, target string) (net.Conn, error) {
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("replay: dialing http-connect proxy %s: %w", proxyAddr, err)
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("replay: writing CONNECT request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: "CONNECT"})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("replay: reading CONNECT response: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("replay: upstream proxy refused CONNECT: %s", resp.Status)
	}
	return conn, nil
}

// SOCKS5 constants, per RFC 1928 / RFC 1929.
const (
	socks5Version      = 0x05
	socks5AuthNone     = 0x00
	socks5AuthPassword = 0x02
	socks5CmdConnect   = 0x01
	socks5AddrIPv4     = 0x01
	socks5AddrDomain   = 0x03
	socks5AddrIPv6     = 0x04
)

// dialSOCKS5 hand-rolls a SOCKS5 CONNECT negotiation (method selection, then
// an optional RFC 1929 username/password sub-negotiation, then the CONNECT
// request) to target through proxy. Grounded on the original repeater's
// send_proxy_tls_request SOCKS5 path, which this mirrors step for step.
func dialSOCKS5(ctx context.Context, dialer *net.Dialer, proxy *UpstreamProxy, target string) (net.Conn, error) {
	conn, err := dialer.DialContext(ctx, "tcp", proxy.Addr)
	if err != nil {
		return nil, fmt.Errorf("replay: dialing socks5 proxy %s: %w", proxy.Addr, err)
	}

	methods := []byte{socks5AuthNone}
	if proxy.Username != "" {
		methods = []byte{socks5AuthPassword, socks5AuthNone}
	}
	greeting := append([]byte{socks5Version, byte(len(methods))}, methods...)
	if _, err := conn.Write(greeting); err != nil {
		conn.Close()
		return nil, fmt.Errorf("replay: socks5 greeting: %w", err)
	}

	reply := make([]byte, 2)
	if _, err := readFull(conn, reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("replay: socks5 method selection: %w", err)
	}
	if reply[0] != socks5Version {
		conn.Close()
		return nil, errors.New("replay: socks5 proxy returned an unexpected version")
	}
	switch reply[1] {
	case socks5AuthNone:
		// no further negotiation
	case socks5AuthPassword:
		if err := socks5PasswordAuth(conn, proxy.Username, proxy.Password); err != nil {
			conn.Close()
			return nil, err
		}
	default:
		conn.Close()
		return nil, errors.New("replay: socks5 proxy has no acceptable auth method")
	}

	if err := socks5Connect(conn, target); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func socks5PasswordAuth(conn net.Conn, username, password string) error {
	if len(username) > 255 || len(password) > 255 {
		return errors.New("replay: socks5 username/password too long")
	}
	req := []byte{0x01, byte(len(username))}
	req = append(req, username...)
	req = append(req, byte(len(password)))
	req = append(req, password...)
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("replay: socks5 auth request: %w", err)
	}
	resp := make([]byte, 2)
	if _, err := readFull(conn, resp); err != nil {
		return fmt.Errorf("replay: socks5 auth response: %w", err)
	}
	if resp[1] != 0x00 {
		return fmt.Errorf("replay: socks5 authentication failed, code 0x%02x", resp[1])
	}
	return nil
}

func socks5Connect(conn net.Conn, target string) error {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return fmt.Errorf("replay: parsing socks5 target %q: %w", target, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return fmt.Errorf("replay: parsing socks5 target port %q: %w", portStr, err)
	}

	req := []byte{socks5Version, socks5CmdConnect, 0x00}
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			req = append(req, socks5AddrIPv4)
			req = append(req, ip4...)
		} else {
			req = append(req, socks5AddrIPv6)
			req = append(req, ip.To16()...)
		}
	} else {
		if len(host) > 255 {
			return errors.New("replay: socks5 domain name too long")
		}
		req = append(req, socks5AddrDomain, byte(len(host)))
		req = append(req, host...)
	}
	req = append(req, byte(port>>8), byte(port&0xff))

	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("replay: socks5 connect request: %w", err)
	}

	header := make([]byte, 4)
	if _, err := readFull(conn, header); err != nil {
		return fmt.Errorf("replay: socks5 connect response: %w", err)
	}
	if header[1] != 0x00 {
		return fmt.Errorf("replay: socks5 connect failed, error code 0x%02x", header[1])
	}

	switch header[3] {
	case socks5AddrIPv4:
		if _, err := readFull(conn, make([]byte, 4+2)); err != nil {
			return fmt.Errorf("replay: socks5 connect response (ipv4): %w", err)
		}
	case socks5AddrIPv6:
		if _, err := readFull(conn, make([]byte, 16+2)); err != nil {
			return fmt.Errorf("replay: socks5 connect response (ipv6): %w", err)
		}
	case socks5AddrDomain:
		lenBuf := make([]byte, 1)
		if _, err := readFull(conn, lenBuf); err != nil {
			return fmt.Errorf("replay: socks5 connect response (domain length): %w", err)
		}
		if _, err := readFull(conn, make([]byte, int(lenBuf[0])+2)); err != nil {
			return fmt.Errorf("replay: socks5 connect response (domain): %w", err)
		}
	default:
		return fmt.Errorf("replay: socks5 connect response has unknown address type 0x%02x", header[3])
	}
	return nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
