package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	netproxy "golang.org/x/net/proxy"

	"github.com/sockwire/httpkit/pkg/errors"
)

// ProxyConfig describes a single upstream proxy hop. A single hop is
// supplemental functionality (§4.5.1) — the spec's "no proxy-chaining"
// Non-goal excludes multi-hop chains, not this.
type ProxyConfig struct {
	Type     string // "http", "https", "socks4", "socks5"
	Host     string
	Port     int
	Username string
	Password string

	ConnTimeout  time.Duration
	ProxyHeaders map[string]string
	TLSConfig    *tls.Config
}

func (p *ProxyConfig) addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// ParseProxyURL parses a proxy URL string, grounded on the teacher's
// pkg/client/proxy_parser.go — same supported schemes and default ports.
func ParseProxyURL(proxyURL string) (*ProxyConfig, error) {
	if proxyURL == "" {
		return nil, errors.NewValidationError("proxy URL cannot be empty")
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, errors.NewValidationError("invalid proxy URL: " + err.Error())
	}

	scheme := u.Scheme
	switch scheme {
	case "http", "https", "socks4", "socks5":
	case "":
		return nil, errors.NewValidationError("proxy URL must include a scheme (http://, https://, socks4://, socks5://)")
	default:
		return nil, errors.NewValidationError("unsupported proxy scheme: " + scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, errors.NewValidationError("proxy URL must include a host")
	}

	var port int
	if portStr := u.Port(); portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return nil, errors.NewValidationError("invalid proxy port: " + portStr)
		}
	} else {
		switch scheme {
		case "http":
			port = 8080
		case "https":
			port = 443
		case "socks4", "socks5":
			port = 1080
		}
	}

	var username, password string
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	return &ProxyConfig{Type: scheme, Host: host, Port: port, Username: username, Password: password}, nil
}

// dialViaProxy establishes a raw TCP connection to targetAddr through proxy,
// dispatching on proxy.Type.
func dialViaProxy(ctx context.Context, proxy *ProxyConfig, targetAddr, targetHost string, insecureTLS bool, timeout time.Duration) (net.Conn, error) {
	switch proxy.Type {
	case "http", "https":
		return dialViaHTTPProxy(ctx, proxy, targetAddr, targetHost, insecureTLS, timeout)
	case "socks4":
		return dialViaSOCKS4Proxy(ctx, proxy, targetAddr, timeout)
	case "socks5":
		return dialViaSOCKS5Proxy(ctx, proxy, targetAddr, timeout)
	default:
		return nil, errors.NewProxyError(proxy.Type, proxy.addr(), "dial", fmt.Errorf("unsupported proxy type"))
	}
}

func dialViaHTTPProxy(ctx context.Context, proxy *ProxyConfig, targetAddr, targetHost string, insecureTLS bool, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxy.addr())
	if err != nil {
		return nil, errors.NewProxyError(proxy.Type, proxy.addr(), "connect", err)
	}

	if proxy.Type == "https" {
		tlsConfig := proxy.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: proxy.Host, InsecureSkipVerify: insecureTLS}
		} else {
			tlsConfig = tlsConfig.Clone()
			if insecureTLS {
				tlsConfig.InsecureSkipVerify = true
			}
			if tlsConfig.ServerName == "" {
				tlsConfig.ServerName = proxy.Host
			}
		}
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, errors.NewProxyError(proxy.Type, proxy.addr(), "tls handshake", err)
		}
		conn = tlsConn
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "CONNECT %s HTTP/1.1\r\nHost: %s\r\nConnection: keep-alive\r\n", targetAddr, targetHost)
	for k, v := range proxy.ProxyHeaders {
		fmt.Fprintf(&sb, "%s: %s\r\n", k, v)
	}
	if proxy.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(proxy.Username + ":" + proxy.Password))
		fmt.Fprintf(&sb, "Proxy-Authorization: Basic %s\r\n", auth)
	}
	sb.WriteString("\r\n")

	if _, err := conn.Write([]byte(sb.String())); err != nil {
		conn.Close()
		return nil, errors.NewProxyError(proxy.Type, proxy.addr(), "send CONNECT", err)
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, errors.NewProxyError(proxy.Type, proxy.addr(), "read CONNECT response", err)
	}
	if !strings.Contains(statusLine, " 200") {
		conn.Close()
		return nil, errors.NewProxyError(proxy.Type, proxy.addr(), "CONNECT", fmt.Errorf("proxy refused: %s", strings.TrimSpace(statusLine)))
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, errors.NewProxyError(proxy.Type, proxy.addr(), "read CONNECT headers", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	return conn, nil
}

func dialViaSOCKS4Proxy(ctx context.Context, proxy *ProxyConfig, targetAddr string, timeout time.Duration) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(targetAddr)
	if err != nil {
		return nil, errors.NewValidationError("invalid target address: " + targetAddr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.NewValidationError("invalid target port: " + portStr)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		return nil, errors.NewDNSError(host, err)
	}
	targetIP := ips[0].To4()
	if targetIP == nil {
		return nil, errors.NewValidationError("SOCKS4 requires an IPv4 target: " + host)
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxy.addr())
	if err != nil {
		return nil, errors.NewProxyError(proxy.Type, proxy.addr(), "connect", err)
	}

	req := []byte{0x04, 0x01, byte(port >> 8), byte(port & 0xFF)}
	req = append(req, targetIP...)
	if proxy.Username != "" {
		req = append(req, []byte(proxy.Username)...)
	}
	req = append(req, 0x00)

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, errors.NewProxyError(proxy.Type, proxy.addr(), "send request", err)
	}

	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		conn.Close()
		return nil, errors.NewProxyError(proxy.Type, proxy.addr(), "read response", err)
	}
	if resp[1] != 0x5A {
		conn.Close()
		return nil, errors.NewProxyError(proxy.Type, proxy.addr(), "connect", fmt.Errorf("SOCKS4 rejected with status 0x%02X", resp[1]))
	}
	return conn, nil
}

func dialViaSOCKS5Proxy(ctx context.Context, proxy *ProxyConfig, targetAddr string, timeout time.Duration) (net.Conn, error) {
	var auth *netproxy.Auth
	if proxy.Username != "" {
		auth = &netproxy.Auth{User: proxy.Username, Password: proxy.Password}
	}

	dialer, err := netproxy.SOCKS5("tcp", proxy.addr(), auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, errors.NewProxyError(proxy.Type, proxy.addr(), "create dialer", err)
	}

	// golang.org/x/net/proxy's Dialer has no DialContext; cancellation is
	// bounded by the net.Dialer timeout passed above.
	conn, err := dialer.Dial("tcp", targetAddr)
	if err != nil {
		return nil, errors.NewProxyError(proxy.Type, proxy.addr(), "connect", err)
	}
	return conn, nil
}
