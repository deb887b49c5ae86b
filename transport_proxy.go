package mqtt311

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/http/httpproxy"
	"golang.org/x/net/proxy"
)

// ErrProxyScheme is returned for proxy URLs with an unsupported scheme.
var ErrProxyScheme = errors.New("unsupported proxy scheme")

// ProxyConfig holds proxy settings for broker connections.
type ProxyConfig struct {
	// URL is the proxy URL: http://host:port or socks5://host:port.
	URL string
	// Username for proxy authentication (optional).
	Username string
	// Password for proxy authentication (optional).
	Password string
}

// ProxyDialer tunnels TCP connections through an HTTP CONNECT or SOCKS5 proxy.
type ProxyDialer struct {
	proxyURL *url.URL
	username string
	password string
	forward  net.Dialer
}

// NewProxyDialer creates a proxy dialer. Credentials embedded in the URL are
// used when username is empty.
func NewProxyDialer(cfg ProxyConfig) (*ProxyDialer, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("%w: %q", ErrProxyScheme, u.Scheme)
	}

	d := &ProxyDialer{
		proxyURL: u,
		username: cfg.Username,
		password: cfg.Password,
	}
	if d.username == "" && u.User != nil {
		d.username = u.User.Username()
		d.password, _ = u.User.Password()
	}
	return d, nil
}

// URL returns the proxy URL.
func (d *ProxyDialer) URL() *url.URL {
	return d.proxyURL
}

// Dial connects to address through the proxy.
func (d *ProxyDialer) Dial(ctx context.Context, address string) (Conn, error) {
	if d.proxyURL.Scheme == "http" || d.proxyURL.Scheme == "https" {
		return d.dialConnect(ctx, address)
	}
	return d.dialSOCKS5(ctx, address)
}

func (d *ProxyDialer) proxyHost() string {
	host := d.proxyURL.Host
	if d.proxyURL.Port() != "" {
		return host
	}
	switch d.proxyURL.Scheme {
	case "https":
		return net.JoinHostPort(host, "443")
	case "http":
		return net.JoinHostPort(host, "80")
	default:
		return net.JoinHostPort(host, "1080")
	}
}

func (d *ProxyDialer) dialConnect(ctx context.Context, address string) (Conn, error) {
	conn, err := d.forward.DialContext(ctx, "tcp", d.proxyHost())
	if err != nil {
		return nil, fmt.Errorf("proxy connect: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if d.username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(d.username + ":" + d.password))
		req.Header.Set("Proxy-Authorization", "Basic "+token)
	}

	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("proxy request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("proxy response: %w", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("proxy refused tunnel: %s", resp.Status)
	}

	_ = conn.SetDeadline(noDeadline)

	if br.Buffered() > 0 {
		// the broker spoke before the tunnel response was consumed
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn serves bytes read ahead while parsing the proxy response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	if c.r.Buffered() > 0 {
		return c.r.Read(b)
	}
	return c.Conn.Read(b)
}

func (d *ProxyDialer) dialSOCKS5(ctx context.Context, address string) (Conn, error) {
	var auth *proxy.Auth
	if d.username != "" {
		auth = &proxy.Auth{User: d.username, Password: d.password}
	}

	dialer, err := proxy.SOCKS5("tcp", d.proxyHost(), auth, &d.forward)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}

	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", address)
	}
	return dialer.Dial("tcp", address)
}

// ProxyFromEnvironment returns the proxy configured by HTTP_PROXY,
// HTTPS_PROXY and NO_PROXY for a broker at host:port. secure selects
// HTTPS_PROXY. It returns nil when no proxy applies.
func ProxyFromEnvironment(address string, secure bool) (*url.URL, error) {
	scheme := "http"
	if secure {
		scheme = "https"
	}
	return httpproxy.FromEnvironment().ProxyFunc()(&url.URL{Scheme: scheme, Host: address})
}
