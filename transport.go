package mqtt311

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

// Conn is the byte-stream connection carrying MQTT packets.
type Conn interface {
	net.Conn
}

// Dialer establishes transport connections to a broker.
type Dialer interface {
	// Dial connects to the address with the given context.
	Dial(ctx context.Context, address string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, address string) (Conn, error)

// Dial calls f(ctx, address).
func (f DialerFunc) Dial(ctx context.Context, address string) (Conn, error) {
	return f(ctx, address)
}

var errNoInterfaceAddress = errors.New("interface has no usable address")

var noDeadline time.Time

// resolveLocalAddr turns a bind target into a local TCP address. The target
// may be an IP address, a network interface name or a host name.
func resolveLocalAddr(target string) (*net.TCPAddr, error) {
	if target == "" {
		return nil, nil
	}

	if ip := net.ParseIP(target); ip != nil {
		return &net.TCPAddr{IP: ip}, nil
	}

	if iface, err := net.InterfaceByName(target); err == nil {
		addrs, err := iface.Addrs()
		if err != nil {
			return nil, err
		}

		var fallback net.IP
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ipNet.IP.To4() != nil {
				return &net.TCPAddr{IP: ipNet.IP}, nil
			}
			if fallback == nil {
				fallback = ipNet.IP
			}
		}
		if fallback != nil {
			return &net.TCPAddr{IP: fallback}, nil
		}
		return nil, fmt.Errorf("%s: %w", target, errNoInterfaceAddress)
	}

	ipAddr, err := net.ResolveIPAddr("ip", target)
	if err != nil {
		return nil, err
	}
	return &net.TCPAddr{IP: ipAddr.IP, Zone: ipAddr.Zone}, nil
}

func netDialer(timeout time.Duration, localInterface string) (*net.Dialer, error) {
	local, err := resolveLocalAddr(localInterface)
	if err != nil {
		return nil, err
	}

	d := &net.Dialer{Timeout: timeout}
	if local != nil {
		d.LocalAddr = local
	}
	return d, nil
}

// TCPDialer connects to MQTT brokers over TCP.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration

	// LocalInterface binds the outgoing connection to an IP address,
	// interface name or host name.
	LocalInterface string
}

// Dial connects to the address.
func (d *TCPDialer) Dial(ctx context.Context, address string) (Conn, error) {
	dialer, err := netDialer(d.Timeout, d.LocalInterface)
	if err != nil {
		return nil, err
	}
	return dialer.DialContext(ctx, "tcp", address)
}

// TLSDialer connects to MQTT brokers over TLS.
type TLSDialer struct {
	// Config is the TLS configuration.
	Config *tls.Config

	// Timeout is the maximum time to wait for a connection.
	Timeout time.Duration

	// LocalInterface binds the outgoing connection, as in TCPDialer.
	LocalInterface string

	// Forward, when set, provides the underlying connection (for example a
	// ProxyDialer) and the TLS handshake runs on top of it.
	Forward Dialer
}

// Dial connects to the address and completes the TLS handshake.
func (d *TLSDialer) Dial(ctx context.Context, address string) (Conn, error) {
	config := d.Config
	if config == nil {
		config = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if config.ServerName == "" && !config.InsecureSkipVerify {
		if host, _, err := net.SplitHostPort(address); err == nil {
			config = config.Clone()
			config.ServerName = host
		}
	}

	if d.Forward == nil {
		dialer, err := netDialer(d.Timeout, d.LocalInterface)
		if err != nil {
			return nil, err
		}
		td := &tls.Dialer{NetDialer: dialer, Config: config}
		return td.DialContext(ctx, "tcp", address)
	}

	raw, err := d.Forward.Dial(ctx, address)
	if err != nil {
		return nil, err
	}

	conn := tls.Client(raw, config)
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}
