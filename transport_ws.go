package mqtt311

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// WebSocketSubprotocol is the MQTT WebSocket subprotocol.
	WebSocketSubprotocol = "mqtt"

	// DefaultWebSocketPath is the request path used when none is configured.
	DefaultWebSocketPath = "/mqtt"
)

// WSConn adapts a WebSocket connection to a byte stream. Outbound writes are
// sent as binary frames; inbound frames are concatenated, so MQTT packets may
// span or share frames.
//
// Frames are read by a background goroutine so that a read deadline only
// interrupts the wait, never the underlying WebSocket reader.
type WSConn struct {
	conn    *websocket.Conn
	frames  chan wsFrame
	done    chan struct{}
	pending []byte

	mu           sync.Mutex
	readDeadline time.Time
	closeOnce    sync.Once
	closeErr     error
}

type wsFrame struct {
	data []byte
	err  error
}

func newWSConn(conn *websocket.Conn) *WSConn {
	c := &WSConn{
		conn:   conn,
		frames: make(chan wsFrame, 1),
		done:   make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *WSConn) pump() {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err == nil && messageType != websocket.BinaryMessage {
			err = ErrProtocolViolation
		}

		select {
		case c.frames <- wsFrame{data: data, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Read reads data from the connection.
func (c *WSConn) Read(b []byte) (int, error) {
	for len(c.pending) == 0 {
		data, err := c.nextFrame()
		if err != nil {
			return 0, err
		}
		c.pending = data
	}

	n := copy(b, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// nextFrame waits for the next inbound frame until the read deadline.
func (c *WSConn) nextFrame() ([]byte, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case frame, ok := <-c.frames:
		if !ok {
			return nil, net.ErrClosed
		}
		if frame.err != nil {
			// keep reporting the terminal error
			c.frames = closedFrames(frame.err)
			return nil, frame.err
		}
		return frame.data, nil
	case <-timeout:
		return nil, os.ErrDeadlineExceeded
	case <-c.done:
		return nil, net.ErrClosed
	}
}

func closedFrames(err error) chan wsFrame {
	ch := make(chan wsFrame, 1)
	ch <- wsFrame{err: err}
	close(ch)
	return ch
}

// Write writes data to the connection as one binary message.
func (c *WSConn) Write(b []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close closes the connection.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// LocalAddr returns the local network address.
func (c *WSConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *WSConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline sets the read and write deadlines.
func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *WSConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

// SetWriteDeadline sets the write deadline.
func (c *WSConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// WSDialer connects to MQTT brokers over WebSocket. The address passed to
// Dial is a full ws:// or wss:// URL.
type WSDialer struct {
	// Dialer is the underlying WebSocket dialer.
	Dialer *websocket.Dialer

	// Header is the HTTP header to send with the handshake.
	Header http.Header
}

// NewWSDialer creates a WebSocket dialer negotiating the mqtt subprotocol.
// tlsConfig is used for wss:// URLs and may be nil.
func NewWSDialer(tlsConfig *tls.Config, timeout time.Duration) *WSDialer {
	return &WSDialer{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
			TLSClientConfig:  tlsConfig,
			Subprotocols:     []string{WebSocketSubprotocol},
		},
	}
}

// Dial connects to the WebSocket URL.
func (d *WSDialer) Dial(ctx context.Context, address string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{Subprotocols: []string{WebSocketSubprotocol}}
	}

	conn, resp, err := dialer.DialContext(ctx, address, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	return newWSConn(conn), nil
}
