package mqtt311

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ConnectionState is the lifecycle state of a client's broker connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnectingGraceful
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnectingGraceful:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// DisconnectReason tells OnDisconnect why the connection ended.
type DisconnectReason int

const (
	// DisconnectRequested follows a call to Disconnect.
	DisconnectRequested DisconnectReason = iota
	// DisconnectConnectionLost means the transport failed or was closed by the broker.
	DisconnectConnectionLost
	// DisconnectKeepAliveTimeout means a PINGREQ went unanswered.
	DisconnectKeepAliveTimeout
	// DisconnectProtocolError means the broker sent malformed or unexpected data.
	DisconnectProtocolError
)

// String returns the string representation of the reason.
func (r DisconnectReason) String() string {
	switch r {
	case DisconnectRequested:
		return "requested"
	case DisconnectConnectionLost:
		return "connection lost"
	case DisconnectKeepAliveTimeout:
		return "keep-alive timeout"
	case DisconnectProtocolError:
		return "protocol error"
	default:
		return "unknown"
	}
}

// generatedIDPrefix keeps generated identifiers within the 23 characters every
// 3.1.1 broker must accept.
const generatedIDPrefix = "mqtt311-"

var windowNoticeInterval = 10 * time.Second

// Client is an MQTT v3.1.1 client.
//
// The network loop (Loop, LoopForever) is meant to be driven from one
// goroutine. Publish, Subscribe, Unsubscribe, Disconnect and the callback
// setters may be called from callbacks or from other goroutines; ExitLoop
// only sets a flag.
type Client struct {
	mu      sync.Mutex
	options *clientOptions
	logger  Logger

	clientID     string
	cleanSession bool
	tls          tlsSettings

	state            ConnectionState
	handshakeStarted bool
	lost             bool
	conn             Conn

	// target of the last Connect
	host           string
	port           int
	keepAliveSecs  uint16
	localInterface string

	engine    *DeliveryEngine
	keepAlive *KeepAlive
	reconnect *ReconnectScheduler
	metrics   *ClientMetrics
	handlers  handlers

	inbuf   []byte
	readBuf []byte

	exit         atomic.Bool
	windowNotice rate.Sometimes
}

// NewClient creates a client. An empty clientID generates a random
// identifier, which requires cleanSession.
func NewClient(clientID string, cleanSession bool, opts ...Option) (*Client, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	if clientID == "" {
		if !cleanSession {
			return nil, NewConfigError("client id", "required when clean session is false", ErrClientIDRequired)
		}
		clientID = generateClientID()
	}
	if err := validateString(clientID); err != nil {
		return nil, NewConfigError("client id", "not a valid MQTT string", err)
	}

	if err := validateOptions(options); err != nil {
		return nil, err
	}

	c := &Client{
		options:      options,
		logger:       options.logger.WithFields(LogFields{LogFieldClientID: clientID}),
		clientID:     clientID,
		cleanSession: cleanSession,
		engine:       NewDeliveryEngine(options.maxInFlight, options.messageRetry),
		keepAlive:    NewKeepAlive(0),
		reconnect:    NewReconnectScheduler(options.reconnectBase, options.reconnectMax, options.reconnectExponential),
		metrics:      NewClientMetrics(options.metrics),
		readBuf:      make([]byte, 4096),
		windowNotice: rate.Sometimes{First: 1, Interval: windowNoticeInterval},
	}

	return c, nil
}

func validateOptions(o *clientOptions) error {
	switch o.transport {
	case "", TransportTCP, TransportTLS, TransportWS, TransportWSS, TransportQUIC, TransportUnix:
	default:
		return NewConfigError("transport", fmt.Sprintf("unsupported scheme %q", o.transport), nil)
	}

	if o.password != nil && o.username == "" {
		return NewConfigError("credentials", "password requires a username", ErrPasswordWithoutUser)
	}

	if o.will != nil {
		if err := validateWill(o.will.topic, o.will.qos); err != nil {
			return err
		}
	}

	if o.maxInFlight < 0 {
		return NewConfigError("max in-flight", "must not be negative", nil)
	}
	if o.messageRetry < 0 {
		return NewConfigError("message retry", "must not be negative", nil)
	}
	if o.reconnectBase < 0 || o.reconnectMax < 0 {
		return NewConfigError("reconnect delay", "must not be negative", nil)
	}

	return nil
}

func generateClientID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return generatedIDPrefix + id[:15]
}

// ClientID returns the client identifier.
func (c *Client) ClientID() string {
	return c.clientID
}

// State returns the connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected returns true if the client holds an accepted connection.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// InFlight returns the number of QoS 1/2 publishes awaiting acknowledgment.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.InFlight()
}

// Queued returns the number of publishes waiting for an in-flight slot.
func (c *Client) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Queued()
}

// Connect dials the broker and performs the CONNECT/CONNACK handshake.
//
// A zero port selects 1883 and a zero keepalive the configured default
// (60 seconds unless WithKeepAlive says otherwise). localInterface, when
// set, binds the outgoing connection to an address, interface or host name.
//
// Every CONNACK is also reported to OnConnect. Errors are *NetworkError,
// *ProtocolError or *RefusedError; calling Connect on a live connection is
// a *UsageError.
func (c *Client) Connect(ctx context.Context, host string, port, keepalive int, localInterface string) error {
	if host == "" {
		return NewConfigError("host", "must not be empty", nil)
	}
	if port < 0 || port > 65535 {
		return NewConfigError("port", strconv.Itoa(port)+" out of range", nil)
	}
	if keepalive < 0 || keepalive > 65535 {
		return NewConfigError("keepalive", strconv.Itoa(keepalive)+" out of range", nil)
	}

	if port == 0 {
		port = DefaultPort
	}
	secs := uint16(keepalive)
	if keepalive == 0 {
		secs = c.options.keepAlive
	}

	d := c.lock()
	if c.state != StateDisconnected {
		c.unlock(d)
		return NewUsageError("connect", ErrAlreadyConnected)
	}

	c.host = host
	c.port = port
	c.keepAliveSecs = secs
	c.localInterface = localInterface
	c.handshakeStarted = true
	c.reconnect.Reset()

	err := c.connect(ctx, d)
	if err != nil {
		c.handshakeStarted = false
	}
	c.unlock(d)
	return err
}

// address returns the broker address for the selected transport.
func (c *Client) address() string {
	if c.transport() == TransportUnix {
		return c.host
	}
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

func (c *Client) transport() string {
	if c.options.transport != "" {
		return c.options.transport
	}
	if c.tls.enabled() || c.options.tlsConfig != nil {
		return TransportTLS
	}
	return TransportTCP
}

// tlsConfig returns the TLS configuration for host; nil means the
// transport defaults.
func (c *Client) tlsConfig(host string) (*tls.Config, error) {
	if c.options.tlsConfig != nil {
		return c.options.tlsConfig.Clone(), nil
	}
	if !c.tls.enabled() {
		return nil, nil
	}
	return c.tls.config(host)
}

// dialer builds the transport dialer and the address to dial. Caller holds mu.
func (c *Client) dialer() (Dialer, string, error) {
	addr := c.address()
	if c.options.dialer != nil {
		return c.options.dialer, addr, nil
	}

	scheme := c.transport()
	timeout := c.options.connectTimeout

	var forward Dialer
	if scheme == TransportTCP || scheme == TransportTLS {
		proxyDialer, err := c.proxyDialer(addr, scheme == TransportTLS)
		if err != nil {
			return nil, addr, err
		}
		if proxyDialer != nil {
			forward = proxyDialer
		}
	}

	switch scheme {
	case TransportTCP:
		if forward != nil {
			return forward, addr, nil
		}
		return &TCPDialer{Timeout: timeout, LocalInterface: c.localInterface}, addr, nil

	case TransportUnix:
		return NewUnixDialer(), addr, nil

	case TransportTLS, TransportWSS, TransportQUIC:
		cfg, err := c.tlsConfig(c.host)
		if err != nil {
			return nil, addr, err
		}
		switch scheme {
		case TransportTLS:
			return &TLSDialer{
				Config:         cfg,
				Timeout:        timeout,
				LocalInterface: c.localInterface,
				Forward:        forward,
			}, addr, nil
		case TransportWSS:
			return NewWSDialer(cfg, timeout), c.wsURL("wss", addr), nil
		default:
			return NewQUICDialer(cfg), addr, nil
		}

	case TransportWS:
		return NewWSDialer(nil, timeout), c.wsURL("ws", addr), nil
	}

	return nil, addr, fmt.Errorf("unsupported transport %q", scheme)
}

func (c *Client) wsURL(scheme, addr string) string {
	u := url.URL{Scheme: scheme, Host: addr, Path: c.options.wsPath}
	return u.String()
}

func (c *Client) proxyDialer(addr string, secure bool) (*ProxyDialer, error) {
	if c.options.proxy != nil {
		return NewProxyDialer(*c.options.proxy)
	}
	if !c.options.proxyFromEnv {
		return nil, nil
	}

	proxyURL, err := ProxyFromEnvironment(addr, secure)
	if err != nil || proxyURL == nil {
		return nil, err
	}
	return NewProxyDialer(ProxyConfig{URL: proxyURL.String()})
}

func (c *Client) connectPacket() *ConnectPacket {
	pkt := &ConnectPacket{
		ClientID:     c.clientID,
		CleanSession: c.cleanSession,
		KeepAlive:    c.keepAliveSecs,
		Username:     c.options.username,
		Password:     c.options.password,
	}

	if w := c.options.will; w != nil {
		pkt.WillFlag = true
		pkt.WillTopic = w.topic
		pkt.WillPayload = w.payload
		pkt.WillQoS = w.qos
		pkt.WillRetain = w.retain
	}

	return pkt
}

// connect dials and runs the handshake. Caller holds mu.
func (c *Client) connect(ctx context.Context, d *dispatch) error {
	c.state = StateConnecting
	start := time.Now()
	addr := c.address()

	if c.options.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.connectTimeout)
		defer cancel()
	}

	fail := func(conn Conn, err error) error {
		if conn != nil {
			_ = conn.Close()
		}
		c.state = StateDisconnected
		c.log(d, LogLevelError, "connect failed", LogFields{
			LogFieldRemoteAddr: addr,
			LogFieldError:      err.Error(),
		})
		if errors.Is(err, ErrNetwork) {
			c.emitConnect(d, ConnackUnreachable)
		}
		return err
	}

	dialer, target, err := c.dialer()
	if err != nil {
		return fail(nil, NewNetworkError("dial", addr, err))
	}

	conn, err := dialer.Dial(ctx, target)
	if err != nil {
		return fail(nil, NewNetworkError("dial", addr, err))
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	n, err := WritePacket(conn, c.connectPacket(), 0)
	if err != nil {
		return fail(conn, NewNetworkError("write", addr, err))
	}
	c.metrics.PacketSent(PacketCONNECT, n)

	pkt, n, err := ReadPacket(conn, c.options.maxPacketSize)
	if err != nil {
		if isNetworkError(err) {
			return fail(conn, NewNetworkError("read", addr, err))
		}
		return fail(conn, NewProtocolError(PacketCONNACK, err))
	}
	c.metrics.PacketReceived(pkt.Type(), n)

	connack, ok := pkt.(*ConnackPacket)
	if !ok {
		return fail(conn, NewProtocolError(pkt.Type(), ErrProtocolViolation))
	}

	_ = conn.SetDeadline(noDeadline)

	code := connack.ReturnCode
	c.emitConnect(d, code)

	if !code.Accepted() {
		return fail(conn, NewRefusedError(code))
	}

	c.conn = conn
	c.state = StateConnected
	c.lost = false
	c.inbuf = c.inbuf[:0]
	c.keepAlive = NewKeepAlive(time.Duration(c.keepAliveSecs) * time.Second)
	c.metrics.ConnectDuration(time.Since(start))

	c.log(d, LogLevelInfo, "connected", LogFields{
		LogFieldRemoteAddr: addr,
		"session_present":  connack.SessionPresent,
	})

	return c.resumeSession(d)
}

// resumeSession discards or retransmits outbound state after CONNACK.
func (c *Client) resumeSession(d *dispatch) error {
	if c.cleanSession {
		if dropped := c.engine.Reset(); dropped > 0 {
			c.log(d, LogLevelDebug, "discarded session state", LogFields{"exchanges": dropped})
		}
		return nil
	}

	for _, msg := range c.engine.Resume() {
		c.metrics.Retransmit()
		if err := c.writePacket(d, msg.Packet(true)); err != nil {
			return err
		}
	}

	return c.flushAdmitted(d)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

// Disconnect sends DISCONNECT and closes the connection. The will message
// is not published and LoopForever does not reconnect.
func (c *Client) Disconnect() error {
	d := c.lock()
	defer c.unlock(d)

	if c.state != StateConnected {
		c.lost = false
		c.handshakeStarted = false
		return NewUsageError("disconnect", ErrNotConnected)
	}

	c.state = StateDisconnectingGraceful
	if err := c.send(&DisconnectPacket{}); err != nil {
		c.log(d, LogLevelDebug, "DISCONNECT not sent", LogFields{LogFieldError: err.Error()})
	}
	_ = c.conn.Close()
	c.conn = nil

	c.state = StateDisconnected
	c.lost = false
	c.handshakeStarted = false
	if c.cleanSession {
		c.engine.Reset()
	}

	c.log(d, LogLevelInfo, "disconnected", nil)
	c.emitDisconnect(d, DisconnectRequested)
	return nil
}

// drop tears down the connection after an unexpected failure and returns
// the error to report. Caller holds mu.
func (c *Client) drop(d *dispatch, reason DisconnectReason, err error) error {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	c.state = StateDisconnected
	c.lost = true
	c.inbuf = c.inbuf[:0]

	if c.cleanSession {
		c.engine.Reset()
	}

	c.log(d, LogLevelWarn, "connection lost", LogFields{
		"reason":      reason.String(),
		LogFieldError: err.Error(),
	})
	c.emitDisconnect(d, reason)
	c.metrics.Window(c.engine.InFlight(), c.engine.Queued())

	return err
}

// send encodes and writes one packet. Caller holds mu.
func (c *Client) send(pkt Packet) error {
	if c.conn == nil {
		return NewUsageError("write", ErrNotConnected)
	}

	buf, err := AppendPacket(nil, pkt, 0)
	if err != nil {
		return NewProtocolError(pkt.Type(), err)
	}

	if c.options.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.options.writeTimeout))
	}

	n, err := c.conn.Write(buf)
	if err != nil {
		return NewNetworkError("write", c.address(), err)
	}

	c.metrics.PacketSent(pkt.Type(), n)
	c.keepAlive.PacketSent()
	return nil
}

// writePacket sends one packet; a transport failure drops the connection.
// Caller holds mu.
func (c *Client) writePacket(d *dispatch, pkt Packet) error {
	err := c.send(pkt)

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return c.drop(d, DisconnectConnectionLost, err)
	}
	return err
}

func checkQoS(qos byte) error {
	if qos > 2 {
		return ErrInvalidQoS
	}
	return nil
}

// Publish sends an application message and returns its message identifier.
//
// QoS 1/2 messages beyond the in-flight limit are queued and sent in order
// as acknowledgments free slots. QoS 0 identifiers are informational only.
func (c *Client) Publish(topic string, payload []byte, qos byte, retain bool) (uint16, error) {
	msg := &Message{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}

	if len(c.options.producerInterceptors) > 0 {
		msg = applyProducerInterceptors(c.logger, c.options.producerInterceptors, msg)
		if msg == nil {
			return 0, ErrMessageDropped
		}
	}

	if err := checkQoS(msg.QoS); err != nil {
		return 0, NewUsageError("publish", err)
	}
	if err := ValidateTopicName(msg.Topic); err != nil {
		return 0, NewUsageError("publish", err)
	}
	if len(msg.Topic)+len(msg.Payload)+4 > maxVarint {
		return 0, NewUsageError("publish", ErrPacketTooLarge)
	}

	d := c.lock()
	defer c.unlock(d)

	if c.state != StateConnected {
		return 0, NewUsageError("publish", ErrNotConnected)
	}

	m, send, err := c.engine.Publish(msg.Topic, msg.Payload, msg.QoS, msg.Retain)
	if err != nil {
		return 0, NewUsageError("publish", err)
	}

	if !send {
		c.windowNotice.Do(func() {
			c.log(d, LogLevelNotice, "in-flight window full, message queued", LogFields{
				LogFieldPacketID: m.ID,
				"queued":         c.engine.Queued(),
			})
		})
		c.metrics.Window(c.engine.InFlight(), c.engine.Queued())
		return m.ID, nil
	}

	if err := c.writePacket(d, m.Packet(false)); err != nil {
		return m.ID, err
	}

	if m.QoS == 0 {
		c.emitPublish(d, m.ID)
	}
	c.metrics.Window(c.engine.InFlight(), c.engine.Queued())

	return m.ID, nil
}

// Subscribe requests a subscription and returns the message identifier
// reported again by OnSubscribe.
func (c *Client) Subscribe(filter string, qos byte) (uint16, error) {
	if err := checkQoS(qos); err != nil {
		return 0, NewUsageError("subscribe", err)
	}
	if err := ValidateTopicFilter(filter); err != nil {
		return 0, NewUsageError("subscribe", err)
	}

	d := c.lock()
	defer c.unlock(d)

	if c.state != StateConnected {
		return 0, NewUsageError("subscribe", ErrNotConnected)
	}

	m, err := c.engine.Subscribe([]Subscription{{TopicFilter: filter, QoS: qos}})
	if err != nil {
		return 0, NewUsageError("subscribe", err)
	}

	return m.ID, c.writePacket(d, m.Packet(false))
}

// Unsubscribe removes a subscription and returns the message identifier
// reported again by OnUnsubscribe.
func (c *Client) Unsubscribe(filter string) (uint16, error) {
	if err := ValidateTopicFilter(filter); err != nil {
		return 0, NewUsageError("unsubscribe", err)
	}

	d := c.lock()
	defer c.unlock(d)

	if c.state != StateConnected {
		return 0, NewUsageError("unsubscribe", ErrNotConnected)
	}

	m, err := c.engine.Unsubscribe([]string{filter})
	if err != nil {
		return 0, NewUsageError("unsubscribe", err)
	}

	return m.ID, c.writePacket(d, m.Packet(false))
}
