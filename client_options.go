package mqtt311

import (
	"context"
	"crypto/tls"
	"time"
)

// Defaults of a new client.
const (
	DefaultPort           = 1883
	DefaultKeepAlive      = 60
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultMessageRetry   = 20 * time.Second
)

// Transport schemes accepted by WithTransport.
const (
	TransportTCP  = "tcp"
	TransportTLS  = "tls"
	TransportWS   = "ws"
	TransportWSS  = "wss"
	TransportQUIC = "quic"
	TransportUnix = "unix"
)

// willMessage is the message the broker publishes when the client
// disconnects uncleanly.
type willMessage struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// clientOptions holds configuration for a Client.
type clientOptions struct {
	// Credentials
	username string
	password []byte

	will *willMessage

	keepAlive uint16

	// Timeouts
	connectTimeout time.Duration
	writeTimeout   time.Duration

	maxPacketSize uint32

	logger  Logger
	metrics Metrics

	// Transport
	dialer    Dialer
	transport string
	wsPath    string
	tlsConfig *tls.Config
	proxy     *ProxyConfig

	proxyFromEnv bool

	// Delivery
	reconnectBase        time.Duration
	reconnectMax         time.Duration
	reconnectExponential bool
	maxInFlight          int
	messageRetry         time.Duration

	producerInterceptors []ProducerInterceptor
	consumerInterceptors []ConsumerInterceptor

	sleep func(ctx context.Context, d time.Duration) error
}

// defaultOptions returns options with sensible defaults.
func defaultOptions() *clientOptions {
	return &clientOptions{
		keepAlive:      DefaultKeepAlive,
		connectTimeout: DefaultConnectTimeout,
		writeTimeout:   DefaultWriteTimeout,
		logger:         NewNoOpLogger(),
		metrics:        &NoOpMetrics{},
		wsPath:         DefaultWebSocketPath,
		reconnectBase:  DefaultReconnectDelay,
		reconnectMax:   DefaultMaxReconnectDelay,
		messageRetry:   DefaultMessageRetry,
		sleep:          sleepContext,
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithCredentials sets the username and password for authentication.
// An empty password sends the username alone.
func WithCredentials(username, password string) Option {
	return func(o *clientOptions) {
		o.username = username
		o.password = nil
		if password != "" {
			o.password = []byte(password)
		}
	}
}

// WithWill sets the will message.
func WithWill(topic string, payload []byte, qos byte, retain bool) Option {
	return func(o *clientOptions) {
		o.will = &willMessage{
			topic:   topic,
			payload: payload,
			qos:     qos,
			retain:  retain,
		}
	}
}

// WithKeepAlive sets the default keep-alive interval in seconds, used when
// Connect is called with a zero keepalive.
func WithKeepAlive(seconds uint16) Option {
	return func(o *clientOptions) {
		o.keepAlive = seconds
	}
}

// WithConnectTimeout bounds dialing plus the CONNECT/CONNACK handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = d
	}
}

// WithWriteTimeout bounds every packet write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.writeTimeout = d
	}
}

// WithMaxPacketSize limits the remaining length of inbound packets.
// Zero accepts anything the wire format can express.
func WithMaxPacketSize(size uint32) Option {
	return func(o *clientOptions) {
		o.maxPacketSize = size
	}
}

// WithLogger sets the logger. Every entry is also mirrored to OnLog.
func WithLogger(logger Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *clientOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithDialer replaces the transport selected by WithTransport, WithTLSConfig
// and WithProxy. It is how a TLS-PSK capable stack is plugged in.
func WithDialer(d Dialer) Option {
	return func(o *clientOptions) {
		o.dialer = d
	}
}

// WithTransport selects the transport scheme: "tcp" (default), "tls", "ws",
// "wss", "quic" or "unix". For "unix" the Connect host is the socket path.
func WithTransport(scheme string) Option {
	return func(o *clientOptions) {
		o.transport = scheme
	}
}

// WithWebSocketPath sets the request path for ws and wss transports.
func WithWebSocketPath(path string) Option {
	return func(o *clientOptions) {
		o.wsPath = path
	}
}

// WithTLSConfig sets a ready-made TLS configuration, taking precedence over
// the TLS setters. It selects the tls transport unless another secure
// transport was chosen.
func WithTLSConfig(config *tls.Config) Option {
	return func(o *clientOptions) {
		o.tlsConfig = config
	}
}

// WithProxy routes TCP and TLS connections through an HTTP CONNECT or
// SOCKS5 proxy.
func WithProxy(cfg ProxyConfig) Option {
	return func(o *clientOptions) {
		o.proxy = &cfg
	}
}

// WithProxyFromEnvironment routes TCP and TLS connections through the proxy
// named by HTTP_PROXY, HTTPS_PROXY and NO_PROXY.
func WithProxyFromEnvironment() Option {
	return func(o *clientOptions) {
		o.proxyFromEnv = true
	}
}

// WithReconnectDelay sets the reconnect policy used by LoopForever.
func WithReconnectDelay(base, maxDelay time.Duration, exponential bool) Option {
	return func(o *clientOptions) {
		o.reconnectBase = base
		o.reconnectMax = maxDelay
		o.reconnectExponential = exponential
	}
}

// WithMaxInFlight limits the number of unacknowledged QoS 1/2 publishes.
// Zero means unlimited.
func WithMaxInFlight(n int) Option {
	return func(o *clientOptions) {
		o.maxInFlight = n
	}
}

// WithMessageRetry sets how long to wait for an acknowledgment before
// retransmitting. Zero disables retransmission within a connection.
func WithMessageRetry(d time.Duration) Option {
	return func(o *clientOptions) {
		o.messageRetry = d
	}
}

// WithProducerInterceptors sets interceptors applied to outgoing messages.
func WithProducerInterceptors(interceptors ...ProducerInterceptor) Option {
	return func(o *clientOptions) {
		o.producerInterceptors = interceptors
	}
}

// WithConsumerInterceptors sets interceptors applied to incoming messages.
func WithConsumerInterceptors(interceptors ...ConsumerInterceptor) Option {
	return func(o *clientOptions) {
		o.consumerInterceptors = interceptors
	}
}

// WithSleep replaces the function LoopForever waits with between reconnect
// attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *clientOptions) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}
