package mqtt311

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, clientID string, clean bool, opts ...Option) *Client {
	t.Helper()

	c, err := NewClient(clientID, clean, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func TestNewClient(t *testing.T) {
	t.Run("generated id", func(t *testing.T) {
		c, err := NewClient("", true)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(c.ClientID(), generatedIDPrefix))
		assert.Len(t, c.ClientID(), 23)

		other, err := NewClient("", true)
		require.NoError(t, err)
		assert.NotEqual(t, c.ClientID(), other.ClientID())
	})

	t.Run("initial state", func(t *testing.T) {
		c, err := NewClient("c1", false)
		require.NoError(t, err)
		assert.Equal(t, "c1", c.ClientID())
		assert.Equal(t, StateDisconnected, c.State())
		assert.False(t, c.IsConnected())
		assert.Zero(t, c.InFlight())
		assert.Zero(t, c.Queued())
	})

	tests := []struct {
		name     string
		clientID string
		clean    bool
		opts     []Option
		cause    error
	}{
		{"persistent session without id", "", false, nil, ErrClientIDRequired},
		{"id with null", "a\x00b", true, nil, ErrStringContainsNull},
		{"unknown transport", "c", true, []Option{WithTransport("carrier-pigeon")}, nil},
		{"password without username", "c", true, []Option{WithCredentials("", "secret")}, ErrPasswordWithoutUser},
		{"will with wildcard", "c", true, []Option{WithWill("a/#", nil, 0, false)}, ErrInvalidTopicName},
		{"will qos", "c", true, []Option{WithWill("a", nil, 3, false)}, ErrInvalidQoS},
		{"negative in-flight", "c", true, []Option{WithMaxInFlight(-1)}, nil},
		{"negative retry", "c", true, []Option{WithMessageRetry(-time.Second)}, nil},
		{"negative reconnect", "c", true, []Option{WithReconnectDelay(-time.Second, time.Second, false)}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.clientID, tt.clean, tt.opts...)
			require.ErrorIs(t, err, ErrConfig)
			if tt.cause != nil {
				assert.ErrorIs(t, err, tt.cause)
			}
			var cfgErr *ConfigError
			assert.True(t, errors.As(err, &cfgErr))
		})
	}
}

func TestClientRequiresConnection(t *testing.T) {
	c := newTestClient(t, "c1", true)

	_, err := c.Publish("a", nil, 0, false)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, err, ErrUsage)

	_, err = c.Subscribe("a", 0)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.Unsubscribe("a")
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.ErrorIs(t, c.Loop(0), ErrNotConnected)
	assert.ErrorIs(t, c.Disconnect(), ErrNotConnected)
	assert.ErrorIs(t, c.LoopForever(context.Background(), time.Millisecond), ErrUsage)
}

func TestClientOperationValidation(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, "c1", true)
	connectTestClient(t, c, b)

	_, err := c.Publish("a", nil, 3, false)
	assert.ErrorIs(t, err, ErrInvalidQoS)
	assert.ErrorIs(t, err, ErrUsage)

	_, err = c.Publish("a/+", nil, 0, false)
	assert.ErrorIs(t, err, ErrInvalidTopicName)

	_, err = c.Publish("", nil, 0, false)
	assert.ErrorIs(t, err, ErrEmptyTopic)

	_, err = c.Subscribe("a/#/b", 0)
	assert.ErrorIs(t, err, ErrInvalidTopicFilter)

	_, err = c.Subscribe("a", 3)
	assert.ErrorIs(t, err, ErrInvalidQoS)

	_, err = c.Unsubscribe("")
	assert.ErrorIs(t, err, ErrEmptyTopic)

	assert.True(t, c.IsConnected())
}

func TestClientConnectArguments(t *testing.T) {
	c := newTestClient(t, "c1", true)

	tests := []struct {
		name      string
		host      string
		port      int
		keepalive int
	}{
		{"empty host", "", 1883, 60},
		{"port too large", "localhost", 70000, 60},
		{"negative port", "localhost", -1, 60},
		{"keepalive too large", "localhost", 1883, 70000},
		{"negative keepalive", "localhost", 1883, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Connect(context.Background(), tt.host, tt.port, tt.keepalive, "")
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestClientConnectAccepted(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, "sensor-1", false)

	require.NoError(t, c.SetCredentials("user", "pass"))
	require.NoError(t, c.SetWill("status/sensor-1", []byte("gone"), 1, true))

	var codes []ConnackCode
	var texts []string
	c.OnConnect(func(code ConnackCode, text string) {
		codes = append(codes, code)
		texts = append(texts, text)
	})

	host, port := b.Addr()
	require.NoError(t, c.Connect(context.Background(), host, port, 0, ""))

	connect := b.expectConnect()
	assert.Equal(t, "sensor-1", connect.ClientID)
	assert.False(t, connect.CleanSession)
	assert.Equal(t, uint16(DefaultKeepAlive), connect.KeepAlive)
	assert.Equal(t, "user", connect.Username)
	assert.Equal(t, []byte("pass"), connect.Password)
	assert.True(t, connect.WillFlag)
	assert.Equal(t, "status/sensor-1", connect.WillTopic)
	assert.Equal(t, []byte("gone"), connect.WillPayload)
	assert.Equal(t, byte(1), connect.WillQoS)
	assert.True(t, connect.WillRetain)

	assert.Equal(t, []ConnackCode{ConnackAccepted}, codes)
	assert.Equal(t, []string{"Connection Accepted."}, texts)
	assert.True(t, c.IsConnected())

	err := c.Connect(context.Background(), host, port, 0, "")
	assert.ErrorIs(t, err, ErrAlreadyConnected)
	assert.ErrorIs(t, err, ErrUsage)

	setters := map[string]error{
		"credentials":  c.SetCredentials("other", ""),
		"will":         c.SetWill("a", nil, 0, false),
		"clear will":   c.ClearWill(),
		"certificates": c.SetTLSCertificates("", "", "", ""),
		"insecure":     c.SetTLSInsecure(true),
		"options":      c.SetTLSOptions(VerifyPeer, "tlsv1.2", ""),
		"psk":          c.SetTLSPSK("abcd", "id", ""),
	}
	for name, err := range setters {
		assert.ErrorIs(t, err, ErrHandshakeStarted, name)
		assert.ErrorIs(t, err, ErrUsage, name)
	}

	assert.NoError(t, c.SetReconnectDelay(time.Second, time.Minute, true))
	assert.NoError(t, c.SetMaxInFlightMessages(5))
	assert.NoError(t, c.SetMessageRetry(time.Second))
}

func TestClientConnectKeepAliveArgument(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, "c1", true, WithKeepAlive(15))

	host, port := b.Addr()
	require.NoError(t, c.Connect(context.Background(), host, port, 0, ""))
	assert.Equal(t, uint16(15), b.expectConnect().KeepAlive)
	require.NoError(t, c.Disconnect())

	require.NoError(t, c.Connect(context.Background(), host, port, 42, "127.0.0.1"))
	assert.Equal(t, uint16(42), b.expectConnect().KeepAlive)
}

func TestClientConnectRefused(t *testing.T) {
	tests := []struct {
		name string
		code ConnackCode
		text string
	}{
		{"protocol version", ConnackRefusedProtocolVersion, "Connection Refused: unacceptable protocol version."},
		{"identifier rejected", ConnackRefusedIdentifierRejected, "Connection Refused: identifier rejected."},
		{"broker unavailable", ConnackRefusedBrokerUnavailable, "Connection Refused: broker unavailable."},
		{"reserved", ConnackCode(5), "Connection Refused: unspecified reason."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBroker(t)
			b.set(func(b *testBroker) { b.code = tt.code })
			c := newTestClient(t, "c1", true)

			var gotCode ConnackCode
			var gotText string
			c.OnConnect(func(code ConnackCode, text string) {
				gotCode, gotText = code, text
			})

			host, port := b.Addr()
			err := c.Connect(context.Background(), host, port, 0, "")
			require.ErrorIs(t, err, ErrRefused)

			var refused *RefusedError
			require.True(t, errors.As(err, &refused))
			assert.Equal(t, tt.code, refused.Code)
			assert.Equal(t, tt.code, gotCode)
			assert.Equal(t, tt.text, gotText)
			assert.Equal(t, StateDisconnected, c.State())

			// settings may change again after a failed attempt
			assert.NoError(t, c.SetCredentials("user", ""))
		})
	}
}

func TestClientConnectNetworkError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	c := newTestClient(t, "c1", true, WithConnectTimeout(time.Second))

	var codes []ConnackCode
	var texts []string
	c.OnConnect(func(code ConnackCode, text string) {
		codes = append(codes, code)
		texts = append(texts, text)
	})

	var logs []string
	c.OnLog(func(level LogLevel, msg string) {
		if level == LogLevelError {
			logs = append(logs, msg)
		}
	})

	err = c.Connect(context.Background(), "127.0.0.1", addr.Port, 0, "")
	require.ErrorIs(t, err, ErrNetwork)

	var netErr *NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.Equal(t, "dial", netErr.Op)
	assert.Equal(t, StateDisconnected, c.State())
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0], "connect failed")

	assert.Equal(t, []ConnackCode{ConnackUnreachable}, codes)
	assert.Equal(t, []string{"Connection Failed: broker unreachable."}, texts)
}

func TestClientConnectProtocolError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = ReadPacket(conn, 0)
		_, _ = WritePacket(conn, &PingrespPacket{}, 0)
		time.Sleep(100 * time.Millisecond)
	}()

	c := newTestClient(t, "c1", true)
	addr := ln.Addr().(*net.TCPAddr)
	err = c.Connect(context.Background(), "127.0.0.1", addr.Port, 0, "")
	assert.ErrorIs(t, err, ErrProtocol)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestClientPSKRequiresDialer(t *testing.T) {
	c := newTestClient(t, "c1", true)
	require.NoError(t, c.SetTLSPSK("0a0b0c", "device-7", ""))

	key, identity, ok := c.TLSPSK()
	require.True(t, ok)
	assert.Equal(t, []byte{0x0a, 0x0b, 0x0c}, key)
	assert.Equal(t, "device-7", identity)

	err := c.Connect(context.Background(), "127.0.0.1", 8883, 0, "")
	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, ErrPSKUnsupported)
}

func TestClientPublish(t *testing.T) {
	for _, qos := range []byte{0, 1, 2} {
		t.Run("qos"+string('0'+qos), func(t *testing.T) {
			b := newTestBroker(t)
			metrics := NewMemoryMetrics()
			c := newTestClient(t, "c1", true, WithMetrics(metrics))
			connectTestClient(t, c, b)

			var published []uint16
			c.OnPublish(func(mid uint16) { published = append(published, mid) })

			mid, err := c.Publish("sensors/temp", []byte("21.5"), qos, true)
			require.NoError(t, err)
			assert.NotZero(t, mid)

			pkt := b.expect(PacketPUBLISH).(*PublishPacket)
			assert.Equal(t, "sensors/temp", pkt.Topic)
			assert.Equal(t, []byte("21.5"), pkt.Payload)
			assert.Equal(t, qos, pkt.QoS)
			assert.True(t, pkt.Retain)
			assert.False(t, pkt.DUP)

			if qos == 2 {
				rel := b.loopExpect(c, PacketPUBREL).(*PubrelPacket)
				assert.Equal(t, pkt.PacketID, rel.PacketID)
			}

			loopUntil(t, c, func() bool { return len(published) == 1 })
			assert.Equal(t, []uint16{mid}, published)
			assert.Zero(t, c.InFlight())
			assert.Equal(t, 1.0, metrics.CounterValue(MetricPacketsSent, MetricLabels{LabelPacketType: "PUBLISH"}))
		})
	}
}

func TestClientPublishQoS0(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, "c1", true)
	connectTestClient(t, c, b)

	var published []uint16
	c.OnPublish(func(mid uint16) { published = append(published, mid) })

	var mid uint16
	var err error
	require.NotPanics(t, func() { mid, err = c.Publish("a/b", []byte("x"), 0, false) })
	require.NoError(t, err)

	pkt := b.expect(PacketPUBLISH).(*PublishPacket)
	assert.Equal(t, &PublishPacket{Topic: "a/b", Payload: []byte("x")}, pkt)

	require.NoError(t, c.Loop(20*time.Millisecond))
	assert.Equal(t, []uint16{mid}, published, "publish callback fires once")
	assert.Zero(t, c.InFlight())
	assert.Zero(t, c.Queued())
}

func TestClientPublishIDsUnique(t *testing.T) {
	b := newTestBroker(t)
	b.set(func(b *testBroker) { b.autoAck = false })
	c := newTestClient(t, "c1", true)
	connectTestClient(t, c, b)

	seen := make(map[uint16]bool)
	for i := range 20 {
		mid, err := c.Publish("a", nil, byte(i%3), false)
		require.NoError(t, err)
		assert.False(t, seen[mid], "mid %d reused", mid)
		seen[mid] = true
	}
}

func TestClientSubscribeUnsubscribe(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, "c1", true)
	connectTestClient(t, c, b)

	type subscribed struct {
		mid     uint16
		granted int
	}
	var subs []subscribed
	var unsubs []uint16
	c.OnSubscribe(func(mid uint16, granted int) { subs = append(subs, subscribed{mid, granted}) })
	c.OnUnsubscribe(func(mid uint16) { unsubs = append(unsubs, mid) })

	mid, err := c.Subscribe("sensors/+/temp", 1)
	require.NoError(t, err)

	sub := b.expect(PacketSUBSCRIBE).(*SubscribePacket)
	assert.Equal(t, mid, sub.PacketID)
	assert.Equal(t, []Subscription{{TopicFilter: "sensors/+/temp", QoS: 1}}, sub.Subscriptions)

	loopUntil(t, c, func() bool { return len(subs) == 1 })
	assert.Equal(t, subscribed{mid, 1}, subs[0])

	umid, err := c.Unsubscribe("sensors/+/temp")
	require.NoError(t, err)
	assert.NotEqual(t, mid, umid)

	unsub := b.expect(PacketUNSUBSCRIBE).(*UnsubscribePacket)
	assert.Equal(t, []string{"sensors/+/temp"}, unsub.TopicFilters)

	loopUntil(t, c, func() bool { return len(unsubs) == 1 })
	assert.Equal(t, umid, unsubs[0])
}

func TestClientInboundMessages(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, "c1", true)
	conn := connectTestClient(t, c, b)

	var msgs []*Message
	c.OnMessage(func(msg *Message) { msgs = append(msgs, msg) })

	b.write(conn, &PublishPacket{Topic: "a/0", Payload: []byte("zero")})
	b.write(conn, &PublishPacket{Topic: "a/1", Payload: []byte("one"), QoS: 1, PacketID: 10, Retain: true})

	ack := b.loopExpect(c, PacketPUBACK).(*PubackPacket)
	assert.Equal(t, uint16(10), ack.PacketID)

	loopUntil(t, c, func() bool { return len(msgs) == 2 })
	assert.Equal(t, &Message{Topic: "a/0", Payload: []byte("zero")}, msgs[0])
	assert.Equal(t, &Message{Topic: "a/1", Payload: []byte("one"), ID: 10, QoS: 1, Retain: true}, msgs[1])
}

func TestClientInboundQoS2Once(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, "c1", true)
	conn := connectTestClient(t, c, b)

	var msgs []*Message
	c.OnMessage(func(msg *Message) { msgs = append(msgs, msg) })

	b.write(conn, &PublishPacket{Topic: "t", Payload: []byte("x"), QoS: 2, PacketID: 11})
	rec := b.loopExpect(c, PacketPUBREC).(*PubrecPacket)
	assert.Equal(t, uint16(11), rec.PacketID)

	b.write(conn, &PublishPacket{Topic: "t", Payload: []byte("x"), QoS: 2, PacketID: 11, DUP: true})
	b.loopExpect(c, PacketPUBREC)
	assert.Len(t, msgs, 1, "duplicate before PUBREL is not delivered")

	b.write(conn, &PubrelPacket{PacketID: 11})
	comp := b.loopExpect(c, PacketPUBCOMP).(*PubcompPacket)
	assert.Equal(t, uint16(11), comp.PacketID)

	// the identifier may be reused after PUBCOMP
	b.write(conn, &PublishPacket{Topic: "t", Payload: []byte("y"), QoS: 2, PacketID: 11})
	b.loopExpect(c, PacketPUBREC)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("y"), msgs[1].Payload)
}

func TestClientMaxInFlight(t *testing.T) {
	b := newTestBroker(t)
	b.set(func(b *testBroker) { b.autoAck = false })

	var notices []string
	c := newTestClient(t, "c1", true, WithMaxInFlight(1))
	c.OnLog(func(level LogLevel, msg string) {
		if level == LogLevelNotice {
			notices = append(notices, msg)
		}
	})
	conn := connectTestClient(t, c, b)

	var published []uint16
	c.OnPublish(func(mid uint16) { published = append(published, mid) })

	var mids []uint16
	for range 3 {
		mid, err := c.Publish("a", []byte("x"), 1, false)
		require.NoError(t, err)
		mids = append(mids, mid)
	}

	first := b.expect(PacketPUBLISH).(*PublishPacket)
	assert.Equal(t, mids[0], first.PacketID)
	assert.Equal(t, 1, c.InFlight())
	assert.Equal(t, 2, c.Queued())
	require.Len(t, notices, 1, "window notice is rate limited")
	assert.Contains(t, notices[0], "in-flight window full")

	b.write(conn, &PubackPacket{PacketID: mids[0]})
	second := b.loopExpect(c, PacketPUBLISH).(*PublishPacket)
	assert.Equal(t, mids[1], second.PacketID)
	assert.Equal(t, []uint16{mids[0]}, published)
	assert.Equal(t, 1, c.Queued())

	require.NoError(t, c.SetMaxInFlightMessages(0))
	third := b.loopExpect(c, PacketPUBLISH).(*PublishPacket)
	assert.Equal(t, mids[2], third.PacketID)
	assert.Zero(t, c.Queued())
}

func TestClientRetransmit(t *testing.T) {
	b := newTestBroker(t)
	b.set(func(b *testBroker) { b.autoAck = false })
	metrics := NewMemoryMetrics()
	c := newTestClient(t, "c1", true, WithMessageRetry(50*time.Millisecond), WithMetrics(metrics))
	conn := connectTestClient(t, c, b)

	mid, err := c.Publish("a", []byte("x"), 2, false)
	require.NoError(t, err)
	assert.False(t, b.expect(PacketPUBLISH).(*PublishPacket).DUP)

	retry := b.loopExpect(c, PacketPUBLISH).(*PublishPacket)
	assert.True(t, retry.DUP)
	assert.Equal(t, mid, retry.PacketID)

	b.write(conn, &PubrecPacket{PacketID: mid})
	b.loopExpect(c, PacketPUBREL)

	rel := b.loopExpect(c, PacketPUBREL).(*PubrelPacket)
	assert.Equal(t, mid, rel.PacketID, "PUBREL is retransmitted too")
	assert.GreaterOrEqual(t, metrics.CounterValue(MetricRetransmits, nil), 2.0)
}

func TestClientUnknownPubrecAnswered(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, "c1", true)
	conn := connectTestClient(t, c, b)

	b.write(conn, &PubrecPacket{PacketID: 999})
	rel := b.loopExpect(c, PacketPUBREL).(*PubrelPacket)
	assert.Equal(t, uint16(999), rel.PacketID)
	assert.True(t, c.IsConnected())
}

func TestClientKeepAlive(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, "c1", true)

	host, port := b.Addr()
	require.NoError(t, c.Connect(context.Background(), host, port, 1, ""))

	b.loopExpect(c, PacketPINGREQ)
	loopUntil(t, c, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.keepAlive.PingPending()
	})
	assert.True(t, c.IsConnected())
}

func TestClientKeepAliveTimeout(t *testing.T) {
	b := newTestBroker(t)
	b.set(func(b *testBroker) { b.ignorePing = true })
	c := newTestClient(t, "c1", true)

	var reasons []DisconnectReason
	c.OnDisconnect(func(reason DisconnectReason) { reasons = append(reasons, reason) })

	host, port := b.Addr()
	require.NoError(t, c.Connect(context.Background(), host, port, 1, ""))

	loopUntil(t, c, func() bool { return len(reasons) > 0 })
	assert.Equal(t, []DisconnectReason{DisconnectKeepAliveTimeout}, reasons)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClientDisconnect(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, "c1", true)
	connectTestClient(t, c, b)

	var reasons []DisconnectReason
	c.OnDisconnect(func(reason DisconnectReason) { reasons = append(reasons, reason) })

	require.NoError(t, c.Disconnect())
	b.expect(PacketDISCONNECT)

	assert.Equal(t, []DisconnectReason{DisconnectRequested}, reasons)
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Disconnect(), ErrNotConnected)
	assert.Len(t, reasons, 1)
}

func TestClientConnectionLost(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, "c1", true)
	conn := connectTestClient(t, c, b)

	var reasons []DisconnectReason
	c.OnDisconnect(func(reason DisconnectReason) { reasons = append(reasons, reason) })

	require.NoError(t, conn.Close())
	loopUntil(t, c, func() bool { return len(reasons) > 0 })

	assert.Equal(t, []DisconnectReason{DisconnectConnectionLost}, reasons)
	assert.False(t, c.IsConnected())
}

func TestClientProtocolViolation(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"unexpected connack", []byte{0x20, 0x02, 0x00, 0x00}},
		{"subscribe from broker", []byte{0x82, 0x06, 0x00, 0x01, 0x00, 0x01, 'a', 0x00}},
		{"reserved packet type", []byte{0xF0, 0x00}},
		{"malformed pubrel", []byte{0x60, 0x02, 0x00, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBroker(t)
			c := newTestClient(t, "c1", true)
			conn := connectTestClient(t, c, b)

			var reasons []DisconnectReason
			c.OnDisconnect(func(reason DisconnectReason) { reasons = append(reasons, reason) })

			_, err := conn.Write(tt.data)
			require.NoError(t, err)

			loopUntil(t, c, func() bool { return len(reasons) > 0 })
			assert.Equal(t, []DisconnectReason{DisconnectProtocolError}, reasons)
		})
	}
}

func TestClientPartialPackets(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, "c1", true)
	conn := connectTestClient(t, c, b)

	var msgs []*Message
	c.OnMessage(func(msg *Message) { msgs = append(msgs, msg) })

	encoded, err := AppendPacket(nil, &PublishPacket{Topic: "split", Payload: []byte("payload")}, 0)
	require.NoError(t, err)

	for _, chunk := range [][]byte{encoded[:1], encoded[1:5], encoded[5:]} {
		_, err := conn.Write(chunk)
		require.NoError(t, err)
		_ = c.Loop(20 * time.Millisecond)
	}

	loopUntil(t, c, func() bool { return len(msgs) == 1 })
	assert.Equal(t, "split", msgs[0].Topic)
}

func TestClientSessionResume(t *testing.T) {
	b := newTestBroker(t)
	b.set(func(b *testBroker) { b.autoAck = false })
	c := newTestClient(t, "persistent", false)
	conn := connectTestClient(t, c, b)

	mid, err := c.Publish("a", []byte("x"), 1, false)
	require.NoError(t, err)
	b.expect(PacketPUBLISH)

	require.NoError(t, conn.Close())
	loopUntil(t, c, func() bool { return !c.IsConnected() })
	assert.Equal(t, 1, c.InFlight(), "persistent session keeps in-flight messages")

	connectTestClient(t, c, b)
	resent := b.expect(PacketPUBLISH).(*PublishPacket)
	assert.Equal(t, mid, resent.PacketID)
	assert.True(t, resent.DUP)
}

func TestClientCleanSessionDiscards(t *testing.T) {
	b := newTestBroker(t)
	b.set(func(b *testBroker) { b.autoAck = false })
	c := newTestClient(t, "c1", true)
	conn := connectTestClient(t, c, b)

	_, err := c.Publish("a", []byte("x"), 1, false)
	require.NoError(t, err)
	assert.Equal(t, 1, c.InFlight())

	require.NoError(t, conn.Close())
	loopUntil(t, c, func() bool { return !c.IsConnected() })
	assert.Zero(t, c.InFlight())
}

func TestClientCallbacksReenter(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, "c1", true)

	var subscribeErr error
	c.OnConnect(func(code ConnackCode, _ string) {
		if code.Accepted() {
			_, subscribeErr = c.Subscribe("cmd/#", 1)
		}
	})

	var replies int
	c.OnMessage(func(msg *Message) {
		_, _ = c.Publish("reply/"+msg.Topic, msg.Payload, 0, false)
		replies++
	})

	conn := connectTestClient(t, c, b)
	require.NoError(t, subscribeErr)
	b.expect(PacketSUBSCRIBE)

	b.write(conn, &PublishPacket{Topic: "cmd/go", Payload: []byte("1")})
	reply := b.loopExpect(c, PacketPUBLISH).(*PublishPacket)
	assert.Equal(t, "reply/cmd/go", reply.Topic)
	assert.Equal(t, 1, replies)
}

func TestClientCallbackPanic(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, "c1", true)
	conn := connectTestClient(t, c, b)

	var logs []string
	c.OnLog(func(level LogLevel, msg string) {
		if level == LogLevelError {
			logs = append(logs, msg)
		}
	})
	c.OnMessage(func(*Message) { panic("handler bug") })

	b.write(conn, &PublishPacket{Topic: "a", QoS: 1, PacketID: 3})
	b.loopExpect(c, PacketPUBACK)
	loopUntil(t, c, func() bool { return len(logs) > 0 })

	assert.Contains(t, logs[0], "callback panic")
	assert.Contains(t, logs[0], "handler bug")
	assert.True(t, c.IsConnected())
}

func TestClientCallbackReplacement(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, "c1", true)
	conn := connectTestClient(t, c, b)

	var first, second int
	c.OnMessage(func(*Message) { first++ })
	c.OnMessage(func(*Message) { second++ })

	b.write(conn, &PublishPacket{Topic: "a"})
	loopUntil(t, c, func() bool { return second == 1 })
	assert.Zero(t, first)

	c.OnMessage(nil)
	b.write(conn, &PublishPacket{Topic: "a", QoS: 1, PacketID: 4})
	b.loopExpect(c, PacketPUBACK)
	assert.Equal(t, 1, second)
}

func TestClientLogMirror(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, "c1", true)

	type entry struct {
		level LogLevel
		msg   string
	}
	var entries []entry
	c.OnLog(func(level LogLevel, msg string) { entries = append(entries, entry{level, msg}) })

	connectTestClient(t, c, b)

	require.NotEmpty(t, entries)
	assert.Equal(t, LogLevelInfo, entries[len(entries)-1].level)
	assert.True(t, strings.HasPrefix(entries[len(entries)-1].msg, "connected"))
}

func TestClientInterceptors(t *testing.T) {
	b := newTestBroker(t)

	tag := ProducerInterceptorFunc(func(msg *Message) *Message {
		msg.Topic = "tagged/" + msg.Topic
		return msg
	})
	dropSecret := ProducerInterceptorFunc(func(msg *Message) *Message {
		if strings.Contains(msg.Topic, "secret") {
			return nil
		}
		return msg
	})
	hideDebug := ConsumerInterceptorFunc(func(msg *Message) *Message {
		if strings.HasPrefix(msg.Topic, "debug/") {
			return nil
		}
		return msg
	})

	c := newTestClient(t, "c1", true,
		WithProducerInterceptors(dropSecret, tag),
		WithConsumerInterceptors(hideDebug),
	)
	conn := connectTestClient(t, c, b)

	var topics []string
	c.OnMessage(func(msg *Message) { topics = append(topics, msg.Topic) })

	_, err := c.Publish("secret/key", nil, 0, false)
	assert.ErrorIs(t, err, ErrMessageDropped)

	_, err = c.Publish("plain", nil, 0, false)
	require.NoError(t, err)
	assert.Equal(t, "tagged/plain", b.expect(PacketPUBLISH).(*PublishPacket).Topic)

	b.write(conn, &PublishPacket{Topic: "debug/x", QoS: 1, PacketID: 1})
	b.write(conn, &PublishPacket{Topic: "app/x", QoS: 1, PacketID: 2})
	b.loopExpect(c, PacketPUBACK)
	b.loopExpect(c, PacketPUBACK)

	loopUntil(t, c, func() bool { return len(topics) == 1 })
	assert.Equal(t, []string{"app/x"}, topics)
}

func TestLoopForeverExitFromCallback(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, "c1", true)
	conn := connectTestClient(t, c, b)

	c.OnMessage(func(*Message) { c.ExitLoop() })

	done := make(chan error, 1)
	go func() { done <- c.LoopForever(context.Background(), 50*time.Millisecond) }()

	b.write(conn, &PublishPacket{Topic: "stop"})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("LoopForever did not return")
	}
	assert.True(t, c.IsConnected())
}

func TestLoopForeverContext(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, "c1", true)
	connectTestClient(t, c, b)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := c.LoopForever(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoopForeverReturnsAfterDisconnect(t *testing.T) {
	b := newTestBroker(t)
	c := newTestClient(t, "c1", true)
	connectTestClient(t, c, b)

	c.OnMessage(func(*Message) {})
	done := make(chan error, 1)
	go func() { done <- c.LoopForever(context.Background(), 20*time.Millisecond) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Disconnect())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("LoopForever did not return")
	}
}

func TestLoopForeverReconnects(t *testing.T) {
	b := newTestBroker(t)

	var mu sync.Mutex
	var delays []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, d)
		if len(delays) == 2 {
			b.set(func(b *testBroker) { b.code = ConnackAccepted })
		}
		return ctx.Err()
	}

	metrics := NewMemoryMetrics()
	c := newTestClient(t, "c1", true,
		WithSleep(sleep),
		WithReconnectDelay(time.Second, 30*time.Second, true),
		WithMetrics(metrics),
	)

	codes := make(chan ConnackCode, 8)
	reasons := make(chan DisconnectReason, 8)
	c.OnConnect(func(code ConnackCode, _ string) { codes <- code })
	c.OnDisconnect(func(reason DisconnectReason) { reasons <- reason })

	conn := connectTestClient(t, c, b)
	assert.Equal(t, ConnackAccepted, <-codes)

	done := make(chan error, 1)
	go func() { done <- c.LoopForever(context.Background(), 20*time.Millisecond) }()

	b.set(func(b *testBroker) { b.code = ConnackRefusedBrokerUnavailable })
	require.NoError(t, conn.Close())

	assert.Equal(t, DisconnectConnectionLost, <-reasons)

	expected := []ConnackCode{ConnackRefusedBrokerUnavailable, ConnackAccepted}
	for _, want := range expected {
		select {
		case code := <-codes:
			assert.Equal(t, want, code)
		case <-time.After(3 * time.Second):
			t.Fatalf("no CONNACK %d", want)
		}
	}
	b.expectConn()

	c.ExitLoop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("LoopForever did not return")
	}

	mu.Lock()
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
	mu.Unlock()
	assert.Equal(t, 2.0, metrics.CounterValue(MetricReconnects, nil))
	assert.True(t, c.IsConnected())
}
