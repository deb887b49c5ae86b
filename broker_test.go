package mqtt311

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testBroker is a scripted in-process broker. It answers CONNECT with the
// configured CONNACK and, when autoAck is set, acknowledges everything the
// client sends.
type testBroker struct {
	t  *testing.T
	ln net.Listener

	mu             sync.Mutex
	code           ConnackCode
	sessionPresent bool
	autoAck        bool
	ignorePing     bool
	conns          []net.Conn
	writeMu        sync.Mutex

	connects chan *ConnectPacket
	received chan Packet
	accepted chan net.Conn
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	return startTestBroker(t, ln)
}

func startTestBroker(t *testing.T, ln net.Listener) *testBroker {
	b := &testBroker{
		t:        t,
		ln:       ln,
		autoAck:  true,
		connects: make(chan *ConnectPacket, 16),
		received: make(chan Packet, 256),
		accepted: make(chan net.Conn, 16),
	}

	go b.serve()
	t.Cleanup(b.Close)
	return b
}

func (b *testBroker) serve() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()
		go b.handle(conn)
	}
}

// Addr returns the host and port the broker listens on.
func (b *testBroker) Addr() (string, int) {
	host, port, err := net.SplitHostPort(b.ln.Addr().String())
	require.NoError(b.t, err)
	n, err := strconv.Atoi(port)
	require.NoError(b.t, err)
	return host, n
}

func (b *testBroker) Close() {
	_ = b.ln.Close()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		_ = c.Close()
	}
}

func (b *testBroker) set(fn func(b *testBroker)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *testBroker) write(conn net.Conn, pkt Packet) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_, _ = WritePacket(conn, pkt, 0)
}

func (b *testBroker) handle(conn net.Conn) {
	pkt, _, err := ReadPacket(conn, 0)
	if err != nil {
		_ = conn.Close()
		return
	}
	connect, ok := pkt.(*ConnectPacket)
	if !ok {
		_ = conn.Close()
		return
	}
	b.connects <- connect

	b.mu.Lock()
	code, present := b.code, b.sessionPresent
	b.mu.Unlock()

	b.write(conn, &ConnackPacket{ReturnCode: code, SessionPresent: present && code.Accepted()})
	if !code.Accepted() {
		_ = conn.Close()
		return
	}
	b.accepted <- conn

	for {
		pkt, _, err := ReadPacket(conn, 0)
		if err != nil {
			return
		}
		b.received <- pkt

		b.mu.Lock()
		autoAck, ignorePing := b.autoAck, b.ignorePing
		b.mu.Unlock()

		switch pkt.(type) {
		case *PingreqPacket:
			if !ignorePing {
				b.write(conn, &PingrespPacket{})
			}
		case *DisconnectPacket:
			_ = conn.Close()
			return
		}
		if autoAck {
			b.ack(conn, pkt)
		}
	}
}

func (b *testBroker) ack(conn net.Conn, pkt Packet) {
	switch p := pkt.(type) {
	case *PublishPacket:
		switch p.QoS {
		case 1:
			b.write(conn, &PubackPacket{PacketID: p.PacketID})
		case 2:
			b.write(conn, &PubrecPacket{PacketID: p.PacketID})
		}
	case *PubrelPacket:
		b.write(conn, &PubcompPacket{PacketID: p.PacketID})
	case *SubscribePacket:
		codes := make([]byte, len(p.Subscriptions))
		for i, s := range p.Subscriptions {
			codes[i] = s.QoS
		}
		b.write(conn, &SubackPacket{PacketID: p.PacketID, ReturnCodes: codes})
	case *UnsubscribePacket:
		b.write(conn, &UnsubackPacket{PacketID: p.PacketID})
	}
}

// expect waits for the next packet of type want, skipping others.
func (b *testBroker) expect(want PacketType) Packet {
	b.t.Helper()

	timeout := time.After(3 * time.Second)
	for {
		select {
		case pkt := <-b.received:
			if pkt.Type() == want {
				return pkt
			}
		case <-timeout:
			b.t.Fatalf("broker did not receive %s", want)
			return nil
		}
	}
}

func (b *testBroker) expectConnect() *ConnectPacket {
	b.t.Helper()

	select {
	case c := <-b.connects:
		return c
	case <-time.After(3 * time.Second):
		b.t.Fatal("broker did not receive CONNECT")
		return nil
	}
}

func (b *testBroker) expectConn() net.Conn {
	b.t.Helper()

	select {
	case c := <-b.accepted:
		return c
	case <-time.After(3 * time.Second):
		b.t.Fatal("broker did not accept a connection")
		return nil
	}
}

// connectTestClient connects c to b and returns the broker side of the connection.
func connectTestClient(t *testing.T, c *Client, b *testBroker) net.Conn {
	t.Helper()

	host, port := b.Addr()
	require.NoError(t, c.Connect(context.Background(), host, port, 0, ""))
	b.expectConnect()
	return b.expectConn()
}

// loopExpect drives the client loop until the broker receives a packet of type want.
func (b *testBroker) loopExpect(c *Client, want PacketType) Packet {
	b.t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case pkt := <-b.received:
			if pkt.Type() == want {
				return pkt
			}
		default:
			loopOnce(c)
		}
	}
	b.t.Fatalf("broker did not receive %s", want)
	return nil
}

// loopUntil runs Loop until cond holds.
func loopUntil(t *testing.T, c *Client, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		loopOnce(c)
	}
}

func loopOnce(c *Client) {
	if err := c.Loop(10 * time.Millisecond); errors.Is(err, ErrUsage) {
		time.Sleep(5 * time.Millisecond)
	}
}
