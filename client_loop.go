package mqtt311

import (
	"context"
	"errors"
	"net"
	"os"
	"time"
)

const minLoopWait = time.Millisecond

// ExitLoop asks a running LoopForever to return once the current Loop pass
// is complete. It is safe to call from any goroutine, including callbacks.
func (c *Client) ExitLoop() {
	c.exit.Store(true)
}

// Loop runs one pass of the network loop: it sends due keep-alive pings,
// retransmissions and queued publishes, waits up to timeout for inbound
// data, then decodes and dispatches every complete packet in arrival order.
// A zero timeout returns as soon as the transport has nothing to offer.
//
// Callbacks run inside Loop, after the client lock is released. Only
// connection-ending failures are returned.
func (c *Client) Loop(timeout time.Duration) error {
	d := c.lock()
	if c.state != StateConnected {
		c.unlock(d)
		return NewUsageError("loop", ErrNotConnected)
	}

	if err := c.service(d); err != nil {
		c.unlock(d)
		return err
	}

	conn := c.conn
	wait := c.loopWait(timeout)
	c.unlock(d)

	_ = conn.SetReadDeadline(time.Now().Add(wait))
	n, readErr := conn.Read(c.readBuf)

	d = c.lock()
	defer c.unlock(d)

	if c.conn != conn {
		// disconnected while reading
		return nil
	}

	if n > 0 {
		c.inbuf = append(c.inbuf, c.readBuf[:n]...)
		if err := c.processInbound(d); err != nil {
			return err
		}
	}

	if readErr != nil && !isTimeout(readErr) {
		return c.drop(d, DisconnectConnectionLost, NewNetworkError("read", c.address(), errors.Join(ErrConnectionLost, readErr)))
	}

	return nil
}

// loopWait bounds the read wait by the next keep-alive and retry deadlines.
func (c *Client) loopWait(timeout time.Duration) time.Duration {
	wait := timeout
	if until, ok := c.keepAlive.Until(); ok && until < wait {
		wait = until
	}
	if next, ok := c.engine.NextRetry(); ok && next < wait {
		wait = next
	}
	if wait < minLoopWait {
		wait = minLoopWait
	}
	return wait
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// LoopForever calls Loop until ExitLoop is requested, Disconnect is called
// or ctx is done. After an unexpected disconnect it reconnects using the
// reconnect delay policy.
func (c *Client) LoopForever(ctx context.Context, timeout time.Duration) error {
	defer c.exit.Store(false)

	first := true
	for {
		if c.exit.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.Loop(timeout)
		if err == nil {
			first = false
			continue
		}

		if !c.connectionLost() {
			if first {
				return err
			}
			return nil
		}
		first = false

		if err := c.reconnectLoop(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) connectionLost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost && c.state == StateDisconnected
}

// reconnectLoop waits and reconnects until a connection is accepted. It
// returns nil without reconnecting when ExitLoop or Disconnect intervene.
func (c *Client) reconnectLoop(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		d := c.lock()
		if !c.lost || c.state != StateDisconnected || c.exit.Load() {
			c.unlock(d)
			return nil
		}
		delay := c.reconnect.Next()
		c.log(d, LogLevelInfo, "reconnecting", LogFields{
			LogFieldAttempt:  attempt,
			LogFieldDuration: delay.String(),
		})
		c.unlock(d)

		if err := c.options.sleep(ctx, delay); err != nil {
			return err
		}

		d = c.lock()
		if !c.lost || c.state != StateDisconnected || c.exit.Load() {
			c.unlock(d)
			return nil
		}

		c.metrics.Reconnect()
		err := c.connect(ctx, d)
		if err == nil {
			c.reconnect.Reset()
		}
		c.unlock(d)

		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConfig) || errors.Is(err, ErrPSKUnsupported) {
			return err
		}
	}
}

// service sends queued publishes, retransmissions and keep-alive pings.
// Caller holds mu.
func (c *Client) service(d *dispatch) error {
	if err := c.flushAdmitted(d); err != nil {
		return err
	}

	for _, msg := range c.engine.DueRetries() {
		c.metrics.Retransmit()
		c.log(d, LogLevelDebug, "retransmitting", LogFields{
			LogFieldPacketID: msg.ID,
			"stage":          msg.Stage.String(),
			LogFieldAttempt:  msg.RetryCount,
		})
		if err := c.writePacket(d, msg.Packet(true)); err != nil {
			return err
		}
	}

	switch c.keepAlive.Check() {
	case KeepAliveSendPing:
		if err := c.writePacket(d, &PingreqPacket{}); err != nil {
			return err
		}
		c.keepAlive.PingSent()
	case KeepAliveExpired:
		return c.drop(d, DisconnectKeepAliveTimeout, NewNetworkError("keepalive", c.address(), ErrKeepAliveTimeout))
	}

	return nil
}

// flushAdmitted transmits publishes admitted from the queue. Caller holds mu.
func (c *Client) flushAdmitted(d *dispatch) error {
	admitted := c.engine.Admit()
	for _, msg := range admitted {
		if err := c.writePacket(d, msg.Packet(false)); err != nil {
			return err
		}
	}
	if len(admitted) > 0 {
		c.metrics.Window(c.engine.InFlight(), c.engine.Queued())
	}
	return nil
}

// processInbound decodes and handles every complete packet buffered so far.
// Caller holds mu.
func (c *Client) processInbound(d *dispatch) error {
	off := 0
	defer func() {
		if c.state == StateConnected {
			c.inbuf = c.inbuf[:copy(c.inbuf, c.inbuf[off:])]
		}
	}()

	for c.state == StateConnected {
		pkt, n, err := DecodePacket(c.inbuf[off:], c.options.maxPacketSize)
		if err != nil {
			return c.drop(d, DisconnectProtocolError, NewProtocolError(PacketType(c.inbuf[off]>>4), err))
		}
		if pkt == nil {
			break
		}
		off += n
		c.metrics.PacketReceived(pkt.Type(), n)

		if err := c.handlePacket(d, pkt); err != nil {
			return err
		}
	}

	return c.flushAdmitted(d)
}

// handlePacket routes one inbound packet. Caller holds mu.
func (c *Client) handlePacket(d *dispatch, pkt Packet) error {
	switch p := pkt.(type) {
	case *PublishPacket:
		return c.handlePublish(d, p)

	case *PubackPacket:
		if _, ok := c.engine.HandlePuback(p.PacketID); ok {
			c.emitPublish(d, p.PacketID)
		} else {
			c.logUnexpected(d, p.Type(), p.PacketID)
		}

	case *PubrecPacket:
		if _, ok := c.engine.HandlePubrec(p.PacketID); !ok {
			c.logUnexpected(d, p.Type(), p.PacketID)
		}
		return c.writePacket(d, &PubrelPacket{PacketID: p.PacketID})

	case *PubrelPacket:
		c.engine.ReleaseQoS2(p.PacketID)
		return c.writePacket(d, &PubcompPacket{PacketID: p.PacketID})

	case *PubcompPacket:
		if _, ok := c.engine.HandlePubcomp(p.PacketID); ok {
			c.emitPublish(d, p.PacketID)
		} else {
			c.logUnexpected(d, p.Type(), p.PacketID)
		}

	case *SubackPacket:
		if _, ok := c.engine.HandleSuback(p.PacketID); ok {
			c.emitSubscribe(d, p.PacketID, p.GrantedCount())
		} else {
			c.logUnexpected(d, p.Type(), p.PacketID)
		}

	case *UnsubackPacket:
		if _, ok := c.engine.HandleUnsuback(p.PacketID); ok {
			c.emitUnsubscribe(d, p.PacketID)
		} else {
			c.logUnexpected(d, p.Type(), p.PacketID)
		}

	case *PingrespPacket:
		c.keepAlive.PingResponse()

	default:
		return c.drop(d, DisconnectProtocolError, NewProtocolError(pkt.Type(), ErrProtocolViolation))
	}

	c.metrics.Window(c.engine.InFlight(), c.engine.Queued())
	return nil
}

func (c *Client) logUnexpected(d *dispatch, t PacketType, id uint16) {
	c.log(d, LogLevelDebug, "ignoring acknowledgment for unknown exchange", LogFields{
		LogFieldPacketType: t.String(),
		LogFieldPacketID:   id,
	})
}

// handlePublish delivers an inbound message and runs its acknowledgment
// flow. A QoS 2 message is delivered once per identifier until PUBREL.
func (c *Client) handlePublish(d *dispatch, p *PublishPacket) error {
	switch p.QoS {
	case 0:
		c.deliver(d, p)
		return nil

	case 1:
		c.deliver(d, p)
		return c.writePacket(d, &PubackPacket{PacketID: p.PacketID})

	default:
		if c.engine.ReceiveQoS2(p.PacketID) {
			c.deliver(d, p)
		} else {
			c.log(d, LogLevelDebug, "duplicate QoS 2 publish", LogFields{
				LogFieldPacketID: p.PacketID,
				LogFieldTopic:    p.Topic,
			})
		}
		return c.writePacket(d, &PubrecPacket{PacketID: p.PacketID})
	}
}

func (c *Client) deliver(d *dispatch, p *PublishPacket) {
	c.metrics.MessageDelivered(p.QoS)
	c.emitMessage(d, p.ToMessage())
}
