package mqtt311

import (
	"fmt"
	"slices"
	"strings"
)

// handlers holds the callback slots. Each slot has at most one handler;
// registering again replaces it and nil clears it.
type handlers struct {
	onConnect     func(code ConnackCode, text string)
	onDisconnect  func(reason DisconnectReason)
	onLog         func(level LogLevel, msg string)
	onSubscribe   func(mid uint16, grantedCount int)
	onUnsubscribe func(mid uint16)
	onMessage     func(msg *Message)
	onPublish     func(mid uint16)
}

// OnConnect sets the handler called for every CONNACK, accepted or refused.
func (c *Client) OnConnect(fn func(code ConnackCode, text string)) {
	c.mu.Lock()
	c.handlers.onConnect = fn
	c.mu.Unlock()
}

// OnDisconnect sets the handler called when the connection ends. Reason
// DisconnectRequested follows a call to Disconnect; any other reason is
// unexpected.
func (c *Client) OnDisconnect(fn func(reason DisconnectReason)) {
	c.mu.Lock()
	c.handlers.onDisconnect = fn
	c.mu.Unlock()
}

// OnLog sets the handler receiving every log entry of the client.
func (c *Client) OnLog(fn func(level LogLevel, msg string)) {
	c.mu.Lock()
	c.handlers.onLog = fn
	c.mu.Unlock()
}

// OnSubscribe sets the handler called when a SUBACK arrives. grantedCount
// is the number of return codes in the SUBACK.
func (c *Client) OnSubscribe(fn func(mid uint16, grantedCount int)) {
	c.mu.Lock()
	c.handlers.onSubscribe = fn
	c.mu.Unlock()
}

// OnUnsubscribe sets the handler called when an UNSUBACK arrives.
func (c *Client) OnUnsubscribe(fn func(mid uint16)) {
	c.mu.Lock()
	c.handlers.onUnsubscribe = fn
	c.mu.Unlock()
}

// OnMessage sets the handler receiving inbound messages.
func (c *Client) OnMessage(fn func(msg *Message)) {
	c.mu.Lock()
	c.handlers.onMessage = fn
	c.mu.Unlock()
}

// OnPublish sets the handler called when a publish completes: once the
// packet is written for QoS 0, on PUBACK for QoS 1 and on PUBCOMP for QoS 2.
// It may run before Publish returns.
func (c *Client) OnPublish(fn func(mid uint16)) {
	c.mu.Lock()
	c.handlers.onPublish = fn
	c.mu.Unlock()
}

type callback struct {
	name string
	fn   func()
}

// dispatch collects callbacks while the client lock is held. They run in
// collection order once the lock is released, so handlers may call back
// into the client.
type dispatch struct {
	calls []callback
}

func (d *dispatch) add(name string, fn func()) {
	d.calls = append(d.calls, callback{name: name, fn: fn})
}

func (c *Client) lock() *dispatch {
	c.mu.Lock()
	return &dispatch{}
}

func (c *Client) unlock(d *dispatch) {
	onLog := c.handlers.onLog
	c.mu.Unlock()

	for _, cb := range d.calls {
		c.invoke(cb, onLog)
	}
}

// invoke runs one callback. A panic is logged and the loop carries on.
func (c *Client) invoke(cb callback, onLog func(LogLevel, string)) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		fields := LogFields{"callback": cb.name, "panic": r}
		c.logger.Error("callback panic", fields)
		if onLog != nil && cb.name != "log" {
			func() {
				defer func() { _ = recover() }()
				onLog(LogLevelError, formatLogEntry("callback panic", fields))
			}()
		}
	}()

	cb.fn()
}

// log writes to the configured logger and queues the entry for OnLog.
func (c *Client) log(d *dispatch, level LogLevel, msg string, fields LogFields) {
	logAt(c.logger, level, msg, fields)

	if h := c.handlers.onLog; h != nil {
		text := formatLogEntry(msg, fields)
		d.add("log", func() { h(level, text) })
	}
}

func formatLogEntry(msg string, fields LogFields) string {
	if len(fields) == 0 {
		return msg
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

func (c *Client) emitConnect(d *dispatch, code ConnackCode) {
	if h := c.handlers.onConnect; h != nil {
		d.add("connect", func() { h(code, code.String()) })
	}
}

func (c *Client) emitDisconnect(d *dispatch, reason DisconnectReason) {
	if h := c.handlers.onDisconnect; h != nil {
		d.add("disconnect", func() { h(reason) })
	}
}

func (c *Client) emitPublish(d *dispatch, mid uint16) {
	if h := c.handlers.onPublish; h != nil {
		d.add("publish", func() { h(mid) })
	}
}

func (c *Client) emitSubscribe(d *dispatch, mid uint16, granted int) {
	if h := c.handlers.onSubscribe; h != nil {
		d.add("subscribe", func() { h(mid, granted) })
	}
}

func (c *Client) emitUnsubscribe(d *dispatch, mid uint16) {
	if h := c.handlers.onUnsubscribe; h != nil {
		d.add("unsubscribe", func() { h(mid) })
	}
}

// emitMessage queues delivery of an inbound message. Consumer interceptors
// run at delivery time, outside the client lock.
func (c *Client) emitMessage(d *dispatch, msg *Message) {
	h := c.handlers.onMessage
	interceptors := c.options.consumerInterceptors
	if h == nil && len(interceptors) == 0 {
		return
	}

	d.add("message", func() {
		m := applyConsumerInterceptors(c.logger, interceptors, msg)
		if m != nil && h != nil {
			h(m)
		}
	})
}
