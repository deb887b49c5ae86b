package mqtt311

import (
	"time"
)

// KeepAliveAction is what the connection must do to honour the keep-alive contract.
type KeepAliveAction int

const (
	KeepAliveIdle KeepAliveAction = iota
	KeepAliveSendPing
	KeepAliveExpired
)

// KeepAlive tracks outbound idleness and the outstanding PINGREQ of one connection.
//
// A PINGREQ is due once no packet has been sent for a full interval. If the
// PINGRESP has not arrived one interval after the PINGREQ, the connection is dead.
type KeepAlive struct {
	interval     time.Duration
	lastOutbound time.Time
	pingSentAt   time.Time
	pingPending  bool
	now          func() time.Time
}

// NewKeepAlive creates a tracker. An interval of zero disables keep-alive.
func NewKeepAlive(interval time.Duration) *KeepAlive {
	k := &KeepAlive{
		interval: interval,
		now:      time.Now,
	}
	k.Reset()
	return k
}

// Interval returns the keep-alive interval.
func (k *KeepAlive) Interval() time.Duration {
	return k.interval
}

// Reset starts tracking a fresh connection.
func (k *KeepAlive) Reset() {
	k.lastOutbound = k.now()
	k.pingPending = false
}

// PacketSent records outbound traffic.
func (k *KeepAlive) PacketSent() {
	k.lastOutbound = k.now()
}

// PingSent records that a PINGREQ went out.
func (k *KeepAlive) PingSent() {
	now := k.now()
	k.lastOutbound = now
	k.pingSentAt = now
	k.pingPending = true
}

// PingResponse records an arriving PINGRESP.
func (k *KeepAlive) PingResponse() {
	k.pingPending = false
}

// PingPending reports whether a PINGREQ is awaiting its PINGRESP.
func (k *KeepAlive) PingPending() bool {
	return k.pingPending
}

// Check returns the action due now.
func (k *KeepAlive) Check() KeepAliveAction {
	if k.interval <= 0 {
		return KeepAliveIdle
	}

	now := k.now()
	if k.pingPending {
		if now.Sub(k.pingSentAt) >= k.interval {
			return KeepAliveExpired
		}
		return KeepAliveIdle
	}

	if now.Sub(k.lastOutbound) >= k.interval {
		return KeepAliveSendPing
	}
	return KeepAliveIdle
}

// Until returns the time left before Check would return a non-idle action.
// ok is false when keep-alive is disabled.
func (k *KeepAlive) Until() (time.Duration, bool) {
	if k.interval <= 0 {
		return 0, false
	}

	since := k.lastOutbound
	if k.pingPending {
		since = k.pingSentAt
	}

	wait := k.interval - k.now().Sub(since)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}
