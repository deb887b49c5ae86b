package mqtt311

import (
	"time"
)

// Credentials, will and TLS settings can only change while no connection
// attempt is under way; reconnect, in-flight and retry settings may change
// at any time.

func (c *Client) checkNotStarted(op string) error {
	if c.handshakeStarted {
		return NewUsageError(op, ErrHandshakeStarted)
	}
	return nil
}

// SetCredentials sets the username and optional password sent in CONNECT.
// An empty username clears both.
func (c *Client) SetCredentials(username, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkNotStarted("set credentials"); err != nil {
		return err
	}
	if username == "" && password != "" {
		return NewConfigError("credentials", "password requires a username", ErrPasswordWithoutUser)
	}
	if err := validateString(username); err != nil {
		return NewConfigError("credentials", "username", err)
	}

	WithCredentials(username, password)(c.options)
	return nil
}

// SetTLSCertificates enables certificate based TLS. caPath is a PEM file
// or a directory of them (empty uses the system roots); certFile and
// keyFile are an optional client certificate, and password decrypts a
// PKCS#8 encrypted key.
func (c *Client) SetTLSCertificates(caPath, certFile, keyFile, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkNotStarted("set tls certificates"); err != nil {
		return err
	}
	return c.tls.setCertificates(caPath, certFile, keyFile, password)
}

// SetTLSInsecure disables verification that the broker certificate matches
// the host name. The chain is still verified. This is insecure: anyone
// holding a certificate from a trusted CA can impersonate the broker.
func (c *Client) SetTLSInsecure(insecure bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkNotStarted("set tls insecure"); err != nil {
		return err
	}
	c.tls.insecure = insecure
	return nil
}

// SetTLSOptions sets the verification mode, pins the TLS version
// ("tlsv1.3", "tlsv1.2", "tlsv1.1" or "tlsv1", empty for the default range)
// and restricts cipher suites (IANA names separated by ':').
func (c *Client) SetTLSOptions(verify VerifyMode, version, ciphers string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkNotStarted("set tls options"); err != nil {
		return err
	}
	return c.tls.setOptions(verify, version, ciphers)
}

// SetTLSPSK configures TLS with a pre-shared key given in hex. It cannot
// be combined with certificate settings. crypto/tls has no PSK cipher
// suites, so connecting requires a PSK capable WithDialer.
func (c *Client) SetTLSPSK(pskHex, identity, ciphers string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkNotStarted("set tls psk"); err != nil {
		return err
	}
	return c.tls.setPSK(pskHex, identity, ciphers)
}

// TLSPSK returns the configured pre-shared key and identity, for custom
// dialers implementing TLS-PSK.
func (c *Client) TLSPSK() (key []byte, identity string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.tls.pskMode {
		return nil, "", false
	}
	return append([]byte(nil), c.tls.psk...), c.tls.pskIdentity, true
}

func validateWill(topic string, qos byte) error {
	if err := ValidateTopicName(topic); err != nil {
		return NewConfigError("will", "topic", err)
	}
	if err := checkQoS(qos); err != nil {
		return NewConfigError("will", "qos", err)
	}
	return nil
}

// SetWill sets the message the broker publishes if the client disconnects
// without calling Disconnect.
func (c *Client) SetWill(topic string, payload []byte, qos byte, retain bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkNotStarted("set will"); err != nil {
		return err
	}
	if err := validateWill(topic, qos); err != nil {
		return err
	}

	WithWill(topic, payload, qos, retain)(c.options)
	return nil
}

// ClearWill removes the will message.
func (c *Client) ClearWill() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkNotStarted("clear will"); err != nil {
		return err
	}
	c.options.will = nil
	return nil
}

// SetReconnectDelay sets how long LoopForever waits before reconnecting.
// The first attempt waits base; with exponential each failed attempt
// doubles the wait up to maxDelay.
func (c *Client) SetReconnectDelay(base, maxDelay time.Duration, exponential bool) error {
	if base <= 0 {
		return NewConfigError("reconnect delay", "base must be positive", nil)
	}
	if maxDelay < base {
		return NewConfigError("reconnect delay", "max must not be below base", nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnect.Configure(base, maxDelay, exponential)
	return nil
}

// SetMaxInFlightMessages limits unacknowledged QoS 1/2 publishes; 0 means
// unlimited. Raising the limit releases queued messages on the next Loop.
func (c *Client) SetMaxInFlightMessages(n int) error {
	if n < 0 {
		return NewConfigError("max in-flight", "must not be negative", nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.engine.SetMaxInFlight(n)
	return nil
}

// SetMessageRetry sets how long to wait for an acknowledgment before
// retransmitting; 0 disables retransmission.
func (c *Client) SetMessageRetry(d time.Duration) error {
	if d < 0 {
		return NewConfigError("message retry", "must not be negative", nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.engine.SetRetryPeriod(d)
	return nil
}
