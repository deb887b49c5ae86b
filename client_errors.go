package mqtt311

import (
	"errors"
	"fmt"
)

// Error categories - check with errors.Is().
var (
	// ErrConfig marks invalid or contradictory configuration.
	ErrConfig = errors.New("configuration error")

	// ErrUsage marks an operation invoked in a state that does not allow it.
	ErrUsage = errors.New("usage error")

	// ErrNetwork marks DNS, dial and transport failures.
	ErrNetwork = errors.New("network error")

	// ErrProtocol marks malformed or unexpected wire data.
	ErrProtocol = errors.New("protocol error")

	// ErrRefused marks a connection rejected by the broker.
	ErrRefused = errors.New("connection refused")
)

// Sentinel causes - check with errors.Is().
var (
	// ErrNotConnected is returned when an operation requires an active connection.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected is returned by Connect on an established connection.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrHandshakeStarted is returned when connection settings change after Connect.
	ErrHandshakeStarted = errors.New("connection handshake already started")

	// ErrConnectionLost is reported when the transport closes unexpectedly.
	ErrConnectionLost = errors.New("connection lost")

	// ErrKeepAliveTimeout is reported when the broker does not answer a PINGREQ.
	ErrKeepAliveTimeout = errors.New("keep-alive timeout")

	// ErrPSKUnsupported is returned when TLS-PSK is configured without a PSK capable dialer.
	ErrPSKUnsupported = errors.New("TLS-PSK requires a custom dialer")
)

// ConfigError is returned synchronously by a configuring call.
// Extract with errors.As().
type ConfigError struct {
	err    error
	Field  string
	Reason string
	Cause  error
}

func (e *ConfigError) Error() string {
	msg := "invalid " + e.Field + ": " + e.Reason
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() []error { return joinCause(e.err, e.Cause) }

// NewConfigError creates a new ConfigError.
func NewConfigError(field, reason string, cause error) *ConfigError {
	return &ConfigError{
		err:    ErrConfig,
		Field:  field,
		Reason: reason,
		Cause:  cause,
	}
}

// UsageError is returned when an operation is called out of order.
// Extract with errors.As().
type UsageError struct {
	err   error
	Op    string
	Cause error
}

func (e *UsageError) Error() string {
	return e.Op + ": " + e.Cause.Error()
}

func (e *UsageError) Unwrap() []error { return joinCause(e.err, e.Cause) }

// NewUsageError creates a new UsageError.
func NewUsageError(op string, cause error) *UsageError {
	return &UsageError{
		err:   ErrUsage,
		Op:    op,
		Cause: cause,
	}
}

// NetworkError wraps a dial or transport failure.
// Extract with errors.As().
type NetworkError struct {
	err   error
	Op    string
	Addr  string
	Cause error
}

func (e *NetworkError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

func (e *NetworkError) Unwrap() []error { return joinCause(e.err, e.Cause) }

// NewNetworkError creates a new NetworkError.
func NewNetworkError(op, addr string, cause error) *NetworkError {
	return &NetworkError{
		err:   ErrNetwork,
		Op:    op,
		Addr:  addr,
		Cause: cause,
	}
}

// ProtocolError is fatal to the connection it occurred on.
// Extract with errors.As().
type ProtocolError struct {
	err    error
	Packet PacketType
	Cause  error
}

func (e *ProtocolError) Error() string {
	if e.Packet.Valid() {
		return fmt.Sprintf("protocol error in %s: %v", e.Packet, e.Cause)
	}
	return fmt.Sprintf("protocol error: %v", e.Cause)
}

func (e *ProtocolError) Unwrap() []error { return joinCause(e.err, e.Cause) }

// NewProtocolError creates a new ProtocolError. packet may be zero when unknown.
func NewProtocolError(packet PacketType, cause error) *ProtocolError {
	return &ProtocolError{
		err:    ErrProtocol,
		Packet: packet,
		Cause:  cause,
	}
}

// RefusedError carries the CONNACK return code of a rejected connection.
// Extract with errors.As().
type RefusedError struct {
	err  error
	Code ConnackCode
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Code, byte(e.Code))
}

func (e *RefusedError) Unwrap() error { return e.err }

// NewRefusedError creates a new RefusedError.
func NewRefusedError(code ConnackCode) *RefusedError {
	return &RefusedError{
		err:  ErrRefused,
		Code: code,
	}
}

func joinCause(category, cause error) []error {
	if cause == nil {
		return []error{category}
	}
	return []error{category, cause}
}
