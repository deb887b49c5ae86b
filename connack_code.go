package mqtt311

// ConnackCode is the return code carried by a CONNACK packet. Codes above
// 0xFF are local outcomes that never appear on the wire.
type ConnackCode uint16

// CONNACK return codes. Values 4-255 are treated as reserved and
// reported as an unspecified refusal.
const (
	ConnackAccepted                  ConnackCode = 0x00
	ConnackRefusedProtocolVersion    ConnackCode = 0x01
	ConnackRefusedIdentifierRejected ConnackCode = 0x02
	ConnackRefusedBrokerUnavailable  ConnackCode = 0x03

	// ConnackUnreachable is reported to OnConnect when no CONNACK could be
	// obtained because the broker was unreachable at the network level.
	ConnackUnreachable ConnackCode = 0x100
)

var connackCodeStrings = map[ConnackCode]string{
	ConnackAccepted:                  "Connection Accepted.",
	ConnackRefusedProtocolVersion:    "Connection Refused: unacceptable protocol version.",
	ConnackRefusedIdentifierRejected: "Connection Refused: identifier rejected.",
	ConnackRefusedBrokerUnavailable:  "Connection Refused: broker unavailable.",
	ConnackUnreachable:               "Connection Failed: broker unreachable.",
}

const connackReservedString = "Connection Refused: unspecified reason."

// String returns the human-readable text for the return code.
func (c ConnackCode) String() string {
	if s, ok := connackCodeStrings[c]; ok {
		return s
	}
	return connackReservedString
}

// Accepted reports whether the broker accepted the connection.
func (c ConnackCode) Accepted() bool {
	return c == ConnackAccepted
}

// Reserved reports whether the code falls in the reserved 4-255 range.
func (c ConnackCode) Reserved() bool {
	return c > ConnackRefusedBrokerUnavailable && c <= 0xFF
}

// Wire reports whether the code can be carried by a CONNACK packet.
func (c ConnackCode) Wire() bool {
	return c <= 0xFF
}
