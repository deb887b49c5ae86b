package mqtt311

import "io"

// encodeAck encodes a packet whose body is only a packet identifier
// (PUBACK, PUBREC, PUBREL, PUBCOMP, UNSUBACK).
func encodeAck(w io.Writer, packetType PacketType, flags byte, packetID uint16) (int, error) {
	return writeFrame(w, packetType, flags, []byte{byte(packetID >> 8), byte(packetID)})
}

// decodeAck decodes a packet identifier only body.
func decodeAck(r io.Reader, header FixedHeader) (uint16, int, error) {
	if header.RemainingLength != 2 {
		return 0, 0, ErrMalformedRemaining
	}
	return decodeUint16(r)
}
