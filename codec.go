package mqtt311

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrPacketTooLarge     = errors.New("mqtt311: packet exceeds maximum size")
	ErrUnknownPacketType  = errors.New("mqtt311: unknown packet type")
	ErrMalformedRemaining = errors.New("mqtt311: remaining length does not match packet contents")
)

// newPacket returns an empty packet value for the given type.
func newPacket(t PacketType) (Packet, error) {
	switch t {
	case PacketCONNECT:
		return &ConnectPacket{}, nil
	case PacketCONNACK:
		return &ConnackPacket{}, nil
	case PacketPUBLISH:
		return &PublishPacket{}, nil
	case PacketPUBACK:
		return &PubackPacket{}, nil
	case PacketPUBREC:
		return &PubrecPacket{}, nil
	case PacketPUBREL:
		return &PubrelPacket{}, nil
	case PacketPUBCOMP:
		return &PubcompPacket{}, nil
	case PacketSUBSCRIBE:
		return &SubscribePacket{}, nil
	case PacketSUBACK:
		return &SubackPacket{}, nil
	case PacketUNSUBSCRIBE:
		return &UnsubscribePacket{}, nil
	case PacketUNSUBACK:
		return &UnsubackPacket{}, nil
	case PacketPINGREQ:
		return &PingreqPacket{}, nil
	case PacketPINGRESP:
		return &PingrespPacket{}, nil
	case PacketDISCONNECT:
		return &DisconnectPacket{}, nil
	default:
		return nil, ErrUnknownPacketType
	}
}

// decodeBody decodes a packet body whose fixed header has already been parsed.
// The body must be consumed exactly.
func decodeBody(header FixedHeader, body []byte) (Packet, error) {
	if err := header.ValidateFlags(); err != nil {
		return nil, err
	}

	packet, err := newPacket(header.PacketType)
	if err != nil {
		return nil, err
	}

	reader := getBytesReader(body)
	defer putBytesReader(reader)

	n, err := packet.Decode(reader, header)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %s truncated", ErrMalformedRemaining, header.PacketType)
		}
		return nil, err
	}

	if n != len(body) {
		return nil, fmt.Errorf("%w: %s has %d trailing bytes", ErrMalformedRemaining, header.PacketType, len(body)-n)
	}

	return packet, nil
}

// ReadPacket reads a complete MQTT packet from the reader.
// If maxSize is greater than 0, packets larger than maxSize will return ErrPacketTooLarge.
func ReadPacket(r io.Reader, maxSize uint32) (Packet, int, error) {
	var header FixedHeader
	n, err := header.Decode(r)
	if err != nil {
		return nil, n, err
	}

	if maxSize > 0 && header.RemainingLength > maxSize {
		return nil, n, ErrPacketTooLarge
	}

	remaining := make([]byte, header.RemainingLength)
	if header.RemainingLength > 0 {
		rn, err := io.ReadFull(r, remaining)
		n += rn
		if err != nil {
			return nil, n, err
		}
	}

	packet, err := decodeBody(header, remaining)
	if err != nil {
		return nil, n, err
	}

	return packet, n, nil
}

// DecodePacket decodes one packet from the front of buf.
//
// When buf holds only part of a packet, DecodePacket returns a nil packet,
// zero consumed bytes and a nil error; the caller should append more data
// and try again. A malformed packet returns an error and the connection
// carrying it must be closed.
func DecodePacket(buf []byte, maxSize uint32) (Packet, int, error) {
	if len(buf) < 2 {
		return nil, 0, nil
	}

	header := FixedHeader{
		PacketType: PacketType(buf[0] >> 4),
		Flags:      buf[0] & 0x0F,
	}
	if !header.PacketType.Valid() {
		return nil, 0, ErrInvalidPacketType
	}

	length, vn, ok, err := peekVarint(buf[1:])
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, nil
	}
	header.RemainingLength = length

	if maxSize > 0 && length > maxSize {
		return nil, 0, ErrPacketTooLarge
	}

	start := 1 + vn
	end := start + int(length)
	if len(buf) < end {
		return nil, 0, nil
	}

	packet, err := decodeBody(header, buf[start:end])
	if err != nil {
		return nil, 0, err
	}

	return packet, end, nil
}

// WritePacket writes a complete MQTT packet to the writer.
// If maxSize is greater than 0, packets larger than maxSize will return ErrPacketTooLarge.
func WritePacket(w io.Writer, packet Packet, maxSize uint32) (int, error) {
	buf := getBytesBuffer()
	defer putBytesBuffer(buf)

	if err := encodeTo(buf, packet, maxSize); err != nil {
		return 0, err
	}

	return w.Write(buf.Bytes())
}

// AppendPacket appends the encoded packet to dst and returns the extended slice.
func AppendPacket(dst []byte, packet Packet, maxSize uint32) ([]byte, error) {
	buf := getBytesBuffer()
	defer putBytesBuffer(buf)

	if err := encodeTo(buf, packet, maxSize); err != nil {
		return dst, err
	}

	return append(dst, buf.Bytes()...), nil
}

func encodeTo(buf *bytesBuffer, packet Packet, maxSize uint32) error {
	if err := packet.Validate(); err != nil {
		return err
	}

	n, err := packet.Encode(buf)
	if err != nil {
		return err
	}

	if maxSize > 0 && uint32(n) > maxSize {
		return ErrPacketTooLarge
	}

	return nil
}

// bytesReader wraps a byte slice for io.Reader interface.
type bytesReader struct {
	data []byte
	pos  int
}

func (r *bytesReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// Len returns the number of unread bytes.
func (r *bytesReader) Len() int {
	return len(r.data) - r.pos
}

// bytesBuffer is a simple buffer for encoding.
type bytesBuffer struct {
	data []byte
}

func (b *bytesBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *bytesBuffer) WriteByte(c byte) error {
	b.data = append(b.data, c)
	return nil
}

func (b *bytesBuffer) Bytes() []byte {
	return b.data
}

func (b *bytesBuffer) Len() int {
	return len(b.data)
}
