package mqtt311

import "io"

// SubackFailure is the SUBACK return code for a rejected subscription.
const SubackFailure byte = 0x80

// SubackPacket represents an MQTT SUBACK packet.
// ReturnCodes holds one granted QoS (0-2) or SubackFailure per requested filter.
type SubackPacket struct {
	PacketID    uint16
	ReturnCodes []byte
}

// Type returns the packet type.
func (p *SubackPacket) Type() PacketType { return PacketSUBACK }

// GetPacketID returns the packet identifier.
func (p *SubackPacket) GetPacketID() uint16 { return p.PacketID }

// SetPacketID sets the packet identifier.
func (p *SubackPacket) SetPacketID(id uint16) { p.PacketID = id }

// Encode writes the packet to the writer.
func (p *SubackPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	body := make([]byte, 2, 2+len(p.ReturnCodes))
	body[0] = byte(p.PacketID >> 8)
	body[1] = byte(p.PacketID)
	body = append(body, p.ReturnCodes...)

	return writeFrame(w, PacketSUBACK, 0x00, body)
}

// Decode reads the packet from the reader.
func (p *SubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketSUBACK {
		return 0, ErrInvalidPacketType
	}
	if header.RemainingLength < 3 {
		return 0, ErrMalformedRemaining
	}

	id, n, err := decodeUint16(r)
	if err != nil {
		return n, err
	}
	p.PacketID = id

	p.ReturnCodes = make([]byte, header.RemainingLength-2)
	n2, err := io.ReadFull(r, p.ReturnCodes)
	n += n2
	if err != nil {
		return n, err
	}

	return n, p.Validate()
}

// Validate validates the packet contents.
func (p *SubackPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(p.ReturnCodes) == 0 {
		return ErrProtocolViolation
	}
	for _, rc := range p.ReturnCodes {
		if rc > 2 && rc != SubackFailure {
			return ErrProtocolViolation
		}
	}
	return nil
}

// GrantedCount returns the number of subscriptions the broker accepted.
func (p *SubackPacket) GrantedCount() int {
	count := 0
	for _, rc := range p.ReturnCodes {
		if rc != SubackFailure {
			count++
		}
	}
	return count
}
