package mqtt311

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAckPackets(t *testing.T) {
	tests := []struct {
		packet  PacketWithID
		decoded PacketWithID
		first   byte
	}{
		{&PubackPacket{PacketID: 1}, &PubackPacket{}, 0x40},
		{&PubrecPacket{PacketID: 258}, &PubrecPacket{}, 0x50},
		{&PubrelPacket{PacketID: 65535}, &PubrelPacket{}, 0x62},
		{&PubcompPacket{PacketID: 77}, &PubcompPacket{}, 0x70},
		{&UnsubackPacket{PacketID: 5}, &UnsubackPacket{}, 0xB0},
	}

	for _, tt := range tests {
		t.Run(tt.packet.Type().String(), func(t *testing.T) {
			var buf bytes.Buffer
			n, err := tt.packet.Encode(&buf)
			require.NoError(t, err)
			assert.Equal(t, 4, n)
			assert.Equal(t, tt.first, buf.Bytes()[0])

			require.NoError(t, decodeFrame(t, buf.Bytes(), tt.decoded))
			assert.Equal(t, tt.packet.GetPacketID(), tt.decoded.GetPacketID())

			tt.decoded.SetPacketID(0)
			assert.ErrorIs(t, tt.decoded.Validate(), ErrInvalidPacketID)
			_, err = tt.decoded.Encode(&bytes.Buffer{})
			assert.ErrorIs(t, err, ErrInvalidPacketID)
		})
	}
}

func TestAckPacketBadLength(t *testing.T) {
	err := decodeFrame(t, []byte{0x40, 0x03, 0x00, 0x01, 0x00}, &PubackPacket{})
	assert.ErrorIs(t, err, ErrMalformedRemaining)
}

func TestEmptyPackets(t *testing.T) {
	tests := []struct {
		packet Packet
		first  byte
	}{
		{&PingreqPacket{}, 0xC0},
		{&PingrespPacket{}, 0xD0},
		{&DisconnectPacket{}, 0xE0},
	}

	for _, tt := range tests {
		t.Run(tt.packet.Type().String(), func(t *testing.T) {
			var buf bytes.Buffer
			_, err := tt.packet.Encode(&buf)
			require.NoError(t, err)
			assert.Equal(t, []byte{tt.first, 0x00}, buf.Bytes())
			assert.NoError(t, tt.packet.Validate())

			assert.NoError(t, decodeFrame(t, buf.Bytes(), tt.packet))
			assert.ErrorIs(t, decodeFrame(t, []byte{tt.first | 0x01, 0x00}, tt.packet), ErrInvalidPacketFlags)
			assert.ErrorIs(t, decodeFrame(t, []byte{tt.first, 0x01, 0x00}, tt.packet), ErrMalformedRemaining)
		})
	}
}
