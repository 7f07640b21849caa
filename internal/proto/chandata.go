package proto

import "encoding/binary"

// ChannelDataHeaderSize is the length in bytes of a ChannelData frame
// header: a 2-byte channel number followed by a 2-byte length.
const ChannelDataHeaderSize = 4

// MinChannelNumber and MaxChannelNumber bound the range TURN reserves
// for channel numbers (RFC 5766 section 11).
const (
	MinChannelNumber uint16 = 0x4000
	MaxChannelNumber uint16 = 0x7FFF
)

// ChannelData is a TURN ChannelData message (RFC 5766 section 11.4): a
// compact framing of a payload over an established channel binding, used
// in place of a Send/Data indication once a channel number is bound.
type ChannelData struct {
	Data   []byte
	Number ChannelNumber
	Raw    []byte
}

// Encode serializes the frame into Raw. On UDP the frame is never
// padded; the 4-byte multiple padding RFC 5766 requires over TCP/TLS is
// not applied here, matching this core's UDP-only scope.
func (c *ChannelData) Encode() {
	c.grow()
	binary.BigEndian.PutUint16(c.Raw[0:2], uint16(c.Number))
	binary.BigEndian.PutUint16(c.Raw[2:4], uint16(len(c.Data)))
	copy(c.Raw[ChannelDataHeaderSize:], c.Data)
}

func (c *ChannelData) grow() {
	need := ChannelDataHeaderSize + len(c.Data)
	if cap(c.Raw) < need {
		c.Raw = make([]byte, need)
		return
	}
	c.Raw = c.Raw[:need]
}

// Decode parses Raw into Number and Data. IsChannelData should be used
// first to distinguish ChannelData frames from STUN messages on a
// shared socket.
func (c *ChannelData) Decode() error {
	if len(c.Raw) < ChannelDataHeaderSize {
		return errMalformedAttribute
	}
	num := binary.BigEndian.Uint16(c.Raw[0:2])
	length := binary.BigEndian.Uint16(c.Raw[2:4])
	if int(length) > len(c.Raw)-ChannelDataHeaderSize {
		return errMalformedAttribute
	}
	c.Number = ChannelNumber(num)
	c.Data = c.Raw[ChannelDataHeaderSize : ChannelDataHeaderSize+int(length)]
	return nil
}

// IsChannelData reports whether the first two bytes of raw, read as a
// big-endian number, fall in the TURN channel-number range
// [0x4000, 0x7FFF], which is
// how a ChannelData frame is told apart from a STUN message (whose
// first two bits are always zero).
func IsChannelData(raw []byte) bool {
	if len(raw) < 2 {
		return false
	}
	num := binary.BigEndian.Uint16(raw[0:2])
	return num >= MinChannelNumber && num <= MaxChannelNumber
}
