package proto

import "github.com/pion/stun/v3"

// AttrChannelNumber is the TURN CHANNEL-NUMBER attribute number (RFC 5766 section 14.1).
const AttrChannelNumber stun.AttrType = 0x000C

// ChannelNumber implements the CHANNEL-NUMBER attribute.
type ChannelNumber uint16

// AddTo adds the CHANNEL-NUMBER attribute to msg.
func (n ChannelNumber) AddTo(msg *stun.Message) error {
	v := make([]byte, 4)
	v[0] = byte(n >> 8)
	v[1] = byte(n)
	// v[2:4] is RFFU (reserved for future use), left zero.
	msg.Add(AttrChannelNumber, v)
	return nil
}

// GetFrom decodes the CHANNEL-NUMBER attribute from msg.
func (n *ChannelNumber) GetFrom(msg *stun.Message) error {
	v, err := msg.Get(AttrChannelNumber)
	if err != nil {
		return err
	}
	if len(v) < 2 {
		return errMalformedAttribute
	}
	*n = ChannelNumber(uint16(v[0])<<8 | uint16(v[1]))
	return nil
}
