package proto

import "github.com/pion/stun/v3"

// AttrData is the TURN DATA attribute number (RFC 5766 section 14.4),
// carrying the application payload of a Send/Data indication.
const AttrData stun.AttrType = 0x0013

// Data implements the DATA attribute.
type Data []byte

// AddTo adds the DATA attribute to msg.
func (d Data) AddTo(msg *stun.Message) error {
	msg.Add(AttrData, d)
	return nil
}

// GetFrom decodes the DATA attribute from msg.
func (d *Data) GetFrom(msg *stun.Message) error {
	v, err := msg.Get(AttrData)
	if err != nil {
		return err
	}
	*d = append((*d)[:0], v...)
	return nil
}
