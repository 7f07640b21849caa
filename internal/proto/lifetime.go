package proto

import (
	"encoding/binary"
	"time"

	"github.com/pion/stun/v3"
)

// AttrLifetime is the TURN LIFETIME attribute number (RFC 5766 section 14.2).
const AttrLifetime stun.AttrType = 0x000D

// Lifetime implements the LIFETIME attribute: the requested/granted
// allocation lifetime, encoded as seconds on the wire.
type Lifetime struct {
	Duration time.Duration
}

// AddTo adds the LIFETIME attribute to msg.
func (l Lifetime) AddTo(msg *stun.Message) error {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(l.Duration.Round(time.Second).Seconds()))
	msg.Add(AttrLifetime, v)
	return nil
}

// GetFrom decodes the LIFETIME attribute from msg.
func (l *Lifetime) GetFrom(msg *stun.Message) error {
	v, err := msg.Get(AttrLifetime)
	if err != nil {
		return err
	}
	if len(v) < 4 {
		return errMalformedAttribute
	}
	l.Duration = time.Duration(binary.BigEndian.Uint32(v)) * time.Second
	return nil
}
