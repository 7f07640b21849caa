package proto

import (
	"fmt"
	"net"

	"github.com/pion/stun/v3"
)

// AttrXORPeerAddress is the TURN XOR-PEER-ADDRESS attribute number (RFC 5766 section 14.3).
const AttrXORPeerAddress stun.AttrType = 0x0012

// PeerAddress implements the XOR-PEER-ADDRESS attribute: the address of
// a peer the relayed transport address sends to or receives from.
type PeerAddress struct {
	IP   net.IP
	Port int
}

func (a PeerAddress) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// AddTo adds the XOR-PEER-ADDRESS attribute to msg.
func (a PeerAddress) AddTo(msg *stun.Message) error {
	return addXORAddress(msg, AttrXORPeerAddress, a.IP, a.Port)
}

// GetFrom decodes the XOR-PEER-ADDRESS attribute from msg.
func (a *PeerAddress) GetFrom(msg *stun.Message) error {
	ip, port, err := getXORAddress(msg, AttrXORPeerAddress)
	if err != nil {
		return err
	}
	a.IP = ip
	a.Port = port
	return nil
}

func addXORAddress(msg *stun.Message, t stun.AttrType, ip net.IP, port int) error {
	xIP, xPort := xorAddress(msg, ip, port)

	v := make([]byte, 4+len(xIP))
	v[0] = 0
	v[1] = family(ip)
	v[2] = byte(xPort >> 8)
	v[3] = byte(xPort)
	copy(v[4:], xIP)

	msg.Add(t, v)
	return nil
}

func getXORAddress(msg *stun.Message, t stun.AttrType) (net.IP, int, error) {
	v, err := msg.Get(t)
	if err != nil {
		return nil, 0, err
	}
	if len(v) < 4 {
		return nil, 0, errMalformedAttribute
	}

	xPort := int(v[2])<<8 | int(v[3])
	xIP := net.IP(v[4:])
	if len(xIP) != net.IPv4len && len(xIP) != net.IPv6len {
		return nil, 0, errMalformedAttribute
	}

	ip, port := xorAddress(msg, xIP, xPort)
	return ip, port, nil
}
