package proto

import (
	"encoding/binary"
	"net"

	"github.com/pion/stun/v3"
)

// magicCookie is the fixed STUN magic cookie (RFC 5389 section 6) used
// to XOR-obfuscate peer addresses carried in TURN attributes.
const magicCookie = 0x2112A442

// xorAddress XORs ip/port against the message's magic cookie and
// transaction ID, per RFC 5389 section 15.2. The operation is its own
// inverse, so the same function encodes and decodes.
func xorAddress(msg *stun.Message, ip net.IP, port int) (net.IP, int) {
	var cookie [16]byte
	binary.BigEndian.PutUint32(cookie[0:4], magicCookie)
	copy(cookie[4:16], msg.TransactionID[:])

	xPort := port ^ int(magicCookie>>16)

	ip4 := ip.To4()
	if ip4 != nil {
		xIP := make(net.IP, net.IPv4len)
		for i := 0; i < net.IPv4len; i++ {
			xIP[i] = ip4[i] ^ cookie[i]
		}
		return xIP, xPort
	}

	ip16 := ip.To16()
	xIP := make(net.IP, net.IPv6len)
	for i := 0; i < net.IPv6len; i++ {
		xIP[i] = ip16[i] ^ cookie[i]
	}
	return xIP, xPort
}

// family returns the STUN address family octet for ip (0x01 IPv4, 0x02 IPv6).
func family(ip net.IP) byte {
	if ip.To4() != nil {
		return 0x01
	}
	return 0x02
}
