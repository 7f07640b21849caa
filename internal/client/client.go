// Package client implements the core of a TURN client's relay
// connection: the allocation coordinator (permissions, channel
// bindings, nonce/lifetime state, periodic refresh) and the
// packet-oriented connection facade applications use to send and
// receive through the relay.
package client

import (
	"net"

	"github.com/pion/stun/v3"
)

// TransactionResult is the outcome of a STUN request/response
// transaction performed through Client.PerformTransaction.
type TransactionResult struct {
	Msg *stun.Message
}

// Client is the set of capabilities an allocation needs from its
// owning TURN client: the transaction layer, credentials, and raw
// socket write access. It is supplied by a
// higher-level client object that performs the initial allocation
// handshake; this package never constructs one itself.
type Client interface {
	// TURNServerAddr returns the address control-plane transactions are
	// sent to.
	TURNServerAddr() net.Addr

	// Username returns the USERNAME attribute to attach to authenticated
	// requests.
	Username() stun.Username

	// Realm returns the REALM attribute to attach to authenticated
	// requests.
	Realm() stun.Realm

	// WriteTo writes raw bytes to the underlying socket, unauthenticated
	// and untransacted (used for Send indications and ChannelData).
	WriteTo(data []byte, to net.Addr) (int, error)

	// PerformTransaction sends msg to to and, unless dontWait is set,
	// waits for and returns the matching response, including
	// retransmission per the transaction layer's own policy.
	PerformTransaction(msg *stun.Message, to net.Addr, dontWait bool) (TransactionResult, error)

	// OnDeallocated notifies the client that relayedAddr's allocation
	// has been torn down.
	OnDeallocated(relayedAddr net.Addr)
}
