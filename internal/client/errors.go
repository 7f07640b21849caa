package client

import "errors"

var (
	// errAlreadyClosed is returned by an operation performed after Close,
	// or by Close itself when called a second time.
	errAlreadyClosed = errors.New("client: already closed")

	// errShortBuffer is returned by ReadFrom when the caller's buffer is
	// smaller than the pending inbound payload. The packet is not
	// requeued; the caller must retry with a larger buffer.
	errShortBuffer = errors.New("client: short buffer")

	// errTryAgain signals a 438 (Stale Nonce) response: the caller
	// should adopt the updated nonce and retry, bounded by
	// maxRetryAttempts. Once those attempts are used up it is returned
	// as is, e.g. from WriteTo when CreatePermission keeps failing with 438.
	errTryAgain = errors.New("client: try again")

	// errUnexpectedResponse signals a STUN response whose type did not
	// match the expected success type for the transaction in flight.
	errUnexpectedResponse = errors.New("client: unexpected response")

	// errNotApplicable is returned by Connect/Recv/Send, which have no
	// meaning on a packet-oriented relayed connection.
	errNotApplicable = errors.New("client: not applicable")

	// errAddrNotUDP is returned when WriteTo is given a non-UDP address.
	errAddrNotUDP = errors.New("client: addr is not a *net.UDPAddr")

	// errChannelNumbersExhausted is returned by the binding manager when
	// every channel number in [0x4000, 0x7FFF] is already assigned.
	errChannelNumbersExhausted = errors.New("client: no free channel numbers")
)
