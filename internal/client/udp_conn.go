package client

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v3"

	"github.com/Jtplouffe/turn/internal/proto"
)

// maxReadQueueSize bounds the inbound queue UDPConn buffers data not
// consumed by the transaction layer.
const maxReadQueueSize = 1024

type inboundData struct {
	data []byte
	from net.Addr
}

// Config configures a new UDPConn.
type Config struct {
	Client      Client
	RelayedAddr net.Addr
	Integrity   stun.MessageIntegrity
	Nonce       stun.Nonce
	Lifetime    time.Duration
	Log         logging.LeveledLogger
}

// UDPConn is the packet-oriented facade applications use to talk
// through a TURN relay: WriteTo/ReadFrom/Close/LocalAddr, layered over
// the allocation coordinator and
// the channel-binding manager.
type UDPConn struct {
	allocation
	bindingMgr *bindingManager

	readCh  chan *inboundData
	closeCh chan struct{}
	closed  atomic.Bool

	refreshAllocTimer *periodicTimer
	refreshPermsTimer *periodicTimer
}

// NewUDPConn creates a UDPConn and starts its allocation- and
// permission-refresh timers.
func NewUDPConn(cfg *Config) *UDPConn {
	c := &UDPConn{
		allocation: allocation{
			client:      cfg.Client,
			relayedAddr: cfg.RelayedAddr,
			permMap:     newPermissionMap(),
			log:         cfg.Log,
		},
		bindingMgr: newBindingManager(),
		readCh:     make(chan *inboundData, maxReadQueueSize),
		closeCh:    make(chan struct{}),
	}
	c.integrity = cfg.Integrity
	c.currentNonce = cfg.Nonce
	c.lifetime = cfg.Lifetime

	c.log.Debugf("initial lifetime: %d seconds", int(c.lifetime.Seconds()))

	c.refreshAllocTimer = newPeriodicTimer(timerIDRefreshAlloc, c.onRefreshTimer, c.lifetime/2)
	c.refreshPermsTimer = newPeriodicTimer(timerIDRefreshPerms, c.onRefreshTimer, permRefreshInterval)

	if c.refreshAllocTimer.start() {
		c.log.Debugf("refreshAllocTimer started")
	}
	if c.refreshPermsTimer.start() {
		c.log.Debugf("refreshPermsTimer started")
	}

	return c
}

// Connect is not applicable to a relayed packet connection.
func (c *UDPConn) Connect(net.Addr) error { return errNotApplicable }

// Recv is not applicable to a relayed packet connection; use ReadFrom.
func (c *UDPConn) Recv([]byte) (int, error) { return 0, errNotApplicable }

// Send is not applicable to a relayed packet connection; use WriteTo.
func (c *UDPConn) Send([]byte) (int, error) { return 0, errNotApplicable }

// LocalAddr returns the relayed transport address.
func (c *UDPConn) LocalAddr() net.Addr {
	return c.relayedAddr
}

// ReadFrom dequeues one inbound (payload, from) pair. It fails with
// errShortBuffer (without requeueing) if p is too small, and with
// errAlreadyClosed once the connection is closed.
func (c *UDPConn) ReadFrom(p []byte) (n int, addr net.Addr, err error) {
	select {
	case ib := <-c.readCh:
		if len(p) < len(ib.data) {
			return 0, nil, errShortBuffer
		}
		n = copy(p, ib.data)
		return n, ib.from, nil
	case <-c.closeCh:
		return 0, nil, errAlreadyClosed
	}
}

// WriteTo sends p to addr, selecting Send-indication or ChannelData
// framing per the destination's binding state.
func (c *UDPConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if c.closed.Load() {
		return 0, errAlreadyClosed
	}
	if _, ok := addr.(*net.UDPAddr); !ok {
		return 0, errAddrNotUDP
	}

	if err := c.createPermission(addr); err != nil {
		return 0, err
	}

	b, ok := c.bindingMgr.findByAddr(addr)
	if !ok {
		var err error
		b, err = c.bindingMgr.create(addr)
		if err != nil {
			// Channel-number space exhausted: fall back to a Send
			// indication for this packet; the next WriteTo to this peer
			// tries to create the binding again.
			c.log.Warnf("could not create channel binding for %s: %s", addr, err)
			return c.sendIndication(p, addr)
		}
	}

	switch b.state() {
	case bindingStateIdle, bindingStateRequest, bindingStateFailed:
		c.maybeBind(b)
		return c.sendIndication(p, addr)
	case bindingStateReady, bindingStateRefresh:
		c.maybeBind(b)
		return c.sendChannelData(p, b.number)
	default:
		return c.sendIndication(p, addr)
	}
}

// maybeBind transitions b and spawns a background (re)bind task when
// appropriate: Idle -> Request on first use, Ready -> Refresh once
// bindingRefreshInterval has elapsed since the last successful bind. The
// check and the transition happen under b's own lock, so concurrent
// callers racing the same fresh binding spawn at most one bind. It never
// blocks the caller.
func (c *UDPConn) maybeBind(b *binding) {
	if b.tryBeginRequest() {
		go c.runBind(b)
		return
	}
	if b.tryBeginRefresh(bindingRefreshInterval) {
		go c.runBind(b)
	}
}

// runBind drives b to Ready, retrying a stale-nonce (438) response with
// the refreshed nonce for up to maxRetryAttempts attempts in all, the
// same discipline createPermission applies to CreatePermission. Any
// failure marks b Failed. A transport-level failure has already removed b
// from the binding manager (see bind), so the next WriteTo creates a
// fresh Idle binding. An exhausted/unexpected response leaves b in the
// binding manager, so repeated failures on the same address stay
// diagnosable instead of silently becoming a fresh Idle binding.
func (c *UDPConn) runBind(b *binding) {
	if err := retryOnTryAgain(func() error { return c.bind(b) }); err != nil {
		b.setState(bindingStateFailed)
		c.log.Warnf("bind() failed for %s: %s", b.addr, err)
		return
	}
	b.setRefreshedAt(time.Now())
	b.setState(bindingStateReady)
}

// bind performs a single ChannelBind transaction for b. On a
// transport-level failure it deletes b from the binding manager and
// returns the underlying error, since there is no binding left to
// diagnose. On a 438 response it updates the nonce and returns
// errTryAgain without deleting b. On any other unexpected response it
// returns errUnexpectedResponse, also without deleting b, so the caller
// can mark it Failed in place.
func (c *UDPConn) bind(b *binding) error {
	msg, err := stun.Build(
		stun.TransactionID,
		stun.NewType(stun.MethodChannelBind, stun.ClassRequest),
		addr2PeerAddress(b.addr),
		b.number,
		c.client.Username(),
		c.client.Realm(),
		c.nonce(),
		c.integrityKey(),
		stun.Fingerprint,
	)
	if err != nil {
		return err
	}

	trRes, err := c.client.PerformTransaction(msg, c.client.TURNServerAddr(), false)
	if err != nil {
		c.bindingMgr.deleteByAddr(b.addr)
		return err
	}

	res := trRes.Msg
	if res.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if getErr := code.GetFrom(res); getErr == nil && code.Code == stun.CodeStaleNonce {
			c.setNonceFromMsg(res)
			return errTryAgain
		}
		return errUnexpectedResponse
	}

	if res.Type != stun.NewType(stun.MethodChannelBind, stun.ClassSuccessResponse) {
		return errUnexpectedResponse
	}

	c.log.Debugf("channel binding successful: %s %d", b.addr, b.number)
	return nil
}

// Close stops both refresh timers, wakes any pending and future ReadFrom
// call with errAlreadyClosed, and tears down the allocation. It is
// idempotent: a second call returns errAlreadyClosed.
//
// closeCh, not readCh, carries the shutdown signal: readCh is never
// closed, so a HandleInbound call racing a concurrent Close can still
// safely send on it (the send either lands in the buffer, where a later
// ReadFrom may still pick it up, or is dropped by the full-buffer case)
// instead of panicking on a
// send to a closed channel.
func (c *UDPConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return errAlreadyClosed
	}
	c.refreshAllocTimer.stop()
	c.refreshPermsTimer.stop()
	close(c.closeCh)

	c.close()
	return nil
}

// HandleInbound enqueues data received from the relay that was not
// consumed by the transaction layer (a Data indication payload, or a
// decoded ChannelData payload). If the queue is full the packet is
// dropped and logged.
func (c *UDPConn) HandleInbound(data []byte, from net.Addr) {
	if c.closed.Load() {
		return
	}
	select {
	case c.readCh <- &inboundData{data: data, from: from}:
	default:
		c.log.Warnf("receive buffer full, dropping inbound packet from %s", from)
	}
}

// FindAddrByChannelNumber returns the peer address bound to chNum, if any.
func (c *UDPConn) FindAddrByChannelNumber(chNum uint16) (net.Addr, bool) {
	b, ok := c.bindingMgr.findByNumber(proto.ChannelNumber(chNum))
	if !ok {
		return nil, false
	}
	return b.addr, true
}

func (c *UDPConn) onRefreshTimer(id timerID) {
	c.log.Debugf("refresh timer %v expired", id)
	switch id {
	case timerIDRefreshAlloc:
		lifetime := c.getLifetime()
		if err := retryOnTryAgain(func() error { return c.refreshAllocation(lifetime, false) }); err != nil {
			c.log.Warnf("refresh allocation failed: %s", err)
			return
		}
		c.refreshAllocTimer.setPeriod(c.getLifetime() / 2)
	case timerIDRefreshPerms:
		if err := retryOnTryAgain(func() error { return c.refreshPermissions() }); err != nil {
			c.log.Warnf("refresh permissions failed: %s", err)
		}
	}
}
