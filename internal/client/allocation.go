package client

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v3"

	"github.com/Jtplouffe/turn/internal/proto"
)

// maxRetryAttempts bounds the total number of attempts (the first one
// included) made while a stale-nonce (errTryAgain) result keeps coming
// back, before the error is given up on.
const maxRetryAttempts = 3

// permRefreshInterval is the period of the permission-refresh timer.
const permRefreshInterval = 120 * time.Second

// allocation is the relay-conn coordinator: it owns the permission
// table, the nonce, the integrity key and lifetime, and talks to the
// owning Client to perform STUN transactions and raw writes. UDPConn
// embeds it and adds the binding manager, the inbound queue, and the
// timers.
type allocation struct {
	client      Client
	relayedAddr net.Addr
	permMap     *permissionMap
	log         logging.LeveledLogger

	mu           sync.RWMutex
	integrity    stun.MessageIntegrity
	currentNonce stun.Nonce
	lifetime     time.Duration

	// permMu serializes createPermission end to end (check, transaction,
	// final insert) so two concurrent WriteTo calls for the same new
	// address can't both decide a CreatePermission transaction is needed
	// and both issue one. It is distinct from mu, which guards only the
	// nonce/integrity/lifetime fields createPermission also reads, to
	// avoid self-deadlocking when createPermission calls nonce()/integrityKey().
	permMu sync.Mutex

	// nonStaleRefreshErrors counts Refresh responses that carried a
	// non-438 error and were swallowed as success for scheduling
	// purposes.
	nonStaleRefreshErrors atomic.Int64
}

func (a *allocation) nonce() stun.Nonce {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.currentNonce
}

func (a *allocation) setNonce(n stun.Nonce) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentNonce = n
}

func (a *allocation) setNonceFromMsg(msg *stun.Message) {
	var n stun.Nonce
	if err := n.GetFrom(msg); err != nil {
		a.log.Warnf("438 response carried no NONCE attribute: %s", err)
		return
	}
	a.setNonce(n)
	a.log.Debugf("nonce updated from stale-nonce response")
}

func (a *allocation) integrityKey() stun.MessageIntegrity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.integrity
}

func (a *allocation) getLifetime() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lifetime
}

func (a *allocation) setLifetime(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lifetime = d
}

func addr2PeerAddress(addr net.Addr) proto.PeerAddress {
	var p proto.PeerAddress
	switch a := addr.(type) {
	case *net.UDPAddr:
		p.IP = a.IP
		p.Port = a.Port
	case *net.TCPAddr:
		p.IP = a.IP
		p.Port = a.Port
	}
	return p
}

// createPermission ensures a Permitted permission exists for addr's IP,
// retrying a stale-nonce response for up to maxRetryAttempts attempts in
// all. It runs under
// permMu end to end so two concurrent callers for the same fresh address
// don't both issue a CreatePermission transaction.
func (a *allocation) createPermission(addr net.Addr) error {
	a.permMu.Lock()
	defer a.permMu.Unlock()

	perm, ok := a.permMap.find(addr)
	if !ok {
		perm = permission{st: permStateIdle}
		a.permMap.insert(addr, perm)
	}

	if perm.state() == permStatePermitted {
		return nil
	}

	if err := retryOnTryAgain(func() error { return a.createPermissions(addr) }); err != nil {
		a.permMap.delete(addr)
		return err
	}

	perm.st = permStatePermitted
	a.permMap.insert(addr, perm)
	return nil
}

// createPermissions issues a single CreatePermission transaction
// listing every address in addrs.
func (a *allocation) createPermissions(addrs ...net.Addr) error {
	setters := []stun.Setter{
		stun.TransactionID,
		stun.NewType(stun.MethodCreatePermission, stun.ClassRequest),
	}
	for _, addr := range addrs {
		setters = append(setters, addr2PeerAddress(addr))
	}
	setters = append(setters,
		a.client.Username(),
		a.client.Realm(),
		a.nonce(),
		a.integrityKey(),
		stun.Fingerprint,
	)

	msg, err := stun.Build(setters...)
	if err != nil {
		return err
	}

	trRes, err := a.client.PerformTransaction(msg, a.client.TURNServerAddr(), false)
	if err != nil {
		return err
	}

	return a.checkCreatePermissionResponse(trRes.Msg)
}

func (a *allocation) checkCreatePermissionResponse(res *stun.Message) error {
	if res.Type.Class != stun.ClassErrorResponse {
		return nil
	}

	var code stun.ErrorCodeAttribute
	if err := code.GetFrom(res); err != nil {
		return fmt.Errorf("%s", res.Type)
	}
	if code.Code == stun.CodeStaleNonce {
		a.setNonceFromMsg(res)
		return errTryAgain
	}
	return fmt.Errorf("%s (error %s)", res.Type, code)
}

// refreshPermissions reissues CreatePermission for every known address
// in one transaction.
func (a *allocation) refreshPermissions() error {
	addrs := a.permMap.addrs()
	if len(addrs) == 0 {
		a.log.Debug("no permission to refresh")
		return nil
	}

	targets := make([]net.Addr, len(addrs))
	for i, ip := range addrs {
		targets[i] = &net.UDPAddr{IP: ip}
	}

	if err := a.createPermissions(targets...); err != nil {
		if err != errTryAgain {
			a.log.Errorf("failed to refresh permissions: %s", err)
		}
		return err
	}
	a.log.Debug("refresh permissions successful")
	return nil
}

// refreshAllocation sends a Refresh request carrying lifetime. If
// dontWait, it returns immediately after the send (used for the
// fire-and-forget teardown refresh in Close). Otherwise it updates
// a.lifetime from the response's LIFETIME attribute.
//
// A non-438 error response is swallowed as success for scheduling
// purposes; whether that is intentional (avoid thrashing on transient
// server errors) or an oversight is not documented upstream, so the
// behavior is preserved and only surfaced via nonStaleRefreshErrors,
// never as an error to the caller.
func (a *allocation) refreshAllocation(lifetime time.Duration, dontWait bool) error {
	msg, err := stun.Build(
		stun.TransactionID,
		stun.NewType(stun.MethodRefresh, stun.ClassRequest),
		proto.Lifetime{Duration: lifetime},
		a.client.Username(),
		a.client.Realm(),
		a.nonce(),
		a.integrityKey(),
		stun.Fingerprint,
	)
	if err != nil {
		a.log.Errorf("failed to build refresh request: %s", err)
		return err
	}

	a.log.Debugf("send refresh request (dontWait=%t)", dontWait)
	trRes, err := a.client.PerformTransaction(msg, a.client.TURNServerAddr(), dontWait)
	if err != nil {
		a.log.Errorf("failed to refresh allocation: %s", err)
		return err
	}
	if dontWait {
		return nil
	}

	res := trRes.Msg
	if res.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(res); err != nil {
			a.log.Errorf("refresh error response carried no ERROR-CODE: %s", res.Type)
			return nil
		}
		if code.Code == stun.CodeStaleNonce {
			a.setNonceFromMsg(res)
			return errTryAgain
		}
		a.nonStaleRefreshErrors.Add(1)
		a.log.Warnf("refresh allocation got non-stale error response %s, continuing", code)
		return nil
	}

	var updated proto.Lifetime
	if err := updated.GetFrom(res); err != nil {
		a.log.Errorf("failed to get lifetime from refresh response: %s", err)
		return nil
	}
	a.setLifetime(updated.Duration)
	a.log.Debugf("updated lifetime: %d seconds", int(updated.Duration.Seconds()))
	return nil
}

// retryOnTryAgain runs fn up to maxRetryAttempts times, stopping as soon
// as it returns anything other than errTryAgain.
func retryOnTryAgain(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		err = fn()
		if err != errTryAgain {
			return err
		}
	}
	return err
}

// sendIndication wraps data in a Send indication and writes the frame to
// the TURN server. On success it reports len(data), not the size of the
// wire-framed message, matching the net.PacketConn.WriteTo contract.
func (a *allocation) sendIndication(data []byte, addr net.Addr) (int, error) {
	msg, err := stun.Build(
		stun.TransactionID,
		stun.NewType(stun.MethodSend, stun.ClassIndication),
		proto.Data(data),
		addr2PeerAddress(addr),
		stun.Fingerprint,
	)
	if err != nil {
		return 0, err
	}
	if _, err := a.client.WriteTo(msg.Raw, a.client.TURNServerAddr()); err != nil {
		return 0, err
	}
	return len(data), nil
}

// sendChannelData wraps data in a ChannelData frame and writes it to the
// TURN server. On success it reports len(data), not the framed size.
func (a *allocation) sendChannelData(data []byte, number proto.ChannelNumber) (int, error) {
	cd := &proto.ChannelData{Data: data, Number: number}
	cd.Encode()
	if _, err := a.client.WriteTo(cd.Raw, a.client.TURNServerAddr()); err != nil {
		return 0, err
	}
	return len(data), nil
}

// close notifies the client that the allocation is gone and fires a
// best-effort lifetime-zero Refresh, not waiting for its response.
func (a *allocation) close() {
	a.client.OnDeallocated(a.relayedAddr)
	_ = a.refreshAllocation(0, true)
}
