package client

import (
	"net"
	"sync"
	"time"

	"github.com/Jtplouffe/turn/internal/proto"
)

type bindingState int

const (
	bindingStateIdle bindingState = iota
	bindingStateRequest
	bindingStateReady
	bindingStateRefresh
	bindingStateFailed
)

func (s bindingState) String() string {
	switch s {
	case bindingStateIdle:
		return "idle"
	case bindingStateRequest:
		return "request"
	case bindingStateReady:
		return "ready"
	case bindingStateRefresh:
		return "refresh"
	case bindingStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// bindingRefreshInterval is how long a Ready binding is trusted before
// WriteTo spawns a background rebind.
const bindingRefreshInterval = 5 * time.Minute

// binding is a TURN channel binding record for one peer address. Its
// own mutex guards state/refreshedAt so background bind goroutines can
// mutate it without holding the bindingManager lock for the duration of
// a transaction.
type binding struct {
	addr   net.Addr
	number proto.ChannelNumber

	mu          sync.Mutex
	st          bindingState
	refreshedAt time.Time
}

func (b *binding) state() bindingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

func (b *binding) setState(s bindingState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.st = s
}

func (b *binding) refreshedAtTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshedAt
}

func (b *binding) setRefreshedAt(t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshedAt = t
}

// tryBeginRequest atomically transitions b from Idle to Request and
// reports whether it did so. Checking and transitioning under one lock
// keeps two concurrent callers from both observing Idle and both
// spawning a bind.
func (b *binding) tryBeginRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st != bindingStateIdle {
		return false
	}
	b.st = bindingStateRequest
	return true
}

// tryBeginRefresh atomically transitions b from Ready to Refresh if more
// than interval has elapsed since its last successful bind, and reports
// whether it did so.
func (b *binding) tryBeginRefresh(interval time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st != bindingStateReady {
		return false
	}
	if time.Since(b.refreshedAt) <= interval {
		return false
	}
	b.st = bindingStateRefresh
	return true
}

// bindingManager is the table of channel bindings owned by one
// allocation, indexed both by peer address and by channel number, with
// the channel-number allocator over [0x4000, 0x7FFF].
type bindingManager struct {
	mu      sync.Mutex
	addrMap map[string]*binding
	chanMap map[proto.ChannelNumber]*binding
	next    proto.ChannelNumber
}

func newBindingManager() *bindingManager {
	return &bindingManager{
		addrMap: map[string]*binding{},
		chanMap: map[proto.ChannelNumber]*binding{},
		next:    proto.ChannelNumber(proto.MinChannelNumber),
	}
}

func (m *bindingManager) findByAddr(addr net.Addr) (*binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.addrMap[addr.String()]
	return b, ok
}

func (m *bindingManager) findByNumber(num proto.ChannelNumber) (*binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.chanMap[num]
	return b, ok
}

// create returns the existing binding for addr if there is one;
// otherwise it allocates the next free channel number at or after the
// allocator's cursor (wrapping from 0x7FFF back to 0x4000) and a new Idle
// binding for addr. It returns an error if the channel-number space is
// exhausted.
func (m *bindingManager) create(addr net.Addr) (*binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.addrMap[addr.String()]; ok {
		return m.addrMap[addr.String()], nil
	}

	num, ok := m.nextFreeNumberLocked()
	if !ok {
		return nil, errChannelNumbersExhausted
	}

	b := &binding{addr: addr, number: num, st: bindingStateIdle}
	m.addrMap[addr.String()] = b
	m.chanMap[num] = b
	return b, nil
}

func (m *bindingManager) nextFreeNumberLocked() (proto.ChannelNumber, bool) {
	start := m.next
	for {
		candidate := m.next
		m.next++
		if m.next > proto.ChannelNumber(proto.MaxChannelNumber) {
			m.next = proto.ChannelNumber(proto.MinChannelNumber)
		}
		if _, taken := m.chanMap[candidate]; !taken {
			return candidate, true
		}
		if m.next == start {
			return 0, false
		}
	}
}

func (m *bindingManager) deleteByAddr(addr net.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.addrMap[addr.String()]
	if !ok {
		return
	}
	delete(m.addrMap, addr.String())
	delete(m.chanMap, b.number)
}
