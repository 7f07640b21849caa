package client

import (
	"net"
	"sync"
)

type permState int

const (
	permStateIdle permState = iota
	permStatePermitted
)

func (s permState) String() string {
	switch s {
	case permStateIdle:
		return "idle"
	case permStatePermitted:
		return "permitted"
	default:
		return "unknown"
	}
}

// permission is a TURN permission record for one peer IP. It is a plain
// value type: find returns a copy so a caller can inspect, mutate, and
// write the result back through insert without holding a reference
// across a suspension point.
type permission struct {
	st permState
}

func (p permission) state() permState {
	return p.st
}

// permissionMap is the table of permissions owned by one allocation,
// keyed by peer IP. External synchronization is the allocation's lock;
// permissionMap's own mutex only protects the map itself.
type permissionMap struct {
	mu sync.Mutex
	m  map[string]*permission
}

func newPermissionMap() *permissionMap {
	return &permissionMap{m: map[string]*permission{}}
}

func permKey(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case *net.TCPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// find returns a copy of the permission for addr's IP, if any.
func (m *permissionMap) find(addr net.Addr) (permission, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.m[permKey(addr)]
	if !ok {
		return permission{}, false
	}
	return *p, true
}

// insert writes p back for addr's IP, creating the entry if absent.
func (m *permissionMap) insert(addr net.Addr, p permission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := p
	m.m[permKey(addr)] = &stored
}

// delete removes the permission for addr's IP, if any.
func (m *permissionMap) delete(addr net.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, permKey(addr))
}

// addrs returns the IPs with a live permission entry, as net.IP values.
func (m *permissionMap) addrs() []net.IP {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]net.IP, 0, len(m.m))
	for k := range m.m {
		out = append(out, net.ParseIP(k))
	}
	return out
}
