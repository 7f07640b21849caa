package client

import (
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jtplouffe/turn/internal/proto"
)

var errFake = errors.New("client: fake transaction error")

type mockClient struct {
	performTransaction func(msg *stun.Message, addr net.Addr, dontWait bool) (TransactionResult, error)
	writeTo            func(data []byte, to net.Addr) (int, error)
	deallocated        net.Addr
}

func (m *mockClient) TURNServerAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 3478}
}

func (m *mockClient) Username() stun.Username { return stun.NewUsername("user") }
func (m *mockClient) Realm() stun.Realm       { return stun.NewRealm("realm") }

func (m *mockClient) WriteTo(data []byte, to net.Addr) (int, error) {
	if m.writeTo != nil {
		return m.writeTo(data, to)
	}
	return len(data), nil
}

func (m *mockClient) PerformTransaction(msg *stun.Message, to net.Addr, dontWait bool) (TransactionResult, error) {
	return m.performTransaction(msg, to, dontWait)
}

func (m *mockClient) OnDeallocated(relayedAddr net.Addr) {
	m.deallocated = relayedAddr
}

func testLogger() logging.LeveledLogger {
	return logging.NewDefaultLoggerFactory().NewLogger("test")
}

func staleNonceMsg() *stun.Message {
	return stun.MustBuild(
		stun.TransactionID,
		stun.NewType(stun.MethodChannelBind, stun.ClassErrorResponse),
		stun.CodeStaleNonce,
		stun.NewNonce("new-nonce-123"),
	)
}

func makeConn(t *testing.T, c Client, bm *bindingManager) *UDPConn {
	t.Helper()
	return &UDPConn{
		allocation: allocation{
			client:  c,
			permMap: newPermissionMap(),
			log:     testLogger(),
		},
		bindingMgr: bm,
	}
}

func TestMaybeBindIdleToRequest(t *testing.T) {
	bm := newBindingManager()
	b, err := bm.create(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1234})
	require.NoError(t, err)

	conn := makeConn(t, &mockClient{
		performTransaction: func(*stun.Message, net.Addr, bool) (TransactionResult, error) {
			return TransactionResult{Msg: stun.MustBuild(
				stun.TransactionID,
				stun.NewType(stun.MethodChannelBind, stun.ClassSuccessResponse),
			)}, nil
		},
	}, bm)

	conn.maybeBind(b)
	assert.Eventually(t, func() bool { return b.state() == bindingStateReady }, time.Second, 5*time.Millisecond)
}

func TestMaybeBindReadyPastIntervalRebinds(t *testing.T) {
	bm := newBindingManager()
	b, err := bm.create(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1234})
	require.NoError(t, err)
	b.setState(bindingStateReady)
	b.setRefreshedAt(time.Now().Add(-(bindingRefreshInterval + time.Minute)))

	started := make(chan struct{}, 1)
	conn := makeConn(t, &mockClient{
		performTransaction: func(*stun.Message, net.Addr, bool) (TransactionResult, error) {
			started <- struct{}{}
			return TransactionResult{Msg: stun.MustBuild(
				stun.TransactionID,
				stun.NewType(stun.MethodChannelBind, stun.ClassSuccessResponse),
			)}, nil
		},
	}, bm)

	conn.maybeBind(b)
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("expected a rebind transaction")
	}
}

func TestMaybeBindReadyWithinIntervalStaysReady(t *testing.T) {
	bm := newBindingManager()
	b, err := bm.create(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1234})
	require.NoError(t, err)
	b.setState(bindingStateReady)
	b.setRefreshedAt(time.Now())

	conn := makeConn(t, &mockClient{
		performTransaction: func(*stun.Message, net.Addr, bool) (TransactionResult, error) {
			t.Fatal("should not start a transaction")
			return TransactionResult{}, nil
		},
	}, bm)

	conn.maybeBind(b)
	assert.Equal(t, bindingStateReady, b.state())
}

func TestBindTransactionError(t *testing.T) {
	bm := newBindingManager()
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1234}
	b, err := bm.create(addr)
	require.NoError(t, err)

	conn := makeConn(t, &mockClient{
		performTransaction: func(*stun.Message, net.Addr, bool) (TransactionResult, error) {
			return TransactionResult{}, errFake
		},
	}, bm)

	nonceBefore := conn.nonce()
	bindErr := conn.bind(b)
	assert.ErrorIs(t, bindErr, errFake)
	assert.Equal(t, nonceBefore, conn.nonce())

	_, ok := bm.findByAddr(addr)
	assert.False(t, ok, "a transport-level failure deletes the binding")
}

func TestBindStaleNonceUpdatesNonceAndKeepsBinding(t *testing.T) {
	bm := newBindingManager()
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1234}
	b, err := bm.create(addr)
	require.NoError(t, err)

	conn := makeConn(t, &mockClient{
		performTransaction: func(*stun.Message, net.Addr, bool) (TransactionResult, error) {
			return TransactionResult{Msg: staleNonceMsg()}, nil
		},
	}, bm)

	nonceBefore := conn.nonce()
	bindErr := conn.bind(b)
	assert.ErrorIs(t, bindErr, errTryAgain)
	assert.NotEqual(t, nonceBefore, conn.nonce())

	_, ok := bm.findByAddr(addr)
	assert.True(t, ok, "a stale-nonce response does not delete the binding")
}

func TestBindUnexpectedResponseKeepsBindingForDiagnosis(t *testing.T) {
	bm := newBindingManager()
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1234}
	b, err := bm.create(addr)
	require.NoError(t, err)

	conn := makeConn(t, &mockClient{
		performTransaction: func(*stun.Message, net.Addr, bool) (TransactionResult, error) {
			return TransactionResult{Msg: stun.MustBuild(
				stun.TransactionID,
				stun.NewType(stun.MethodChannelBind, stun.ClassErrorResponse),
				stun.CodeBadRequest,
			)}, nil
		},
	}, bm)

	bindErr := conn.bind(b)
	assert.ErrorIs(t, bindErr, errUnexpectedResponse)

	_, ok := bm.findByAddr(addr)
	assert.True(t, ok, "an unexpected response leaves the binding in place so runBind can mark it Failed")
}

func TestRunBindMarksFailedAfterUnexpectedResponse(t *testing.T) {
	bm := newBindingManager()
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1234}
	b, err := bm.create(addr)
	require.NoError(t, err)

	conn := makeConn(t, &mockClient{
		performTransaction: func(*stun.Message, net.Addr, bool) (TransactionResult, error) {
			return TransactionResult{Msg: stun.MustBuild(
				stun.TransactionID,
				stun.NewType(stun.MethodChannelBind, stun.ClassErrorResponse),
				stun.CodeBadRequest,
			)}, nil
		},
	}, bm)

	conn.runBind(b)
	assert.Equal(t, bindingStateFailed, b.state())

	byAddr, ok := bm.findByAddr(addr)
	assert.True(t, ok, "the Failed binding is still reachable by address")
	assert.Same(t, b, byAddr)
}

func TestRunBindRetriesStaleNonceThenSucceeds(t *testing.T) {
	bm := newBindingManager()
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1234}
	b, err := bm.create(addr)
	require.NoError(t, err)

	var calls atomic.Int64
	conn := makeConn(t, &mockClient{
		performTransaction: func(*stun.Message, net.Addr, bool) (TransactionResult, error) {
			if calls.Add(1) == 1 {
				return TransactionResult{Msg: staleNonceMsg()}, nil
			}
			return TransactionResult{Msg: stun.MustBuild(
				stun.TransactionID,
				stun.NewType(stun.MethodChannelBind, stun.ClassSuccessResponse),
			)}, nil
		},
	}, bm)

	conn.runBind(b)
	assert.Equal(t, int64(2), calls.Load(), "exactly two ChannelBind transactions")
	assert.Equal(t, bindingStateReady, b.state())
}

func TestWriteToSkipsCreatePermissionWhenAlreadyPermitted(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1234}

	client := &mockClient{
		performTransaction: func(*stun.Message, net.Addr, bool) (TransactionResult, error) {
			t.Fatal("should not issue CreatePermission when already permitted")
			return TransactionResult{}, nil
		},
	}

	pm := newPermissionMap()
	pm.insert(addr, permission{st: permStatePermitted})

	bm := newBindingManager()
	b, err := bm.create(addr)
	require.NoError(t, err)
	b.setState(bindingStateReady)
	b.setRefreshedAt(time.Now())

	conn := &UDPConn{
		allocation: allocation{client: client, permMap: pm, log: testLogger()},
		bindingMgr: bm,
	}

	buf := []byte("hello")
	n, err := conn.WriteTo(buf, addr)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
}

func TestWriteToFirstSendToNewPeer(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1234}

	var createPermissionCalls, channelBindCalls atomic.Int64
	var sentRaw atomic.Value

	client := &mockClient{
		performTransaction: func(msg *stun.Message, _ net.Addr, _ bool) (TransactionResult, error) {
			switch msg.Type.Method {
			case stun.MethodCreatePermission:
				createPermissionCalls.Add(1)
			case stun.MethodChannelBind:
				channelBindCalls.Add(1)
			}
			return TransactionResult{Msg: stun.MustBuild(
				stun.TransactionID,
				stun.NewType(msg.Type.Method, stun.ClassSuccessResponse),
			)}, nil
		},
		writeTo: func(data []byte, _ net.Addr) (int, error) {
			sentRaw.Store(append([]byte{}, data...))
			return len(data), nil
		},
	}

	conn := &UDPConn{
		allocation: allocation{client: client, permMap: newPermissionMap(), log: testLogger()},
		bindingMgr: newBindingManager(),
	}

	buf := []byte("hello")
	n, err := conn.WriteTo(buf, addr)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n, "WriteTo reports the payload length, not the wire-framed size")
	assert.Equal(t, int64(1), createPermissionCalls.Load(), "exactly one CreatePermission transaction")

	raw, ok := sentRaw.Load().([]byte)
	require.True(t, ok, "expected an outbound Send indication")
	assert.False(t, proto.IsChannelData(raw), "a fresh peer is sent to as a Send indication, not ChannelData")

	msg := &stun.Message{Raw: raw}
	require.NoError(t, msg.Decode())
	assert.Equal(t, stun.NewType(stun.MethodSend, stun.ClassIndication), msg.Type)

	var peer proto.PeerAddress
	require.NoError(t, peer.GetFrom(msg))
	assert.True(t, addr.IP.Equal(peer.IP))
	assert.Equal(t, addr.Port, peer.Port)

	assert.Eventually(t, func() bool {
		b, ok := conn.bindingMgr.findByAddr(addr)
		return ok && b.state() != bindingStateIdle
	}, time.Second, 5*time.Millisecond, "a bind should have been spawned for the new binding")
	assert.LessOrEqual(t, channelBindCalls.Load(), int64(1), "at most one ChannelBind transaction in flight")
}

func TestWriteToRejectsNonUDPAddr(t *testing.T) {
	conn := &UDPConn{
		allocation: allocation{client: &mockClient{}, permMap: newPermissionMap(), log: testLogger()},
		bindingMgr: newBindingManager(),
	}
	_, err := conn.WriteTo([]byte("x"), &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1})
	assert.ErrorIs(t, err, errAddrNotUDP)
}

func TestWriteToAfterCloseFails(t *testing.T) {
	conn := &UDPConn{
		allocation: allocation{client: &mockClient{}, permMap: newPermissionMap(), log: testLogger()},
		bindingMgr: newBindingManager(),
	}
	conn.closed.Store(true)

	_, err := conn.WriteTo([]byte("x"), &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1})
	assert.ErrorIs(t, err, errAlreadyClosed)
}

func TestHandleInboundAndReadFrom(t *testing.T) {
	conn := &UDPConn{
		allocation: allocation{client: &mockClient{}, log: testLogger()},
		readCh:     make(chan *inboundData, 1),
	}
	from := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9999}
	conn.HandleInbound([]byte("payload"), from)

	buf := make([]byte, 16)
	n, addr, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(buf[:n]))
	assert.Equal(t, from, addr)
}

func TestReadFromShortBuffer(t *testing.T) {
	conn := &UDPConn{
		allocation: allocation{client: &mockClient{}, log: testLogger()},
		readCh:     make(chan *inboundData, 1),
	}
	conn.HandleInbound([]byte("too long"), &net.UDPAddr{})

	buf := make([]byte, 2)
	_, _, err := conn.ReadFrom(buf)
	assert.ErrorIs(t, err, errShortBuffer)
}

func TestCloseIsIdempotentAndUnblocksReadFrom(t *testing.T) {
	client := &mockClient{
		performTransaction: func(*stun.Message, net.Addr, bool) (TransactionResult, error) {
			return TransactionResult{Msg: stun.MustBuild(
				stun.TransactionID,
				stun.NewType(stun.MethodRefresh, stun.ClassSuccessResponse),
			)}, nil
		},
	}
	conn := &UDPConn{
		allocation:        allocation{client: client, log: testLogger()},
		readCh:            make(chan *inboundData),
		closeCh:           make(chan struct{}),
		refreshAllocTimer: newPeriodicTimer(timerIDRefreshAlloc, func(timerID) {}, time.Hour),
		refreshPermsTimer: newPeriodicTimer(timerIDRefreshPerms, func(timerID) {}, time.Hour),
	}

	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Close(), errAlreadyClosed)
	assert.Equal(t, conn.relayedAddr, client.deallocated)

	_, _, err := conn.ReadFrom(make([]byte, 1))
	assert.ErrorIs(t, err, errAlreadyClosed)
}

func TestFindAddrByChannelNumber(t *testing.T) {
	bm := newBindingManager()
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1234}
	b, err := bm.create(addr)
	require.NoError(t, err)

	conn := &UDPConn{bindingMgr: bm}
	got, ok := conn.FindAddrByChannelNumber(uint16(b.number))
	assert.True(t, ok)
	assert.Equal(t, addr, got)

	_, ok = conn.FindAddrByChannelNumber(uint16(b.number) + 1)
	assert.False(t, ok)
}
