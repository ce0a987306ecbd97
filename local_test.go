package streamrpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newLocalTransports(t *testing.T) (*LocalTransport, *LocalTransport) {
	t.Helper()
	ta, err := NewLocalTransport(quietOpts(WithDeviceID("a"), WithMethods(testMethods(&callLog{})))...)
	require.NoError(t, err)
	tb, err := NewLocalTransport(quietOpts(WithDeviceID("b"), WithMethods(testMethods(&callLog{})))...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ta.Close()
		tb.Close()
	})
	return ta, tb
}

func TestLocalPair(t *testing.T) {
	ta, tb := newLocalTransports(t)

	ca, cb, err := ta.AddConnection(tb)
	require.NoError(t, err)
	require.Equal(t, StatusOpen, ca.Status())
	require.Equal(t, StatusOpen, cb.Status())
	require.Equal(t, "b", ca.OtherDeviceID())
	require.Equal(t, "a", cb.OtherDeviceID())
	require.True(t, ta.Connections().Has(ca))
	require.True(t, tb.Connections().Has(cb))

	sum, err := Call[int](context.Background(), ca, "add", 1, 2)
	require.NoError(t, err)
	require.Equal(t, 3, sum)
}

func TestLocalCounterpartClose(t *testing.T) {
	ta, tb := newLocalTransports(t)
	ca, cb, err := ta.AddConnection(tb)
	require.NoError(t, err)

	var aClosed, bClosed int
	ca.OnClose(func() { aClosed++ })
	cb.OnClose(func() { bClosed++ })

	require.NoError(t, ca.Close())
	require.Equal(t, StatusClosed, ca.Status())
	require.Equal(t, StatusClosed, cb.Status())
	require.Equal(t, ClosedByUser, ca.CloseReason())
	require.Equal(t, ClosedByCounterpart, cb.CloseReason())
	require.Equal(t, 1, aClosed)
	require.Equal(t, 1, bClosed)

	require.Zero(t, ta.Connections().Len())
	require.Zero(t, tb.Connections().Len())
	require.Equal(t, StatusOpen, ta.Status())
	require.Equal(t, StatusOpen, tb.Status())

	require.NoError(t, cb.Close())
	require.Equal(t, 1, bClosed)
}

func TestLocalTransportClose(t *testing.T) {
	ta, tb := newLocalTransports(t)
	tc, err := NewLocalTransport(quietOpts(WithDeviceID("c"))...)
	require.NoError(t, err)
	defer tc.Close()

	ab, ba, err := ta.AddConnection(tb)
	require.NoError(t, err)
	ac, ca, err := ta.AddConnection(tc)
	require.NoError(t, err)
	require.Equal(t, 2, ta.Connections().Len())

	closes := map[*Connection]int{}
	for _, conn := range []*Connection{ab, ba, ac, ca} {
		conn := conn
		conn.OnClose(func() { closes[conn]++ })
	}
	var transportClosed int
	ta.OnClose(func() { transportClosed++ })

	require.NoError(t, ta.Close())
	require.NoError(t, ta.Close())

	require.Equal(t, StatusClosed, ta.Status())
	require.Equal(t, 1, transportClosed)
	for conn, n := range closes {
		require.Equal(t, 1, n, conn.Description())
		require.Equal(t, StatusClosed, conn.Status())
	}
	require.Equal(t, ClosedByTransport, ab.CloseReason())
	require.Equal(t, ClosedByCounterpart, ba.CloseReason())

	require.Equal(t, StatusOpen, tb.Status())
	require.Equal(t, StatusOpen, tc.Status())

	_, _, err = ta.AddConnection(tb)
	require.ErrorIs(t, err, ErrUseAfterClose)
	_, _, err = tb.AddConnection(ta)
	require.ErrorIs(t, err, ErrUseAfterClose)

	var late bool
	ta.OnClose(func() { late = true })
	require.True(t, late)
}

func TestLocalLoopback(t *testing.T) {
	ta, _ := newLocalTransports(t)

	c1, c2, err := ta.AddConnection(ta)
	require.NoError(t, err)
	require.Equal(t, 2, ta.Connections().Len())

	shouted, err := Call[string](context.Background(), c2, "shout", "loop")
	require.NoError(t, err)
	require.Equal(t, "LOOP!", shouted)

	c1.Close()
	require.Zero(t, ta.Connections().Len())
}

func TestLocalSendFromOnAdd(t *testing.T) {
	la, lb := &callLog{}, &callLog{}
	ta, err := NewLocalTransport(quietOpts(WithDeviceID("a"), WithMethods(testMethods(la)))...)
	require.NoError(t, err)
	defer ta.Close()
	tb, err := NewLocalTransport(quietOpts(WithDeviceID("b"), WithMethods(testMethods(lb)))...)
	require.NoError(t, err)
	defer tb.Close()

	ctx := context.Background()
	var aErr, bErr error
	ta.Connections().OnAdd(func(conn *Connection) {
		aErr = conn.Notify(ctx, "record", "from a")
	})
	tb.Connections().OnAdd(func(conn *Connection) {
		bErr = conn.Notify(ctx, "record", "from b")
	})

	_, _, err = ta.AddConnection(tb)
	require.NoError(t, err)
	require.NoError(t, aErr)
	require.NoError(t, bErr)
	require.Equal(t, []string{"from a"}, lb.snapshot())
	require.Equal(t, []string{"from b"}, la.snapshot())
}
