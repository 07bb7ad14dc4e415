package server

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryBroadcastReachesSessionConns(t *testing.T) {
	r := NewRegistry(testLogger())
	a := newFakeConn("a", "s1")
	b := newFakeConn("b", "s1")
	other := newFakeConn("c", "s2")
	r.Register(a)
	r.Register(b)
	r.Register(other)

	r.Broadcast("s1", renderMsg(t, "s1"))

	require.Len(t, a.received(), 1)
	require.Len(t, b.received(), 1)
	require.Empty(t, other.received(), "other sessions must not receive the broadcast")
}

func TestRegistryEvictsFailingConn(t *testing.T) {
	r := NewRegistry(testLogger())
	healthy := newFakeConn("healthy", "s1")
	broken := newFakeConn("broken", "s1")
	broken.failSend = true
	r.Register(healthy)
	r.Register(broken)

	var evicted []Conn
	r.OnEvict(func(c Conn) { evicted = append(evicted, c) })

	// Must not panic and must still deliver to the healthy connection.
	r.Broadcast("s1", renderMsg(t, "s1"))

	require.Len(t, healthy.received(), 1)
	require.Len(t, evicted, 1)
	require.Equal(t, "broken", evicted[0].ID())
	require.True(t, broken.closed)
	require.Equal(t, 1, r.ConnCount("s1"))

	// The evicted connection stays gone.
	r.Broadcast("s1", renderMsg(t, "s1"))
	require.Len(t, healthy.received(), 2)
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry(testLogger())
	a := newFakeConn("a", "s1")
	r.Register(a)
	require.Equal(t, 1, r.TotalConns())

	r.Unregister(a)
	require.Zero(t, r.TotalConns())

	// Unknown connection is a no-op.
	r.Unregister(newFakeConn("ghost", "s1"))

	r.Broadcast("s1", renderMsg(t, "s1"))
	require.Empty(t, a.received())
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry(testLogger())
	a := newFakeConn("a", "s1")
	b := newFakeConn("b", "s2")
	r.Register(a)
	r.Register(b)

	r.CloseAll()

	require.True(t, a.closed)
	require.True(t, b.closed)
	require.Zero(t, r.TotalConns())
}
