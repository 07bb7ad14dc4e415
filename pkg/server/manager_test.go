package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/benrben/agentpriinter/pkg/protocol"
)

func TestBroadcastAssignsSeqBeforePush(t *testing.T) {
	m := newTestManager(t, nil)
	conn := newFakeConn("c1", "s1")
	m.Attach(conn)

	require.NoError(t, m.Broadcast(renderMsg(t, "s1")))

	msgs := conn.waitFor(t, 1)
	require.Equal(t, uint64(1), msgs[0].Header.Seq, "seq is assigned before the push")

	entries, err := m.History().ReadSince("s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, uint64(1), entries[0].Seq)
}

func TestBroadcastSeqContiguousUnderConcurrency(t *testing.T) {
	m := newTestManager(t, nil)

	var wg sync.WaitGroup
	const n = 100
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, m.Broadcast(renderMsg(t, "s1")))
		}()
	}
	wg.Wait()

	entries, err := m.History().ReadSince("s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, n)
	for i, entry := range entries {
		require.Equal(t, uint64(i+1), entry.Seq)
		require.Equal(t, entry.Seq, entry.Message.Header.Seq)
	}
}

func TestBroadcastPatchGoesThroughCoalescer(t *testing.T) {
	config := DefaultConfig()
	config.DebounceWindow = 30 * time.Millisecond
	m := newTestManager(t, config)
	conn := newFakeConn("c1", "s1")
	m.Attach(conn)

	const n = 4
	for i := 0; i < n; i++ {
		require.NoError(t, m.Broadcast(patchMsg(t, "s1", map[string]any{"value": i})))
	}

	msgs := conn.waitFor(t, 1)
	time.Sleep(80 * time.Millisecond)
	require.Len(t, conn.received(), 1, "a burst coalesces into one delivery")

	var merged protocol.CoalescedPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &merged))
	require.Len(t, merged.Patches, n)
	require.Equal(t, uint64(1), msgs[0].Header.Seq, "the merged message is sequenced like any other")
}

func TestStatePatchAlsoCoalesces(t *testing.T) {
	config := DefaultConfig()
	config.DebounceWindow = 20 * time.Millisecond
	m := newTestManager(t, config)
	conn := newFakeConn("c1", "s1")
	m.Attach(conn)

	header := protocol.NewHeader("trace-1")
	header.SessionID = "s1"
	msg, err := protocol.NewMessage(protocol.TypeStatePatch, header, protocol.StatePatch{
		Op: protocol.PatchOpReplace, Path: "/count", Value: 3,
	})
	require.NoError(t, err)
	require.NoError(t, m.Broadcast(msg))

	msgs := conn.waitFor(t, 1)
	require.Equal(t, protocol.TypeStatePatch, msgs[0].Type)
}

func TestSubscriberReceivesBroadcasts(t *testing.T) {
	m := newTestManager(t, nil)
	sub, err := m.Subscribe("s1")
	require.NoError(t, err)

	require.NoError(t, m.Broadcast(renderMsg(t, "s1")))

	msg, ok := sub.Next(context.Background(), time.Second)
	require.True(t, ok)
	require.Equal(t, protocol.TypeUIRender, msg.Type)
	require.Equal(t, uint64(1), msg.Header.Seq)
}

func TestFullSubscriberQueueDropsWithoutBlocking(t *testing.T) {
	config := DefaultConfig()
	config.QueueSize = 2
	m := newTestManager(t, config)
	sub, err := m.Subscribe("s1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			m.Broadcast(renderMsg(t, "s1"))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full subscriber queue")
	}

	require.Equal(t, 2, sub.Depth())

	// All five are still in history; the subscriber recovers by reading
	// past its last seen seq.
	entries, err := m.History().ReadSince("s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := newTestManager(t, nil)
	sub, err := m.Subscribe("s1")
	require.NoError(t, err)
	m.Unsubscribe(sub)

	require.NoError(t, m.Broadcast(renderMsg(t, "s1")))
	_, ok := sub.Next(context.Background(), 50*time.Millisecond)
	require.False(t, ok)
}

func TestConnectionRateLimiting(t *testing.T) {
	config := DefaultConfig()
	config.ConnRate = 2
	config.ConnWindow = time.Minute
	m := newTestManager(t, config)

	require.True(t, m.AllowConnection("10.0.0.1"))
	require.True(t, m.AllowConnection("10.0.0.1"))
	require.False(t, m.AllowConnection("10.0.0.1"))
	require.True(t, m.AllowConnection("10.0.0.2"), "limits are per address")
}

func TestMessageRateLimiting(t *testing.T) {
	config := DefaultConfig()
	config.MessageRate = 5
	config.MessageWindow = time.Second
	m := newTestManager(t, config)

	for i := 0; i < 5; i++ {
		ok, _ := m.AllowMessage("conn-1")
		require.True(t, ok)
	}
	ok, remaining := m.AllowMessage("conn-1")
	require.False(t, ok)
	require.Zero(t, remaining)
}

func TestDetachReleasesMessageBucket(t *testing.T) {
	config := DefaultConfig()
	config.MessageRate = 1
	config.MessageWindow = time.Hour
	m := newTestManager(t, config)

	conn := newFakeConn("conn-1", "s1")
	m.Attach(conn)
	ok, _ := m.AllowMessage(conn.ID())
	require.True(t, ok)
	ok, _ = m.AllowMessage(conn.ID())
	require.False(t, ok)

	// Detaching forgets the connection's recorded events, so a reconnect
	// under the same identity starts with a fresh quota.
	m.Detach(conn)
	ok, _ = m.AllowMessage(conn.ID())
	require.True(t, ok)
}

func TestManagerCloseRejectsFurtherWork(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, m.Close())

	require.ErrorIs(t, m.Broadcast(renderMsg(t, "s1")), ErrManagerClosed)
	_, err := m.Subscribe("s1")
	require.ErrorIs(t, err, ErrManagerClosed)
}

func TestManagerCloseFlushesPendingPatches(t *testing.T) {
	config := DefaultConfig()
	config.DebounceWindow = time.Hour
	m := newTestManager(t, config)
	conn := newFakeConn("c1", "s1")
	m.Attach(conn)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Broadcast(patchMsg(t, "s1", map[string]any{"value": i})))
	}
	require.Empty(t, conn.received())

	require.NoError(t, m.Close())

	// Close flushed the coalescer before tearing down the registry, so the
	// connection saw the merged message.
	msgs := conn.received()
	require.Len(t, msgs, 1)
	var merged protocol.CoalescedPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &merged))
	require.Len(t, merged.Patches, 3)
}
