package server

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/benrben/agentpriinter/pkg/protocol"
)

// flushSink records coalescer deliveries.
type flushSink struct {
	mu    sync.Mutex
	msgs  []*protocol.Message
	byKey map[string]int
}

func newFlushSink() *flushSink {
	return &flushSink{byKey: make(map[string]int)}
}

func (s *flushSink) flush(sessionID string, msg *protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	s.byKey[sessionID]++
}

func (s *flushSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *flushSink) waitForCount(t *testing.T, n int) []*protocol.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.msgs) >= n {
			out := make([]*protocol.Message, len(s.msgs))
			copy(out, s.msgs)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d flushes", n)
	return nil
}

func TestCoalescerSinglePatchPassesVerbatim(t *testing.T) {
	sink := newFlushSink()
	c := NewCoalescer(20*time.Millisecond, sink.flush, testLogger())
	defer c.Close()

	original := patchMsg(t, "s1", map[string]any{"op": "set", "path": "/a", "value": 1})
	c.Add("s1", original)

	msgs := sink.waitForCount(t, 1)
	require.Same(t, original, msgs[0], "a lone patch is delivered unchanged")
}

func TestCoalescerBurstMergesIntoOneMessage(t *testing.T) {
	sink := newFlushSink()
	c := NewCoalescer(50*time.Millisecond, sink.flush, testLogger())
	defer c.Close()

	const n = 5
	for i := 0; i < n; i++ {
		c.Add("s1", patchMsg(t, "s1", map[string]any{"op": "set", "path": "/x", "value": i}))
	}

	msgs := sink.waitForCount(t, 1)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, sink.count(), "a burst within the window produces exactly one delivery")

	var merged protocol.CoalescedPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &merged))
	require.Len(t, merged.Patches, n)

	// Oldest first.
	for i, raw := range merged.Patches {
		var patch map[string]any
		require.NoError(t, json.Unmarshal(raw, &patch))
		require.Equal(t, float64(i), patch["value"])
	}
}

func TestCoalescerSpacedPatchesDeliverSeparately(t *testing.T) {
	sink := newFlushSink()
	c := NewCoalescer(20*time.Millisecond, sink.flush, testLogger())
	defer c.Close()

	c.Add("s1", patchMsg(t, "s1", map[string]any{"value": 1}))
	sink.waitForCount(t, 1)
	c.Add("s1", patchMsg(t, "s1", map[string]any{"value": 2}))
	msgs := sink.waitForCount(t, 2)

	for _, msg := range msgs {
		var patch map[string]any
		require.NoError(t, json.Unmarshal(msg.Payload, &patch))
		require.NotContains(t, patch, "patches")
	}
}

func TestCoalescerSessionsAreIndependent(t *testing.T) {
	sink := newFlushSink()
	c := NewCoalescer(20*time.Millisecond, sink.flush, testLogger())
	defer c.Close()

	c.Add("s1", patchMsg(t, "s1", map[string]any{"value": 1}))
	c.Add("s2", patchMsg(t, "s2", map[string]any{"value": 2}))

	sink.waitForCount(t, 2)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, 1, sink.byKey["s1"])
	require.Equal(t, 1, sink.byKey["s2"])
}

func TestCoalescerStaleTimerAfterEntryRecreated(t *testing.T) {
	sink := newFlushSink()
	c := NewCoalescer(time.Hour, sink.flush, testLogger())
	defer c.Close()

	// First burst: capture the generation its timer would fire with, then
	// flush it legitimately, deleting the session entry.
	c.Add("s1", patchMsg(t, "s1", map[string]any{"value": 1}))
	c.mu.Lock()
	firstGen := c.pending["s1"].gen
	c.pending["s1"].timer.Stop()
	c.mu.Unlock()
	c.fire("s1", firstGen)
	require.Equal(t, 1, sink.count())

	// Second burst recreates the entry. A delayed callback from the first
	// burst's replaced timer now fires with its old generation and must not
	// flush the new buffer before its own window elapses.
	c.Add("s1", patchMsg(t, "s1", map[string]any{"value": 2}))
	c.fire("s1", firstGen)
	require.Equal(t, 1, sink.count(), "stale timer must not flush a recreated session buffer")
	require.Equal(t, 1, c.PendingCount("s1"))
}

func TestCoalescerCloseFlushesPending(t *testing.T) {
	sink := newFlushSink()
	c := NewCoalescer(time.Hour, sink.flush, testLogger())

	c.Add("s1", patchMsg(t, "s1", map[string]any{"value": 1}))
	c.Add("s1", patchMsg(t, "s1", map[string]any{"value": 2}))
	require.Equal(t, 2, c.PendingCount("s1"))

	c.Close()
	require.Equal(t, 1, sink.count())

	// Closed coalescer ignores further patches.
	c.Add("s1", patchMsg(t, "s1", map[string]any{"value": 3}))
	require.Equal(t, 1, sink.count())
}
