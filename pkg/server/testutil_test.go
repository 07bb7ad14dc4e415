package server

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/benrben/agentpriinter/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// newTestManager builds a Manager with an isolated metrics registry so
// tests never collide on Prometheus registration.
func newTestManager(t *testing.T, config *Config) *Manager {
	t.Helper()
	if config == nil {
		config = DefaultConfig()
	}
	m := NewManager(config, &ManagerOptions{
		Registerer: prometheus.NewRegistry(),
		Logger:     testLogger(),
	})
	t.Cleanup(func() { m.Close() })
	return m
}

// fakeConn records sent messages; it can be told to fail every send.
type fakeConn struct {
	id        string
	sessionID string

	mu       sync.Mutex
	msgs     []*protocol.Message
	failSend bool
	closed   bool
}

func newFakeConn(id, sessionID string) *fakeConn {
	return &fakeConn{id: id, sessionID: sessionID}
}

func (c *fakeConn) ID() string        { return c.id }
func (c *fakeConn) SessionID() string { return c.sessionID }

func (c *fakeConn) Send(msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return errors.New("send always fails")
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *fakeConn) waitFor(t *testing.T, n int) []*protocol.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := c.received(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	msgs := c.received()
	require.GreaterOrEqual(t, len(msgs), n, "timed out waiting for messages")
	return msgs
}

func patchMsg(t *testing.T, sessionID string, body map[string]any) *protocol.Message {
	t.Helper()
	header := protocol.NewHeader("trace-1")
	header.SessionID = sessionID
	msg, err := protocol.NewMessage(protocol.TypeUIPatch, header, body)
	require.NoError(t, err)
	return msg
}

func renderMsg(t *testing.T, sessionID string) *protocol.Message {
	t.Helper()
	header := protocol.NewHeader("trace-1")
	header.SessionID = sessionID
	msg, err := protocol.NewMessage(protocol.TypeUIRender, header, map[string]string{"page": "home"})
	require.NoError(t, err)
	return msg
}
