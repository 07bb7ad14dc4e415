package history

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/benrben/agentpriinter/pkg/protocol"
)

func testMessage(t *testing.T, body string) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(protocol.TypeUIPatch, protocol.NewHeader("trace-1"), map[string]string{"body": body})
	require.NoError(t, err)
	return msg
}

// stores returns one instance of each backend, keyed by name, so every
// contract test runs against both.
func stores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(testLogger()),
		"sqlite": sqlite,
	}
}

func TestAppendAssignsContiguousSeq(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 1; i <= 5; i++ {
				msg := testMessage(t, fmt.Sprintf("msg-%d", i))
				seq, err := store.Append("s1", msg)
				require.NoError(t, err)
				require.Equal(t, uint64(i), seq)
				require.Equal(t, uint64(i), msg.Header.Seq)
			}

			last, err := store.LastSeq("s1")
			require.NoError(t, err)
			require.Equal(t, uint64(5), last)
		})
	}
}

func TestSequencesAreIndependentPerSession(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				_, err := store.Append("a", testMessage(t, "a"))
				require.NoError(t, err)
			}
			seq, err := store.Append("b", testMessage(t, "b"))
			require.NoError(t, err)
			require.Equal(t, uint64(1), seq)
		})
	}
}

func TestMemoryStoreSessionCount(t *testing.T) {
	store := NewMemoryStore(testLogger())
	require.Zero(t, store.SessionCount())

	_, err := store.Append("a", testMessage(t, "a"))
	require.NoError(t, err)
	_, err = store.Append("b", testMessage(t, "b"))
	require.NoError(t, err)
	require.Equal(t, 2, store.SessionCount())
}

func TestReadSince(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 1; i <= 10; i++ {
				_, err := store.Append("s1", testMessage(t, fmt.Sprintf("msg-%d", i)))
				require.NoError(t, err)
			}

			// Cursor 0 with no limit replays everything.
			all, err := store.ReadSince("s1", 0, 0)
			require.NoError(t, err)
			require.Len(t, all, 10)
			require.Equal(t, uint64(1), all[0].Seq)

			// Cursor skips already-seen entries.
			tail, err := store.ReadSince("s1", 7, 0)
			require.NoError(t, err)
			require.Len(t, tail, 3)
			require.Equal(t, uint64(8), tail[0].Seq)

			// Limit caps the batch.
			page, err := store.ReadSince("s1", 0, 4)
			require.NoError(t, err)
			require.Len(t, page, 4)
			require.Equal(t, uint64(4), page[3].Seq)

			// Cursor at or past the tail yields nothing.
			empty, err := store.ReadSince("s1", 10, 0)
			require.NoError(t, err)
			require.Empty(t, empty)

			past, err := store.ReadSince("s1", 99, 0)
			require.NoError(t, err)
			require.Empty(t, past)
		})
	}
}

func TestReadSincePreservesPayload(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Append("s1", testMessage(t, "hello"))
			require.NoError(t, err)

			entries, err := store.ReadSince("s1", 0, 0)
			require.NoError(t, err)
			require.Len(t, entries, 1)

			var payload map[string]string
			require.NoError(t, json.Unmarshal(entries[0].Message.Payload, &payload))
			require.Equal(t, "hello", payload["body"])
			require.Equal(t, protocol.TypeUIPatch, entries[0].Message.Type)
		})
	}
}

func TestUnknownSessionIsEmpty(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			entries, err := store.ReadSince("nope", 0, 0)
			require.NoError(t, err)
			require.Empty(t, entries)

			last, err := store.LastSeq("nope")
			require.NoError(t, err)
			require.Zero(t, last)
		})
	}
}

func TestConcurrentAppendsStayDense(t *testing.T) {
	const (
		writers = 8
		each    = 25
	)

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				seqs []uint64
			)
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < each; i++ {
						seq, err := store.Append("busy", testMessage(t, fmt.Sprintf("w%d-%d", w, i)))
						if err != nil {
							t.Error(err)
							return
						}
						mu.Lock()
						seqs = append(seqs, seq)
						mu.Unlock()
					}
				}(w)
			}
			wg.Wait()

			require.Len(t, seqs, writers*each)
			sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
			for i, seq := range seqs {
				require.Equal(t, uint64(i+1), seq, "sequence must be dense with no gaps or duplicates")
			}

			last, err := store.LastSeq("busy")
			require.NoError(t, err)
			require.Equal(t, uint64(writers*each), last)
		})
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Close())

			_, err := store.Append("s1", testMessage(t, "late"))
			require.ErrorIs(t, err, ErrStoreClosed)
		})
	}
}
