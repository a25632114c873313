package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabedit/ot"
)

func newTestEngine(t *testing.T, historyLimit int) *Engine {
	t.Helper()
	e := New(&Options{HistoryLimit: historyLimit})
	t.Cleanup(e.Close)
	return e
}

func mustJoin(t *testing.T, e *Engine, docID, sessionID, content string) Snapshot {
	t.Helper()
	snap, err := e.Join(context.Background(), docID, sessionID, content, 0)
	require.NoError(t, err)
	return snap
}

func TestSubmitSequentialVersions(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 0)
	mustJoin(t, e, "doc", "s1", "")

	// Accepted versions must be 1, 2, 3, ... with no gaps or repeats.
	for i := 0; i < 10; i++ {
		result, err := e.Submit(ctx, "doc", "c1",
			[]ot.Operation{ot.Insert(i, "x")}, int64(i))
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), result.Version)
		assert.False(t, result.Transformed)
	}

	snap, err := e.Snapshot(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "xxxxxxxxxx", snap.Content)
	assert.Equal(t, int64(10), snap.Version)
}

func TestSubmitTransformsStaleBaseVersion(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 0)
	mustJoin(t, e, "doc", "s1", "Hello World")

	// Client A submits at base 0.
	a, err := e.Submit(ctx, "doc", "a", []ot.Operation{ot.Insert(5, " there")}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Version)

	// Client B also produced against base 0; its op transforms against A's.
	b, err := e.Submit(ctx, "doc", "b", []ot.Operation{ot.Insert(5, "!")}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.Version)
	assert.True(t, b.Transformed)

	snap, err := e.Snapshot(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "Hello there! World", snap.Content)
}

func TestSubmitTransformedOpsReconcileClientState(t *testing.T) {
	// The transformed ops returned to a stale client, applied to that
	// client's own view, must yield exactly the server content.
	ctx := context.Background()
	e := newTestEngine(t, 0)
	mustJoin(t, e, "doc", "s1", "ABCDEF")

	_, err := e.Submit(ctx, "doc", "a", []ot.Operation{ot.Insert(3, "X")}, 0)
	require.NoError(t, err)

	clientView := "ABCDEF"
	clientOps := []ot.Operation{ot.Delete(1, 3)}
	b, err := e.Submit(ctx, "doc", "b", clientOps, 0)
	require.NoError(t, err)

	// Client b first catches up with a's delta, then applies its own
	// transformed ops.
	clientView = ot.Apply(clientView, []ot.Operation{ot.Insert(3, "X")})
	clientView = ot.Apply(clientView, b.Ops)

	snap, err := e.Snapshot(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, snap.Content, clientView)
	assert.Equal(t, "AXEF", snap.Content)
}

func TestSubmitClientAhead(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 0)
	mustJoin(t, e, "doc", "s1", "")

	_, err := e.Submit(ctx, "doc", "c1", []ot.Operation{ot.Insert(0, "x")}, 5)
	assert.ErrorIs(t, err, ErrClientAhead)
}

func TestSubmitClientTooFarBehind(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 3)
	mustJoin(t, e, "doc", "s1", "")

	for i := 0; i < 6; i++ {
		_, err := e.Submit(ctx, "doc", "c1",
			[]ot.Operation{ot.Insert(0, "x")}, int64(i))
		require.NoError(t, err)
	}

	// History retains versions 4..6; base 2 is outside the window.
	_, err := e.Submit(ctx, "doc", "c2", []ot.Operation{ot.Insert(0, "y")}, 2)
	assert.ErrorIs(t, err, ErrClientTooFarBehind)

	// Base 3 is the oldest still transformable.
	_, err = e.Submit(ctx, "doc", "c2", []ot.Operation{ot.Insert(0, "y")}, 3)
	assert.NoError(t, err)
}

func TestSubmitInvalidOpsRejectedWithoutStateChange(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 0)
	mustJoin(t, e, "doc", "s1", "abc")

	_, err := e.Submit(ctx, "doc", "c1", []ot.Operation{ot.Delete(1, 10)}, 0)
	assert.ErrorIs(t, err, ot.ErrInvalidOperation)

	snap, err := e.Snapshot(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "abc", snap.Content)
	assert.Equal(t, int64(0), snap.Version, "rejected submit must not advance the version")
}

func TestConcurrentSubmitsSerializeWithoutGaps(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 0)
	mustJoin(t, e, "doc", "s1", "")

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	versions := make(chan int64, writers*perWriter)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			clientID := fmt.Sprintf("c%d", w)
			for i := 0; i < perWriter; i++ {
				// Base 0 with a full history forces the transform path once
				// the window fills; use current version instead.
				snap, err := e.Snapshot(ctx, "doc")
				if err != nil {
					t.Error(err)
					return
				}
				result, err := e.Submit(ctx, "doc", clientID,
					[]ot.Operation{ot.Insert(0, "x")}, snap.Version)
				if err != nil {
					t.Error(err)
					return
				}
				versions <- result.Version
			}
		}(w)
	}
	wg.Wait()
	close(versions)

	seen := make(map[int64]bool)
	for v := range versions {
		assert.False(t, seen[v], "version %d assigned twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, writers*perWriter)

	snap, err := e.Snapshot(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, int64(writers*perWriter), snap.Version)
	assert.Len(t, snap.Content, writers*perWriter, "no accepted insert may be lost")
}

func TestThreeWayConcurrencyPreservesAllData(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 0)
	mustJoin(t, e, "doc", "s1", "")

	inserts := map[string]string{
		"c1": "aaaaaaaaaa",
		"c2": "bbbbbbbbbb",
		"c3": "cccccccccc",
	}
	for clientID, text := range inserts {
		_, err := e.Submit(ctx, "doc", clientID,
			[]ot.Operation{ot.Insert(0, text)}, 0)
		require.NoError(t, err)
	}

	snap, err := e.Snapshot(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Version)
	assert.Len(t, snap.Content, 30)
	for _, text := range inserts {
		assert.Contains(t, snap.Content, text)
	}
}

func TestApplyRemoteIdempotence(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 0)
	mustJoin(t, e, "doc", "s1", "")

	ops := []ot.Operation{ot.Insert(0, "remote")}

	applied, err := e.ApplyRemote(ctx, "doc", "rc", ops, 1)
	require.NoError(t, err)
	assert.True(t, applied)

	// Redelivery of the same version is discarded.
	applied, err = e.ApplyRemote(ctx, "doc", "rc", ops, 1)
	require.NoError(t, err)
	assert.False(t, applied)

	// A gap is dropped rather than corrupting state.
	applied, err = e.ApplyRemote(ctx, "doc", "rc", ops, 5)
	require.NoError(t, err)
	assert.False(t, applied)

	snap, err := e.Snapshot(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "remote", snap.Content)
	assert.Equal(t, int64(1), snap.Version)
}

func TestHistoryBound(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 5)
	mustJoin(t, e, "doc", "s1", "")

	for i := 0; i < 20; i++ {
		_, err := e.Submit(ctx, "doc", "c1",
			[]ot.Operation{ot.Insert(0, "x")}, int64(i))
		require.NoError(t, err)
	}

	doc, err := e.lookup("doc")
	require.NoError(t, err)
	snap, err := doc.snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), snap.Version)
	assert.LessOrEqual(t, len(doc.history), 5)
}

func TestPublishOrderMatchesVersionOrder(t *testing.T) {
	// Deltas are enqueued to the outbox inside the serializer turn, so the
	// publisher must see them in exactly the order versions were assigned,
	// no matter how handler goroutines race. Out-of-order publishes would be
	// dropped as non-contiguous by every other instance.
	ctx := context.Background()
	e := newTestEngine(t, 0)

	var mu sync.Mutex
	var published []int64
	e.SetPublisher(func(docID, originID string, ops []ot.Operation, version int64) {
		mu.Lock()
		published = append(published, version)
		mu.Unlock()
	})
	mustJoin(t, e, "doc", "s1", "")

	const writers = 8
	const perWriter = 20

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			clientID := fmt.Sprintf("c%d", w)
			for i := 0; i < perWriter; i++ {
				snap, err := e.Snapshot(ctx, "doc")
				if err != nil {
					t.Error(err)
					return
				}
				if _, err := e.Submit(ctx, "doc", clientID,
					[]ot.Operation{ot.Insert(0, "x")}, snap.Version); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) == writers*perWriter
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range published {
		require.Equal(t, int64(i+1), v, "publish order must match version order")
	}
}

func TestJoinSeededFromPersistedVersion(t *testing.T) {
	// An instance opening a document another instance already advanced seeds
	// its serializer from the flushed version, so the next delta off the bus
	// is contiguous instead of being dropped.
	ctx := context.Background()
	e := newTestEngine(t, 0)

	snap, err := e.Join(ctx, "doc", "s1", "xxx", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Version)

	applied, err := e.ApplyRemote(ctx, "doc", "rc",
		[]ot.Operation{ot.Insert(3, "Y")}, 4)
	require.NoError(t, err)
	assert.True(t, applied)

	snap, err = e.Snapshot(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "xxxY", snap.Content)
	assert.Equal(t, int64(4), snap.Version)

	// Local submits continue from the seeded sequence.
	result, err := e.Submit(ctx, "doc", "c1", []ot.Operation{ot.Insert(0, "z")}, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Version)
}

func TestTransformedFlagReflectsActualChange(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 0)
	mustJoin(t, e, "doc", "s1", "abcdef")

	// Concurrent but disjoint: the earlier insert sits past this one, so
	// transformation leaves the ops untouched.
	_, err := e.Submit(ctx, "doc", "a", []ot.Operation{ot.Insert(5, "X")}, 0)
	require.NoError(t, err)

	disjoint, err := e.Submit(ctx, "doc", "b", []ot.Operation{ot.Insert(0, "Y")}, 0)
	require.NoError(t, err)
	assert.False(t, disjoint.Transformed)
	assert.Equal(t, []ot.Operation{ot.Insert(0, "Y")}, disjoint.Ops)

	// Overlapping: the position shifts, so the flag is set.
	shifted, err := e.Submit(ctx, "doc", "c", []ot.Operation{ot.Insert(6, "Z")}, 1)
	require.NoError(t, err)
	assert.True(t, shifted.Transformed)
}

func TestJoinLeaveAndEvict(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 0)

	snap := mustJoin(t, e, "doc", "s1", "seed")
	assert.Equal(t, "seed", snap.Content)
	assert.Equal(t, 1, snap.Participants)

	snap = mustJoin(t, e, "doc", "s2", "ignored for warm doc")
	assert.Equal(t, "seed", snap.Content, "second join sees live state, not its own seed")
	assert.Equal(t, 2, snap.Participants)

	remaining, err := e.Leave(ctx, "doc", "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	remaining, err = e.Leave(ctx, "doc", "s2")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	e.Evict("doc")
	assert.False(t, e.Open("doc"))
	_, err = e.Submit(ctx, "doc", "c1", []ot.Operation{ot.Insert(0, "x")}, 0)
	assert.ErrorIs(t, err, ErrDocumentNotOpen)
}
