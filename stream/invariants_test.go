package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.vbstream.dev/core/backfill"
	"go.vbstream.dev/core/checkpoint"
	"go.vbstream.dev/core/config"
	"go.vbstream.dev/core/item"
	"go.vbstream.dev/core/vbucket"
	"go.vbstream.dev/core/wire"
)

// Invariant 4: after SetDead(r), no further messages are enqueued, and
// Next() eventually returns null. Idempotency: a second SetDead call
// reports zero bytes freed and does not re-queue a terminal message.
func TestInvariant_SetDeadIsTerminal(t *testing.T) {
	var vb = vbucket.NewMem(1, 1)
	vb.Advance(10)
	var ring = checkpoint.NewRing(100)
	for seqno := uint64(1); seqno <= 10; seqno++ {
		ring.Append(1, item.Item{Kind: item.Mutation, Seqno: seqno})
	}

	var tunables = config.Default()
	var as = NewActiveStream(context.Background(), Identity{VBucket: 1, EndSeqno: MaxSeqno}, ActiveStreamDeps{
		VBucket:     vb,
		Checkpoints: ring,
		Backfills:   backfill.NewScheduler(),
		Store:       vbucket.NewMemStore(),
		Budget:      backfill.NewBudget(tunables.BackfillBudgetBytes),
		Tunables:    tunables,
	})

	var freed1 = as.SetDead(wire.EndClosed)
	assert.Equal(t, Dead, as.State())

	var freed2 = as.SetDead(wire.EndClosed)
	assert.Equal(t, int64(0), freed2, "second SetDead must be a no-op")
	_ = freed1

	// Drain whatever was queued by the first SetDead (the terminal
	// StreamEnd), then confirm no further message is ever produced.
	for i := 0; i < 10; i++ {
		if _, ok := as.Next(); !ok {
			break
		}
	}
	var _, ok = as.Next()
	assert.False(t, ok, "Next() must return null once Dead and drained")
}

// Invariant 4, PassiveStream side: SetDead discards the buffer and ready
// queue and is idempotent.
func TestInvariant_PassiveSetDeadIsTerminal(t *testing.T) {
	var applier = &fakeApplier{}
	var ps = newTestPassiveStream(Identity{VBucket: 1, Opaque: 1}, applier)
	ps.AcceptStream(AcceptOK, 1)

	ps.MessageReceived(wire.NewSnapshotMarker(1, 1, 1, 10, wire.SnapshotMemory, false))
	ps.MessageReceived(wire.NewMutation(1, 1, 1, 1, []byte("k"), []byte("v"), 0, 0, wire.KeyAndValue))

	var freed1 = ps.SetDead(wire.EndClosed)
	assert.Greater(t, freed1, int64(0))

	var freed2 = ps.SetDead(wire.EndClosed)
	assert.Equal(t, int64(0), freed2)

	ps.MessageReceived(wire.NewMutation(1, 1, 2, 1, []byte("k2"), []byte("v2"), 0, 0, wire.KeyAndValue))
	assert.Equal(t, BufferStats{}, ps.BufferStats(), "a Dead PassiveStream must not buffer further messages")
}

// Invariant 5: ready_queue_bytes equals the sum of serialized sizes of
// messages currently in the ready queue, checked at several observation
// points as items are pushed and popped.
func TestInvariant_ReadyQueueBytesAccounting(t *testing.T) {
	var vb = vbucket.NewMem(1, 1)
	vb.Advance(5)
	var ring = checkpoint.NewRing(100)
	for seqno := uint64(1); seqno <= 5; seqno++ {
		ring.Append(1, item.Item{Kind: item.Mutation, Seqno: seqno, Key: []byte("key"), Value: []byte("value")})
	}

	var tunables = config.Default()
	var as = NewActiveStream(context.Background(), Identity{VBucket: 1, EndSeqno: MaxSeqno}, ActiveStreamDeps{
		VBucket:     vb,
		Checkpoints: ring,
		Backfills:   backfill.NewScheduler(),
		Store:       vbucket.NewMemStore(),
		Budget:      backfill.NewBudget(tunables.BackfillBudgetBytes),
		Tunables:    tunables,
	})

	// The first Next() only moves Pending -> InMemory and leaves the queue
	// empty; check accounting matches the queue contents exactly.
	as.Next()

	as.mu.Lock()
	var want int64
	for _, msg := range as.readyQ {
		want += int64(msg.Size())
	}
	as.mu.Unlock()
	require.Equal(t, want, as.ReadyQueueBytes())

	// The second Next() produces the batch without draining it, popping only
	// its marker; re-check.
	as.Next()
	as.mu.Lock()
	want = 0
	for _, msg := range as.readyQ {
		want += int64(msg.Size())
	}
	as.mu.Unlock()
	assert.Equal(t, want, as.ReadyQueueBytes())

	// clear() must zero the accounting entirely.
	as.clear()
	assert.Equal(t, int64(0), as.ReadyQueueBytes())
}
