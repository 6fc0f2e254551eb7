package stream

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.vbstream.dev/core/backfill"
	"go.vbstream.dev/core/checkpoint"
	"go.vbstream.dev/core/config"
	"go.vbstream.dev/core/item"
	"go.vbstream.dev/core/vbucket"
	"go.vbstream.dev/core/wire"
)

func newTestActiveStream(t *testing.T, vb *vbucket.Mem, ring *checkpoint.Ring, store *vbucket.MemStore, id Identity) *ActiveStream {
	t.Helper()
	var tunables = config.Default()
	var as = NewActiveStream(context.Background(), id, ActiveStreamDeps{
		VBucket:     vb,
		Checkpoints: ring,
		Backfills:   backfill.NewScheduler(),
		Store:       store,
		Budget:      backfill.NewBudget(tunables.BackfillBudgetBytes),
		Tunables:    tunables,
		PayloadType: wire.KeyAndValue,
	})
	return as
}

// drainActive calls Next() up to maxPulls times, collecting every message
// produced. A null result does not stop the loop: some state transitions
// (e.g. Pending -> InMemory) consume a Next() call without producing a
// message.
func drainActive(as *ActiveStream, maxPulls int) []wire.Message {
	var out []wire.Message
	for i := 0; i < maxPulls; i++ {
		if msg, ok := as.Next(); ok {
			out = append(out, msg)
		}
	}
	return out
}

// Scenario 1: memory-only stream. VBucket high=100, checkpoint has seqnos
// [1..100], nothing ever evicted. Open stream start=0, end=MAX_SEQNO.
// Expect SnapshotMarker(1,100,Memory) then 100 Mutations, no StreamEnd.
func TestActiveStream_MemoryOnly(t *testing.T) {
	var vb = vbucket.NewMem(7, 0xaaaa)
	vb.Advance(100)

	var ring = checkpoint.NewRing(1000)
	for seqno := uint64(1); seqno <= 100; seqno++ {
		ring.Append(7, item.Item{Kind: item.Mutation, Seqno: seqno, Key: []byte("k")})
	}

	var as = newTestActiveStream(t, vb, ring, vbucket.NewMemStore(), Identity{
		Name: "t1", VBucket: 7, StartSeqno: 0, EndSeqno: MaxSeqno,
	})

	var msgs = drainActive(as, 1000)
	require.NotEmpty(t, msgs)

	var marker, ok = msgs[0].(wire.SnapshotMarker)
	require.True(t, ok, "first message must be a SnapshotMarker")
	assert.Equal(t, uint64(1), marker.Start)
	assert.Equal(t, uint64(100), marker.End)
	assert.Equal(t, wire.SnapshotMemory, marker.Type)

	var mutations int
	for _, m := range msgs[1:] {
		if _, isEnd := m.(wire.StreamEnd); isEnd {
			t.Fatalf("unexpected StreamEnd in memory-only scenario")
		}
		if _, isMutation := m.(wire.Mutation); isMutation {
			mutations++
		}
	}
	assert.Equal(t, 100, mutations)
	assert.Equal(t, uint64(100), as.Stats().LastSentSeqno)
}

// Scenario 2: disk+memory stitch. High=200, checkpoint retains from 150
// (150 evicted into the disk store below that). start=0. Expect
// SnapshotMarker(0,149,Disk), 150 items, SnapshotMarker(150,200,Memory), 51
// items.
func TestActiveStream_DiskMemoryStitch(t *testing.T) {
	var vb = vbucket.NewMem(3, 0xbbbb)
	vb.Advance(200)

	var store = vbucket.NewMemStore()
	for seqno := uint64(0); seqno <= 149; seqno++ {
		store.Append(3, item.Item{Kind: item.Mutation, Seqno: seqno, Key: []byte("k")})
	}

	var ring = checkpoint.NewRing(51)
	for seqno := uint64(0); seqno <= 200; seqno++ {
		ring.Append(3, item.Item{Kind: item.Mutation, Seqno: seqno, Key: []byte("k")})
	}
	require.Equal(t, uint64(150), ring.EarliestSeqno(3))

	var as = newTestActiveStream(t, vb, ring, store, Identity{
		Name: "t2", VBucket: 3, StartSeqno: 0, EndSeqno: MaxSeqno,
	})

	// The disk scan runs on its own goroutine; pull until both snapshots and
	// all 201 items have surfaced (fixed iteration budget is generous for the
	// in-memory scheduler).
	var msgs []wire.Message
	for i := 0; i < 10000 && len(msgs) < 203; i++ {
		if msg, ok := as.Next(); ok {
			msgs = append(msgs, msg)
		} else {
			runtime.Gosched()
		}
	}

	require.GreaterOrEqual(t, len(msgs), 2)
	var diskMarker, isDiskMarker = msgs[0].(wire.SnapshotMarker)
	require.True(t, isDiskMarker)
	assert.Equal(t, uint64(0), diskMarker.Start)
	assert.Equal(t, uint64(149), diskMarker.End)
	assert.Equal(t, wire.SnapshotDisk, diskMarker.Type)

	var sawMemoryMarker bool
	var diskItems, memoryItemsAfterMarker int
	var afterMemoryMarker bool
	for _, m := range msgs[1:] {
		if marker, ok := m.(wire.SnapshotMarker); ok {
			assert.Equal(t, wire.SnapshotMemory, marker.Type)
			assert.Equal(t, uint64(150), marker.Start)
			assert.Equal(t, uint64(200), marker.End)
			sawMemoryMarker = true
			afterMemoryMarker = true
			continue
		}
		if afterMemoryMarker {
			memoryItemsAfterMarker++
		} else {
			diskItems++
		}
	}
	assert.True(t, sawMemoryMarker)
	assert.Equal(t, 150, diskItems)
	assert.Equal(t, 51, memoryItemsAfterMarker)
}

// Scenario 4: slow consumer. Ready queue reaches the memory cap; expect
// StreamEnd(Slow), Dead, and Next() thereafter returns null.
func TestActiveStream_SlowConsumer(t *testing.T) {
	var vb = vbucket.NewMem(1, 1)
	vb.Advance(1000)

	var ring = checkpoint.NewRing(2000)
	for seqno := uint64(1); seqno <= 1000; seqno++ {
		ring.Append(1, item.Item{Kind: item.Mutation, Seqno: seqno, Value: make([]byte, 1024)})
	}

	var tunables = config.Default()
	tunables.ReadyQueueByteCap = 8192 // small cap, easily exceeded without draining
	tunables.CheckpointBatchSize = 1000

	var as = NewActiveStream(context.Background(), Identity{Name: "slow", VBucket: 1, StartSeqno: 0, EndSeqno: MaxSeqno}, ActiveStreamDeps{
		VBucket:     vb,
		Checkpoints: ring,
		Backfills:   backfill.NewScheduler(),
		Store:       vbucket.NewMemStore(),
		Budget:      backfill.NewBudget(tunables.BackfillBudgetBytes),
		Tunables:    tunables,
	})

	// Never drain: just keep calling Next() without consuming, so the ready
	// queue accumulates past its cap on the very first production batch. A
	// few calls produce nothing (the Pending -> InMemory transition itself
	// enqueues no message), so tolerate intervening ok=false results.
	var sawSlowEnd bool
	for i := 0; i < 20; i++ {
		var msg, ok = as.Next()
		if !ok {
			continue
		}
		if end, isEnd := msg.(wire.StreamEnd); isEnd {
			assert.Equal(t, wire.EndSlow, end.Reason)
			sawSlowEnd = true
			break
		}
	}
	assert.True(t, sawSlowEnd, "expected StreamEnd(Slow)")
	assert.Equal(t, Dead, as.State())

	var _, ok = as.Next()
	assert.False(t, ok, "Next() must return null once Dead and drained")
}

// Quantified invariant 1 & 2: every emitted mutation falls within the most
// recently emitted marker's range, and consecutive mutations strictly
// increase.
func TestActiveStream_SnapshotFramingInvariant(t *testing.T) {
	var vb = vbucket.NewMem(9, 1)
	vb.Advance(50)
	var ring = checkpoint.NewRing(1000)
	for seqno := uint64(1); seqno <= 50; seqno++ {
		ring.Append(9, item.Item{Kind: item.Mutation, Seqno: seqno})
	}
	var as = newTestActiveStream(t, vb, ring, vbucket.NewMemStore(), Identity{VBucket: 9, EndSeqno: MaxSeqno})

	var msgs = drainActive(as, 1000)
	var curStart, curEnd uint64
	var lastSeqno uint64
	var haveMarker bool
	for _, m := range msgs {
		switch v := m.(type) {
		case wire.SnapshotMarker:
			curStart, curEnd, haveMarker = v.Start, v.End, true
		case wire.Mutation:
			require.True(t, haveMarker)
			assert.GreaterOrEqual(t, v.Seqno, curStart)
			assert.LessOrEqual(t, v.Seqno, curEnd)
			if lastSeqno != 0 {
				assert.Greater(t, v.Seqno, lastSeqno)
			}
			lastSeqno = v.Seqno
		}
	}
}

// Supplemental scenario 9 (SPEC_FULL.md §8): a configured TakeoverMaxTime
// elapses while the peer never acks the pending SetVBucketState, producing
// StreamEnd(Closed) per spec.md §4.2's "exceeding it triggers
// StreamEnd(closed)" line rather than hanging in TakeoverSend forever.
func TestActiveStream_TakeoverTimeout(t *testing.T) {
	var vb = vbucket.NewMem(1, 1)
	vb.Advance(1)

	var ring = checkpoint.NewRing(10)
	ring.Append(1, item.Item{Kind: item.Mutation, Seqno: 1})

	var tunables = config.Default()
	tunables.TakeoverMaxTime = time.Millisecond

	var as = NewActiveStream(context.Background(), Identity{
		VBucket: 1, StartSeqno: 0, EndSeqno: MaxSeqno, Flags: FlagTakeOver,
	}, ActiveStreamDeps{
		VBucket:     vb,
		Checkpoints: ring,
		Backfills:   backfill.NewScheduler(),
		Store:       vbucket.NewMemStore(),
		Budget:      backfill.NewBudget(tunables.BackfillBudgetBytes),
		Tunables:    tunables,
	})

	for i := 0; i < 200 && as.State() != TakeoverSend; i++ {
		as.Next()
	}
	require.Equal(t, TakeoverSend, as.State())

	// Drain the initial SetVBucketState(pending); the peer never acks it.
	var msg, ok = as.Next()
	require.True(t, ok)
	_, isSetPending := msg.(wire.SetVBucketState)
	require.True(t, isSetPending)

	time.Sleep(5 * time.Millisecond)

	msg, ok = as.Next()
	require.True(t, ok, "expected a terminal message once TakeoverMaxTime elapses")
	var end, isEnd = msg.(wire.StreamEnd)
	require.True(t, isEnd)
	assert.Equal(t, wire.EndClosed, end.Reason)
	assert.Equal(t, Dead, as.State())
}

// FlagDiskOnly: once the backfill scan completes, the stream must terminate
// rather than fall through to draining the checkpoint cursor, even though a
// plain stream over the same layout would stitch into InMemory (cf.
// TestActiveStream_DiskMemoryStitch).
func TestActiveStream_DiskOnlyTerminatesAfterBackfill(t *testing.T) {
	var vb = vbucket.NewMem(2, 1)
	vb.Advance(200)

	var store = vbucket.NewMemStore()
	for seqno := uint64(0); seqno <= 149; seqno++ {
		store.Append(2, item.Item{Kind: item.Mutation, Seqno: seqno, Key: []byte("k")})
	}

	var ring = checkpoint.NewRing(51)
	for seqno := uint64(0); seqno <= 200; seqno++ {
		ring.Append(2, item.Item{Kind: item.Mutation, Seqno: seqno, Key: []byte("k")})
	}
	require.Equal(t, uint64(150), ring.EarliestSeqno(2))

	var as = NewActiveStream(context.Background(), Identity{
		VBucket: 2, StartSeqno: 0, EndSeqno: MaxSeqno, Flags: FlagDiskOnly,
	}, ActiveStreamDeps{
		VBucket:     vb,
		Checkpoints: ring,
		Backfills:   backfill.NewScheduler(),
		Store:       store,
		Budget:      backfill.NewBudget(1 << 30),
		Tunables:    config.Default(),
	})

	var mutations int
	var sawEnd, sawMemoryMarker bool
	for i := 0; i < 10000 && !sawEnd; i++ {
		if msg, ok := as.Next(); ok {
			switch m := msg.(type) {
			case wire.StreamEnd:
				assert.Equal(t, wire.EndOK, m.Reason)
				sawEnd = true
			case wire.Mutation:
				mutations++
			case wire.SnapshotMarker:
				if m.Type == wire.SnapshotMemory {
					sawMemoryMarker = true
				}
			}
		} else {
			runtime.Gosched()
		}
	}
	assert.True(t, sawEnd, "disk-only stream must terminate once the backfill scan completes")
	assert.Equal(t, Dead, as.State())
	assert.Equal(t, 150, mutations, "every disk-origin item must still be delivered before termination")
	assert.False(t, sawMemoryMarker, "disk-only must never stitch into a memory snapshot")
}

// FlagLatestOnly: backfill is skipped regardless of start_seqno, and the
// stream begins strictly after the vbucket's high-seqno at stream-open.
func TestActiveStream_LatestOnlySkipsBackfill(t *testing.T) {
	var vb = vbucket.NewMem(6, 1)
	vb.Advance(50)

	var store = vbucket.NewMemStore()
	store.Append(6, item.Item{Kind: item.Mutation, Seqno: 0, Key: []byte("old")})

	var ring = checkpoint.NewRing(1000)
	ring.Append(6, item.Item{Kind: item.Mutation, Seqno: 50, Key: []byte("k")})

	var as = NewActiveStream(context.Background(), Identity{
		VBucket: 6, StartSeqno: 0, EndSeqno: MaxSeqno, Flags: FlagLatestOnly,
	}, ActiveStreamDeps{
		VBucket:     vb,
		Checkpoints: ring,
		Backfills:   backfill.NewScheduler(),
		Store:       store,
		Budget:      backfill.NewBudget(1 << 30),
		Tunables:    config.Default(),
	})

	for i := 0; i < 10 && as.State() == Pending; i++ {
		as.Next()
	}
	assert.Equal(t, InMemory, as.State(), "latest_only must skip Backfilling entirely")

	var msgs = drainActive(as, 10)
	for _, m := range msgs {
		if _, isDisk := m.(wire.SnapshotMarker); isDisk {
			assert.NotEqual(t, wire.SnapshotDisk, m.(wire.SnapshotMarker).Type, "latest_only must never emit a disk snapshot")
		}
	}
}
