package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.vbstream.dev/core/config"
	"go.vbstream.dev/core/item"
	"go.vbstream.dev/core/wire"
)

// fakeApplier records every applied item and every flushed disk snapshot.
type fakeApplier struct {
	applied []item.Item
	flushes [][2]uint64
}

func (a *fakeApplier) Apply(it item.Item) error {
	a.applied = append(a.applied, it)
	return nil
}

func (a *fakeApplier) FlushDiskSnapshot(start, end uint64) error {
	a.flushes = append(a.flushes, [2]uint64{start, end})
	return nil
}

func newTestPassiveStream(id Identity, applier Applier) *PassiveStream {
	return NewPassiveStream(id, PassiveStreamDeps{Applier: applier, Tunables: config.Default()})
}

// Scenario 6: reconnect. PassiveStream in Reading with last_seqno=73.
// Connection drops; reconnectStream(new_opaque=9, start=74) called. State
// -> Pending, buffer empty, opaque=9. On acceptStream(OK, 9) -> Reading.
func TestPassiveStream_Reconnect(t *testing.T) {
	var applier = &fakeApplier{}
	var ps = newTestPassiveStream(Identity{VBucket: 5, Opaque: 1}, applier)
	ps.AcceptStream(AcceptOK, 1)
	require.Equal(t, Reading, ps.State())

	ps.MessageReceived(wire.NewSnapshotMarker(1, 5, 1, 100, wire.SnapshotMemory, false))
	for seqno := uint64(1); seqno <= 73; seqno++ {
		ps.MessageReceived(wire.NewMutation(1, 5, seqno, 0xcafe, []byte("k"), []byte("v"), 0, 0, wire.KeyAndValue))
	}
	var status, _ = ps.ProcessBufferedMessages(1 << 30)
	require.Equal(t, AllProcessed, status)
	require.Equal(t, uint64(73), ps.LastSeqno())

	ps.ReconnectStream(9, 74)
	assert.Equal(t, Pending, ps.State())
	assert.Equal(t, uint32(9), ps.Opaque)
	assert.Equal(t, BufferStats{}, ps.BufferStats())

	ps.AcceptStream(AcceptOK, 9)
	assert.Equal(t, Reading, ps.State())
}

// Scenario 5: passive protocol violation. Consumer receives Mutation
// (seqno=50) while cur_snapshot_end=40. Expect setDead(Closed), buffer
// cleared, bytes reported to caller.
func TestPassiveStream_ProtocolViolation(t *testing.T) {
	var applier = &fakeApplier{}
	var ps = newTestPassiveStream(Identity{VBucket: 2, Opaque: 1}, applier)
	ps.AcceptStream(AcceptOK, 1)

	ps.MessageReceived(wire.NewSnapshotMarker(1, 2, 1, 40, wire.SnapshotMemory, false))
	ps.MessageReceived(wire.NewMutation(1, 2, 10, 1, []byte("k"), []byte("v"), 0, 0, wire.KeyAndValue))

	ps.MessageReceived(wire.NewMutation(1, 2, 50, 1, []byte("k"), []byte("v"), 0, 0, wire.KeyAndValue))

	assert.Equal(t, Dead, ps.State())
	assert.Equal(t, wire.EndClosed, ps.DeadReason())
	assert.Equal(t, BufferStats{}, ps.BufferStats())
}

// Quantified invariant 3: last_seqno strictly increases across applies, and
// never exceeds cur_snapshot_end at the moment of apply.
func TestPassiveStream_AppliedSeqnoMonotonic(t *testing.T) {
	var applier = &fakeApplier{}
	var ps = newTestPassiveStream(Identity{VBucket: 4, Opaque: 1}, applier)
	ps.AcceptStream(AcceptOK, 1)

	ps.MessageReceived(wire.NewSnapshotMarker(1, 4, 1, 10, wire.SnapshotDisk, true))
	for seqno := uint64(1); seqno <= 10; seqno++ {
		ps.MessageReceived(wire.NewMutation(1, 4, seqno, 1, []byte("k"), nil, 0, 0, wire.KeyOnly))
	}
	var _, _ = ps.ProcessBufferedMessages(1 << 30)

	require.Len(t, applier.applied, 10)
	var last uint64
	for _, it := range applier.applied {
		assert.Greater(t, it.Seqno, last)
		last = it.Seqno
	}
	assert.Equal(t, uint64(10), ps.LastSeqno())
	require.Len(t, applier.flushes, 1)
	assert.Equal(t, [2]uint64{1, 10}, applier.flushes[0])

	var msg, ok = ps.Next()
	require.True(t, ok, "an acked disk snapshot must produce a BufferAck")
	var ack, isAck = msg.(wire.BufferAck)
	require.True(t, isAck)
	assert.Equal(t, uint32(10), ack.Bytes)
}
