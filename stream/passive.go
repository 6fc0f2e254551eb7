package stream

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"go.vbstream.dev/core/config"
	"go.vbstream.dev/core/item"
	"go.vbstream.dev/core/stats"
	"go.vbstream.dev/core/wire"
)

// ErrApplyTransient marks an Applier.Apply failure as retryable (e.g. a
// momentary storage-write backlog): ProcessBufferedMessages leaves the item
// at the head of the buffer and returns CannotProcess without killing the
// stream, per spec.md §7's "transient apply failure" category.
var ErrApplyTransient = errors.New("passive: transient apply failure")

// Applier is the consumer-local collaborator PassiveStream hands applied
// mutations to: the engine's own storage/checkpoint write path. Out of scope
// for this package (spec.md §1 Non-goals); only the narrow contract is
// defined here.
type Applier interface {
	// Apply durably applies it. A transient failure should be wrapped with
	// ErrApplyTransient so the caller retries rather than tearing the stream
	// down.
	Apply(it item.Item) error
	// FlushDiskSnapshot commits a completed disk-origin snapshot [start, end]
	// to the local checkpoint, per handleSnapshotEnd.
	FlushDiskSnapshot(start, end uint64) error
}

// ProcessStatus is ProcessBufferedMessages' verdict.
type ProcessStatus int

const (
	// AllProcessed means the buffer was fully drained.
	AllProcessed ProcessStatus = iota
	// MoreToProcess means the batch bound was hit with work still buffered;
	// the caller should reschedule.
	MoreToProcess
	// CannotProcess means a transient or fatal apply error stopped the drain.
	CannotProcess
)

type bufferedMsg struct {
	it   item.Item
	size int
}

// AcceptStatus mirrors a transport-level add-stream response code, modeled
// on the teacher's broker/client/reader.go status-to-reason mapping.
type AcceptStatus int

const (
	AcceptOK AcceptStatus = iota
	AcceptRollbackRequired
	AcceptNotMyVBucket
	AcceptInvalidArguments
)

func (s AcceptStatus) asEndReason() wire.EndReason {
	switch s {
	case AcceptNotMyVBucket:
		return wire.EndStateChanged
	case AcceptOK:
		return wire.EndOK
	default:
		return wire.EndClosed
	}
}

// PassiveStream is the consumer side of the Protocol: it validates and
// applies inbound messages from an ActiveStream peer, buffering under
// back-pressure when the local apply path cannot keep up. Its buffer is
// guarded by its own bufMu, held only ever on its own, never nested inside
// mu (spec.md §5 lock-order rule: stream_mutex -> buffer_mutex, never
// reverse, and never both at once here).
type PassiveStream struct {
	Stream

	applier  Applier
	tunables config.Tunables

	lastSeqno uint64 // atomic

	// Current inbound snapshot envelope; guarded by mu like the rest of the
	// structural state.
	snapStart, snapEnd uint64
	snapType           wire.SnapshotType
	snapAck            bool

	bufMu    sync.Mutex
	buf      []bufferedMsg
	bufBytes int64 // atomic mirror of sum(buf[i].size)
}

// PassiveStreamDeps collects a PassiveStream's collaborators.
type PassiveStreamDeps struct {
	Applier  Applier
	Tunables config.Tunables
}

// NewPassiveStream constructs a PassiveStream in state Pending.
func NewPassiveStream(id Identity, deps PassiveStreamDeps) *PassiveStream {
	var ps = &PassiveStream{applier: deps.Applier, tunables: deps.Tunables}
	ps.Init(id)
	return ps
}

// MessageReceived validates msg and either applies it immediately (control
// messages), buffers it (data messages), or tears the stream down (protocol
// violation).
func (ps *PassiveStream) MessageReceived(msg wire.Message) {
	if ps.State() == Dead {
		return
	}
	switch m := msg.(type) {
	case wire.SnapshotMarker:
		ps.onSnapshotMarker(m)
	case wire.Mutation:
		ps.onData(item.Item{Kind: item.Mutation, Seqno: m.Seqno, VBUUID: m.VBUUID, Key: m.Key, Value: m.Value, Flags: m.Flags, CAS: m.CAS})
	case wire.Deletion:
		ps.onData(item.Item{Kind: item.Deletion, Seqno: m.Seqno, VBUUID: m.VBUUID, Key: m.Key, CAS: m.CAS})
	case wire.Expiration:
		ps.onData(item.Item{Kind: item.Expiration, Seqno: m.Seqno, VBUUID: m.VBUUID, Key: m.Key, Expiry: m.Expiry})
	case wire.StreamEnd:
		ps.SetDead(m.Reason)
	case wire.SetVBucketState:
		ps.onVBucketState(m)
	}
}

// onVBucketState handles the takeover handoff message from spec.md §4.2's
// takeoverSendPhase. The Protocol defines no distinct acknowledgment wire
// type for SetVBucketState, so the consumer acknowledges by queuing the
// identical message back onto its own ready queue; the producer-side
// transport recognizes the echo and calls SetVBucketStateAckReceived (see
// topology.Registry.Dispatch).
func (ps *PassiveStream) onVBucketState(m wire.SetVBucketState) {
	ps.mu.Lock()
	ps.pushToReadyQ(m)
	ps.mu.Unlock()
}

// onSnapshotMarker rejects a marker if the prior snapshot is not yet fully
// consumed (spec.md §4.4 validation rule 1).
func (ps *PassiveStream) onSnapshotMarker(m wire.SnapshotMarker) {
	ps.mu.Lock()
	if atomic.LoadUint64(&ps.lastSeqno) < ps.snapEnd {
		ps.mu.Unlock()
		ps.SetDead(wire.EndClosed)
		return
	}
	ps.snapStart, ps.snapEnd, ps.snapType = m.Start, m.End, m.Type
	ps.snapAck = m.Ack
	ps.mu.Unlock()
}

// onData rejects a mutation outside the current snapshot window or at-or-
// before last_seqno (validation rule 2), applies inbound back-pressure by
// killing the stream if the buffer is already over cap, and otherwise
// enqueues it for ProcessBufferedMessages.
func (ps *PassiveStream) onData(it item.Item) {
	ps.mu.Lock()
	var start, end = ps.snapStart, ps.snapEnd
	ps.mu.Unlock()

	if it.Seqno < start || it.Seqno > end || it.Seqno <= atomic.LoadUint64(&ps.lastSeqno) {
		ps.SetDead(wire.EndClosed)
		return
	}

	if atomic.LoadInt64(&ps.bufBytes) >= int64(ps.tunables.PassiveBufferByteCap) {
		ps.SetDead(wire.EndSlow)
		return
	}

	var bm = bufferedMsg{it: it, size: it.Size()}
	ps.bufMu.Lock()
	ps.buf = append(ps.buf, bm)
	ps.bufMu.Unlock()
	stats.ObservePassiveBufferBytes(ps.VBucket, atomic.AddInt64(&ps.bufBytes, int64(bm.size)))
}

func (ps *PassiveStream) requeueFront(m bufferedMsg) {
	ps.bufMu.Lock()
	ps.buf = append([]bufferedMsg{m}, ps.buf...)
	ps.bufMu.Unlock()
	stats.ObservePassiveBufferBytes(ps.VBucket, atomic.AddInt64(&ps.bufBytes, int64(m.size)))
}

// ProcessBufferedMessages drains up to maxBytes from the buffer, applying
// each item via the Applier. It never holds bufMu and mu at the same time:
// the buffer pop is one short bufMu section, the apply call is unlocked I/O,
// and the last_seqno/snapshot bookkeeping that follows is a separate mu
// section, so the stream_mutex -> buffer_mutex order is never even
// candidate for violation here.
func (ps *PassiveStream) ProcessBufferedMessages(maxBytes int) (ProcessStatus, int64) {
	var processed int64
	for processed < int64(maxBytes) {
		ps.bufMu.Lock()
		if len(ps.buf) == 0 {
			ps.bufMu.Unlock()
			return AllProcessed, processed
		}
		var head = ps.buf[0]
		ps.buf = ps.buf[1:]
		ps.bufMu.Unlock()
		stats.ObservePassiveBufferBytes(ps.VBucket, atomic.AddInt64(&ps.bufBytes, -int64(head.size)))

		if err := ps.applier.Apply(head.it); err != nil {
			if errors.Is(err, ErrApplyTransient) {
				ps.requeueFront(head)
				return CannotProcess, processed
			}
			ps.SetDead(wire.EndClosed)
			return CannotProcess, processed
		}

		processed += int64(head.size)
		atomic.StoreUint64(&ps.lastSeqno, head.it.Seqno)
		ps.handleSnapshotEnd(head.it.Seqno)
	}

	ps.bufMu.Lock()
	var remaining = len(ps.buf)
	ps.bufMu.Unlock()
	if remaining == 0 {
		return AllProcessed, processed
	}
	return MoreToProcess, processed
}

// handleSnapshotEnd flushes a completed disk snapshot to the local
// checkpoint and acknowledges it if requested, per spec.md §4.4.
func (ps *PassiveStream) handleSnapshotEnd(seqno uint64) {
	ps.mu.Lock()
	if ps.snapEnd == 0 && ps.snapStart == 0 || seqno != ps.snapEnd {
		ps.mu.Unlock()
		return
	}
	var typ, ack = ps.snapType, ps.snapAck
	var start, end = ps.snapStart, ps.snapEnd
	ps.snapStart, ps.snapEnd, ps.snapType, ps.snapAck = 0, 0, wire.SnapshotNone, false
	ps.mu.Unlock()

	if typ == wire.SnapshotDisk {
		if err := ps.applier.FlushDiskSnapshot(start, end); err != nil {
			ps.SetDead(wire.EndClosed)
			return
		}
	}
	if ack {
		ps.mu.Lock()
		ps.pushToReadyQ(wire.NewBufferAck(ps.Opaque, ps.VBucket, uint32(end-start+1)))
		ps.mu.Unlock()
	}
}

// ReconnectStream resets identity and buffer state for a transport that has
// re-established but preserved the stream's identity, per spec.md §4.4.
func (ps *PassiveStream) ReconnectStream(newOpaque uint32, startSeqno uint64) {
	ps.mu.Lock()
	ps.Opaque = newOpaque
	ps.StartSeqno = startSeqno
	ps.snapStart, ps.snapEnd, ps.snapType, ps.snapAck = 0, 0, wire.SnapshotNone, false
	ps.setState(Pending)
	ps.mu.Unlock()

	ps.bufMu.Lock()
	ps.buf = nil
	ps.bufMu.Unlock()
	atomic.StoreInt64(&ps.bufBytes, 0)
}

// AcceptStream transitions Pending -> Reading on AcceptOK, or Dead with a
// reason mapped from the transport status otherwise.
func (ps *PassiveStream) AcceptStream(status AcceptStatus, addOpaque uint32) {
	if status == AcceptOK {
		ps.mu.Lock()
		ps.Opaque = addOpaque
		ps.setState(Reading)
		ps.mu.Unlock()
		return
	}
	ps.SetDead(status.asEndReason())
}

// BufferStats is a point-in-time snapshot of the inbound buffer.
type BufferStats struct {
	Items int
	Bytes int64
}

func (ps *PassiveStream) BufferStats() BufferStats {
	ps.bufMu.Lock()
	defer ps.bufMu.Unlock()
	return BufferStats{Items: len(ps.buf), Bytes: atomic.LoadInt64(&ps.bufBytes)}
}

// LastSeqno returns the highest applied seqno.
func (ps *PassiveStream) LastSeqno() uint64 { return atomic.LoadUint64(&ps.lastSeqno) }

// Next returns queued control messages (buffer-ack, add-stream responses);
// Reading is the only state that ever has any.
func (ps *PassiveStream) Next() (wire.Message, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.popFromReadyQ()
}

// SetDead is idempotent. Unlike ActiveStream, a Passive stream never frames
// a terminal message of its own (StreamEnd only ever flows producer to
// consumer); it simply discards both the ready queue and the inbound
// buffer, reporting the combined bytes freed (spec.md §8 scenario 5).
func (ps *PassiveStream) SetDead(reason wire.EndReason) int64 {
	ps.mu.Lock()
	if ps.State() == Dead {
		ps.mu.Unlock()
		return 0
	}
	var freed = ps.clearLocked()
	ps.deadReason = reason
	ps.setState(Dead)
	ps.mu.Unlock()

	ps.bufMu.Lock()
	var bufFreed int64
	for _, m := range ps.buf {
		bufFreed += int64(m.size)
	}
	ps.buf = nil
	ps.bufMu.Unlock()
	atomic.AddInt64(&ps.bufBytes, -bufFreed)
	stats.ObservePassiveBufferBytes(ps.VBucket, 0)
	stats.StreamEnded(ps.VBucket, reason.String())

	return freed + bufFreed
}

// NotifySeqnoAvailable is part of the Driver contract; a PassiveStream has
// no producer-side phase to wake, but still honors the edge-trigger channel
// in case a connection loop is generically selecting on it.
func (ps *PassiveStream) NotifySeqnoAvailable(uint64) {
	select {
	case ps.itemsReadyCh <- struct{}{}:
	default:
	}
}

var _ Driver = (*PassiveStream)(nil)
