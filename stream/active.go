package stream

import (
	"context"
	"sync/atomic"
	"time"

	"go.vbstream.dev/core/backfill"
	"go.vbstream.dev/core/checkpoint"
	"go.vbstream.dev/core/config"
	"go.vbstream.dev/core/internal/task"
	"go.vbstream.dev/core/item"
	"go.vbstream.dev/core/stats"
	"go.vbstream.dev/core/vbucket"
	"go.vbstream.dev/core/wire"
)

// ActiveStream drives the producer side of the Protocol: it negotiates a
// starting position against the VBucket and CheckpointManager collaborators,
// schedules a BackfillManager scan when historical mutations are needed, and
// reconciles the two sources into a single monotonic outbound sequence. The
// appendState/runTo/on<State> dispatch pattern of the teacher's
// broker/append_fsm.go is the direct model for Next()'s state-driven
// production here.
type ActiveStream struct {
	Stream

	ctx    context.Context
	cancel context.CancelFunc

	vb    vbucket.VBucket
	ckpt  checkpoint.Manager
	bf    backfill.Manager
	store vbucket.Store
	budget *backfill.Budget

	tunables config.Tunables

	// originQ is parallel to Stream.readyQ: originQ[i] is the number of
	// backfill-budget bytes to release when readyQ[i] is dispatched (0 for
	// messages that did not consume backfill budget). sourceQ[i] is the
	// item.Source the message was produced from, used to label stats.ItemSent
	// by actual origin rather than by budget accounting. Both are guarded by
	// Stream.mu.
	originQ []int
	sourceQ []item.Source

	cursor            checkpoint.Cursor
	backfillWindowEnd uint64
	cursorDraining    bool
	backfillHandle    task.Holder

	firstMarkerSent bool

	payloadType wire.PayloadType

	takeoverPendingSent bool
	takeoverStart       time.Time

	// Stats, all lock-free per spec.md §4.1/§5.
	lastReadSeqno        uint64
	lastSentSeqno        uint64
	curCheckpointSeqno   uint64
	backfillRemaining    int64
	backfillItemsMemory  int64
	backfillItemsDisk    int64
	backfillItemsSent    int64
	itemsFromMemoryPhase int64
}

// ActiveStreamDeps collects the collaborators an ActiveStream negotiates
// against, per spec.md §6.
type ActiveStreamDeps struct {
	VBucket     vbucket.VBucket
	Checkpoints checkpoint.Manager
	Backfills   backfill.Manager
	Store       vbucket.Store
	Budget      *backfill.Budget
	Tunables    config.Tunables
	PayloadType wire.PayloadType
}

// NewActiveStream constructs an ActiveStream in state Pending. It becomes
// active (begins scheduleBackfill) on the stream's first Next() call.
func NewActiveStream(ctx context.Context, id Identity, deps ActiveStreamDeps) *ActiveStream {
	var as = &ActiveStream{
		vb:          deps.VBucket,
		ckpt:        deps.Checkpoints,
		bf:          deps.Backfills,
		store:       deps.Store,
		budget:      deps.Budget,
		tunables:    deps.Tunables,
		payloadType: deps.PayloadType,
	}
	as.Init(id)
	as.ctx, as.cancel = context.WithCancel(ctx)
	return as
}

// ActiveStats is a lock-free snapshot of ActiveStream's observability
// counters, per spec.md §3's "tally for observability" notes.
type ActiveStats struct {
	LastReadSeqno        uint64
	LastSentSeqno        uint64
	CurCheckpointSeqno   uint64
	BackfillRemaining    int64
	BackfillItemsMemory  int64
	BackfillItemsDisk    int64
	BackfillItemsSent    int64
	ItemsFromMemoryPhase int64
	ReadyQueueBytes      int64
}

// Stats returns a point-in-time snapshot, taken without the stream lock.
func (as *ActiveStream) Stats() ActiveStats {
	return ActiveStats{
		LastReadSeqno:        atomic.LoadUint64(&as.lastReadSeqno),
		LastSentSeqno:        atomic.LoadUint64(&as.lastSentSeqno),
		CurCheckpointSeqno:   atomic.LoadUint64(&as.curCheckpointSeqno),
		BackfillRemaining:    atomic.LoadInt64(&as.backfillRemaining),
		BackfillItemsMemory:  atomic.LoadInt64(&as.backfillItemsMemory),
		BackfillItemsDisk:    atomic.LoadInt64(&as.backfillItemsDisk),
		BackfillItemsSent:    atomic.LoadInt64(&as.backfillItemsSent),
		ItemsFromMemoryPhase: atomic.LoadInt64(&as.itemsFromMemoryPhase),
		ReadyQueueBytes:      as.ReadyQueueBytes(),
	}
}

// enqueueLocked must be called with as.mu held.
func (as *ActiveStream) enqueueLocked(msg wire.Message, diskRelease int, source item.Source) {
	as.pushToReadyQ(msg)
	as.originQ = append(as.originQ, diskRelease)
	as.sourceQ = append(as.sourceQ, source)
}

func (as *ActiveStream) enqueue(msg wire.Message, diskRelease int, source item.Source) {
	as.mu.Lock()
	as.enqueueLocked(msg, diskRelease, source)
	as.mu.Unlock()
}

// dequeue pops the ready queue head, releasing any backfill budget it held
// and advancing last_sent_seqno, per spec.md §3 invariant 3.
func (as *ActiveStream) dequeue() (wire.Message, bool) {
	as.mu.Lock()
	var msg, ok = as.popFromReadyQ()
	var release int
	var source = item.FromMemory
	if ok && len(as.originQ) > 0 {
		release = as.originQ[0]
		as.originQ = as.originQ[1:]
		source = as.sourceQ[0]
		as.sourceQ = as.sourceQ[1:]
	}
	as.mu.Unlock()

	if ok {
		switch m := msg.(type) {
		case wire.Mutation:
			as.advanceLastSent(m.Seqno)
			atomic.AddInt64(&as.backfillItemsSent, 1)
			stats.ItemSent(as.VBucket, source.String())
		case wire.Deletion:
			as.advanceLastSent(m.Seqno)
			atomic.AddInt64(&as.backfillItemsSent, 1)
			stats.ItemSent(as.VBucket, source.String())
		case wire.Expiration:
			as.advanceLastSent(m.Seqno)
			atomic.AddInt64(&as.backfillItemsSent, 1)
			stats.ItemSent(as.VBucket, source.String())
		}
	}
	if release > 0 {
		as.budget.Release(release)
	}
	return msg, ok
}

func (as *ActiveStream) advanceLastRead(seqno uint64) {
	for {
		var cur = atomic.LoadUint64(&as.lastReadSeqno)
		if seqno <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&as.lastReadSeqno, cur, seqno) {
			return
		}
	}
}

func (as *ActiveStream) advanceLastSent(seqno uint64) {
	for {
		var cur = atomic.LoadUint64(&as.lastSentSeqno)
		if seqno <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&as.lastSentSeqno, cur, seqno) {
			return
		}
	}
}

func (as *ActiveStream) toWireMessage(it item.Item) wire.Message {
	switch it.Kind {
	case item.Deletion:
		return wire.NewDeletion(as.Opaque, as.VBucket, it.Seqno, it.VBUUID, it.Key, it.CAS)
	case item.Expiration:
		return wire.NewExpiration(as.Opaque, as.VBucket, it.Seqno, it.VBUUID, it.Key, it.Expiry)
	default:
		return wire.NewMutation(as.Opaque, as.VBucket, it.Seqno, it.VBUUID, it.Key, it.Value, it.Flags, it.CAS, as.payloadType)
	}
}

// Next is the single pull interface: return the ready-queue head if one
// exists, else drive the phase appropriate to the current state, which may
// enqueue new messages for an immediate second attempt.
func (as *ActiveStream) Next() (wire.Message, bool) {
	if as.State() != Dead && as.ReadyQueueBytes() > int64(as.tunables.ReadyQueueByteCap) {
		addTrace(as.ctx, "ready queue over cap (%d > %d), killing stream", as.ReadyQueueBytes(), as.tunables.ReadyQueueByteCap)
		as.SetDead(wire.EndSlow)
	}
	if as.State() != Dead && as.vb.State() != vbucket.StateActive {
		as.SetDead(wire.EndStateChanged)
	}
	stats.ObserveReadyQueueBytes(as.VBucket, as.ReadyQueueBytes())

	if msg, ok := as.dequeue(); ok {
		return msg, true
	}

	switch as.State() {
	case Pending:
		as.scheduleBackfill()
	case Backfilling:
		as.driveBackfillPhase()
	case InMemory:
		as.driveInMemoryPhase()
	case TakeoverSend, TakeoverWait:
		as.driveTakeover()
	case Dead:
		return nil, false
	}

	return as.dequeue()
}

// scheduleBackfill implements spec.md §4.2's three-way policy, negotiating
// against the VBucket's current high-seqno and the checkpoint manager's
// earliest retained seqno.
func (as *ActiveStream) scheduleBackfill() {
	if as.StartSeqno > 0 && as.vb.FailoverTable().NeedsRollback(as.VBUUID, as.StartSeqno) {
		// Supplemental scenario (SPEC_FULL.md §8 scenario 7): the peer's
		// last-synchronized epoch is no longer satisfiable without rollback.
		// A peer starting from seqno 0 has seen nothing and is never rolled
		// back.
		as.SetDead(wire.EndClosed)
		return
	}

	var high = as.vb.HighSeqno()
	var chkStart = as.ckpt.EarliestSeqno(as.VBucket)

	if as.Flags.Has(FlagLatestOnly) {
		addTrace(as.ctx, "latest_only set, skipping backfill regardless of start_seqno %d", as.StartSeqno)
		as.registerCursorAndGoMemory(high + 1)
		return
	}

	switch {
	case as.StartSeqno > high:
		addTrace(as.ctx, "start_seqno %d > high_seqno %d, nothing to backfill", as.StartSeqno, high)
		as.registerCursorAndGoMemory(as.StartSeqno)
	case as.StartSeqno >= chkStart:
		addTrace(as.ctx, "start_seqno %d >= chk_start %d, skipping disk", as.StartSeqno, chkStart)
		as.registerCursorAndGoMemory(as.StartSeqno)
	default:
		as.scheduleDiskAndMemory(high, chkStart)
	}
}

func (as *ActiveStream) registerCursorAndGoMemory(start uint64) {
	var cur, err = as.ckpt.RegisterCursor(as.VBucket, start)
	if err != nil {
		as.SetDead(wire.EndClosed)
		return
	}
	as.mu.Lock()
	as.cursor = cur
	as.setState(InMemory)
	as.mu.Unlock()
}

// scheduleDiskAndMemory schedules a disk scan over [start_seqno, end] and
// registers a checkpoint cursor at end+1, where end is bounded not just by
// (end_seqno, high_seqno) but also by chkStart-1: the checkpoint already
// safely covers chkStart onward, so the disk scan only needs to cover the
// gap older than that.
func (as *ActiveStream) scheduleDiskAndMemory(high, chkStart uint64) {
	var end = as.EndSeqno
	if end == MaxSeqno || end > high {
		end = high
	}
	if chkStart > 0 && chkStart-1 < end {
		end = chkStart - 1
	}

	var cur, err = as.ckpt.RegisterCursor(as.VBucket, end+1)
	if err != nil {
		as.SetDead(wire.EndClosed)
		return
	}

	as.mu.Lock()
	as.cursor = cur
	as.backfillWindowEnd = end
	as.setState(Backfilling)
	as.mu.Unlock()

	atomic.StoreInt64(&as.backfillRemaining, int64(end-as.StartSeqno+1))
	stats.ObserveBackfillRemaining(as.VBucket, atomic.LoadInt64(&as.backfillRemaining))
	addTrace(as.ctx, "scheduling backfill [%d, %d], checkpoint cursor registered at %d", as.StartSeqno, end, end+1)

	var h, scheduleErr = as.bf.Schedule(as.ctx, as.VBucket, as.StartSeqno, end, as.store, as.budget, as)
	if scheduleErr != nil {
		as.SetDead(wire.EndClosed)
		return
	}
	as.backfillHandle.Set(h)
}

// driveBackfillPhase has nothing to actively do while the disk scan is in
// flight: items arrive via the Sink callbacks below. Once the scan has
// completed but the checkpoint cursor has not yet caught up to the backfill
// window (completeBackfill's "remain Backfilling with cursor-driven items
// only" branch), it drains the cursor directly.
func (as *ActiveStream) driveBackfillPhase() {
	as.mu.Lock()
	var draining = as.cursorDraining
	as.mu.Unlock()
	if !draining {
		return
	}

	as.nextCheckpointItem(as.tunables.CheckpointBatchSize, true)

	as.mu.Lock()
	if as.cursor != nil && atomic.LoadUint64(&as.curCheckpointSeqno) >= as.backfillWindowEnd {
		as.setState(InMemory)
	}
	as.mu.Unlock()
}

func (as *ActiveStream) driveInMemoryPhase() {
	if as.nextCheckpointItem(as.tunables.CheckpointBatchSize, false) {
		return
	}

	var lastRead = atomic.LoadUint64(&as.lastReadSeqno)
	if as.EndSeqno != MaxSeqno && lastRead >= as.EndSeqno {
		as.SetDead(wire.EndOK)
		return
	}
	if as.Flags.Has(FlagTakeOver) && lastRead >= as.vb.HighSeqno() {
		as.mu.Lock()
		as.setState(TakeoverSend)
		as.mu.Unlock()
	}
}

// nextCheckpointItem draws a batch from the checkpoint cursor and frames it
// behind exactly one SnapshotMarker, per spec.md §4.2's inMemoryPhase.
// duringBackfill selects which observability counter the batch is tallied
// under.
func (as *ActiveStream) nextCheckpointItem(maxBatch int, duringBackfill bool) bool {
	if as.cursor == nil {
		return false
	}
	var items, _, err = as.cursor.Next(as.ctx, maxBatch)
	if err != nil {
		as.SetDead(wire.EndClosed)
		return false
	}
	if len(items) == 0 {
		return false
	}

	var first, last = items[0].Seqno, items[len(items)-1].Seqno

	as.mu.Lock()
	var markerStart = first
	if !as.firstMarkerSent {
		// Open Question decision (DESIGN.md, spec.md §9): a reconnecting
		// peer that was already mid-snapshot expects the first marker to
		// re-state the snapshot it was inside, not a truncated one
		// beginning at the first newly-read seqno.
		if as.SnapStartSeqno != 0 && as.SnapStartSeqno <= first {
			markerStart = as.SnapStartSeqno
		}
		as.firstMarkerSent = true
	}
	as.enqueueLocked(wire.NewSnapshotMarker(as.Opaque, as.VBucket, markerStart, last, wire.SnapshotMemory, false), 0, item.FromMemory)
	as.mu.Unlock()

	for _, it := range items {
		as.enqueue(as.toWireMessage(it), 0, item.FromMemory)
		as.advanceLastRead(it.Seqno)
		atomic.StoreUint64(&as.curCheckpointSeqno, it.Seqno)
		if duringBackfill {
			atomic.AddInt64(&as.backfillItemsMemory, 1)
		} else {
			atomic.AddInt64(&as.itemsFromMemoryPhase, 1)
		}
	}
	return true
}

// driveTakeover sends the initial SetVBucketState(pending) message on first
// entry to TakeoverSend, and enforces takeover_max_time across both
// TakeoverSend and TakeoverWait. The pending/active ack-driven transitions
// live in SetVBucketStateAckReceived, since they're driven by the peer
// rather than by Next().
func (as *ActiveStream) driveTakeover() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.State() == TakeoverSend && !as.takeoverPendingSent {
		as.enqueueLocked(wire.NewSetVBucketState(as.Opaque, as.VBucket, wire.StatePending), 0, item.FromMemory)
		as.takeoverPendingSent = true
		as.takeoverStart = time.Now()
	}

	if as.tunables.TakeoverMaxTime > 0 && !as.takeoverStart.IsZero() &&
		time.Since(as.takeoverStart) > as.tunables.TakeoverMaxTime {
		as.enqueueLocked(wire.NewStreamEnd(as.Opaque, as.VBucket, wire.EndClosed), 0, item.FromMemory)
		as.setState(Dead)
	}
}

// SetVBucketStateAckReceived is called by the transport when the peer acks
// a SetVBucketState message, driving the TakeoverSend -> TakeoverWait -> Dead
// leg of the handoff.
func (as *ActiveStream) SetVBucketStateAckReceived() {
	as.mu.Lock()
	defer as.mu.Unlock()

	switch as.State() {
	case TakeoverSend:
		as.setState(TakeoverWait)
		as.enqueueLocked(wire.NewSetVBucketState(as.Opaque, as.VBucket, wire.StateActive), 0, item.FromMemory)
	case TakeoverWait:
		as.enqueueLocked(wire.NewStreamEnd(as.Opaque, as.VBucket, wire.EndOK), 0, item.FromMemory)
		as.setState(Dead)
	}
}

// MarkDiskSnapshot implements backfill.Sink: the scan announces the [start,
// end] range it will yield, framed immediately as a disk SnapshotMarker. Disk
// markers request an ack (spec.md §4.4 cur_snapshot_ack). The backfill-budget
// bytes the scan consumes are released in dequeue() as each item leaves the
// ready queue; ActiveStream does not read the consumer's BufferAck.
func (as *ActiveStream) MarkDiskSnapshot(start, end uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.State() == Dead {
		return
	}
	as.enqueueLocked(wire.NewSnapshotMarker(as.Opaque, as.VBucket, start, end, wire.SnapshotDisk, true), 0, item.FromDisk)
	as.backfillWindowEnd = end
}

// Received implements backfill.Sink. Returning false asks the scan to pause
// and retry the same item once the producer-wide Budget has headroom again.
func (as *ActiveStream) Received(it item.Item, source item.Source) bool {
	if as.State() == Dead {
		return true // drop: nothing left to deliver it to.
	}
	if as.budget.OverBudget() {
		return false
	}

	// budget.Reserve already happened in Scheduler.run before this call; the
	// reservation is released in dequeue() once the item actually leaves the
	// ready queue.
	as.enqueue(as.toWireMessage(it), it.Size(), source)
	atomic.AddInt64(&as.backfillItemsDisk, 1)
	stats.ObserveBackfillRemaining(as.VBucket, atomic.AddInt64(&as.backfillRemaining, -1))
	as.advanceLastRead(it.Seqno)
	return true
}

// Complete implements backfill.Sink: the scan reached the end of its range.
// This is completeBackfill() from spec.md §4.2. A FlagDiskOnly stream never
// transitions to InMemory: its request was for historical mutations only, so
// reaching the end of the disk scan is the end of the stream. Unlike SetDead,
// it keeps the ready queue, so every disk item still queued drains ahead of
// the final StreamEnd(OK).
func (as *ActiveStream) Complete() {
	as.mu.Lock()
	if as.State() == Dead {
		as.mu.Unlock()
		return
	}
	if as.Flags.Has(FlagDiskOnly) {
		as.enqueueLocked(wire.NewStreamEnd(as.Opaque, as.VBucket, wire.EndOK), 0, item.FromMemory)
		as.deadReason = wire.EndOK
		as.setState(Dead)
		as.mu.Unlock()
		stats.StreamEnded(as.VBucket, wire.EndOK.String())
		if as.cursor != nil {
			as.cursor.Close()
		}
		as.cancel()
		return
	}
	if as.cursor != nil && atomic.LoadUint64(&as.curCheckpointSeqno) > as.backfillWindowEnd {
		as.setState(InMemory)
	} else {
		as.cursorDraining = true
	}
	as.mu.Unlock()
}

// Failed implements backfill.Sink.
func (as *ActiveStream) Failed(err error) {
	as.Log().WithError(err).Warn("backfill scan failed")
	as.SetDead(wire.EndClosed)
}

// SetDead is idempotent: the first caller transitions to Dead, discards the
// ready queue, appends a final StreamEnd(reason) (skipped for
// EndDisconnected, since there is no peer left to receive it), and releases
// the backfill handle and checkpoint cursor outside the stream's lock, per
// the §5/§9 teardown-race rule: a task's own teardown may reference this
// stream, so the reference must be moved out of the Holder before it is
// cancelled.
func (as *ActiveStream) SetDead(reason wire.EndReason) int64 {
	as.mu.Lock()
	if as.State() == Dead {
		as.mu.Unlock()
		return 0
	}

	var freed = as.clearLocked()
	as.originQ = nil
	as.sourceQ = nil
	if reason != wire.EndDisconnected {
		as.enqueueLocked(wire.NewStreamEnd(as.Opaque, as.VBucket, reason), 0, item.FromMemory)
	}
	as.deadReason = reason
	as.setState(Dead)
	as.mu.Unlock()

	addTrace(as.ctx, "stream dead: reason=%s, freed %d ready-queue bytes", reason, freed)
	stats.StreamEnded(as.VBucket, reason.String())

	if h := as.backfillHandle.Take(); h != nil {
		h.Cancel()
	}
	if as.cursor != nil {
		as.cursor.Close()
	}
	as.cancel()

	return freed
}

// NotifySeqnoAvailable hints that a new mutation is available, waking a
// connection blocked selecting on ItemsReadyCh after a null Next().
func (as *ActiveStream) NotifySeqnoAvailable(uint64) {
	select {
	case as.itemsReadyCh <- struct{}{}:
	default:
	}
}

var _ Driver = (*ActiveStream)(nil)
