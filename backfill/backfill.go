// Package backfill models the BackfillManager collaborator of spec.md §6:
// an asynchronous scan of historical mutations from persistent storage,
// invoking markDiskSnapshot/backfillReceived/completeBackfill callbacks on
// the requesting ActiveStream. The task scheduler driving the scan is
// modeled on the teacher's broker/append_fsm.go pipeline-acquisition
// pattern: an asynchronously-owned resource (there, a pipeline/spool; here,
// a scan goroutine) that the FSM receives callbacks from and may pause via
// a bounded budget rather than an unbounded channel.
package backfill

import (
	"context"
	"sync"

	"go.vbstream.dev/core/item"
	"go.vbstream.dev/core/vbucket"
)

// Sink receives callbacks from a scheduled backfill scan. ActiveStream
// implements Sink; Manager invokes it from a scheduler goroutine and must
// never be called while the stream's own lock is held by the caller.
type Sink interface {
	// MarkDiskSnapshot announces the [start, end] range the scan will yield.
	MarkDiskSnapshot(start, end uint64)
	// Received offers one item from the scan, tagged with its origin so the
	// Sink can tally disk-vs-memory stats. It returns false to request the
	// scan pause (back-pressure); the scan must retry the same item later
	// rather than drop it.
	Received(it item.Item, source item.Source) (accept bool)
	// Complete signals the scan reached the end of its requested range.
	Complete()
	// Failed signals the scan could not complete; err is never nil.
	Failed(err error)
}

// Handle represents a scheduled scan, allowing the requester to cancel it.
type Handle interface {
	Cancel()
}

// Manager schedules disk scans for a vbucket.
type Manager interface {
	// Schedule begins an asynchronous scan of store over [start, end] for
	// vbucket, delivering callbacks to sink. The scan pauses whenever sink
	// returns false from Received, and must be resumed by a call to
	// Handle's implementation-specific resume path (the reference Scheduler
	// resumes automatically once its Budget has headroom again).
	Schedule(ctx context.Context, vbucket uint16, start, end uint64, store vbucket.Store, budget *Budget, sink Sink) (Handle, error)
}

// Scheduler is the reference in-memory Manager: each scan runs on its own
// goroutine and, whenever the Sink refuses an item, waits on Budget.Drained
// before offering it again, so a slow consumer's back-pressure is visible to
// the scan loop without the scan needing to know anything about ready-queue
// internals.
type Scheduler struct{}

// NewScheduler constructs a reference Scheduler.
func NewScheduler() *Scheduler { return &Scheduler{} }

type handle struct {
	cancel context.CancelFunc
}

func (h *handle) Cancel() { h.cancel() }

func (s *Scheduler) Schedule(ctx context.Context, vb uint16, start, end uint64, store vbucket.Store, budget *Budget, sink Sink) (Handle, error) {
	var scanCtx, cancel = context.WithCancel(ctx)
	var h = &handle{cancel: cancel}

	go s.run(scanCtx, vb, start, end, store, budget, sink)

	return h, nil
}

func (s *Scheduler) run(ctx context.Context, vb uint16, start, end uint64, store vbucket.Store, budget *Budget, sink Sink) {
	var items, err = store.ScanRange(vb, start, end)
	if err != nil {
		sink.Failed(err)
		return
	}

	sink.MarkDiskSnapshot(start, end)

	for _, it := range items {
		if err := budget.Wait(ctx); err != nil {
			sink.Failed(err)
			return
		}

		budget.Reserve(it.Size())

		// Retry offering the same item until accepted or the context ends;
		// this realizes "the task resumes when next() drains enough"
		// (spec.md §4.2) without the Sink needing its own retry queue.
		for !sink.Received(it, item.FromDisk) {
			select {
			case <-ctx.Done():
				budget.Release(it.Size())
				sink.Failed(ctx.Err())
				return
			case <-budget.Drained():
			}
		}
	}

	sink.Complete()
}

// Budget is the producer-wide byte cap referenced by spec.md §4.2's
// back-pressure policy ("if buffered_backfill.bytes exceeds a producer-wide
// budget, return false ... the task resumes when next() drains enough").
// It is shared across every ActiveStream's backfill scan on one producer.
type Budget struct {
	mu       sync.Mutex
	cap      int
	used     int
	drainedCh chan struct{}
}

// NewBudget constructs a Budget with the given byte cap.
func NewBudget(capBytes int) *Budget {
	return &Budget{cap: capBytes, drainedCh: make(chan struct{})}
}

// Wait never blocks: it only reports ctx's error, never budget headroom; Reserve/Release convey
// headroom via the Received/Drained retry loop in Scheduler.run instead, so
// Budget never itself becomes an unbounded blocking point.
func (b *Budget) Wait(ctx context.Context) error { return ctx.Err() }

// Reserve accounts n bytes as in-flight toward the producer-wide cap.
func (b *Budget) Reserve(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used += n
}

// Release returns n bytes to the budget, e.g. once the corresponding item
// has been dequeued from a stream's ready queue by the transport, and wakes
// any scans waiting on Drained.
func (b *Budget) Release(n int) {
	b.mu.Lock()
	b.used -= n
	if b.used < 0 {
		b.used = 0
	}
	var ch = b.drainedCh
	b.drainedCh = make(chan struct{})
	b.mu.Unlock()

	close(ch)
}

// OverBudget reports whether the budget is currently saturated.
func (b *Budget) OverBudget() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used >= b.cap
}

// Drained returns a channel closed the next time Release is called,
// allowing a paused scan to wake and re-check OverBudget.
func (b *Budget) Drained() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drainedCh
}
