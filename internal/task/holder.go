package task

import "sync"

// Holder guards a single reference to a currently-scheduled background task
// (e.g. a backfill scan Handle), and exists solely to fix the teardown race
// described in spec.md §5 and §9: a task's own teardown path may itself
// reference the stream that owns the Holder (for example, a deferred
// VBucket release triggered by the backfill scan's own cancellation). If
// that teardown ran while the stream held its own lock and then tried to
// re-enter the stream, the scheduler's internal lock and the stream's lock
// could invert.
//
// The fix: Take() moves the current reference out of the Holder and clears
// it, *before* the caller does anything that might call back into the task
// (cancel it, close a channel it reads from, drop its last reference). The
// caller then acts on the moved-out value outside of any lock the task
// could need to re-acquire.
type Holder struct {
	mu   sync.Mutex
	task interface{ Cancel() }
}

// Set installs t as the current task, replacing (but not cancelling) any
// previous one. Callers are responsible for having already drained any
// prior task via Take.
func (h *Holder) Set(t interface{ Cancel() }) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.task = t
}

// Take moves the current task out of the Holder, leaving it empty, and
// returns what was held (nil if nothing was set). The returned value must
// be acted on (e.g. Cancel()'d) only after the caller has released any lock
// the task's own teardown might need.
func (h *Holder) Take() interface{ Cancel() } {
	h.mu.Lock()
	defer h.mu.Unlock()
	var t = h.task
	h.task = nil
	return t
}
