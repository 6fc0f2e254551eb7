// Package stream implements the per-vbucket replication stream state
// machine: the base Stream identity and ready-queue plumbing shared by
// ActiveStream, NotifierStream and PassiveStream. The locking discipline —
// a single stream_mutex guarding structural state (ready queue, snapshot
// window, state transitions) with lock-free atomic counters for stats — is
// modeled directly on the teacher's broker/append_fsm.go, which guards its
// own FSM state and pipeline handle the same way.
package stream

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"go.vbstream.dev/core/wire"
)

// Identity is the immutable-after-construction identity of a Stream,
// exactly spec.md §3's "Stream identity" block.
type Identity struct {
	Name    string
	Opaque  uint32
	VBucket uint16
	Flags   Flags

	StartSeqno uint64
	EndSeqno   uint64 // may equal MaxSeqno

	VBUUID uint64

	SnapStartSeqno uint64
	SnapEndSeqno   uint64
}

// Driver is the contract every derived stream (ActiveStream, NotifierStream,
// PassiveStream) must satisfy, per spec.md §4.1.
type Driver interface {
	// Next returns the next outbound message, or ok=false if none ready.
	Next() (msg wire.Message, ok bool)
	// SetDead transitions to Dead, returning how many bytes were discarded
	// (for PassiveStream, ready-queue plus inbound-buffer bytes).
	SetDead(reason wire.EndReason) (bytesFreed int64)
	// NotifySeqnoAvailable hints that a new mutation exists at seqno.
	NotifySeqnoAvailable(seqno uint64)
}

// Stream is the base embedded by every stream variant. Exported so
// topology/transport can hold *Stream-shaped values generically via the
// Driver interface while each variant adds its own phase logic.
type Stream struct {
	Identity

	// mu is "stream_mutex": guards readyQ, itemsReady, snapshot windows and
	// state transitions. Never held while calling back into the owning
	// connection or a collaborator (spec.md §5 lock-order rule).
	mu sync.Mutex

	readyQ       []wire.Message
	readyQBytes  int64 // atomic; mirrors sum of readyQ message sizes
	itemsReady   bool
	itemsReadyCh chan struct{} // buffered 1; edge-triggered wake

	state      int32 // atomic mirror of the lock-guarded logical state
	deadReason wire.EndReason

	log *log.Entry
}

// Init must be called by every derived stream's constructor before use.
func (s *Stream) Init(id Identity) {
	s.Identity = id
	s.itemsReadyCh = make(chan struct{}, 1)
	atomic.StoreInt32(&s.state, int32(Pending))
	s.log = log.WithFields(log.Fields{
		"stream":  id.Name,
		"vbucket": id.VBucket,
		"opaque":  id.Opaque,
	})
}

// Log returns the stream's diagnostic logger, pre-tagged with identity
// fields, matching the teacher's log.WithFields(...) idiom.
func (s *Stream) Log() *log.Entry { return s.log }

// State reads the current lifecycle state. Per spec.md §5, this read may be
// stale by one transition relative to a concurrent writer; callers that act
// on State() must re-check it under the lock before mutating.
func (s *Stream) State() State { return State(atomic.LoadInt32(&s.state)) }

// setState must be called with mu held. It records the transition via the
// stream's logger, matching append_fsm.go's per-transition diagnostics.
func (s *Stream) setState(next State) {
	var prev = State(atomic.LoadInt32(&s.state))
	atomic.StoreInt32(&s.state, int32(next))
	if prev != next {
		s.log.WithFields(log.Fields{"from": prev, "to": next}).Debug("stream state transition")
	}
}

// ReadyQueueBytes is lock-free, per spec.md §4.1's requirement that stats
// readers not take the lock.
func (s *Stream) ReadyQueueBytes() int64 { return atomic.LoadInt64(&s.readyQBytes) }

// ItemsReadyCh returns the edge-triggered wake channel. The owning
// connection should select on it after a Next() call returns ok=false, and
// must drain any value it receives before selecting again.
func (s *Stream) ItemsReadyCh() <-chan struct{} { return s.itemsReadyCh }

// pushToReadyQ must be called with mu held. It appends msg, updates byte
// accounting, and fires the edge-trigger on an empty-to-nonempty transition.
func (s *Stream) pushToReadyQ(msg wire.Message) {
	var wasEmpty = len(s.readyQ) == 0
	s.readyQ = append(s.readyQ, msg)
	atomic.AddInt64(&s.readyQBytes, int64(msg.Size()))

	if wasEmpty {
		select {
		case s.itemsReadyCh <- struct{}{}:
		default:
		}
	}
}

// popFromReadyQ must be called with mu held.
func (s *Stream) popFromReadyQ() (wire.Message, bool) {
	if len(s.readyQ) == 0 {
		return nil, false
	}
	var msg = s.readyQ[0]
	s.readyQ = s.readyQ[1:]
	atomic.AddInt64(&s.readyQBytes, -int64(msg.Size()))
	return msg, true
}

// peekReadyQLen reports the ready queue's length under lock, without popping
// anything. Nothing in this package calls it.
func (s *Stream) peekReadyQLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readyQ)
}

// clear empties the ready queue under lock, returning the bytes released.
// Exposed for SetDead implementations per spec.md §4.1.
func (s *Stream) clear() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked()
}

func (s *Stream) clearLocked() int64 {
	var freed int64
	for _, msg := range s.readyQ {
		freed += int64(msg.Size())
	}
	s.readyQ = nil
	atomic.AddInt64(&s.readyQBytes, -freed)
	return freed
}

// DeadReason returns the reason SetDead was called with, valid once
// State() == Dead.
func (s *Stream) DeadReason() wire.EndReason { return s.deadReason }
