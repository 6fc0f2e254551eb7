package stream

import (
	"go.vbstream.dev/core/vbucket"
	"go.vbstream.dev/core/wire"
)

// NotifierStream is the lightweight producer variant of spec.md §4.3: it
// never frames any Mutation/Deletion/Expiration content, only waits for the
// vbucket's high-seqno to reach a threshold and emits a single
// StreamEnd(OK), then dies. Used by a consumer that only needs to know "has
// vbucket V reached seqno S" without paying for a full replication stream.
type NotifierStream struct {
	Stream

	vb        vbucket.VBucket
	threshold uint64
}

// NewNotifierStream constructs a NotifierStream awaiting vbucket's high-seqno
// to reach threshold.
func NewNotifierStream(id Identity, vb vbucket.VBucket, threshold uint64) *NotifierStream {
	var ns = &NotifierStream{vb: vb, threshold: threshold}
	ns.Init(id)
	return ns
}

// Next checks the threshold on every call rather than maintaining any
// phase-specific state: a NotifierStream has exactly one productive
// transition in its lifetime.
func (ns *NotifierStream) Next() (wire.Message, bool) {
	if msg, ok := ns.dequeue(); ok {
		return msg, true
	}
	if ns.State() == Dead {
		return nil, false
	}
	if ns.vb.HighSeqno() >= ns.threshold {
		ns.SetDead(wire.EndOK)
		return ns.dequeue()
	}
	return nil, false
}

func (ns *NotifierStream) dequeue() (wire.Message, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.popFromReadyQ()
}

// SetDead is idempotent, matching ActiveStream's terminal-message semantics:
// the final StreamEnd is queued before the state flips to Dead so it still
// drains (invariant 5), except when the reason is EndDisconnected since
// there is no peer left to receive it.
func (ns *NotifierStream) SetDead(reason wire.EndReason) int64 {
	ns.mu.Lock()
	if ns.State() == Dead {
		ns.mu.Unlock()
		return 0
	}
	var freed = ns.clearLocked()
	if reason != wire.EndDisconnected {
		ns.pushToReadyQ(wire.NewStreamEnd(ns.Opaque, ns.VBucket, reason))
	}
	ns.setState(Dead)
	ns.mu.Unlock()
	return freed
}

// NotifySeqnoAvailable wakes a connection blocked on ItemsReadyCh so it
// re-polls Next() and re-checks the threshold.
func (ns *NotifierStream) NotifySeqnoAvailable(uint64) {
	select {
	case ns.itemsReadyCh <- struct{}{}:
	default:
	}
}

var _ Driver = (*NotifierStream)(nil)
