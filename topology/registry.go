// Package topology owns the set of per-vbucket streams a local process is
// currently serving, and learns which vbuckets it owns from an etcd-backed
// watch. It is the domain-stack realization of spec.md §6's "Connection
// (producer/consumer)" collaborator at the multi-stream, multi-vbucket
// level: one Registry per process, one entry per locally-active or
// locally-passive vbucket stream.
//
// Modeled on the teacher's consumer/resolver.go Resolver (a map of shard id
// to local Replica, mutated by an allocator.State watch) and
// consumer/service.go Service (the top-level process wiring a Resolver to a
// gRPC server and an etcd client), narrowed from "shard" to "vbucket" and
// from allocator.State to this package's own Watcher since this module
// carries no cluster allocator of its own (spec.md §1 Non-goals).
package topology

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"go.vbstream.dev/core/stream"
	"go.vbstream.dev/core/wire"
)

// Registry owns every ActiveStream and PassiveStream the local process is
// currently driving, keyed by vbucket, and routes inbound wire messages to
// the right one.
type Registry struct {
	mu      sync.RWMutex
	active  map[uint16]*stream.ActiveStream
	passive map[uint16]*stream.PassiveStream
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		active:  make(map[uint16]*stream.ActiveStream),
		passive: make(map[uint16]*stream.PassiveStream),
	}
}

// AddActive registers as as the local producer-side stream for its
// vbucket, tearing down (StateChanged) any prior stream it replaces.
func (r *Registry) AddActive(as *stream.ActiveStream) {
	r.mu.Lock()
	var prev = r.active[as.VBucket]
	r.active[as.VBucket] = as
	r.mu.Unlock()

	if prev != nil && prev != as {
		prev.SetDead(wire.EndStateChanged)
	}
}

// AddPassive registers ps as the local consumer-side stream for its vbucket.
func (r *Registry) AddPassive(ps *stream.PassiveStream) {
	r.mu.Lock()
	var prev = r.passive[ps.VBucket]
	r.passive[ps.VBucket] = ps
	r.mu.Unlock()

	if prev != nil && prev != ps {
		prev.SetDead(wire.EndStateChanged)
	}
}

// RemoveActive drops the registered ActiveStream for vbucket, if any. It
// does not tear the stream down; callers that are revoking ownership should
// SetDead it themselves first (as cmd/vbstreamd's onRevoke does).
func (r *Registry) RemoveActive(vbucket uint16) {
	r.mu.Lock()
	delete(r.active, vbucket)
	r.mu.Unlock()
}

// RemovePassive drops the registered PassiveStream for vbucket, if any.
func (r *Registry) RemovePassive(vbucket uint16) {
	r.mu.Lock()
	delete(r.passive, vbucket)
	r.mu.Unlock()
}

// Active looks up the locally-owned ActiveStream for vbucket.
func (r *Registry) Active(vbucket uint16) (*stream.ActiveStream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var as, ok = r.active[vbucket]
	return as, ok
}

// Passive looks up the locally-owned PassiveStream for vbucket.
func (r *Registry) Passive(vbucket uint16) (*stream.PassiveStream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ps, ok = r.passive[vbucket]
	return ps, ok
}

// AllActive returns a point-in-time snapshot of every locally-owned
// ActiveStream, for transport.Connection's writer pump to round-robin over.
func (r *Registry) AllActive() []*stream.ActiveStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out = make([]*stream.ActiveStream, 0, len(r.active))
	for _, as := range r.active {
		out = append(out, as)
	}
	return out
}

// AllPassive returns a point-in-time snapshot of every locally-owned
// PassiveStream.
func (r *Registry) AllPassive() []*stream.PassiveStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out = make([]*stream.PassiveStream, 0, len(r.passive))
	for _, ps := range r.passive {
		out = append(out, ps)
	}
	return out
}

// Dispatch routes one inbound wire.Message to the local stream responsible
// for its vbucket. A PassiveStream applies data and control messages
// directly via MessageReceived. An ActiveStream only ever receives the
// SetVBucketState message back as a takeover handoff acknowledgment (see
// stream.PassiveStream's onVBucketState for why an echo of the same message,
// rather than a distinct ack wire type, realizes spec.md §4.2's
// "setVBucketStateAckReceived").
func (r *Registry) Dispatch(msg wire.Message) {
	var vbucket = msg.VBucket()

	if ps, ok := r.Passive(vbucket); ok {
		ps.MessageReceived(msg)
		return
	}
	if as, ok := r.Active(vbucket); ok {
		if _, isAck := msg.(wire.SetVBucketState); isAck {
			as.SetVBucketStateAckReceived()
			return
		}
		log.WithField("vbucket", vbucket).Warn("topology: unexpected inbound message for active stream")
		return
	}
	log.WithField("vbucket", vbucket).Warn("topology: no local stream owns inbound message's vbucket")
}

// Snapshot returns observability counters for every locally-owned stream,
// generalizing ActiveStream.Stats()/PassiveStream.BufferStats() from one
// stream to the whole registry, for an admin RPC to expose.
func (r *Registry) Snapshot() (active map[uint16]stream.ActiveStats, passive map[uint16]stream.BufferStats) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active = make(map[uint16]stream.ActiveStats, len(r.active))
	for vb, as := range r.active {
		active[vb] = as.Stats()
	}
	passive = make(map[uint16]stream.BufferStats, len(r.passive))
	for vb, ps := range r.passive {
		passive[vb] = ps.BufferStats()
	}
	return active, passive
}
