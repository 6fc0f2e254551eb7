// Package vbucket models the VBucket collaborator described in spec.md §6:
// the producer-local shard state a Stream consults for its current
// high-seqno and failover lineage, and the durable key-value store a
// backfill scan reads from. Neither the storage engine nor cluster
// membership is implemented here (spec.md §1 Non-goals); this package only
// defines the contracts the stream state machine needs and a small
// in-memory reference implementation for tests.
package vbucket

import "sync"

// State mirrors the producer-local lifecycle of a vbucket, as consulted by
// ActiveStream's failure handling: a vbucket no longer in StateActive ends
// the stream with StreamEnd(StateChanged).
type State uint8

const (
	StateDead State = iota
	StateActive
	StateReplica
	StatePending
)

// FailoverEntry is one lineage record: the vb_uuid that was active starting
// at Seqno.
type FailoverEntry struct {
	UUID  uint64
	Seqno uint64
}

// FailoverTable is the ordered (most-recent-first) lineage of a vbucket,
// used to detect whether a peer's (vb_uuid, seqno) pair can still be
// satisfied without requiring it to roll back.
type FailoverTable []FailoverEntry

// Contains reports whether uuid appears anywhere in the table, i.e. whether
// the peer's last-synchronized epoch is still known to this vbucket.
func (t FailoverTable) Contains(uuid uint64) bool {
	for _, e := range t {
		if e.UUID == uuid {
			return true
		}
	}
	return false
}

// NeedsRollback reports whether a peer that last saw (uuid, seqno) must roll
// back before it can resume streaming: true if uuid is unknown, or if uuid
// is known but a newer failover entry ended its branch at a seqno lower than
// the peer's seqno (the peer saw mutations from a future that this vbucket's
// history no longer contains).
func (t FailoverTable) NeedsRollback(uuid uint64, seqno uint64) bool {
	for i, e := range t {
		if e.UUID != uuid {
			continue
		}
		// The branch covers [e.Seqno, next-newer-entry.Seqno), the newer entry
		// being t[i-1] in this most-recent-first table; it bounds how far uuid's branch
		// extended before the next failover occurred.
		if i > 0 && seqno > t[i-1].Seqno {
			return true
		}
		return false
	}
	return true
}

// VBucket is the per-shard collaborator an ActiveStream consults.
type VBucket interface {
	// ID is the 16-bit shard id.
	ID() uint16
	// State returns the current producer-local lifecycle state.
	State() State
	// HighSeqno returns the highest seqno durably or in-flight assigned.
	HighSeqno() uint64
	// FailoverTable returns the current lineage record.
	FailoverTable() FailoverTable
	// ManifestUID returns the current collection-manifest generation.
	ManifestUID() uint64
}

// Mem is an in-memory reference VBucket, used by tests and by the example
// server command. Mutating fields requires holding mu.
type Mem struct {
	mu        sync.RWMutex
	id        uint16
	state     State
	highSeqno uint64
	failover  FailoverTable
	manifest  uint64
}

// NewMem constructs a Mem vbucket, active from construction, with a single
// failover entry at (uuid, 0).
func NewMem(id uint16, uuid uint64) *Mem {
	return &Mem{
		id:        id,
		state:     StateActive,
		failover:  FailoverTable{{UUID: uuid, Seqno: 0}},
	}
}

func (m *Mem) ID() uint16 { return m.id }

func (m *Mem) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Mem) SetState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *Mem) HighSeqno() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.highSeqno
}

// Advance bumps the high-seqno to at least seqno, as would happen when a
// mutation is durably sequenced.
func (m *Mem) Advance(seqno uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seqno > m.highSeqno {
		m.highSeqno = seqno
	}
}

func (m *Mem) FailoverTable() FailoverTable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var cp = make(FailoverTable, len(m.failover))
	copy(cp, m.failover)
	return cp
}

// Failover records a new branch, as would happen after the producer
// detects a split-brain or an unclean restart.
func (m *Mem) Failover(uuid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failover = append(FailoverTable{{UUID: uuid, Seqno: m.highSeqno}}, m.failover...)
}

func (m *Mem) ManifestUID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.manifest
}
