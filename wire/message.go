// Package wire defines the protocol messages a Stream produces or consumes,
// and their framing on the connection. It plays the role the teacher's
// message package plays for journal content: a small, explicit Framing
// contract rather than a protobuf-generated wire format, because framing of
// stream messages is deliberately kept independent of the RPC transport
// binding (see transport).
package wire

import "fmt"

// PayloadType selects whether Mutation/Deletion messages carry the value
// alongside the key, or key-only (fixed at stream-open via
// ActiveStreamDeps.PayloadType).
type PayloadType uint8

const (
	// KeyAndValue sends the full value with every Mutation.
	KeyAndValue PayloadType = iota
	// KeyOnly omits the value; the consumer is expected to already hold it
	// or to not need it (e.g. an index feed keyed only on presence).
	KeyOnly
)

// EndReason is carried on a StreamEnd message and mirrors the enumerated
// reason a Stream transitioned to Dead. Wire codes are fixed by the
// Protocol and must never be renumbered once assigned.
type EndReason uint8

const (
	// EndOK is graceful completion of a bounded stream or takeover handoff.
	EndOK EndReason = 0
	// EndClosed is a protocol violation or other non-retryable closure.
	EndClosed EndReason = 1
	// EndStateChanged is loss of producer-local vbucket ownership.
	EndStateChanged EndReason = 2
	// EndDisconnected is transport teardown observed by the owning connection.
	EndDisconnected EndReason = 3
	// EndSlow is back-pressure exhaustion: the consumer could not keep up.
	EndSlow EndReason = 4
)

func (r EndReason) String() string {
	switch r {
	case EndOK:
		return "ok"
	case EndClosed:
		return "closed"
	case EndStateChanged:
		return "state_changed"
	case EndDisconnected:
		return "disconnected"
	case EndSlow:
		return "slow"
	default:
		return fmt.Sprintf("end_reason(%d)", uint8(r))
	}
}

// SnapshotType distinguishes the durable-scan and live-cursor origin of a
// snapshot's mutations, per spec.md's PassiveStream cur_snapshot_type.
type SnapshotType uint8

const (
	// SnapshotNone is the zero value: no snapshot currently open.
	SnapshotNone SnapshotType = iota
	// SnapshotDisk is framed from the backfill scan.
	SnapshotDisk
	// SnapshotMemory is framed from the checkpoint cursor.
	SnapshotMemory
)

func (t SnapshotType) String() string {
	switch t {
	case SnapshotDisk:
		return "disk"
	case SnapshotMemory:
		return "memory"
	default:
		return "none"
	}
}

// VBucketState is carried on a SetVBucketState message during takeover.
type VBucketState uint8

const (
	// StatePending signals the consumer to begin treating the vbucket as a
	// candidate for ownership, but not yet authoritative.
	StatePending VBucketState = iota
	// StateActive signals the consumer is now authoritative for the vbucket.
	StateActive
)

// Message is the interface common to every message a Stream may enqueue.
// Opaque is always copied from the owning Stream's identity.
type Message interface {
	// Opaque returns the connection-scoped correlator of the owning Stream.
	Opaque() uint32
	// VBucket returns the shard id the message concerns.
	VBucket() uint16
	// Size estimates the serialized footprint, for ready_queue_bytes
	// accounting. Must be stable for the lifetime of the message.
	Size() int
}

// base carries the (Opaque, VBucket) pair common to every Message. Fields
// are exported (with explicit json tags distinct from the Opaque()/VBucket()
// accessor methods) so encoding/json actually serializes them; an unexported
// pair would be silently dropped by json.Marshal.
type base struct {
	OpaqueID  uint32 `json:"opaque"`
	VBucketID uint16 `json:"vbucket"`
}

func (b base) Opaque() uint32  { return b.OpaqueID }
func (b base) VBucket() uint16 { return b.VBucketID }

// SnapshotMarker frames the [Start, End] seqno range of the mutations that
// follow, with a Type recording whether they originate from the backfill
// scan or the checkpoint cursor. Ack requests that the consumer emit a
// BufferAck once it has fully processed through End, per spec.md §4.4's
// cur_snapshot_ack; the reference ActiveStream sets it only for disk-origin
// markers, since those are the only snapshots backed by bounded flow-control
// budget on the producer side.
type SnapshotMarker struct {
	base
	Start, End uint64
	Type       SnapshotType
	Ack        bool
}

func NewSnapshotMarker(opaque uint32, vbucket uint16, start, end uint64, typ SnapshotType, ack bool) SnapshotMarker {
	return SnapshotMarker{base: base{opaque, vbucket}, Start: start, End: end, Type: typ, Ack: ack}
}

func (m SnapshotMarker) Size() int { return 33 }

// Mutation is a set of Key (and, unless PayloadType is KeyOnly, Value) at Seqno.
type Mutation struct {
	base
	Seqno   uint64
	VBUUID  uint64
	Key     []byte
	Value   []byte
	Flags   uint32
	CAS     uint64
	Payload PayloadType
}

func NewMutation(opaque uint32, vbucket uint16, seqno, vbuuid uint64, key, value []byte, flags uint32, cas uint64, payload PayloadType) Mutation {
	var m = Mutation{base: base{opaque, vbucket}, Seqno: seqno, VBUUID: vbuuid, Key: key, Flags: flags, CAS: cas, Payload: payload}
	if payload == KeyAndValue {
		m.Value = value
	}
	return m
}

func (m Mutation) Size() int { return len(m.Key) + len(m.Value) + 48 }

// Deletion is an explicit removal of Key at Seqno.
type Deletion struct {
	base
	Seqno  uint64
	VBUUID uint64
	Key    []byte
	CAS    uint64
}

func NewDeletion(opaque uint32, vbucket uint16, seqno, vbuuid uint64, key []byte, cas uint64) Deletion {
	return Deletion{base: base{opaque, vbucket}, Seqno: seqno, VBUUID: vbuuid, Key: key, CAS: cas}
}

func (d Deletion) Size() int { return len(d.Key) + 40 }

// Expiration is a removal caused by TTL expiry, wire-distinct from Deletion
// so consumers may apply different downstream semantics (e.g. skip tombstone
// propagation to a secondary index). Expiry is the item's Unix-seconds expiry
// time, carried so a consumer-local index can distinguish an expiry-driven
// removal from an explicit delete without a side lookup.
type Expiration struct {
	base
	Seqno  uint64
	VBUUID uint64
	Key    []byte
	Expiry uint32
}

func NewExpiration(opaque uint32, vbucket uint16, seqno, vbuuid uint64, key []byte, expiry uint32) Expiration {
	return Expiration{base: base{opaque, vbucket}, Seqno: seqno, VBUUID: vbuuid, Key: key, Expiry: expiry}
}

func (e Expiration) Size() int { return len(e.Key) + 36 }

// SetVBucketState is emitted during takeover handoff.
type SetVBucketState struct {
	base
	State VBucketState
}

func NewSetVBucketState(opaque uint32, vbucket uint16, state VBucketState) SetVBucketState {
	return SetVBucketState{base: base{opaque, vbucket}, State: state}
}

func (s SetVBucketState) Size() int { return 16 }

// StreamEnd is the terminal message of a Stream, carrying the closed-reason
// visible to the peer.
type StreamEnd struct {
	base
	Reason EndReason
}

func NewStreamEnd(opaque uint32, vbucket uint16, reason EndReason) StreamEnd {
	return StreamEnd{base: base{opaque, vbucket}, Reason: reason}
}

func (s StreamEnd) Size() int { return 16 }

// BufferAck acknowledges consumption of buffered bytes, used by PassiveStream
// to advise the producer that it may free flow-control window.
type BufferAck struct {
	base
	Bytes uint32
}

func NewBufferAck(opaque uint32, vbucket uint16, bytes uint32) BufferAck {
	return BufferAck{base: base{opaque, vbucket}, Bytes: bytes}
}

func (a BufferAck) Size() int { return 16 }
