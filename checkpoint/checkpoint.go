// Package checkpoint models the CheckpointManager collaborator of spec.md
// §6: an in-memory ring of recent mutations that streams register cursors
// into. The checkpoint manager itself (persistence, compaction of the ring)
// is out of scope; this package gives ActiveStream the narrow contract it
// needs plus a reference in-memory implementation.
package checkpoint

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"go.vbstream.dev/core/item"
)

// ErrRolledOff is returned by RegisterCursor when the requested start seqno
// has already fallen off the checkpoint's retained window, i.e. the caller
// must backfill from disk instead.
var ErrRolledOff = errors.New("checkpoint: start seqno has rolled off the window")

// Manager registers cursors into a vbucket's in-memory checkpoint.
type Manager interface {
	// RegisterCursor returns a Cursor that will yield items from startSeqno
	// (inclusive) onward. Returns ErrRolledOff if startSeqno predates the
	// oldest retained item.
	RegisterCursor(vbucket uint16, startSeqno uint64) (Cursor, error)
	// EarliestSeqno reports the oldest seqno still retained for vbucket, i.e.
	// spec.md's chk_start used by ActiveStream.scheduleBackfill.
	EarliestSeqno(vbucket uint16) uint64
}

// Cursor yields items from a registered starting point, in order.
type Cursor interface {
	// Next pulls up to max items. atEnd reports whether the cursor has
	// caught up to the checkpoint's current write position (no more items
	// are available right now, though more may arrive later).
	Next(ctx context.Context, max int) (items []item.Item, atEnd bool, err error)
	// Close releases the cursor's hold on the checkpoint's retention window.
	Close()
}

// Ring is an in-memory reference Manager: a simple append-only slice per
// vbucket, bounded by a retained-item count, directly modeling "in-memory
// ring of recent mutations" from the glossary.
type Ring struct {
	mu       sync.Mutex
	capacity int
	items    map[uint16][]item.Item
	// floor is the lowest seqno still guaranteed retained, i.e. one past the
	// last evicted seqno. It stays 0 (meaning "nothing has ever rolled off
	// this vbucket's ring") until the first eviction, which is what lets
	// scheduleBackfill skip disk entirely for a vbucket whose full history
	// still fits in memory.
	floor map[uint16]uint64
}

// NewRing constructs a Ring retaining up to capacity items per vbucket.
func NewRing(capacity int) *Ring {
	return &Ring{
		capacity: capacity,
		items:    make(map[uint16][]item.Item),
		floor:    make(map[uint16]uint64),
	}
}

// Append adds an item for vbucket, evicting the oldest retained item if the
// ring is at capacity.
func (r *Ring) Append(vbucket uint16, it item.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var items = append(r.items[vbucket], it)
	if len(items) > r.capacity {
		var evicted = items[:len(items)-r.capacity]
		items = items[len(items)-r.capacity:]
		r.floor[vbucket] = evicted[len(evicted)-1].Seqno + 1
	}
	r.items[vbucket] = items
}

// EarliestSeqno reports the oldest seqno this vbucket's ring still
// guarantees retaining, or 0 if nothing has ever been evicted.
func (r *Ring) EarliestSeqno(vbucket uint16) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.floor[vbucket]
}

func (r *Ring) RegisterCursor(vbucket uint16, startSeqno uint64) (Cursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if floor := r.floor[vbucket]; floor > 0 && startSeqno < floor {
		return nil, ErrRolledOff
	}
	return &ringCursor{ring: r, vbucket: vbucket, next: startSeqno}, nil
}

type ringCursor struct {
	ring    *Ring
	vbucket uint16
	next    uint64
	closed  bool
}

// Next is non-blocking: Cursor.Next never awaits future mutations, matching
// ActiveStream.next()'s requirement to be non-blocking (spec.md §5). If
// nothing is ready, atEnd is true and the caller should await the stream's
// notify_seqno_available hint instead of polling.
func (c *ringCursor) Next(ctx context.Context, max int) ([]item.Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, true, err
	}

	c.ring.mu.Lock()
	defer c.ring.mu.Unlock()

	if c.closed {
		return nil, true, errors.New("checkpoint: cursor closed")
	}

	var items = c.ring.items[c.vbucket]
	var out []item.Item
	for _, it := range items {
		if len(out) == max {
			break
		}
		if it.Seqno < c.next {
			continue
		}
		out = append(out, it)
	}
	if len(out) > 0 {
		c.next = out[len(out)-1].Seqno + 1
		return out, out[len(out)-1].Seqno == items[len(items)-1].Seqno, nil
	}
	return nil, true, nil
}

func (c *ringCursor) Close() {
	c.ring.mu.Lock()
	defer c.ring.mu.Unlock()
	c.closed = true
}
