package vbucket

import (
	"sort"
	"sync"

	"go.vbstream.dev/core/item"
)

// Store is the durable on-disk collaborator a backfill scan reads from.
// The storage engine itself is out of scope (spec.md §1); this is only the
// narrow read contract the backfill package needs.
type Store interface {
	// ScanRange returns every item with Seqno in [start, end], ascending.
	ScanRange(vbucket uint16, start, end uint64) ([]item.Item, error)
}

// MemStore is an in-memory Store, used by tests and the example server.
type MemStore struct {
	mu    sync.RWMutex
	byVB  map[uint16][]item.Item // kept sorted by Seqno
}

func NewMemStore() *MemStore {
	return &MemStore{byVB: make(map[uint16][]item.Item)}
}

// Append adds an item to the durable log for vbucket, maintaining seqno order.
func (s *MemStore) Append(vbucket uint16, it item.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items = s.byVB[vbucket]
	items = append(items, it)
	sort.Slice(items, func(i, j int) bool { return items[i].Seqno < items[j].Seqno })
	s.byVB[vbucket] = items
}

func (s *MemStore) ScanRange(vbucket uint16, start, end uint64) ([]item.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []item.Item
	for _, it := range s.byVB[vbucket] {
		if it.Seqno < start {
			continue
		}
		if it.Seqno > end {
			break
		}
		out = append(out, it)
	}
	return out, nil
}
