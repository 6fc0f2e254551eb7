package topology

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/time/rate"
)

// watchRetryLimiter bounds how often Run re-establishes a dropped etcd
// Watch: at most once per second, with a burst of one so the first retry
// after a transient disconnect is immediate.
var watchRetryLimiter = rate.NewLimiter(rate.Limit(1), 1)

// Role mirrors spec.md's producer/consumer split at the topology level: a
// process is either the Active (producer) owner of a vbucket, or a Passive
// (consumer/replica) subscriber to it.
type Role uint8

const (
	// RolePassive is the default role for an assignment key whose role
	// segment is absent or unrecognized, matching the Protocol's own bias
	// toward replicas outnumbering producers.
	RolePassive Role = iota
	// RoleActive marks the process designated as the vbucket's producer.
	RoleActive
)

func (r Role) String() string {
	if r == RoleActive {
		return "active"
	}
	return "passive"
}

// Assignment is one vbucket's current ownership record, decoded from an
// etcd key under Watcher's prefix of the form "<prefix>/<vbucket>/<role>",
// whose value is the owning process id.
type Assignment struct {
	VBucket uint16
	Owner   string
	Role    Role
}

// Watcher watches an etcd key prefix for vbucket ownership changes and
// reports assignment/revocation events relevant to localID. Modeled on
// consumer/resolver.go's allocator.State-driven Resolver, narrowed to a
// single etcd Watch loop since this module owns no cluster allocator of its
// own (spec.md §1 Non-goals: cluster membership).
type Watcher struct {
	client  *clientv3.Client
	prefix  string
	localID string
}

// NewWatcher constructs a Watcher over the given etcd client and key
// prefix, reporting assignments made to localID.
func NewWatcher(client *clientv3.Client, prefix, localID string) *Watcher {
	return &Watcher{client: client, prefix: strings.TrimSuffix(prefix, "/"), localID: localID}
}

// Run watches the prefix until ctx is cancelled, invoking onAssign whenever
// a vbucket is newly assigned to localID and onRevoke whenever a vbucket
// previously assigned to localID is reassigned elsewhere or removed. Run
// blocks until ctx is cancelled or a non-recoverable etcd error occurs,
// matching the teacher's Resolver.watch return-on-terminal-error contract.
func (w *Watcher) Run(ctx context.Context, onAssign, onRevoke func(Assignment)) error {
	var owned = make(map[string]Assignment)

	var get, err = w.client.Get(ctx, w.prefix, clientv3.WithPrefix())
	if err != nil {
		return errors.WithMessage(err, "topology: initial Get")
	}
	for _, kv := range get.Kvs {
		if a, ok := decodeAssignment(w.prefix, kv.Key, kv.Value); ok {
			owned[string(kv.Key)] = a
			if a.Owner == w.localID {
				onAssign(a)
			}
		}
	}

	var rev = get.Header.Revision + 1
	for {
		if werr := w.watchOnce(ctx, rev, owned, onAssign, onRevoke, &rev); werr != nil {
			if errors.Cause(werr) == context.Canceled {
				return nil
			}
			return errors.WithMessage(werr, "topology: watch")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The watch channel closed without a terminal error (etcd client
		// compaction/reconnect); back off before re-establishing it rather
		// than spinning, matching resolver.go's retry-with-backoff shape
		// around its own allocator watch.
		if err := watchRetryLimiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		log.WithField("prefix", w.prefix).Warn("topology: watch channel closed, re-establishing")
	}
}

// watchOnce runs a single etcd Watch from startRev until the channel closes
// or a terminal error occurs, updating owned and *nextRev in place.
func (w *Watcher) watchOnce(
	ctx context.Context,
	startRev int64,
	owned map[string]Assignment,
	onAssign, onRevoke func(Assignment),
	nextRev *int64,
) error {
	var wch = w.client.Watch(ctx, w.prefix, clientv3.WithPrefix(), clientv3.WithRev(startRev))
	for resp := range wch {
		if werr := resp.Err(); werr != nil {
			return werr
		}
		*nextRev = resp.Header.Revision + 1

		for _, ev := range resp.Events {
			var key = string(ev.Kv.Key)

			if ev.Type == clientv3.EventTypeDelete {
				if prev, ok := owned[key]; ok {
					delete(owned, key)
					if prev.Owner == w.localID {
						onRevoke(prev)
					}
				}
				continue
			}

			var a, ok = decodeAssignment(w.prefix, ev.Kv.Key, ev.Kv.Value)
			if !ok {
				continue
			}
			var prev, had = owned[key]
			if had && prev.Owner == w.localID && a.Owner != w.localID {
				onRevoke(prev)
			}
			owned[key] = a
			if a.Owner == w.localID && !(had && prev.Owner == w.localID) {
				onAssign(a)
			}
		}
	}
	return nil
}

// decodeAssignment parses a "<prefix>/<vbucket>/<role>" key and
// cross-validates the vbucket segment is numeric, in the same
// decode-and-cross-validate spirit as consumer/key_space.go's decoder
// (there, validating a decoded ShardSpec.Id against its Etcd key; here,
// validating the key's vbucket segment is itself well-formed before trusting
// it).
func decodeAssignment(prefix string, key, value []byte) (Assignment, bool) {
	var rest = strings.TrimPrefix(string(key), prefix)
	rest = strings.TrimPrefix(rest, "/")

	var parts = strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		log.WithField("key", string(key)).Warn("topology: malformed assignment key")
		return Assignment{}, false
	}

	var vb, err = strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		log.WithField("key", string(key)).Warn("topology: non-numeric vbucket segment")
		return Assignment{}, false
	}

	var role = RolePassive
	if parts[1] == "active" {
		role = RoleActive
	}
	return Assignment{VBucket: uint16(vb), Owner: string(value), Role: role}, true
}
