package stream

// State is one of the stream lifecycle states named in spec.md §3/§4. A
// single enum is shared by ActiveStream, NotifierStream and PassiveStream
// even though each only visits a subset of it, so the base Stream can store
// and report state without knowing which subclass it belongs to.
type State int32

const (
	// Pending is the initial state of every Stream.
	Pending State = iota
	// Backfilling is ActiveStream scanning historical mutations from disk.
	Backfilling
	// InMemory is ActiveStream draining the live checkpoint cursor.
	InMemory
	// TakeoverSend is ActiveStream emitting the takeover handoff messages.
	TakeoverSend
	// TakeoverWait is ActiveStream awaiting the peer's handoff acks.
	TakeoverWait
	// Reading is PassiveStream's only productive state.
	Reading
	// Dead is terminal for every Stream variant.
	Dead
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Backfilling:
		return "backfilling"
	case InMemory:
		return "in_memory"
	case TakeoverSend:
		return "takeover_send"
	case TakeoverWait:
		return "takeover_wait"
	case Reading:
		return "reading"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Flags is the bitset negotiated at stream-open.
type Flags uint32

const (
	// FlagTakeOver requests vbucket-ownership handoff once the stream
	// catches up to the producer's high-seqno.
	FlagTakeOver Flags = 1 << iota
	// FlagDiskOnly restricts the stream to historical mutations; it must
	// transition to Dead rather than InMemory once the backfill completes.
	FlagDiskOnly
	// FlagLatestOnly requests only mutations at-or-after stream-open,
	// skipping any backfill regardless of start_seqno.
	FlagLatestOnly
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// MaxSeqno is the sentinel end_seqno meaning "until closed".
const MaxSeqno uint64 = ^uint64(0)
