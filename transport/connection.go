package transport

import (
	"context"

	"github.com/pkg/errors"

	"go.vbstream.dev/core/stream"
	"go.vbstream.dev/core/wire"
)

// grpcStream is satisfied by both grpc.ServerStream and the
// *grpc.ClientStream returned by grpc.NewClientStream; Connection only ever
// needs Send/Recv of raw messages through the registered wire.gRPCCodec.
type grpcStream interface {
	Context() context.Context
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// Connection multiplexes every locally-owned ActiveStream for one peer
// connection onto a single gRPC bidi stream, round-robin across vbuckets.
// PassiveStream ready queues (BufferAck, the SetVBucketState echo) are not
// drained by Connection and are not sent to the peer; inbound messages for
// PassiveStreams are still dispatched by RunReader.
// This realizes spec.md §5's "across streams on one connection, ordering is
// governed by a round-robin transport and is not guaranteed between
// vbuckets," and plays the role the teacher's consumer/service.go Service
// plays in owning the long-lived per-connection loops, narrowed here to one
// peer connection's worth of streams rather than the whole process.
type Connection struct {
	reg *registry
}

// registry is the minimal read side Connection needs; topology.Registry
// satisfies it directly.
type registry interface {
	AllActive() []*stream.ActiveStream
	Dispatch(msg wire.Message)
}

// NewConnection wraps reg (typically a *topology.Registry) for one peer
// connection's writer/reader pumps.
func NewConnection(reg registry) *Connection {
	return &Connection{reg: reg}
}

// RunWriter repeatedly drains every locally-owned ActiveStream's ready
// queue onto gs in round-robin order until ctx is cancelled. When a full
// pass produces nothing, it waits on every stream's edge-triggered
// ItemsReadyCh before trying again, so the loop is not a busy-poll.
func (c *Connection) RunWriter(ctx context.Context, gs grpcStream) error {
	for {
		var drivers = c.reg.AllActive()
		var wrote bool
		for _, d := range drivers {
			for {
				var msg, ok = d.Next()
				if !ok {
					break
				}
				if err := gs.SendMsg(msg); err != nil {
					return errors.WithMessage(err, "transport: SendMsg")
				}
				wrote = true
			}
		}
		if wrote {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wakeAny(ctx, drivers):
		}
	}
}

// wakeAny returns a channel that fires when any of drivers' ItemsReadyCh
// fires, or when ctx is cancelled. With no drivers yet registered it simply
// waits out ctx, so a brand-new Connection does not busy-spin before its
// first stream is added.
func wakeAny(ctx context.Context, drivers []*stream.ActiveStream) <-chan struct{} {
	var out = make(chan struct{}, 1)
	if len(drivers) == 0 {
		go func() {
			<-ctx.Done()
			out <- struct{}{}
		}()
		return out
	}
	for _, d := range drivers {
		go func(d *stream.ActiveStream) {
			select {
			case <-d.ItemsReadyCh():
			case <-ctx.Done():
			}
			select {
			case out <- struct{}{}:
			default:
			}
		}(d)
	}
	return out
}

// RunReader reads inbound wire.Envelope frames from gs and dispatches each
// decoded message to reg, until ctx is cancelled or gs.RecvMsg returns a
// non-nil error (including io.EOF on graceful peer close).
func (c *Connection) RunReader(ctx context.Context, gs grpcStream) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var env wire.Envelope
		if err := gs.RecvMsg(&env); err != nil {
			return errors.WithMessage(err, "transport: RecvMsg")
		}

		var msg = env.Message()
		if msg == nil {
			continue
		}
		c.reg.Dispatch(msg)
	}
}
