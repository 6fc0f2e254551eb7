package transport

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc"

	"go.vbstream.dev/core/internal/task"
	"go.vbstream.dev/core/topology"
	"go.vbstream.dev/core/wire"
)

// Dial opens a gRPC connection to addr. Callers supply their own
// grpc.DialOption set (TLS credentials, retry policy).
func Dial(ctx context.Context, addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	return grpc.DialContext(ctx, addr, opts...)
}

// RunClient opens the Protocol's single bidi-streaming RPC against cc and
// drives it until ctx is cancelled or the RPC fails, binding reg's locally-
// owned streams to the connection exactly as Server.StreamStateMachine does
// on the accepting side.
func RunClient(ctx context.Context, cc *grpc.ClientConn, reg *topology.Registry) error {
	var desc = streamDesc
	var cs, err = grpc.NewClientStream(ctx, &desc, cc, FullMethod, grpc.CallContentSubtype(wire.CodecName))
	if err != nil {
		return errors.WithMessage(err, "transport: NewClientStream")
	}

	var conn = NewConnection(reg)
	var group = task.NewGroup(ctx)

	group.Queue("transport.writer", func() error { return conn.RunWriter(group.Context(), cs) })
	group.Queue("transport.reader", func() error { return conn.RunReader(group.Context(), cs) })

	return group.Wait()
}
