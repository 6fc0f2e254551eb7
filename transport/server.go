package transport

import (
	"google.golang.org/grpc"

	"go.vbstream.dev/core/internal/task"
	"go.vbstream.dev/core/topology"
)

// Server implements StreamServer, accepting inbound peer connections and
// binding each to reg's locally-owned streams via a Connection.
type Server struct {
	reg *topology.Registry
}

// NewServer constructs a Server bound to reg.
func NewServer(reg *topology.Registry) *Server {
	return &Server{reg: reg}
}

// StreamStateMachine implements StreamServer: for the lifetime of one gRPC
// stream, it runs a writer pump draining reg's ActiveStreams and a reader
// pump dispatching inbound messages to reg, tearing both down together on
// the first error (peer disconnect, context cancellation), matching
// consumer/service.go's QueueTasks cancel-on-first-error teardown shape.
func (s *Server) StreamStateMachine(gs grpc.ServerStream) error {
	var conn = NewConnection(s.reg)
	var group = task.NewGroup(gs.Context())

	group.Queue("transport.writer", func() error { return conn.RunWriter(group.Context(), gs) })
	group.Queue("transport.reader", func() error { return conn.RunReader(group.Context(), gs) })

	return group.Wait()
}

var _ StreamServer = (*Server)(nil)
