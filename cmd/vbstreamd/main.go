// Command vbstreamd is a small runnable server wiring together the stream
// state machine, its in-memory reference collaborators, and the transport
// and topology packages, demonstrating the module end to end. It is a
// domain-stack addition: spec.md's Non-goals exclude cluster membership and
// authentication, but a complete repo still needs something that can be
// started, per the teacher corpus's convention of shipping a cmd/ binary
// alongside its library packages.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"

	"go.vbstream.dev/core/backfill"
	"go.vbstream.dev/core/checkpoint"
	"go.vbstream.dev/core/config"
	"go.vbstream.dev/core/internal/task"
	"go.vbstream.dev/core/item"
	"go.vbstream.dev/core/stream"
	"go.vbstream.dev/core/topology"
	"go.vbstream.dev/core/transport"
	"go.vbstream.dev/core/vbucket"
	"go.vbstream.dev/core/wire"
)

// serveConfig collects this process's flags, grouped the way the teacher's
// example commands group theirs (examples/word-count/wordcountctl/main.go:
// one struct field per logical concern, "group"/"long" struct tags consumed
// by go-flags).
var serveConfig = struct {
	Addr string `long:"addr" default:":8443" description:"Address to serve the Protocol's gRPC endpoint on"`

	Etcd struct {
		Endpoints []string `long:"endpoint" description:"Etcd endpoint(s) for vbucket topology" default:"localhost:2379"`
		Prefix    string   `long:"prefix" default:"/vbstream/assign" description:"Etcd key prefix for vbucket assignment"`
	} `group:"Etcd" namespace:"etcd"`

	LocalID string `long:"id" description:"This process's id, as it appears in etcd assignment values" required:"true"`

	Config string `long:"config" description:"Path to a YAML Tunables file; defaults are used if omitted"`
}{}

func main() {
	var parser = flags.NewParser(&serveConfig, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	var tunables = config.Default()
	if serveConfig.Config != "" {
		var err error
		if tunables, err = config.Load(serveConfig.Config); err != nil {
			log.WithError(err).Fatal("failed to load config")
		}
	}

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var etcd, err = clientv3.New(clientv3.Config{Endpoints: serveConfig.Etcd.Endpoints})
	if err != nil {
		log.WithError(err).Fatal("failed to build etcd client")
	}
	defer etcd.Close()

	var reg = topology.NewRegistry()
	var store = vbucket.NewMemStore()
	var ring = checkpoint.NewRing(1 << 16)
	var budget = backfill.NewBudget(tunables.BackfillBudgetBytes)
	var scheduler = backfill.NewScheduler()

	var lis, listenErr = net.Listen("tcp", serveConfig.Addr)
	if listenErr != nil {
		log.WithError(listenErr).Fatal("failed to listen")
	}

	var grpcServer = grpc.NewServer()
	transport.RegisterStreamServer(grpcServer, transport.NewServer(reg))

	var group = task.NewGroup(ctx)

	group.Queue("grpc.Serve", func() error { return grpcServer.Serve(lis) })

	group.Queue("topology.Watch", func() error {
		var watcher = topology.NewWatcher(etcd, serveConfig.Etcd.Prefix, serveConfig.LocalID)
		return watcher.Run(group.Context(),
			func(a topology.Assignment) { onAssign(reg, store, ring, scheduler, budget, tunables, a) },
			func(a topology.Assignment) { onRevoke(reg, a) },
		)
	})

	group.Queue("signal.Wait", func() error {
		var sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigCh:
		case <-group.Context().Done():
			return nil
		}
		grpcServer.GracefulStop()
		cancel()
		return nil
	})

	if err := group.Wait(); err != nil {
		log.WithError(err).Error("vbstreamd exited with error")
		os.Exit(1)
	}
}

func onAssign(
	reg *topology.Registry,
	store *vbucket.MemStore,
	ring *checkpoint.Ring,
	scheduler *backfill.Scheduler,
	budget *backfill.Budget,
	tunables config.Tunables,
	a topology.Assignment,
) {
	var entry = log.WithFields(log.Fields{"vbucket": a.VBucket, "role": a.Role})

	switch a.Role {
	case topology.RoleActive:
		entry.Info("assigned as active (producer)")
		// A real deployment resolves the real VBucket/Store instances owned
		// by the engine here; this example wires the in-memory reference
		// collaborators so the binary is runnable standalone.
		var vb = vbucket.NewMem(a.VBucket, 0)
		var as = stream.NewActiveStream(context.Background(), stream.Identity{
			Name:       a.Owner,
			VBucket:    a.VBucket,
			StartSeqno: 0,
			EndSeqno:   stream.MaxSeqno,
		}, stream.ActiveStreamDeps{
			VBucket:     vb,
			Checkpoints: ring,
			Backfills:   scheduler,
			Store:       store,
			Budget:      budget,
			Tunables:    tunables,
			PayloadType: wire.KeyAndValue,
		})
		reg.AddActive(as)
	default:
		entry.Info("assigned as passive (consumer)")
		var ps = stream.NewPassiveStream(stream.Identity{
			Name:    a.Owner,
			VBucket: a.VBucket,
		}, stream.PassiveStreamDeps{
			Applier:  noopApplier{},
			Tunables: tunables,
		})
		ps.AcceptStream(stream.AcceptOK, 0)
		reg.AddPassive(ps)
	}
}

// noopApplier is a placeholder Applier for the example binary; a real
// deployment applies mutations to the engine's own storage layer instead.
type noopApplier struct{}

func (noopApplier) Apply(item.Item) error                     { return nil }
func (noopApplier) FlushDiskSnapshot(start, end uint64) error { return nil }

func onRevoke(reg *topology.Registry, a topology.Assignment) {
	var l = log.WithFields(log.Fields{"vbucket": a.VBucket, "role": a.Role})
	l.Info("revoking local vbucket assignment")

	switch a.Role {
	case topology.RoleActive:
		if as, ok := reg.Active(a.VBucket); ok {
			as.SetDead(wire.EndStateChanged)
		}
		reg.RemoveActive(a.VBucket)
	default:
		reg.RemovePassive(a.VBucket)
	}
}
