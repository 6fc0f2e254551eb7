// Package task provides the scheduler abstraction cmd/vbstreamd and transport
// use to run background work (the gRPC serve loop, the etcd watch, the
// writer/reader pumps), plus the Holder ActiveStream keeps its backfill scan
// in, grounded on the teacher's consumer/service.go QueueTasks method
// and consumer/resolver.go's WaitGroup-gated teardown.
package task

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Group runs named background functions, cancelling them all together and
// reporting the first non-nil error.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	wg      sync.WaitGroup
	firstErr error
}

// NewGroup returns a Group deriving its context from parent.
func NewGroup(parent context.Context) *Group {
	var ctx, cancel = context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel}
}

// Context returns the Group's context, cancelled when any task returns an
// error, or when Cancel is called.
func (g *Group) Context() context.Context { return g.ctx }

// Queue runs fn on its own goroutine under the name "name" for diagnostics.
// The first task to return a non-nil error cancels the Group's context.
func (g *Group) Queue(name string, fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		if err := fn(); err != nil {
			g.mu.Lock()
			if g.firstErr == nil {
				g.firstErr = err
			}
			g.mu.Unlock()

			log.WithFields(log.Fields{"task": name, "err": err}).Warn("task exited with error")
			g.cancel()
		}
	}()
}

// Cancel cancels the Group's context without requiring a task to fail.
func (g *Group) Cancel() { g.cancel() }

// Wait blocks until every queued task has returned, then returns the first
// error any of them reported (or nil).
func (g *Group) Wait() error {
	g.wg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.firstErr
}
