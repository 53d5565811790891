// Package scheduler ties the node's long-lived tasks together: the
// transport's reader and writer, the peer-staleness sweep, the
// broadcast worker's tick loops, and graceful shutdown on EOF or a
// fatal write error. Tasks run under golang.org/x/sync/errgroup so the
// first task failure cancels every other task and its error propagates
// out.
package scheduler

import (
	"context"
	"time"

	"maelstrom-node/internal/dispatcher"
	"maelstrom-node/internal/peers"
	"maelstrom-node/internal/transport"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SweepInterval is how often stale peers are checked against the
// registry's staleness window and swept into Offline.
const SweepInterval = 5 * time.Second

// Scheduler owns exactly one Run call over the node's lifetime.
type Scheduler struct {
	log   *zap.Logger
	tr    *transport.Transport
	disp  *dispatcher.Dispatcher
	reg   *peers.Registry
	tasks []func(context.Context) error
}

// New builds a Scheduler. extraTasks are additional long-lived loops to
// supervise alongside the fixed set (e.g. the broadcast worker, the
// diagnostics HTTP server) — passed in rather than imported here so
// this package stays agnostic of which optional components are wired.
func New(log *zap.Logger, tr *transport.Transport, disp *dispatcher.Dispatcher, reg *peers.Registry, extraTasks ...func(context.Context) error) *Scheduler {
	s := &Scheduler{log: log, tr: tr, disp: disp, reg: reg}
	s.tasks = append(s.tasks, s.writeLoop, s.sweepLoop)
	s.tasks = append(s.tasks, extraTasks...)
	return s
}

// Run blocks until every task exits: normally the reader hits EOF,
// which cancels ctx for the rest; any task's error cancels the group
// and is returned, except context.Canceled which is expected shutdown
// noise.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	for _, task := range s.tasks {
		task := task
		g.Go(func() error { return task(runCtx) })
	}
	// The reader hitting EOF (stdin closed) is the normal shutdown
	// trigger — it alone must tear down every other task, whether or
	// not it returned an error.
	g.Go(func() error {
		err := s.readLoop(runCtx)
		cancel()
		return err
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func (s *Scheduler) readLoop(ctx context.Context) error {
	err := s.tr.ReadLoop(ctx, func(line []byte) {
		reply := s.disp.Handle(line)
		if reply != nil {
			s.tr.Enqueue(ctx, reply)
		}
	})
	s.log.Info("read loop exited", zap.Error(err))
	return err
}

func (s *Scheduler) writeLoop(ctx context.Context) error {
	return s.tr.WriteLoop(ctx)
}

func (s *Scheduler) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if went := s.reg.Sweep(now); len(went) > 0 {
				s.log.Info("peers went offline", zap.Strings("peers", went))
			}
		}
	}
}
