// Package supervisor implements the top-level loop (C9): picks a work
// source (primary or failover node), starts the matching driver, blocks
// until it exits, and rotates to the other node on failure. Grounded on
// the context-cancellation lifecycle pattern in server/pool.go's
// MiningPool (ctx/cancel pair, goroutine blocks until ctx.Done), replacing
// the source's ad hoc per-subsystem quit channels with one
// golang.org/x/sync/errgroup-coordinated cancellation tree per
// SPEC_FULL.md §5.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/0xbitcoin/tokenminer/internal/farm"
	"github.com/0xbitcoin/tokenminer/internal/rlog"
)

// errDriverExited and errShutdown are internal sentinels used to force
// the errgroup's derived context to cancel whichever of the two
// goroutines (driver, shutdown watcher) is still running once the other
// has finished.
var (
	errDriverExited = errors.New("supervisor: driver exited")
	errShutdown     = errors.New("supervisor: farm shutdown flag raised")
)

// rotateDelay spaces successive node selections.
const rotateDelay = 100 * time.Millisecond

// Node describes one configured work-source endpoint.
type Node struct {
	Name string
	// Runner drives this node for as long as ctx stays alive, returning
	// nil on a clean cancellation or an error when the node's own
	// retry budget is exhausted (driver-specific failover signal).
	Runner func(ctx context.Context) error
}

// Supervisor owns the Farm and the fixed two-entry node list (primary,
// failover), rotating between them per design §4.9.
type Supervisor struct {
	log   *slog.Logger
	farm  *farm.Farm
	nodes []Node
}

// New constructs a Supervisor over nodes (1 or 2 entries: primary and,
// optionally, failover) bound to f's shutdown flag.
func New(f *farm.Farm, nodes []Node) *Supervisor {
	return &Supervisor{log: rlog.WithComponent("supervisor"), farm: f, nodes: nodes}
}

// Run is the main loop: starts the Farm's miners, then drives node[i],
// rotating i = (i+1) mod len(nodes) each time a driver returns, until the
// Farm's shutdown flag is raised or ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.farm.Start(ctx)
	defer s.farm.Stop()

	i := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.farm.Shutdown() {
			s.log.Info("farm shutdown flag raised, supervisor exiting")
			return nil
		}

		node := s.nodes[i%len(s.nodes)]
		s.log.Info("supervisor selecting node", "node", node.Name)

		g, driverCtx := errgroup.WithContext(ctx)
		g.Go(func() error {
			err := node.Runner(driverCtx)
			if err == nil {
				// Returning non-nil cancels driverCtx so the shutdown
				// watcher unblocks too.
				err = errDriverExited
			}
			return err
		})
		g.Go(func() error {
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-driverCtx.Done():
					return nil
				case <-ticker.C:
					if s.farm.Shutdown() {
						return errShutdown
					}
				}
			}
		})

		err := g.Wait()
		if s.farm.Shutdown() {
			s.log.Info("farm shutdown flag raised, supervisor exiting")
			return nil
		}
		if err != nil && !errors.Is(err, errDriverExited) && !errors.Is(err, context.Canceled) {
			s.log.Warn("driver exited, rotating node", "node", node.Name, "error", err)
		}
		if len(s.nodes) > 1 {
			i = (i + 1) % len(s.nodes)
		}

		// Drivers back off internally; this only keeps an
		// instantly-failing runner (bad key, bad address) from spinning
		// the rotation loop hot.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rotateDelay):
		}
	}
}
