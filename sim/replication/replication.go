// Package replication runs independent copies of a model in parallel. Each
// replication gets its own simulator built from a factory, so resources,
// monitors and random streams are never shared between goroutines.
package replication

import (
	"context"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/dessim/sim"
	"github.com/inference-sim/dessim/sim/trace"
)

// Factory builds a fresh simulator for the given seed.
type Factory func(seed int64) (*sim.Simulator, error)

// Config controls a replication set.
type Config struct {
	Replications int
	// Parallel bounds the number of concurrent replications; 0 means
	// GOMAXPROCS.
	Parallel int
	// Seed is the seed of replication 0; replication i uses Seed+i.
	Seed  int64
	Until float64
}

// Result is the outcome of one replication.
type Result struct {
	Replication int
	Seed        int64
	// Now is the clock when the run stopped.
	Now      float64
	InFlight int
	Monitor  *trace.Monitor
}

// Run executes cfg.Replications independent runs. Results are ordered by
// replication index regardless of completion order. The first failing
// replication cancels the others.
func Run(ctx context.Context, build Factory, cfg Config) ([]Result, error) {
	if cfg.Replications < 1 {
		return nil, fmt.Errorf("replications must be at least 1, got %d", cfg.Replications)
	}
	if cfg.Parallel < 0 {
		return nil, fmt.Errorf("parallel must be non-negative, got %d", cfg.Parallel)
	}
	parallel := cfg.Parallel
	if parallel == 0 {
		parallel = runtime.GOMAXPROCS(0)
	}

	results := make([]Result, cfg.Replications)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i := 0; i < cfg.Replications; i++ {
		g.Go(func() error {
			seed := cfg.Seed + int64(i)
			s, err := build(seed)
			if err != nil {
				return fmt.Errorf("replication %d: %w", i, err)
			}
			s.SetReplication(i)
			if err := s.RunContext(gctx, cfg.Until); err != nil {
				return fmt.Errorf("replication %d: %w", i, err)
			}
			logrus.Debugf("replication %d (seed %d) stopped at t=%g with %d arrival(s) in flight", i, seed, s.Now(), s.InFlight())
			// each goroutine writes its own slot
			results[i] = Result{Replication: i, Seed: seed, Now: s.Now(), InFlight: s.InFlight(), Monitor: s.Monitor()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Merge concatenates the monitors of all results in replication order.
func Merge(results []Result) *trace.Monitor {
	monitors := make([]*trace.Monitor, len(results))
	for i, r := range results {
		monitors[i] = r.Monitor
	}
	return trace.Merge(monitors...)
}

// End returns the latest stopping time across results, the horizon used
// for time-weighted summaries.
func End(results []Result) float64 {
	end := 0.0
	for _, r := range results {
		end = max(end, r.Now)
	}
	return end
}
