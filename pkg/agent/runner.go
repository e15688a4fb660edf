// -- pkg/agent/runner.go --
package agent

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skylark9/skylark-cli/api/schemas"
)

// MissionFactory builds a fully wired mission for one goal. The runner uses
// it so each mission gets its own classifier and collaborators while the
// watchdog registry is shared.
type MissionFactory func(goal schemas.Goal) (*Mission, error)

// Runner executes multiple missions concurrently, one sequential control
// loop per mission.
type Runner struct {
	logger      *zap.Logger
	factory     MissionFactory
	concurrency int
}

// NewRunner creates a mission runner with the given concurrency bound.
func NewRunner(logger *zap.Logger, factory MissionFactory, concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		logger:      logger.Named("runner"),
		factory:     factory,
		concurrency: concurrency,
	}
}

// RunAll drives every goal to completion and returns the results in goal
// order. A mission failing with a caller error cancels the remaining ones.
func (r *Runner) RunAll(ctx context.Context, goals []schemas.Goal) ([]*Result, error) {
	results := make([]*Result, len(goals))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i, goal := range goals {
		g.Go(func() error {
			mission, err := r.factory(goal)
			if err != nil {
				return err
			}
			result, err := mission.Run(gctx)
			if result != nil {
				mu.Lock()
				results[i] = result
				mu.Unlock()
			}
			if err != nil && gctx.Err() == nil {
				r.logger.Error("Mission terminated with error",
					zap.String("site", goal.Site), zap.Error(err))
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
