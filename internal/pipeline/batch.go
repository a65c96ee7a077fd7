package pipeline

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the number of runs executed in parallel by RunBatch.
const DefaultConcurrency = 2

// RunBatch runs every source with at most concurrency runs in flight.
// Results are in source order. Sources not started before ctx is
// cancelled are left nil and ctx.Err() is returned.
func (r *Runner) RunBatch(ctx context.Context, sources []string, concurrency int) ([]*RunContext, error) {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}

	results := make([]*RunContext, len(sources))

	var g errgroup.Group
	g.SetLimit(concurrency)

	for i, source := range sources {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i] = r.Run(ctx, source)
			return nil
		})
	}
	g.Wait()

	log.Info().Int("runs", len(sources)).Int("concurrency", concurrency).Msg("batch finished")
	return results, ctx.Err()
}

// Summary counts runs by status.
func Summary(runs []*RunContext) map[Status]int {
	counts := make(map[Status]int)
	for _, rc := range runs {
		if rc != nil {
			counts[rc.Status]++
		}
	}
	return counts
}
