package domain

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// batchConcurrency bounds per-id mutations in flight so a large batch cannot
// exhaust the database connection pool.
const batchConcurrency = 8

// Outcome is the per-id result of a batch mutation: a snapshot or an error,
// never both.
type Outcome[T any] struct {
	Value T
	Err   error
}

// RunBatch applies fn to every id concurrently and collects one outcome per
// id. A failure on one id never aborts sibling ids.
func RunBatch[T any](ctx context.Context, ids []int64, fn func(context.Context, int64) (T, error)) map[int64]Outcome[T] {
	results := make(map[int64]Outcome[T], len(ids))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			value, err := fn(ctx, id)
			mu.Lock()
			results[id] = Outcome[T]{Value: value, Err: err}
			mu.Unlock()
			return nil
		})
	}

	// Workers always return nil; Wait is for completion, not error handling.
	_ = g.Wait()
	return results
}
