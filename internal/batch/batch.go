// Package batch provides a bounded-concurrency map over a slice of items.
// It is the only fan-out construct in the bridge: stream probing and any
// other per-item upstream work go through MapLimit so the number of
// in-flight calls against the NVR stays capped.
package batch

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Result holds the outcome of one item's operation. A failed item carries
// its error here; it never aborts the batch.
type Result[U any] struct {
	Value U
	Err   error
}

// MapLimit applies fn to every item with at most limit invocations in
// flight at once. The returned slice has the same length and order as
// items regardless of completion order. A limit below 1 is treated as 1.
// Errors (including recovered panics) are recorded per item.
func MapLimit[T, U any](ctx context.Context, items []T, limit int, fn func(context.Context, T) (U, error)) []Result[U] {
	if limit < 1 {
		limit = 1
	}

	results := make([]Result[U], len(items))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, item := range items {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i].Err = fmt.Errorf("panic: %v", r)
				}
			}()
			results[i].Value, results[i].Err = fn(ctx, item)
			// Item errors stay in the result slot so siblings keep running.
			return nil
		})
	}

	_ = g.Wait()
	return results
}
