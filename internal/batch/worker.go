package batch

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

// ProcessFunc runs one batch item to completion (translate, call upstream
// non-streaming, collect) and returns the rendered Anthropic message body
// on success. An error produces an "errored" result entry instead.
type ProcessFunc func(ctx context.Context, item Item) (message map[string]interface{}, err error)

// DefaultMaxConcurrency bounds how many batch items run at once, the way
// background.go's refresh sweep caps itself at 4 concurrent refreshes.
const DefaultMaxConcurrency = 4

// Run drains b.Items through process, honoring cancellation between item
// dispatches (spec.md's adaptation of _run_anthropic_batch's
// "canceled" early-exit check) and finishing the batch's processing_status
// once every dispatched item has completed.
func Run(ctx context.Context, b *Batch, maxConcurrency int, process ProcessFunc) {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	defer b.finish()

	p := pool.New().WithContext(ctx).WithMaxGoroutines(maxConcurrency)
	for i, item := range b.Items {
		if b.Canceled() {
			// Only the items never dispatched move to canceled; items already
			// handed to the pool stay in processing until they record a result.
			remaining := len(b.Items) - i
			b.mu.Lock()
			b.counts.Canceled += remaining
			b.counts.Processing -= remaining
			b.mu.Unlock()
			break
		}
		item := item
		p.Go(func(ctx context.Context) error {
			message, err := process(ctx, item)
			if err != nil {
				b.recordError(item.CustomID, "internal_error", err.Error())
				return nil
			}
			b.recordSuccess(item.CustomID, message)
			return nil
		})
	}
	_ = p.Wait()
}
