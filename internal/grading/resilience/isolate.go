package resilience

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	appErr "gradeflow/pkg/errors"
	"gradeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// Recorder persists a structured error log entry for a caught failure.
// Returns the entry ID so failures can reference the evidence they left.
type Recorder interface {
	Record(ctx context.Context, err error, fields map[string]string) string
}

// ItemOutcome is the result of one isolated item: either Value or Err is set.
type ItemOutcome[T any] struct {
	Index   int
	Value   T
	Err     error
	EntryID string
}

// Failed reports whether the item failed.
func (o ItemOutcome[T]) Failed() bool {
	return o.Err != nil
}

// RunIsolated executes n independent items so that one item's failure is
// captured as data instead of unwinding the batch. Items run concurrently
// up to the given cap; outcomes are returned in index order.
//
// Fatal-class failures are the exception: they stop the batch and are
// returned as an error alongside whatever outcomes exist so far, so the
// caller can persist partial results before aborting.
func RunIsolated[T any](ctx context.Context, n, concurrency int, rec Recorder, fn func(ctx context.Context, index int) (T, error)) ([]ItemOutcome[T], error) {
	if n <= 0 {
		return nil, nil
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		outcomes = make([]ItemOutcome[T], 0, n)
		fatalErr error
	)
	sem := make(chan struct{}, concurrency)

	for i := 0; i < n; i++ {
		mu.Lock()
		stopped := fatalErr != nil
		mu.Unlock()
		if stopped || ctx.Err() != nil {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := ItemOutcome[T]{Index: index}
			func() {
				defer func() {
					if r := recover(); r != nil {
						outcome.Err = appErr.Newf(appErr.InternalServerError, "panic in isolated item %d: %v", index, r)
						logger.Error(ctx, "isolated item panicked",
							zap.Int("index", index),
							zap.String("stack", string(debug.Stack())),
						)
					}
				}()
				outcome.Value, outcome.Err = fn(ctx, index)
			}()

			if outcome.Err != nil {
				if rec != nil {
					outcome.EntryID = rec.Record(ctx, outcome.Err, map[string]string{
						"item_index": fmt.Sprintf("%d", index),
					})
				}
				if Classify(outcome.Err) == ClassFatal {
					mu.Lock()
					if fatalErr == nil {
						fatalErr = outcome.Err
					}
					mu.Unlock()
				}
			}

			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	sort.Slice(outcomes, func(a, b int) bool {
		return outcomes[a].Index < outcomes[b].Index
	})
	return outcomes, fatalErr
}

// Partition splits outcomes into successful values and failed items.
func Partition[T any](outcomes []ItemOutcome[T]) (values []T, failures []ItemOutcome[T]) {
	for _, o := range outcomes {
		if o.Failed() {
			failures = append(failures, o)
			continue
		}
		values = append(values, o.Value)
	}
	return values, failures
}
