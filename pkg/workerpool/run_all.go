package workerpool

import (
	"context"
	"fmt"
	"sync"
)

// RunAll submits n independent tasks (fn(ctx, i) for i in [0,n)) to the
// pool and blocks until all have completed, returning the error of the
// lowest-indexed task that failed. It is the shape internal/engine uses to
// evaluate a dataset's partitions in parallel and pkg/uniquetag uses (on
// the stage walker's behalf) to tag several partitions at once.
func (wp *WorkerPool) RunAll(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	var wg sync.WaitGroup
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		task := Task{
			ID: fmt.Sprintf("partition-%d", i),
			Execute: func(taskCtx context.Context) error {
				defer wg.Done()
				err := fn(taskCtx, i)
				errs[i] = err
				return err
			},
		}
		if err := wp.Submit(task); err != nil {
			wg.Done()
			errs[i] = err
			continue
		}
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
