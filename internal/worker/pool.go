package worker

import "sync"

type CompletedItem[T any] struct {
	Result T
	Error  error
}

// RunInPool drains queue with up to maxWorkers goroutines and writes each
// outcome to completed. The queue must already be closed; completed is closed
// once all items are done.
func RunInPool[In any, Out any](work func(In) (Out, error), queue chan In, completed chan CompletedItem[Out], maxWorkers int) {
	workers := min(len(queue), maxWorkers)

	go func() {
		wg := sync.WaitGroup{}
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()

				for {
					next, ok := <-queue
					if !ok {
						return
					}

					res, err := work(next)
					if err != nil {
						completed <- CompletedItem[Out]{Error: err}
					} else {
						completed <- CompletedItem[Out]{Result: res, Error: nil}
					}
				}
			}()
		}

		wg.Wait()

		close(completed)
	}()
}
