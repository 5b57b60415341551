package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hearthhq/hearth/pkg/observability"
)

// workerPool runs job bodies on a fixed number of workers. Dispatch from
// the evaluation loop is fire-and-forget; a panicking job body is
// recovered inside the worker and surfaced to the task's completion
// callback, never to the loop.
type workerPool struct {
	workers      int
	workCh       chan func(context.Context)
	doneCh       chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc
	log          *observability.Logger
	shutdownOnce sync.Once
}

func newWorkerPool(ctx context.Context, workers int, log *observability.Logger) *workerPool {
	ctx, cancel := context.WithCancel(ctx)

	p := &workerPool{
		workers: workers,
		workCh:  make(chan func(context.Context), workers*4),
		doneCh:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				p.worker(id)
			}(i)
		}
		wg.Wait()
		close(p.doneCh)
	}()

	return p
}

// submit enqueues a task. Returns an error once the pool is shut down.
func (p *workerPool) submit(fn func(context.Context)) error {
	select {
	case <-p.doneCh:
		return fmt.Errorf("worker pool shut down")
	default:
	}

	select {
	case p.workCh <- fn:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("worker pool shut down")
	}
}

// shutdown drains queued tasks, waiting up to timeout for workers to
// finish.
func (p *workerPool) shutdown(timeout time.Duration) error {
	var err error
	p.shutdownOnce.Do(func() {
		close(p.workCh)
		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			err = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
	})
	return err
}

func (p *workerPool) worker(id int) {
	for {
		select {
		case <-p.ctx.Done():
			return

		case fn, ok := <-p.workCh:
			if !ok {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						p.log.WithFields(map[string]interface{}{
							"worker": id,
							"panic":  fmt.Sprint(r),
						}).Error("Recovered panic in worker\n" + string(debug.Stack()))
					}
				}()
				fn(p.ctx)
			}()
		}
	}
}
