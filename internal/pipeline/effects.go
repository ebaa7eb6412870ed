package pipeline

import (
	"log/slog"
	"sync"
)

// dispatcher runs side-effect tasks on a fixed worker pool behind a bounded
// queue. Dispatch never blocks the response path: when the queue is full the
// task is dropped and the caller is told so.
type dispatcher struct {
	queue   chan func()
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
	logger  *slog.Logger
}

func newDispatcher(queueSize, workers int) *dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 4
	}
	d := &dispatcher{
		queue:  make(chan func(), queueSize),
		logger: slog.Default().With("component", "side-effect-dispatcher"),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *dispatcher) worker() {
	defer d.wg.Done()
	for task := range d.queue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("side effect panicked", "panic", r)
				}
			}()
			task()
		}()
	}
}

// dispatch enqueues a task, reporting false when the queue is full or the
// dispatcher is closed.
func (d *dispatcher) dispatch(task func()) bool {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- task:
		return true
	default:
		return false
	}
}

// Close drains the queue and stops the workers.
func (d *dispatcher) Close() {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.closeMu.Unlock()
	d.wg.Wait()
}
