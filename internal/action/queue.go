package action

import (
	"context"
	"log/slog"
	"sync"

	"github.com/postalsys/aether-gateway/internal/logging"
	"github.com/postalsys/aether-gateway/internal/recovery"
)

// queuedTask is one entry in the queue. run completes the task's action;
// reject is used when the queue closes before the task starts.
type queuedTask struct {
	name   string
	run    func(ctx context.Context)
	reject func(error)
}

// Queue runs tasks one at a time, in FIFO order, on a single worker goroutine.
// Tasks may enqueue further tasks; they run after everything already queued.
type Queue struct {
	logger *slog.Logger

	mu      sync.Mutex
	tasks   []queuedTask
	closed  bool
	running string
	onDepth func(int)

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewQueue creates a queue and starts its worker.
func NewQueue(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = logging.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		logger: logger,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.worker()
	return q
}

// Enqueue appends a task and returns an action completed with its result.
// The task's context is cancelled when the queue closes.
func Enqueue[T any](q *Queue, name string, fn func(ctx context.Context) (T, error)) *Action[T] {
	a := New[T]()
	t := queuedTask{
		name: name,
		run: func(ctx context.Context) {
			var (
				v   T
				err error
			)
			if perr := recovery.Call(name, func() { v, err = fn(ctx) }); perr != nil {
				q.logger.Error("queued task panicked", "task", name, logging.KeyError, perr)
				err = perr
			}
			a.Complete(v, err)
		},
		reject: func(err error) { a.Reject(err) },
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		a.Reject(ErrQueueClosed)
		return a
	}
	q.tasks = append(q.tasks, t)
	depth := len(q.tasks)
	hook := q.onDepth
	q.mu.Unlock()

	if hook != nil {
		hook(depth)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return a
}

// SetDepthHook registers fn to observe the number of waiting tasks.
func (q *Queue) SetDepthHook(fn func(depth int)) {
	q.mu.Lock()
	q.onDepth = fn
	q.mu.Unlock()
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Running returns the name of the task currently executing, if any.
func (q *Queue) Running() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Close stops the worker. Waiting tasks are rejected with ErrQueueClosed and
// the running task's context is cancelled. Close waits for the worker to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	pending := q.tasks
	q.tasks = nil
	q.mu.Unlock()

	q.cancel()
	for _, t := range pending {
		t.reject(ErrQueueClosed)
	}
	<-q.done
}

func (q *Queue) worker() {
	defer close(q.done)
	defer recovery.RecoverWithLog(q.logger, "action-queue")

	for {
		t, ok := q.next()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.ctx.Done():
				return
			}
		}

		t.run(q.ctx)

		q.mu.Lock()
		q.running = ""
		q.mu.Unlock()
	}
}

func (q *Queue) next() (queuedTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 || q.closed {
		return queuedTask{}, false
	}
	t := q.tasks[0]
	q.tasks[0] = queuedTask{}
	q.tasks = q.tasks[1:]
	q.running = t.name
	if q.onDepth != nil {
		defer q.onDepth(len(q.tasks))
	}
	return t, true
}
