package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/luasbx/internal/config"
	"github.com/dshills/luasbx/internal/sandbox"
)

// DefaultQueueSize is the number of calls a worker buffers.
const DefaultQueueSize = 1024

// Output retry settings for process_message returning StatusRetry.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 100 * time.Millisecond
)

// job is a call to be executed against the sandbox.
type job struct {
	fn     func(sb *sandbox.Sandbox) error
	result chan error
}

// Worker serialises all calls into one sandbox through a single goroutine.
//
// Usage:
//
//	w := NewWorker(def, sb)
//	go w.Run(ctx)
//	defer w.Close()
//
//	err := w.Deliver(ctx, data)
type Worker struct {
	def    config.Definition
	sb     *sandbox.Sandbox
	store  *CheckpointStore
	logger *slog.Logger

	queue   chan *job
	pending *atomic.Int64
	seq     atomic.Uint64

	maxRetries int
	retryDelay time.Duration

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	finished  chan struct{}
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithQueueSize sets the number of buffered calls.
func WithQueueSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.queue = make(chan *job, n)
		}
	}
}

// WithWorkerLogger sets the logger for sandbox diagnostics.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithPendingCounter shares the in-flight counter between workers.
func WithPendingCounter(c *atomic.Int64) WorkerOption {
	return func(w *Worker) {
		w.pending = c
	}
}

// WithStore sets where input checkpoints are read from.
func WithStore(s *CheckpointStore) WorkerOption {
	return func(w *Worker) {
		w.store = s
	}
}

// WithRetry sets how often an output message is retried and the delay
// between attempts.
func WithRetry(max int, delay time.Duration) WorkerOption {
	return func(w *Worker) {
		w.maxRetries = max
		w.retryDelay = delay
	}
}

// NewWorker creates a worker for a created sandbox.
func NewWorker(def config.Definition, sb *sandbox.Sandbox, opts ...WorkerOption) *Worker {
	w := &Worker{
		def:        def,
		sb:         sb,
		queue:      make(chan *job, DefaultQueueSize),
		pending:    &atomic.Int64{},
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		done:       make(chan struct{}),
		finished:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With(slog.String("sandbox", def.Name), slog.String("role", def.Role.String()))
	if w.store != nil {
		// Output tokens continue from the last acknowledged one.
		w.seq.Store(w.store.Acked(def.Name))
	}
	if def.Role == sandbox.RoleInput {
		w.pending.Add(1)
		w.queue <- &job{fn: w.processInput}
	}
	return w
}

// Name returns the sandbox name.
func (w *Worker) Name() string {
	return w.def.Name
}

// Definition returns the sandbox definition.
func (w *Worker) Definition() config.Definition {
	return w.def
}

// Sandbox returns the managed sandbox. Its accessors are safe to call from
// any goroutine.
func (w *Worker) Sandbox() *sandbox.Sandbox {
	return w.sb
}

// Pending returns the number of queued or running calls.
func (w *Worker) Pending() int64 {
	return w.pending.Load()
}

// Run executes calls until the context is cancelled or Close is called,
// then destroys the sandbox. Input sandboxes run process_message first and
// again on every tick.
// MUST be called from exactly one goroutine.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.finished)

	var tick <-chan time.Time
	if w.def.TickerInterval > 0 {
		ticker := time.NewTicker(w.def.TickerInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			w.drainQueue(ctx.Err())
			return w.shutdown()
		case <-w.done:
			w.drainQueue(ErrWorkerClosed)
			return w.shutdown()
		case j := <-w.queue:
			w.execute(j)
		case now := <-tick:
			w.pending.Add(1)
			if w.def.Role == sandbox.RoleInput {
				w.execute(&job{fn: w.processInput})
			} else {
				w.execute(&job{fn: func(sb *sandbox.Sandbox) error {
					return sb.TimerEvent(now.UnixNano(), false)
				}})
			}
		}
	}
}

// Done is closed once Run has returned and the sandbox is destroyed.
func (w *Worker) Done() <-chan struct{} {
	return w.finished
}

// shutdown gives the script a final timer event and destroys the sandbox.
func (w *Worker) shutdown() error {
	if w.def.Role != sandbox.RoleInput && w.def.TickerInterval > 0 && w.sb.State() == sandbox.StateRunning {
		if err := w.sb.TimerEvent(time.Now().UnixNano(), true); err != nil {
			w.report("timer_event", err)
		}
	}
	if err := w.sb.Destroy(); err != nil {
		w.logger.Error("destroy sandbox", slog.Any("error", err))
		return fmt.Errorf("sandbox %q: %w", w.def.Name, err)
	}
	return nil
}

// execute runs a single call with panic recovery.
func (w *Worker) execute(j *job) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("sandbox panic: %v", r)
			}
		}()
		return j.fn(w.sb)
	}()
	w.pending.Add(-1)
	if j.result != nil {
		j.result <- err
		close(j.result)
	}
}

// drainQueue fails the remaining calls with err.
func (w *Worker) drainQueue(err error) {
	for {
		select {
		case j := <-w.queue:
			w.pending.Add(-1)
			if j.result != nil {
				j.result <- err
				close(j.result)
			}
		default:
			return
		}
	}
}

// Execute runs fn on the worker goroutine and waits for its result.
func (w *Worker) Execute(ctx context.Context, fn func(sb *sandbox.Sandbox) error) error {
	j := &job{fn: fn, result: make(chan error, 1)}
	if err := w.enqueue(ctx, j); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		// The call stays queued and will still run.
		return ctx.Err()
	case err := <-j.result:
		return err
	}
}

// Deliver queues a message for the sandbox, blocking while the queue is
// full. It does not wait for the message to be processed.
func (w *Worker) Deliver(ctx context.Context, data []byte) error {
	return w.enqueue(ctx, &job{fn: w.process(data)})
}

// TryDeliver queues a message without blocking. It returns ErrQueueFull
// when the queue has no room.
func (w *Worker) TryDeliver(data []byte) error {
	if w.closed.Load() {
		return ErrWorkerClosed
	}
	w.pending.Add(1)
	select {
	case <-w.done:
		w.pending.Add(-1)
		return ErrWorkerClosed
	case w.queue <- &job{fn: w.process(data)}:
		return nil
	default:
		w.pending.Add(-1)
		return fmt.Errorf("sandbox %q: %w", w.def.Name, ErrQueueFull)
	}
}

func (w *Worker) enqueue(ctx context.Context, j *job) error {
	if w.closed.Load() {
		return ErrWorkerClosed
	}
	w.pending.Add(1)
	select {
	case <-ctx.Done():
		w.pending.Add(-1)
		return ctx.Err()
	case <-w.done:
		w.pending.Add(-1)
		return ErrWorkerClosed
	case w.queue <- j:
		return nil
	}
}

// process returns the call delivering data to the sandbox.
func (w *Worker) process(data []byte) func(sb *sandbox.Sandbox) error {
	if w.def.Role == sandbox.RoleOutput {
		return func(sb *sandbox.Sandbox) error {
			token := w.seq.Add(1)
			for attempt := 0; ; attempt++ {
				err := sb.ProcessOutput(data, token)
				var serr *sandbox.StatusError
				if !errors.As(err, &serr) || serr.Status != sandbox.StatusRetry || attempt >= w.maxRetries {
					w.report("process_message", err)
					return err
				}
				time.Sleep(w.retryDelay)
			}
		}
	}
	return func(sb *sandbox.Sandbox) error {
		err := sb.ProcessAnalysis(data)
		w.report("process_message", err)
		return err
	}
}

func (w *Worker) processInput(sb *sandbox.Sandbox) error {
	var cp sandbox.Checkpoint
	if w.store != nil {
		cp = w.store.Input(w.def.Name)
	}
	err := sb.ProcessInput(cp)
	w.report("process_message", err)
	return err
}

// report logs the outcome of a call. Skipped, batched and async output
// statuses are routine and not logged.
func (w *Worker) report(fn string, err error) {
	if err == nil {
		return
	}
	var serr *sandbox.StatusError
	switch {
	case errors.As(err, &serr):
		switch serr.Status {
		case sandbox.StatusSkip, sandbox.StatusBatch, sandbox.StatusAsync:
			return
		}
		w.logger.Warn("call failed", slog.String("function", fn), slog.Int("status", serr.Status))
	case sandbox.IsFatal(err):
		w.logger.Error("sandbox terminated", slog.String("function", fn), slog.String("error", w.sb.LastError()))
	case errors.Is(err, sandbox.ErrInvalidState):
		w.logger.Debug("call rejected", slog.String("function", fn), slog.Any("error", err))
	default:
		w.logger.Warn("call failed", slog.String("function", fn), slog.Any("error", err))
	}
}

// Close stops the worker. Queued calls fail with ErrWorkerClosed.
func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.done)
	})
}

// IsClosed returns true if the worker has been closed.
func (w *Worker) IsClosed() bool {
	return w.closed.Load()
}
