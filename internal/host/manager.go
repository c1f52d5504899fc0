package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/luasbx/internal/config"
	"github.com/dshills/luasbx/internal/logbridge"
	"github.com/dshills/luasbx/internal/lua"
	"github.com/dshills/luasbx/internal/sandbox"
)

// Manager runs one worker per sandbox of a definitions file.
type Manager struct {
	file   *config.File
	logger *slog.Logger
	sink   logbridge.Sink
	cache  *lua.Cache
	store  *CheckpointStore
	router *Router

	queueSize  int
	maxRetries int
	retryDelay time.Duration

	// pending counts queued and running calls across all workers.
	pending atomic.Int64

	mu      sync.RWMutex
	workers map[string]*Worker
	order   []string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the host logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithLogSink sends script print and log output to sink instead of the
// host logger.
func WithLogSink(sink logbridge.Sink) Option {
	return func(m *Manager) {
		m.sink = sink
	}
}

// WithCheckpointStore sets the checkpoint store.
func WithCheckpointStore(s *CheckpointStore) Option {
	return func(m *Manager) {
		m.store = s
	}
}

// WithCache sets the compiled script cache shared by all sandboxes.
func WithCache(c *lua.Cache) Option {
	return func(m *Manager) {
		m.cache = c
	}
}

// WithWorkerQueueSize sets the queue size of every worker.
func WithWorkerQueueSize(n int) Option {
	return func(m *Manager) {
		m.queueSize = n
	}
}

// WithOutputRetry sets the retry policy for outputs returning StatusRetry.
func WithOutputRetry(max int, delay time.Duration) Option {
	return func(m *Manager) {
		m.maxRetries = max
		m.retryDelay = delay
	}
}

// NewManager creates a manager for the sandboxes in file.
func NewManager(file *config.File, opts ...Option) *Manager {
	m := &Manager{
		file:       file,
		router:     NewRouter(),
		queueSize:  DefaultQueueSize,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		workers:    make(map[string]*Worker),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.store == nil {
		m.store = NewCheckpointStore("")
	}
	if m.cache == nil {
		m.cache = lua.DefaultCache
	}
	return m
}

// Start creates every sandbox. Sandboxes that fail to load are reported in
// the returned error; the others are ready to run.
func (m *Manager) Start() error {
	if err := m.store.Load(); err != nil {
		return err
	}

	workers := make([]*Worker, len(m.file.Sandboxes))
	errs := make([]error, len(m.file.Sandboxes))

	var eg errgroup.Group
	eg.SetLimit(runtime.NumCPU())
	for i, def := range m.file.Sandboxes {
		eg.Go(func() error {
			w, err := m.create(def)
			if err != nil {
				m.logger.Error("create sandbox", slog.String("sandbox", def.Name), slog.Any("error", err))
				errs[i] = fmt.Errorf("%s: %w", def.Name, err)
				return nil
			}
			workers[i] = w
			return nil
		})
	}
	eg.Wait()

	m.mu.Lock()
	for _, w := range workers {
		if w == nil {
			continue
		}
		m.workers[w.Name()] = w
		m.order = append(m.order, w.Name())
		m.router.Add(w)
	}
	m.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		failed := len(m.file.Sandboxes) - len(m.order)
		return fmt.Errorf("failed to start %d sandboxes: %w", failed, err)
	}
	return nil
}

// create loads one sandbox and wraps it in a worker.
func (m *Manager) create(def config.Definition) (*Worker, error) {
	cfg, err := def.SandboxConfig(m.file)
	if err != nil {
		return nil, err
	}

	opts := []sandbox.Option{
		sandbox.WithCallbacks(m.callbacks(def)),
		sandbox.WithCache(m.cache),
	}
	if m.sink != nil {
		opts = append(opts, sandbox.WithLogSink(m.sink))
	} else {
		opts = append(opts, sandbox.WithLogSink(logbridge.NewSlogSink(m.logger, slog.String("sandbox", def.Name))))
	}

	sb, err := sandbox.Create(def.Name, def.Role, def.Filename, def.StatePath(m.file), cfg, opts...)
	if err != nil {
		return nil, err
	}

	return NewWorker(def, sb,
		WithQueueSize(m.queueSize),
		WithWorkerLogger(m.logger),
		WithPendingCounter(&m.pending),
		WithStore(m.store),
		WithRetry(m.maxRetries, m.retryDelay),
	), nil
}

// callbacks binds the host side of the role contract of def.
func (m *Manager) callbacks(def config.Definition) sandbox.Callbacks {
	switch def.Role {
	case sandbox.RoleInput:
		return sandbox.InputCallbacks{
			InjectMessage: func(_ sandbox.Parent, data []byte, cp sandbox.Checkpoint) error {
				if err := m.router.Route(def.Name, data); err != nil {
					return err
				}
				m.store.SetInput(def.Name, cp)
				return nil
			},
		}
	case sandbox.RoleAnalysis:
		return sandbox.AnalysisCallbacks{
			InjectMessage: func(_ sandbox.Parent, data []byte) error {
				return m.router.Route(def.Name, data)
			},
		}
	default:
		return sandbox.OutputCallbacks{
			UpdateCheckpoint: func(_ sandbox.Parent, token sandbox.CheckpointToken) error {
				return m.store.Ack(def.Name, token)
			},
		}
	}
}

// Run runs every worker until ctx is cancelled or Close is called, then
// saves the checkpoints.
func (m *Manager) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, w := range m.Workers() {
		eg.Go(func() error {
			return w.Run(ctx)
		})
	}
	err := eg.Wait()
	if serr := m.store.Save(); serr != nil {
		err = errors.Join(err, serr)
	}
	return err
}

// Dispatch delivers a message to every matching analysis and output
// sandbox. It returns the number of sandboxes the message was queued for.
func (m *Manager) Dispatch(ctx context.Context, data []byte) (int, error) {
	return m.router.Dispatch(ctx, data)
}

// Flush waits until every queued call, including the ones queued by
// injected messages, has been processed.
func (m *Manager) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for m.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops every worker.
func (m *Manager) Close() {
	for _, w := range m.Workers() {
		w.Close()
	}
}

// Get returns the worker of a sandbox.
func (m *Manager) Get(name string) (*Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workers[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrSandboxNotFound)
	}
	return w, nil
}

// Workers returns the workers in definition order.
func (m *Manager) Workers() []*Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Worker, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.workers[name])
	}
	return out
}

// Sandboxes returns the running sandboxes in definition order.
func (m *Manager) Sandboxes() []*sandbox.Sandbox {
	workers := m.Workers()
	out := make([]*sandbox.Sandbox, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Sandbox())
	}
	return out
}

// Store returns the checkpoint store.
func (m *Manager) Store() *CheckpointStore {
	return m.store
}

// Router returns the message router.
func (m *Manager) Router() *Router {
	return m.router
}
