package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/luasbx/internal/message"
)

// Router delivers messages to every worker whose matcher accepts the
// message type.
type Router struct {
	mu      sync.RWMutex
	workers []*Worker
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{}
}

// Add registers a worker. Input workers are never routed to.
func (r *Router) Add(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = append(r.workers, w)
}

// Targets returns the workers a message of the given type is delivered to.
func (r *Router) Targets(msgType string) []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Worker
	for _, w := range r.workers {
		if w.def.Matches(msgType) {
			out = append(out, w)
		}
	}
	return out
}

// Route delivers a message injected by the sandbox named from. It never
// blocks: a worker with a full queue fails the injection. A sandbox never
// receives its own messages.
func (r *Router) Route(from string, data []byte) error {
	msg, err := message.Decode(data)
	if err != nil {
		return fmt.Errorf("route message from %q: %w", from, err)
	}
	data = bytes.Clone(data)

	var errs []error
	for _, w := range r.Targets(msg.Type) {
		if w.Name() == from {
			continue
		}
		if err := w.TryDeliver(data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatch delivers a message from outside the host, waiting for room in
// every target queue.
func (r *Router) Dispatch(ctx context.Context, data []byte) (int, error) {
	msg, err := message.Decode(data)
	if err != nil {
		return 0, fmt.Errorf("dispatch message: %w", err)
	}

	delivered := 0
	var errs []error
	for _, w := range r.Targets(msg.Type) {
		if err := w.Deliver(ctx, data); err != nil {
			errs = append(errs, fmt.Errorf("sandbox %q: %w", w.Name(), err))
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}
