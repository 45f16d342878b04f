package queue

import (
	"context"
	"sync"
	"time"

	"github.com/bountyhub/bountyhub/internal/domain/task"
)

// Processor handles tasks of one type. The returned value is stored as the
// task result. Errors wrapped with task.Permanent are never retried.
type Processor interface {
	TaskType() task.Type
	Process(ctx context.Context, t *task.Task) (any, error)
}

// ProcessorFunc adapts a function into a Processor.
type ProcessorFunc struct {
	Type task.Type
	Fn   func(ctx context.Context, t *task.Task) (any, error)
}

func (f ProcessorFunc) TaskType() task.Type { return f.Type }

func (f ProcessorFunc) Process(ctx context.Context, t *task.Task) (any, error) {
	return f.Fn(ctx, t)
}

// ProcessorOption configures a registration.
type ProcessorOption func(*registration)

// NonRetryable marks every failure of the processor as terminal.
func NonRetryable() ProcessorOption { return func(r *registration) { r.retryable = false } }

// WithTimeout overrides the per-type timeout.
func WithTimeout(d time.Duration) ProcessorOption {
	return func(r *registration) { r.timeout = d }
}

type registration struct {
	processor Processor
	retryable bool
	timeout   time.Duration
}

// registry maps task types to their processors.
type registry struct {
	mu         sync.RWMutex
	processors map[task.Type]*registration
}

func newRegistry() *registry {
	return &registry{processors: make(map[task.Type]*registration)}
}

func (r *registry) register(reg *registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[reg.processor.TaskType()] = reg
}

func (r *registry) get(t task.Type) (*registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.processors[t]
	return reg, ok
}
