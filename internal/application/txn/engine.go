package txn

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bountyhub/bountyhub/internal/domain/document"
	"github.com/bountyhub/bountyhub/pkg/retry"
	"github.com/bountyhub/bountyhub/pkg/telemetry"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// Options controls the retry policy of a unit of work.
type Options struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Result is the outcome of Execute.
type Result[T any] struct {
	Success   bool
	Data      T
	Err       error
	Retryable bool
	Attempts  int
}

// Unwrap returns the data and error pair.
func (r Result[T]) Unwrap() (T, error) { return r.Data, r.Err }

// Operation is a read-modify-write unit executed inside one store transaction.
type Operation[T any] func(ctx context.Context, tx document.Tx) (T, error)

// Engine runs operations against a document store with optimistic
// concurrency control and exponential-backoff retry.
type Engine struct {
	store  document.Store
	opts   Options
	sleep  func(ctx context.Context, d time.Duration) error
	logger zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithMaxRetries(n int) Option           { return func(e *Engine) { e.opts.MaxRetries = n } }
func WithRetryDelay(d time.Duration) Option { return func(e *Engine) { e.opts.RetryDelay = d } }

// WithSleep replaces the backoff wait; tests use it to avoid real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// NewEngine creates a transaction engine.
func NewEngine(store document.Store, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		opts:   Options{MaxRetries: DefaultMaxRetries, RetryDelay: DefaultRetryDelay},
		sleep:  retry.Sleep,
		logger: logger.With().Str("service", "txn").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the underlying document store.
func (e *Engine) Store() document.Store { return e.store }

// Now returns the store's server timestamp.
func (e *Engine) Now() time.Time { return e.store.ServerTimestamp() }

// Execute runs op in a store transaction, retrying retryable failures.
// Terminal failures return immediately. When retries are exhausted the
// result carries the last error with Retryable=false.
func Execute[T any](ctx context.Context, e *Engine, name string, op Operation[T], opts ...Options) Result[T] {
	cfg := e.opts
	if len(opts) > 0 {
		cfg = opts[0]
	}

	ctx, span := telemetry.Tracer().Start(ctx, "txn."+name)
	defer span.End()

	var data T
	attempts, err := retry.Do(ctx, retry.Config{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryDelay,
		Retryable:  IsRetryable,
		Sleep:      e.sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			telemetry.TxnRetriesTotal.Inc()
			if IsConcurrencyError(err) {
				telemetry.TxnConflictsTotal.Inc()
			}
			e.logger.Warn().Err(err).
				Str("operation", name).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("transaction failed, retrying")
		},
	}, func(int) error {
		return e.store.RunTransaction(ctx, func(ctx context.Context, tx document.Tx) error {
			v, err := op(ctx, tx)
			if err != nil {
				return err
			}
			data = v
			return nil
		})
	})
	span.SetAttributes(attribute.Int("txn.attempts", attempts))

	if err != nil {
		var zero T
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction failed")
		e.logger.Error().Err(err).
			Str("operation", name).
			Int("attempts", attempts).
			Msg("transaction failed")
		return Result[T]{
			Data:      zero,
			Err:       err,
			Retryable: ctx.Err() != nil,
			Attempts:  attempts,
		}
	}

	e.logger.Debug().Str("operation", name).Int("attempts", attempts).Msg("transaction committed")
	return Result[T]{Success: true, Data: data, Attempts: attempts}
}
