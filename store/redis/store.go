// Package redis implements request.Store using Redis for deployments where
// multiple processes share one queue. Items are stored as Hashes, each zone
// keeps a Sorted Set of its non-terminal item IDs as a priority queue, and
// status transitions run as a Lua script so the compare-and-swap is atomic
// across competing dispatchers.
//
// Usage:
//
//	s, err := redisstore.Open("localhost:6379")
//	if err != nil { ... }
//	defer s.Close()
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	atq "github.com/wyre-technology/autotask-queue"
	"github.com/wyre-technology/autotask-queue/backoff"
	"github.com/wyre-technology/autotask-queue/request"
)

var _ request.Store = (*Store)(nil)

const (
	defaultRetryAttempts = 3
	defaultRetryDelay    = 100 * time.Millisecond
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(c request.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithRetry overrides the transient I/O retry budget.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(s *Store) {
		s.retryAttempts = attempts
		s.retryDelay = backoff.NewConstant(delay)
	}
}

// Store implements request.Store backed by Redis.
type Store struct {
	client goredis.Cmdable
	closer io.Closer
	logger *slog.Logger
	clock  request.Clock

	retryAttempts int
	retryDelay    backoff.Strategy
}

// New creates a Redis-backed store on an existing client. The caller owns
// the client lifecycle; Close is a no-op.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:        client,
		logger:        slog.Default(),
		clock:         request.SystemClock{},
		retryAttempts: defaultRetryAttempts,
		retryDelay:    backoff.NewConstant(defaultRetryDelay),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open creates a Redis-backed store connecting to addr. The store owns the
// connection and Close releases it.
func Open(addr string, opts ...Option) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	s := New(client, opts...)
	s.closer = client
	return s, nil
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Close releases the connection when the store owns it.
func (s *Store) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Transient I/O retry
// ──────────────────────────────────────────────────

// withRetry absorbs transient connection errors with a bounded constant
// backoff. Domain errors pass through untouched; once the budget is spent
// the error surfaces as atq.ErrStoreUnavailable.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	var err error
	for n := 1; n <= s.retryAttempts; n++ {
		err = op()
		if err == nil || isDomainErr(err) {
			return err
		}
		if n == s.retryAttempts {
			break
		}

		s.logger.Warn("redis operation failed, retrying",
			slog.Int("attempt", n),
			slog.String("error", err.Error()),
		)
		t := time.NewTimer(s.retryDelay.Delay(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return unavailable(err)
}

// isDomainErr reports whether err is a queue outcome rather than an I/O
// failure. Domain errors must not be retried or re-labelled.
func isDomainErr(err error) bool {
	return errors.Is(err, atq.ErrConflict) ||
		errors.Is(err, atq.ErrItemNotFound) ||
		errors.Is(err, atq.ErrItemExists) ||
		errors.Is(err, atq.ErrInvalidStatus)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", atq.ErrStoreUnavailable, err)
}
