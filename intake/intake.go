// Package intake guards the enqueue path. A Guard combines a token-bucket
// rate limiter with a pending-depth gate so a flooding producer is rejected
// with backpressure instead of drowning the store. It also carries the
// paused flag the controller flips when the store becomes unavailable.
package intake

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	atq "github.com/wyre-technology/autotask-queue"
)

// PendingCounter reports the store's pending depth. Satisfied by
// request.Store.
type PendingCounter interface {
	PendingCount(ctx context.Context) (int64, error)
}

// Guard gates intake on rate, pending depth, and the paused flag.
// Safe for concurrent use.
type Guard struct {
	limiter    *rate.Limiter
	maxPending int
	depth      PendingCounter
	paused     atomic.Bool
}

// NewGuard creates a Guard from the intake configuration. A zero Rate
// disables rate limiting and a zero MaxPending disables the depth gate;
// the depth source is only consulted when the depth gate is active.
func NewGuard(cfg atq.IntakeConfig, depth PendingCounter) *Guard {
	g := &Guard{
		maxPending: cfg.MaxPending,
		depth:      depth,
	}
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return g
}

// Admit reports whether n new items may enter the queue right now.
// Returns ErrIntakePaused while paused, ErrBackpressure when the rate
// limiter or the depth gate rejects, and a store error if the depth
// check itself fails.
//
// The whole group is charged against the rate limiter at once, so n must
// not exceed the configured burst — an oversized group can never gather
// enough tokens and is rejected on every call.
func (g *Guard) Admit(ctx context.Context, n int) error {
	if g.paused.Load() {
		return atq.ErrIntakePaused
	}
	if g.limiter != nil && !g.limiter.AllowN(time.Now(), n) {
		return atq.ErrBackpressure
	}
	if g.maxPending > 0 {
		depth, err := g.depth.PendingCount(ctx)
		if err != nil {
			return err
		}
		if depth+int64(n) > int64(g.maxPending) {
			return atq.ErrBackpressure
		}
	}
	return nil
}

// Pause rejects all intake until Resume. Used when the store is
// unavailable or shutdown has begun.
func (g *Guard) Pause() { g.paused.Store(true) }

// Resume re-opens intake.
func (g *Guard) Resume() { g.paused.Store(false) }

// Paused reports whether intake is currently rejected.
func (g *Guard) Paused() bool { return g.paused.Load() }
