package backoff

import (
	"context"
	"time"
)

// Retry runs op up to attempts times, waiting s.Delay(n) between tries.
// It returns nil on the first success, ctx.Err() if the context is
// cancelled while waiting, and otherwise the last error from op. The
// controller's store recovery probe uses this to bound each probe cycle.
func Retry(ctx context.Context, s Strategy, attempts int, op func() error) error {
	var err error
	for n := 1; n <= attempts; n++ {
		if err = op(); err == nil {
			return nil
		}
		if n == attempts {
			break
		}

		t := time.NewTimer(s.Delay(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
