package health

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/go-faster/errors"
)

// Pinger is implemented by connection pools such as *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks that p answers within the check timeout.
func Ping(p Pinger) Check {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return errors.Wrap(err, "ping")
		}
		return nil
	}
}

// GoroutineCount fails once more than limit goroutines are running, which
// usually means a leak.
func GoroutineCount(limit int) Check {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > limit {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, limit)
		}
		return nil
	}
}

// recentPauses bounds how far back GCMaxPause looks.
const recentPauses = 16

// GCMaxPause fails when one of the recent stop-the-world pauses exceeded
// limit.
func GCMaxPause(limit time.Duration) Check {
	return func(context.Context) error {
		stats := debug.GCStats{Pause: make([]time.Duration, 0, recentPauses)}
		debug.ReadGCStats(&stats)

		pauses := stats.Pause
		if len(pauses) > recentPauses {
			pauses = pauses[:recentPauses]
		}
		for _, p := range pauses {
			if p > limit {
				return errors.Errorf("GC pause %s exceeds threshold %s", p, limit)
			}
		}
		return nil
	}
}
