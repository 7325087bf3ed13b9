// Package fanout runs multi-item fetches under one concurrency/pacing policy.
package fanout

import (
	"context"
	"time"

	"cryptoview/config"

	"golang.org/x/sync/errgroup"
)

// Policy bounds how many items are fetched at once and how long a worker
// waits after an item before the next one may start.
type Policy struct {
	Concurrency int
	Delay       time.Duration
}

// Sequential issues one request at a time with delay between them.
func Sequential(delay time.Duration) Policy {
	return Policy{Concurrency: 1, Delay: delay}
}

// FromConfig converts the config section into a Policy.
func FromConfig(c config.FanOutConfig) Policy {
	return Policy{Concurrency: c.Concurrency, Delay: c.Delay}
}

// Run calls fn once for every index in [0, n). At most p.Concurrency calls are
// in flight. With a positive Delay the slot stays held for Delay after fn
// returns, so with Concurrency 1 call i+1 starts only after call i finished
// and the delay elapsed. No delay follows the last item.
//
// fn receives every index even after ctx is done; it is expected to observe
// ctx itself. Run returns once every call has returned.
func Run(ctx context.Context, p Policy, n int, fn func(ctx context.Context, i int)) {
	if n <= 0 {
		return
	}
	limit := p.Concurrency
	if limit <= 0 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)

	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(ctx, i)
			if p.Delay > 0 && i < n-1 {
				sleep(ctx, p.Delay)
			}
			return nil
		})
	}

	_ = g.Wait()
}

// Batches splits n items into consecutive [start, end) ranges of at most size.
func Batches(n, size int) [][2]int {
	if size <= 0 {
		size = n
	}
	var out [][2]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
