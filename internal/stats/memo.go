package stats

import (
	"context"
	"sync"
)

type cellState int

const (
	uncomputed cellState = iota
	computing
	computed
)

// cell memoizes one value. Concurrent callers wait for an in-flight
// computation instead of starting their own; a failed computation leaves the
// cell uncomputed so the next caller retries.
type cell[T any] struct {
	mu    sync.Mutex
	state cellState
	done  chan struct{}
	val   T
}

func (c *cell[T]) get(ctx context.Context, compute func(context.Context) (T, error)) (T, error) {
	var zero T
	for {
		c.mu.Lock()
		switch c.state {
		case computed:
			v := c.val
			c.mu.Unlock()
			return v, nil
		case computing:
			done := c.done
			c.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
		c.state = computing
		c.done = make(chan struct{})
		c.mu.Unlock()

		return c.run(ctx, compute)
	}
}

// run calls compute and publishes its outcome. A failed or panicking
// computation leaves the cell uncomputed and still releases waiters.
func (c *cell[T]) run(ctx context.Context, compute func(context.Context) (T, error)) (v T, err error) {
	ok := false
	defer func() {
		c.mu.Lock()
		if ok && err == nil {
			c.state = computed
			c.val = v
		} else {
			c.state = uncomputed
		}
		close(c.done)
		c.mu.Unlock()
	}()
	v, err = compute(ctx)
	ok = true
	return v, err
}
