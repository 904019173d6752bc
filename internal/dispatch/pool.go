package dispatch

import "context"

// Pool is the process-wide token semaphore bounding concurrent worker
// evaluations. Every stage of every running investigation borrows from the
// same pool, so parallel investigations share one budget instead of
// multiplying it.
type Pool struct {
	tokens chan struct{}
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{tokens: make(chan struct{}, size)}
}

// Acquire blocks until a token is free, or returns the context error when
// the caller's deadline or cancellation fires first.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.tokens <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Release() {
	<-p.tokens
}

func (p *Pool) Size() int { return cap(p.tokens) }
