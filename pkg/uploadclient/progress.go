package uploadclient

import "sync"

// progressTracker clamps reported percentages so callers always observe
// a strictly increasing sequence, whatever order the strategy and its
// fallbacks fire in. The callback runs under the lock, so concurrent
// reporters cannot deliver percentages out of order.
type progressTracker struct {
	mu   sync.Mutex
	last int
	fn   func(int)
}

func newProgressTracker(fn func(int)) *progressTracker {
	return &progressTracker{fn: fn}
}

func (p *progressTracker) report(pct int) {
	if p.fn == nil {
		return
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if pct <= p.last {
		return
	}
	p.last = pct
	p.fn(pct)
}
