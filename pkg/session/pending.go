package session

import (
	"context"
	"sync"
)

// Callback receives the Outcome of an attempt. It is called exactly once, on
// whichever goroutine resolved the attempt.
type Callback func(Outcome)

// Pending is a single-resolution future for an Outcome.
type Pending struct {
	once    sync.Once
	done    chan struct{}
	outcome Outcome
	cb      Callback
}

func newPending(cb Callback) *Pending {
	return &Pending{done: make(chan struct{}), cb: cb}
}

// Resolved returns a Pending that already holds o. cb, when non-nil, is
// called before Resolved returns.
func Resolved(o Outcome, cb Callback) *Pending {
	p := newPending(cb)
	p.resolve(o)
	return p
}

// resolve stores o and runs the callback unless p was already resolved.
func (p *Pending) resolve(o Outcome) bool {
	resolved := false
	p.once.Do(func() {
		p.outcome = o
		close(p.done)
		resolved = true
		if p.cb != nil {
			p.cb(o)
		}
	})
	return resolved
}

// Done is closed once the Outcome is available.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Outcome returns the Outcome, or nil while the attempt is in flight.
func (p *Pending) Outcome() Outcome {
	select {
	case <-p.done:
		return p.outcome
	default:
		return nil
	}
}

// Wait blocks until the Outcome is available or ctx ends. A ctx ending does
// not cancel the attempt.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
