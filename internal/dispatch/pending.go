package dispatch

import (
	"context"
	"sync"
)

// Pending is the future returned by Submit.
type Pending struct {
	syncID string
	done   chan struct{}
	once   sync.Once
	result Result
	err    error
}

func newPending(syncID string) *Pending {
	return &Pending{syncID: syncID, done: make(chan struct{})}
}

// SyncID returns the correlation id assigned to the intent.
func (p *Pending) SyncID() string { return p.syncID }

// Done is closed once the outcome is known.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the outcome is known or ctx is done.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return Result{SyncID: p.syncID}, ctx.Err()
	}
}

func (p *Pending) resolve(res Result, err error) {
	p.once.Do(func() {
		p.result = res
		p.err = err
		close(p.done)
	})
}
