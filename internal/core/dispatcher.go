package core

import (
	"context"
	"errors"
	"sync"
)

// CancelledResponse is the response text of a query that was superseded or
// explicitly cancelled.
const CancelledResponse = "Query cancelled."

// QueryResult is the outcome of a dispatched query. Cancellation is a normal
// outcome, not an error.
type QueryResult struct {
	Response  string `json:"response"`
	Cancelled bool   `json:"-"`
}

type flight struct {
	cancel context.CancelFunc
}

// Dispatcher enforces at most one in-flight query per user. Dispatching a
// new query for a user cancels any query already running for that user.
// Cancellation is cooperative: the running computation is expected to check
// its context before each external call.
type Dispatcher struct {
	mu     sync.Mutex
	active map[string]*flight
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{active: make(map[string]*flight)}
}

// Dispatch registers fn as the user's in-flight query, cancelling any prior
// one, then runs it to completion. The registry entry is removed on every
// exit path. The lock is held only for registry updates, never while fn runs,
// so queries for different users proceed independently.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, fn func(context.Context) (string, error)) (*QueryResult, error) {
	qctx, cancel := context.WithCancel(ctx)
	f := &flight{cancel: cancel}

	d.mu.Lock()
	if old, ok := d.active[userID]; ok {
		old.cancel()
	}
	d.active[userID] = f
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		// A superseding dispatch may already have replaced our entry;
		// only remove our own.
		if d.active[userID] == f {
			delete(d.active, userID)
		}
		d.mu.Unlock()
		cancel()
	}()

	resp, err := fn(qctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return &QueryResult{Response: CancelledResponse, Cancelled: true}, nil
		}
		return nil, err
	}
	// A computation that passed its last suspension point before the cancel
	// signal arrived completes normally.
	return &QueryResult{Response: resp}, nil
}

// Cancel signals cancellation of the user's in-flight query, if any. It does
// not wait for the cancellation to take effect.
func (d *Dispatcher) Cancel(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.active[userID]; ok {
		f.cancel()
		return true
	}
	return false
}

// Active reports whether the user currently has a registered query.
func (d *Dispatcher) Active(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[userID]
	return ok
}
