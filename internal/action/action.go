// Package action provides single-shot futures, a single-worker operation
// queue and staged pipelines.
package action

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned for operations rejected because the queue stopped.
var ErrQueueClosed = errors.New("operation queue closed")

// State is the completion state of an Action.
type State int

const (
	StatePending State = iota
	StateResolved
	StateRejected
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateResolved:
		return "RESOLVED"
	case StateRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Action is a single-shot asynchronous result. The first Resolve or Reject
// wins; later completions are ignored. Callbacks run in the completing
// goroutine, or immediately if the action is already complete.
type Action[T any] struct {
	mu       sync.Mutex
	done     chan struct{}
	state    State
	value    T
	err      error
	onResult []func(T)
	onError  []func(error)
}

// New returns a pending action.
func New[T any]() *Action[T] {
	return &Action[T]{done: make(chan struct{})}
}

// Resolved returns an action already completed with v.
func Resolved[T any](v T) *Action[T] {
	a := New[T]()
	a.Resolve(v)
	return a
}

// Failed returns an action already rejected with err.
func Failed[T any](err error) *Action[T] {
	a := New[T]()
	a.Reject(err)
	return a
}

// Resolve completes the action with v. It reports whether this call completed it.
func (a *Action[T]) Resolve(v T) bool {
	a.mu.Lock()
	if a.state != StatePending {
		a.mu.Unlock()
		return false
	}
	a.state = StateResolved
	a.value = v
	callbacks := a.onResult
	a.onResult, a.onError = nil, nil
	close(a.done)
	a.mu.Unlock()

	for _, fn := range callbacks {
		fn(v)
	}
	return true
}

// Reject completes the action with err. It reports whether this call completed it.
func (a *Action[T]) Reject(err error) bool {
	if err == nil {
		panic("action: Reject with nil error")
	}
	a.mu.Lock()
	if a.state != StatePending {
		a.mu.Unlock()
		return false
	}
	a.state = StateRejected
	a.err = err
	callbacks := a.onError
	a.onResult, a.onError = nil, nil
	close(a.done)
	a.mu.Unlock()

	for _, fn := range callbacks {
		fn(err)
	}
	return true
}

// Complete resolves with v when err is nil and rejects otherwise.
func (a *Action[T]) Complete(v T, err error) bool {
	if err != nil {
		return a.Reject(err)
	}
	return a.Resolve(v)
}

// OnResult registers fn to run on success.
func (a *Action[T]) OnResult(fn func(T)) *Action[T] {
	a.mu.Lock()
	switch a.state {
	case StatePending:
		a.onResult = append(a.onResult, fn)
		a.mu.Unlock()
	case StateResolved:
		v := a.value
		a.mu.Unlock()
		fn(v)
	default:
		a.mu.Unlock()
	}
	return a
}

// OnError registers fn to run on failure.
func (a *Action[T]) OnError(fn func(error)) *Action[T] {
	a.mu.Lock()
	switch a.state {
	case StatePending:
		a.onError = append(a.onError, fn)
		a.mu.Unlock()
	case StateRejected:
		err := a.err
		a.mu.Unlock()
		fn(err)
	default:
		a.mu.Unlock()
	}
	return a
}

// Done is closed once the action completes.
func (a *Action[T]) Done() <-chan struct{} {
	return a.done
}

// State returns the current completion state.
func (a *Action[T]) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Wait blocks until the action completes or ctx is done.
func (a *Action[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-a.done:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.value, a.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Forward completes dst with the outcome of src.
func Forward[T any](src, dst *Action[T]) {
	src.OnResult(func(v T) { dst.Resolve(v) })
	src.OnError(func(err error) { dst.Reject(err) })
}

// Then maps a successful result of src through fn into a new action.
func Then[T, U any](src *Action[T], fn func(T) (U, error)) *Action[U] {
	out := New[U]()
	src.OnResult(func(v T) { out.Complete(fn(v)) })
	src.OnError(func(err error) { out.Reject(err) })
	return out
}
