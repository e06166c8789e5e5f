package dsb

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// A Request is the completion handle of an adapter operation.
//
// A Request starts out pending, and settles exactly once: to success,
// to a failure status, or to aborted if it is canceled first. Callers
// either block in [Request.Wait], or register a continuation with
// [Request.ContinueWith] to be told when the request settles.
//
// Canceling or timing out a wait does not stop the underlying
// operation. It only releases waiters and suppresses the
// continuation.
type Request struct {
	status atomic.Uint32

	mu   sync.Mutex
	done chan struct{}
	cont func(Status) Status
	// hasCont is set once a continuation has been registered, even if
	// it has already run.
	hasCont bool
	err     error
}

// NewRequest returns a pending Request.
func NewRequest() *Request {
	r := &Request{done: make(chan struct{})}
	r.status.Store(uint32(StatusPending))
	return r
}

// Completed returns a Request that has already settled with err's
// status.
func Completed(err error) *Request {
	r := NewRequest()
	r.Fail(err)
	return r
}

// Status returns the current status of the request. It never blocks.
func (r *Request) Status() Status {
	return Status(r.status.Load())
}

// Err returns nil if the request succeeded, the failure if it
// settled with one, or the request's current status as an error
// otherwise.
func (r *Request) Err() error {
	st := r.Status()
	if st == StatusSuccess {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil && StatusOf(r.err) == st {
		return r.err
	}
	return st
}

// Wait blocks until the request settles or timeout elapses. It
// returns [StatusTimeout] if the request is still pending, and nil
// otherwise. Wait never changes the request's status: after a nil
// return, the caller must check [Request.Status] or [Request.Err]
// for the outcome.
func (r *Request) Wait(timeout time.Duration) error {
	select {
	case <-r.done:
		return nil
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-r.done:
		return nil
	case <-t.C:
		return StatusTimeout
	}
}

// WaitContext is like [Request.Wait], but waits until ctx is done
// instead of for a fixed timeout. It returns StatusTimeout wrapping
// ctx's error if ctx ends first.
func (r *Request) WaitContext(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return &StatusError{Status: StatusTimeout, Op: "wait", Err: ctx.Err()}
	}
}

// Done returns a channel that is closed when the request settles.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// ContinueWith registers fn to run when the request settles. fn is
// given the request's status, and its return value becomes the
// request's final status.
//
// If the request has already settled with anything other than
// [StatusAborted], fn runs immediately, before ContinueWith returns.
// fn never runs for an aborted request.
//
// Only one continuation may be registered per request; subsequent
// calls fail with [StatusNotCapable]. fn runs with the request's lock
// held, and must not call Wait, Cancel or ContinueWith on the same
// request.
func (r *Request) ContinueWith(fn func(Status) Status) error {
	if fn == nil {
		return BadArgument(1)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasCont {
		return StatusNotCapable
	}
	r.hasCont = true

	switch st := r.Status(); st {
	case StatusPending:
		r.cont = fn
	case StatusAborted:
	default:
		r.status.Store(uint32(notPending(fn(st))))
	}
	return nil
}

// Cancel aborts a pending request, releasing all waiters. The
// continuation, if any, is not run. Cancel fails with
// [StatusNotCapable] if the request has already settled.
func (r *Request) Cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status() != StatusPending {
		return StatusNotCapable
	}
	r.cont = nil
	r.status.Store(uint32(StatusAborted))
	close(r.done)
	return nil
}

// Release abandons the request. It cancels the request if it is
// still pending.
func (r *Request) Release() {
	r.Cancel()
}

// Complete settles the request with status st, running the
// continuation if one is registered and st is not [StatusAborted].
// Completing a request that has
// already settled, including one that was canceled, does nothing.
//
// Complete is called by the adapter that owns the operation.
func (r *Request) Complete(st Status) {
	r.settle(st, nil)
}

// Fail settles the request with err's status, as reported by
// [StatusOf]. Fail(nil) is equivalent to Complete(StatusSuccess).
func (r *Request) Fail(err error) {
	r.settle(StatusOf(err), err)
}

func (r *Request) settle(st Status, err error) {
	st = notPending(st)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status() != StatusPending {
		return
	}
	r.err = err
	if r.cont != nil && st != StatusAborted {
		st = notPending(r.cont(st))
	}
	r.cont = nil
	r.status.Store(uint32(st))
	close(r.done)
}

// notPending maps StatusPending, which is not a valid final status,
// to StatusOSError.
func notPending(st Status) Status {
	if st == StatusPending {
		return StatusOSError
	}
	return st
}
