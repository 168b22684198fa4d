// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package request defines the scheduler's unit of work: an immutable
// descriptor of one pending copy plus the one-shot sink its submitter
// awaits for the final outcome.
package request

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowcache/copysched"
	"github.com/flowcache/copysched/errors"
	"github.com/flowcache/copysched/priority"
	"github.com/grailbio/base/sync/ctxsync"
)

var seq uint64

// nextID returns the next monotonically increasing request sequence
// number. It is used to break ties within a priority class by
// submission order.
func nextID() int64 {
	return int64(atomic.AddUint64(&seq, 1))
}

// Request is an immutable-after-construction descriptor of one pending
// copy. Its only mutable part is its CompletionHandle, which transitions
// at most once from pending to resolved.
type Request struct {
	// ID is the monotonically increasing sequence number assigned at
	// submission; it defines FIFO order among requests in the same
	// class.
	ID int64
	// Direction, Reason, Attempt, and Source are the inputs priority.Classify
	// was given to produce Class.
	Direction priority.CopyDirection
	Reason    priority.CopyReason
	Attempt   int
	Source    priority.ProactiveCopyLocationSource
	// Class is the priority class this request was classified into.
	Class priority.Class
	// Ctx is the caller's context, carrying its own cancellation token
	// and trace identifiers.
	Ctx context.Context
	// Callback is invoked once this request is admitted.
	Callback copysched.Callback
	// EnqueuedAt is the monotonic time at which this request was
	// submitted, used to compute queue wait.
	EnqueuedAt time.Time

	handle *CompletionHandle
}

// New constructs a Request, assigning it a fresh sequence ID and an
// unresolved CompletionHandle. The caller retains the returned handle
// via Handle to await the eventual outcome.
func New(ctx context.Context, direction priority.CopyDirection, reason priority.CopyReason, attempt int, source priority.ProactiveCopyLocationSource, class priority.Class, cb copysched.Callback) *Request {
	return &Request{
		ID:         nextID(),
		Direction:  direction,
		Reason:     reason,
		Attempt:    attempt,
		Source:     source,
		Class:      class,
		Ctx:        ctx,
		Callback:   cb,
		EnqueuedAt: time.Now(),
		handle:     newCompletionHandle(),
	}
}

// Handle returns the request's completion handle.
func (r *Request) Handle() *CompletionHandle {
	return r.handle
}

// Resolve fulfills the request's completion handle. It is safe to call
// exactly once; subsequent calls are no-ops, since the scheduler's own
// discipline (§3 invariant: resolved exactly once) guarantees each
// request reaches exactly one admission/timeout/shutdown outcome.
func (r *Request) Resolve(outcome copysched.CopyOutcome, err error) {
	r.handle.resolve(outcome, err)
}

// CompletionHandle is the one-shot sink a submitter awaits for a
// request's final outcome. It resolves at most once, with either a
// callback-provided CopyOutcome or a *errors.Error classifying the
// scheduler's own failure.
type CompletionHandle struct {
	mu   sync.Mutex
	cond *ctxsync.Cond

	done     bool
	admitted bool
	outcome  copysched.CopyOutcome
	err      error
}

func newCompletionHandle() *CompletionHandle {
	h := new(CompletionHandle)
	h.cond = ctxsync.NewCond(&h.mu)
	return h
}

func (h *CompletionHandle) resolve(outcome copysched.CopyOutcome, err error) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	h.outcome = outcome
	h.err = err
	h.cond.Broadcast()
	h.mu.Unlock()
}

// Wait blocks until the request resolves, returning its outcome and
// error, or returns early with a Canceled error if ctx is done first.
func (h *CompletionHandle) Wait(ctx context.Context) (copysched.CopyOutcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var err error
	for !h.done && err == nil {
		err = h.cond.Wait(ctx)
	}
	if !h.done {
		return nil, errors.E(errors.Canceled, err)
	}
	return h.outcome, h.err
}

// Done reports whether the request has already resolved, without
// blocking.
func (h *CompletionHandle) Done() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// MarkAdmitted records that the request has been popped off its queue
// and handed to a worker. A pending timeout consults Admitted before
// resolving itself, since admission ends the time a request spends
// waiting to be admitted even though its callback may still be
// running and its handle is therefore not yet Done.
func (h *CompletionHandle) MarkAdmitted() {
	h.mu.Lock()
	h.admitted = true
	h.mu.Unlock()
}

// Admitted reports whether the request has already been handed to a
// worker, without blocking.
func (h *CompletionHandle) Admitted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.admitted
}
