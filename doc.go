// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package copysched implements the prioritized outbound copy scheduler
// for a cache peer.
//
// Callers submit copy requests — pulls that fetch content from a remote
// peer into the local store, and pushes that send content to a remote
// peer — tagged with a reason and an attempt count. The scheduler
// classifies each request into a priority class, holds it in a per-class
// FIFO queue, and periodically runs an admission cycle that decides how
// many requests from each class may begin running, subject to per-class
// and global concurrency limits. Admitted requests are handed to an
// independent worker that invokes the caller's callback; the dispatcher
// itself never blocks on caller code.
//
// The scheduler does no I/O of its own. It decides only when a
// caller-supplied copy function runs, never how the copy itself is
// performed.
package copysched

import (
	"context"
	"time"

	"github.com/flowcache/copysched/priority"
)

// CopyOutcome is the caller-defined result of a successful copy. The
// scheduler treats it opaquely; it is returned to the submitter verbatim.
type CopyOutcome interface{}

// Callback performs the actual copy I/O for an admitted request. It is
// invoked on an independent worker goroutine once the request has been
// admitted, and must honor cancellation of ctx promptly: ctx is canceled
// when the scheduler shuts down, and (if a scheduler timeout applies) is
// never canceled by the timeout once the callback has started, since the
// timeout only bounds time spent waiting to be admitted.
type Callback func(ctx context.Context, args ExecutionArgs) (CopyOutcome, error)

// ExecutionArgs is passed to a Callback when its request is admitted.
type ExecutionArgs struct {
	// Priority is the class the request was classified into.
	Priority priority.Class
	// Summary carries scheduling telemetry the callback may choose to
	// report alongside its own metrics.
	Summary Summary
}

// Summary carries scheduling telemetry for an admitted request.
type Summary struct {
	// QueueWait is the duration between submission and admission.
	QueueWait time.Duration
	// PriorityQueueLength is the length of the request's priority class
	// queue as observed when its admission cycle computed admission
	// counts (including the request itself, before it was popped).
	PriorityQueueLength int
}
