// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package copysched

import "github.com/flowcache/copysched/priority"

// CopyDirection distinguishes a copy that fetches content from a remote
// peer (OutboundPull) from one that sends content to a remote peer
// (OutboundPush). It is an alias of priority.CopyDirection: classification
// is defined in package priority so that it has no dependency on the
// scheduler itself, and copysched re-exports it here as the stable public
// name.
type CopyDirection = priority.CopyDirection

const (
	OutboundPull = priority.OutboundPull
	OutboundPush = priority.OutboundPush
)

// CopyReason classifies why a copy request was made. Reasons are ordered
// by importance, most important first; this ordering is load-bearing for
// priority classification (see package priority).
type CopyReason = priority.CopyReason

const (
	Pin                  = priority.Pin
	Place                = priority.Place
	CentralStorage       = priority.CentralStorage
	AsyncCopyOnPin       = priority.AsyncCopyOnPin
	ProactiveBackground  = priority.ProactiveBackground
	ProactiveCopyOnPut   = priority.ProactiveCopyOnPut
	None                 = priority.None
)

// ProactiveCopyLocationSource describes where a push's destination came
// from. It is meaningful only for OutboundPush requests.
type ProactiveCopyLocationSource = priority.ProactiveCopyLocationSource

const (
	Designated = priority.Designated
	Random     = priority.Random
)

// SchedulerFailureCode enumerates the failures the scheduler itself (as
// opposed to a callback) can produce.
type SchedulerFailureCode int

const (
	// noFailure is the zero value: the request did not fail at the
	// scheduler level (it may still have failed in the callback).
	noFailure SchedulerFailureCode = iota
	// CodeTimeout indicates the request was not admitted within its
	// scheduler timeout.
	CodeTimeout
	// CodeShutdown indicates the request observed scheduler shutdown
	// before producing an outcome.
	CodeShutdown
)

// String renders a human-readable description of the failure code.
func (c SchedulerFailureCode) String() string {
	switch c {
	case CodeTimeout:
		return "timeout"
	case CodeShutdown:
		return "shutdown"
	default:
		return "none"
	}
}
