// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package priority implements the scheduler's classification function:
// a pure, total mapping from a copy request's (direction, reason,
// attempt, source) tuple to a dense priority class index. Lower indices
// are higher priority.
//
// The set of classes produced by Classify is finite and is enumerated in
// full by All, so that a scheduler can allocate one queue and counter
// pair per class up front, at startup, rather than creating them lazily.
package priority

import (
	"fmt"
	"sort"
)

// MaxAttempt is the highest attempt number the classifier distinguishes.
// Attempts beyond MaxAttempt are clamped to it, so repeated retries do
// not grow the class space.
const MaxAttempt = 4

// Class identifies one priority class: an equivalence set of requests
// that Classify maps to the same dense index. Lower Index values are
// higher priority. The zero Class is the highest-priority class
// (OutboundPull, Pin, attempt 0).
type Class struct {
	Index     int
	Direction CopyDirection
	Reason    CopyReason
	Attempt   int
	Source    ProactiveCopyLocationSource
}

// String renders a human-readable label for the class, suitable for use
// in logs and telemetry counter names.
func (c Class) String() string {
	if c.Direction == OutboundPush {
		return fmt.Sprintf("%s/%s/attempt=%d/%s", c.Direction, c.Reason, c.Attempt, c.Source)
	}
	return fmt.Sprintf("%s/%s/attempt=%d", c.Direction, c.Reason, c.Attempt)
}

// pullClasses is the number of distinct classes OutboundPull requests
// occupy: source has no meaning for pulls, so they contribute only one
// source-variant.
const pullClasses = numReasons * (MaxAttempt + 1)

// pushClasses is the number of distinct classes OutboundPush requests
// occupy, one per (reason, attempt, source) combination.
const pushClasses = numReasons * (MaxAttempt + 1) * numSources

// NumClasses is the total number of distinct classes Classify can
// produce, and the size every per-class array in the scheduler (queues,
// in-flight counters, stats counters) is allocated to. Classify's Index
// is dense over [0, NumClasses): every pull class is assigned an index
// below pullClasses, and every push class an index in
// [pullClasses, NumClasses).
const NumClasses = pullClasses + pushClasses

// Classify computes the priority class for a request described by the
// given direction, reason, attempt count, and (for pushes) location
// source. Classify is pure and total: every combination of inputs maps
// to exactly one Class with Index in [0, NumClasses), and attempt is
// silently clamped to [0, MaxAttempt]. source is ignored for
// OutboundPull requests (it has no meaning for pulls) and is treated as
// Designated for the purposes of index computation. Every pull class
// sorts ahead of every push class, regardless of reason, attempt, or
// source.
func Classify(direction CopyDirection, reason CopyReason, attempt int, source ProactiveCopyLocationSource) Class {
	if attempt < 0 {
		attempt = 0
	} else if attempt > MaxAttempt {
		attempt = MaxAttempt
	}
	effSource := Designated
	if direction == OutboundPush {
		effSource = source
	}
	var index int
	if direction == OutboundPull {
		index = int(reason)*(MaxAttempt+1) + attempt
	} else {
		index = pullClasses + int(reason)*(MaxAttempt+1)*numSources + attempt*numSources + int(effSource)
	}
	return Class{
		Index:     index,
		Direction: direction,
		Reason:    reason,
		Attempt:   attempt,
		Source:    effSource,
	}
}

// All enumerates every class Classify can produce, in ascending Index
// order. The scheduler uses this to size its per-class queue and counter
// arrays once, at startup.
func All() []Class {
	classes := make([]Class, 0, NumClasses)
	for r := 0; r < numReasons; r++ {
		for a := 0; a <= MaxAttempt; a++ {
			classes = append(classes, Classify(OutboundPull, CopyReason(r), a, Designated))
		}
	}
	for r := 0; r < numReasons; r++ {
		for a := 0; a <= MaxAttempt; a++ {
			for s := 0; s < numSources; s++ {
				classes = append(classes, Classify(OutboundPush, CopyReason(r), a, ProactiveCopyLocationSource(s)))
			}
		}
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i].Index < classes[j].Index })
	return classes
}
