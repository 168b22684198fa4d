// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package admission implements the scheduler's per-cycle admission
// algorithm: given each priority class's queue length and current
// in-flight count, decide how many requests from each class may begin
// running this cycle, subject to per-class reservations, weighted
// sharing of any residual quota, and a global concurrency cap.
//
// Controller.Admit is a pure function of its inputs, mirroring how
// priority.Classify is kept pure and independently testable.
package admission

import (
	"time"
)

// NoTimeout disables the per-request scheduler timeout. It is a
// negative duration so that the zero value of Config.SchedulerTimeout
// can retain spec's strict "admit in the first observed cycle"
// semantics for a zero duration, rather than silently meaning
// "disabled".
const NoTimeout time.Duration = -1

// Config carries the admission controller's tunables. DefaultConfig
// returns a Config with every field set to the lineage's conservative
// defaults. New substitutes those defaults for a non-positive
// CycleQuota or MaxInflightGlobal and for missing or non-positive
// ReservedPerClass and Weight entries; a zero SchedulerTimeout is not
// replaced (see NoTimeout).
type Config struct {
	// MaxInflightGlobal is the hard cap on concurrently admitted
	// requests across all classes.
	MaxInflightGlobal int
	// CycleQuota is the maximum number of new admissions in a single
	// cycle.
	CycleQuota int
	// ReservedPerClass is the minimum slots a class may always claim in
	// a cycle if it has pending work, indexed by priority.Class.Index.
	// A short or nil slice is treated as 1 for every class it does not
	// cover.
	ReservedPerClass []int
	// Weight is the relative share of residual quota each class
	// receives once every class's reservation has been honored,
	// indexed by priority.Class.Index. A short or nil slice is treated
	// as 1 for every class it does not cover.
	Weight []int
	// CycleInterval is the dispatcher's inter-cycle sleep duration.
	CycleInterval time.Duration
	// SchedulerTimeout bounds how long a request may wait to be
	// admitted before it fails with Timeout. NoTimeout disables it.
	SchedulerTimeout time.Duration
}

// DefaultConfig returns the lineage's conservative, overridable
// defaults for numClasses classes.
func DefaultConfig(numClasses int) Config {
	reserved := make([]int, numClasses)
	weight := make([]int, numClasses)
	for i := range reserved {
		reserved[i] = 1
		weight[i] = 1
	}
	return Config{
		MaxInflightGlobal: 64,
		CycleQuota:        256,
		ReservedPerClass:  reserved,
		Weight:            weight,
		CycleInterval:     5 * time.Millisecond,
		SchedulerTimeout:  NoTimeout,
	}
}

// Controller computes per-cycle admission counts for a fixed,
// precomputed set of priority classes.
type Controller struct {
	numClasses        int
	reserved          []int
	weight            []int
	cycleQuota        int
	maxInflightGlobal int
}

// New returns a Controller for numClasses classes, configured by cfg.
// Fields of cfg left at their zero value take the lineage's defaults
// (see DefaultConfig), except ReservedPerClass and Weight, whose
// per-index zero entries are individually defaulted to 1.
func New(cfg Config, numClasses int) *Controller {
	c := &Controller{
		numClasses:        numClasses,
		reserved:          make([]int, numClasses),
		weight:            make([]int, numClasses),
		cycleQuota:        cfg.CycleQuota,
		maxInflightGlobal: cfg.MaxInflightGlobal,
	}
	if c.cycleQuota <= 0 {
		c.cycleQuota = 256
	}
	if c.maxInflightGlobal <= 0 {
		c.maxInflightGlobal = 64
	}
	for i := 0; i < numClasses; i++ {
		c.reserved[i] = 1
		c.weight[i] = 1
		if i < len(cfg.ReservedPerClass) && cfg.ReservedPerClass[i] > 0 {
			c.reserved[i] = cfg.ReservedPerClass[i]
		}
		if i < len(cfg.Weight) && cfg.Weight[i] > 0 {
			c.weight[i] = cfg.Weight[i]
		}
	}
	return c
}

// Admit computes how many requests from each class may be admitted
// this cycle, given each class's current queue length and in-flight
// count (both indexed by priority.Class.Index, and both of length
// numClasses). The result is indexed the same way: assigned[c] is the
// number of requests class c should have popped from its queue and
// handed to the executor.
//
// Admit never assigns more than queueLen[c] to a class, never exceeds
// the global budget B = min(CycleQuota, MaxInflightGlobal -
// Σinflight), and always honors a non-empty class's reservation ahead
// of any weighted residual distribution, processing classes in
// ascending index order at each stage so that a non-empty
// higher-priority class is never starved in favor of a lower-priority
// one within the same cycle.
func (c *Controller) Admit(queueLen, inflight []int) []int {
	return c.admit(queueLen, inflight, c.cycleQuota)
}

// AdmitN is a test-only hook mirroring the source's SchedulerCycle(ctx,
// n): it runs the same admission algorithm as Admit but with the
// cycle's new-admission budget capped by the caller-supplied n instead
// of the configured CycleQuota, decoupling a single test cycle's size
// from the controller's steady-state configuration. It is not part of
// the scheduler's public surface; sched exposes it only to its own
// test files.
func (c *Controller) AdmitN(queueLen, inflight []int, n int) []int {
	return c.admit(queueLen, inflight, n)
}

func (c *Controller) admit(queueLen, inflight []int, cycleQuota int) []int {
	assigned := make([]int, c.numClasses)

	totalInflight := 0
	for _, n := range inflight {
		totalInflight += n
	}
	budget := cycleQuota
	if room := c.maxInflightGlobal - totalInflight; room < budget {
		budget = room
	}
	if budget <= 0 {
		return assigned
	}
	remaining := budget

	// Stage 1: honor each non-empty class's reservation, ascending index.
	for i := 0; i < c.numClasses && remaining > 0; i++ {
		if queueLen[i] == 0 {
			continue
		}
		take := min3(queueLen[i], c.reserved[i], remaining)
		assigned[i] += take
		remaining -= take
	}

	// Stage 2: distribute any residual quota by weight, ascending index,
	// repeating until either the budget is exhausted or no class can
	// accept more work. Each pass recomputes the weight sum over classes
	// that still have unassigned queued work, so that a class which
	// drains mid-pass does not skew later shares.
	for remaining > 0 {
		totalWeight := 0
		for i := 0; i < c.numClasses; i++ {
			if queueLen[i]-assigned[i] > 0 {
				totalWeight += c.weight[i]
			}
		}
		if totalWeight == 0 {
			break
		}
		assignedThisPass := 0
		for i := 0; i < c.numClasses && remaining > 0; i++ {
			avail := queueLen[i] - assigned[i]
			if avail <= 0 {
				continue
			}
			share := ceilDiv(remaining*c.weight[i], totalWeight)
			take := min3(avail, share, remaining)
			if take <= 0 {
				continue
			}
			assigned[i] += take
			remaining -= take
			assignedThisPass += take
		}
		if assignedThisPass == 0 {
			break
		}
	}

	return assigned
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

func ceilDiv(a, b int) int {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
