// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sched

import (
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/flowcache/copysched/priority"
)

// expVarScheduler is the prefix of the scheduler stats exported name.
const expVarScheduler = "outbound_copy_scheduler"

var (
	exportMu          sync.Mutex
	exportNameCounter int
)

// classCounters holds the per-class counters for one stage of a
// request's lifecycle.
type classCounters struct {
	total   atomic.Int64
	byClass []atomic.Int64
}

func newClassCounters(n int) *classCounters {
	return &classCounters{byClass: make([]atomic.Int64, n)}
}

func (c *classCounters) inc(classIndex int) {
	c.total.Add(1)
	c.byClass[classIndex].Add(1)
}

// StatsData is an immutable snapshot of Stats, suitable for export as
// an expvar.
type StatsData struct {
	Submitted map[string]int64 `json:"submitted"`
	Admitted  map[string]int64 `json:"admitted"`
	Completed map[string]int64 `json:"completed"`
	Failed    map[string]int64 `json:"failed"`
	Timeout   map[string]int64 `json:"timeout"`
	Shutdown  map[string]int64 `json:"shutdown"`
}

// Stats holds the scheduler's lifecycle counters, indexed by priority
// class. It is safe for concurrent use from the dispatcher goroutine
// and every worker goroutine it spawns.
type Stats struct {
	classes []priority.Class

	submittedCtr *classCounters
	admittedCtr  *classCounters
	completedCtr *classCounters
	failedCtr    *classCounters
	timeoutCtr   *classCounters
	shutdownCtr  *classCounters
}

// newStats returns a Stats ready to record outcomes for the given
// fixed set of priority classes.
func newStats(classes []priority.Class) *Stats {
	n := len(classes)
	return &Stats{
		classes:      classes,
		submittedCtr: newClassCounters(n),
		admittedCtr:  newClassCounters(n),
		completedCtr: newClassCounters(n),
		failedCtr:    newClassCounters(n),
		timeoutCtr:   newClassCounters(n),
		shutdownCtr:  newClassCounters(n),
	}
}

func (s *Stats) submitted(classIndex int) { s.submittedCtr.inc(classIndex) }
func (s *Stats) admitted(classIndex int)  { s.admittedCtr.inc(classIndex) }
func (s *Stats) completed(classIndex int) { s.completedCtr.inc(classIndex) }
func (s *Stats) failed(classIndex int)    { s.failedCtr.inc(classIndex) }
func (s *Stats) timeout(classIndex int)   { s.timeoutCtr.inc(classIndex) }
func (s *Stats) shutdown(classIndex int)  { s.shutdownCtr.inc(classIndex) }

// GetStats returns a snapshot of every counter, keyed by the
// human-readable class label (see priority.Class.String).
func (s *Stats) GetStats() StatsData {
	snap := func(c *classCounters) map[string]int64 {
		out := make(map[string]int64, len(s.classes))
		for i, class := range s.classes {
			if n := c.byClass[i].Load(); n != 0 {
				out[class.String()] = n
			}
		}
		return out
	}
	return StatsData{
		Submitted: snap(s.submittedCtr),
		Admitted:  snap(s.admittedCtr),
		Completed: snap(s.completedCtr),
		Failed:    snap(s.failedCtr),
		Timeout:   snap(s.timeoutCtr),
		Shutdown:  snap(s.shutdownCtr),
	}
}

// publish exports the stats as an expvar under a unique name prefixed
// by expVarScheduler, so that multiple Schedulers in the same process
// (e.g. across tests) don't collide on expvar's global namespace.
func (s *Stats) publish() {
	exportMu.Lock()
	val := exportNameCounter
	exportNameCounter++
	exportMu.Unlock()
	name := fmt.Sprintf("%s-%d", expVarScheduler, val)
	expvar.Publish(name, expvar.Func(func() interface{} { return s.GetStats() }))
}
