// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command copysched-bench drives a copysched.Scheduler with synthetic
// load so its admission behavior can be observed and tuned by hand,
// without wiring it into a real cache peer.
package main

import (
	"context"
	"flag"
	"fmt"
	golog "log"
	"math/rand"
	"os"
	"time"

	"github.com/flowcache/copysched"
	"github.com/flowcache/copysched/admission"
	"github.com/flowcache/copysched/log"
	"github.com/flowcache/copysched/priority"
	"github.com/flowcache/copysched/sched"
	"golang.org/x/sync/errgroup"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: copysched-bench [flags]

copysched-bench submits a configurable mix of synthetic outbound copy
requests to a scheduler and reports the run's elapsed time, how many
requests succeeded or failed, and how many were submitted per reason.
It does not report admission wait times.

flags:
`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	var (
		requests      = flag.Int("requests", 1000, "total number of synthetic requests to submit")
		concurrency   = flag.Int("concurrency", 32, "number of goroutines submitting requests concurrently")
		callbackDelay = flag.Duration("callback-delay", 10*time.Millisecond, "simulated copy duration per admitted request")
		maxInflight   = flag.Int("max-inflight", 64, "scheduler's MaxInflightGlobal")
		cycleQuota    = flag.Int("cycle-quota", 256, "scheduler's per-cycle admission quota")
		cycleInterval = flag.Duration("cycle-interval", 5*time.Millisecond, "scheduler's dispatcher cycle interval")
		failRate      = flag.Float64("fail-rate", 0, "fraction of callbacks (0-1) that return an error instead of succeeding")
		verbose       = flag.Bool("v", false, "enable debug logging")
	)
	flag.Usage = usage
	flag.Parse()

	level := log.InfoLevel
	if *verbose {
		level = log.DebugLevel
	}
	logger := log.New(golog.New(os.Stderr, "", golog.LstdFlags), level)

	cfg := sched.Config{
		Config: admission.DefaultConfig(priority.NumClasses),
		Log:    logger,
	}
	cfg.MaxInflightGlobal = *maxInflight
	cfg.CycleQuota = *cycleQuota
	cfg.CycleInterval = *cycleInterval

	s := sched.New(cfg)
	s.ExportStats()

	ctx := context.Background()
	if err := s.Startup(ctx); err != nil {
		logger.Error(err)
		os.Exit(1)
	}

	reasons := []copysched.CopyReason{
		copysched.Pin,
		copysched.Place,
		copysched.CentralStorage,
		copysched.AsyncCopyOnPin,
		copysched.ProactiveBackground,
		copysched.ProactiveCopyOnPut,
		copysched.None,
	}

	handles := make([]*waitResult, *requests)
	start := time.Now()

	indices := make(chan int)
	go func() {
		for i := 0; i < *requests; i++ {
			indices <- i
		}
		close(indices)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < *concurrency; w++ {
		g.Go(func() error {
			for i := range indices {
				reason := reasons[rand.Intn(len(reasons))]
				submitted := time.Now()
				h := s.ScheduleOutboundPull(gctx, reason, 0, func(cctx context.Context, args copysched.ExecutionArgs) (copysched.CopyOutcome, error) {
					select {
					case <-time.After(*callbackDelay):
					case <-cctx.Done():
						return nil, cctx.Err()
					}
					if rand.Float64() < *failRate {
						return nil, fmt.Errorf("synthetic failure for %s", args.Priority)
					}
					return "ok", nil
				})
				_, err := h.Wait(gctx)
				handles[i] = &waitResult{reason: reason, submitted: submitted, err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error(err)
	}
	elapsed := time.Since(start)

	if shutdownErr := s.Shutdown(ctx); shutdownErr != nil {
		logger.Error(shutdownErr)
	}

	report(handles, elapsed, *concurrency)
}

type waitResult struct {
	reason    copysched.CopyReason
	submitted time.Time
	err       error
}

func report(results []*waitResult, elapsed time.Duration, concurrency int) {
	var ok, failed int
	byReason := map[copysched.CopyReason]int{}
	for _, r := range results {
		byReason[r.reason]++
		if r.err != nil {
			failed++
		} else {
			ok++
		}
	}
	fmt.Printf("submitted %d requests (concurrency=%d) in %s\n", len(results), concurrency, elapsed)
	fmt.Printf("  succeeded: %d\n", ok)
	fmt.Printf("  failed:    %d\n", failed)
	fmt.Println("  by reason:")
	for reason, n := range byReason {
		fmt.Printf("    %-20s %d\n", reason, n)
	}
}
