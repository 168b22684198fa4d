// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package queue implements the scheduler's per-class request queues: a
// ring-buffer-backed FIFO with O(1) amortized push and pop, safe for
// concurrent Push/Len/Peek while the dispatcher holds exclusive pop
// rights (see the concurrency notes on FIFO).
package queue

import (
	"sync"

	"github.com/flowcache/copysched/request"
)

const minCapacity = 16

// FIFO is an unbounded, thread-safe FIFO queue of *request.Request. The
// zero value is not ready to use; construct one with NewFIFO.
//
// FIFO is safe for any number of concurrent Push, Len, Peek, and PeekN
// callers. PopN is also safe to call concurrently with the others, but
// the scheduler relies on only the dispatcher goroutine ever calling
// PopN, so that admission decisions (which read Len) and the pops that
// act on them stay consistent within one cycle.
type FIFO struct {
	mu   sync.Mutex
	buf  []*request.Request
	head int
	size int
}

// NewFIFO returns an empty FIFO.
func NewFIFO() *FIFO {
	return &FIFO{buf: make([]*request.Request, minCapacity)}
}

// Push appends r to the back of the queue.
func (q *FIFO) Push(r *request.Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.size)%len(q.buf)] = r
	q.size++
}

// grow doubles the queue's backing array, relocating elements so that
// the oldest element is at index 0. Callers must hold q.mu.
func (q *FIFO) grow() {
	newBuf := make([]*request.Request, len(q.buf)*2)
	for i := 0; i < q.size; i++ {
		newBuf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = newBuf
	q.head = 0
}

// Len returns the number of requests currently queued.
func (q *FIFO) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Peek returns the oldest queued request without removing it, or nil
// if the queue is empty.
func (q *FIFO) Peek() *request.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return nil
	}
	return q.buf[q.head]
}

// PeekN returns, without removing, up to n requests from the front of
// the queue, in FIFO order. It returns fewer than n if the queue holds
// fewer than n requests.
func (q *FIFO) PeekN(n int) []*request.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > q.size {
		n = q.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]*request.Request, n)
	for i := 0; i < n; i++ {
		out[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	return out
}

// PopN removes and returns up to n requests from the front of the
// queue, in FIFO order. It returns fewer than n if the queue holds
// fewer than n requests.
func (q *FIFO) PopN(n int) []*request.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > q.size {
		n = q.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]*request.Request, n)
	for i := 0; i < n; i++ {
		out[i] = q.buf[q.head]
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
	}
	q.size -= n
	return out
}
