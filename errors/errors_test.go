// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package errors

import (
	"context"
	"testing"
)

func TestE(t *testing.T) {
	e := E("admit", context.DeadlineExceeded)
	if got, want := e, E("admit", Timeout); !Match(want, got) {
		t.Errorf("got %v, want %v", got, want)
	}

	// Collapse kinds: when the inner *Error has the same Kind as the
	// outer, the inner is demoted to Other so the Kind is reported once.
	e = E("admit", Timeout, E("queue", Timeout))
	if got, want := e, E("admit", Timeout, E("queue")); !Match(want, got) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestError(t *testing.T) {
	e := E("admit", "req-1", NotSupported, New(`unknown priority class`))
	if got, want := e.Error(), `admit req-1: operation not supported: unknown priority class`; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	// The outer error has no Kind of its own, so it inherits CallbackFailed
	// from the inner *Error, which is demoted to Other and keeps only its
	// Op in the rendered chain.
	e = E("dispatch", "req-1", E("run-callback", CallbackFailed, New("connection reset")))
	if got, want := e.Error(), "dispatch req-1: callback failed:\n\trun-callback: connection reset"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestErrorUnsupportedArg(t *testing.T) {
	e := E("admit", "req-1", 10, New(`bad argument`))
	if got, want := e.Error(), `unknown type int, value 10 in error call`; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

type isTemporary bool

func (t isTemporary) Error() string   { return "maybe a temporary error" }
func (t isTemporary) Temporary() bool { return bool(t) }

func TestTransient(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want bool
	}{
		{New("some error"), false},
		{E(Timeout, "admission timed out"), true},
		{E(Shutdown, "scheduler shut down"), false},
		{E(CallbackFailed, New("boom")), false},
		{E(Canceled, "request canceled"), true},
		{E(Unavailable, "no reachable peer"), true},
		{isTemporary(true), true},
		{isTemporary(false), false},
	} {
		if got := Transient(tc.err); got != tc.want {
			t.Errorf("Transient(%v): got %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestRecover(t *testing.T) {
	if got := Recover(nil); got != nil {
		t.Errorf("Recover(nil): got %v, want nil", got)
	}
	e := E(Shutdown, "draining").(*Error)
	if got := Recover(e); got != e {
		t.Errorf("Recover(*Error) should return its argument unchanged: got %v, want %v", got, e)
	}
	plain := New("plain error")
	if got := Recover(plain).Kind; got != Other {
		t.Errorf("Recover(plain).Kind: got %v, want Other", got)
	}
}

func TestMatchKind(t *testing.T) {
	for k := Other; k < maxKind; k++ {
		if !Match(k, E("op", k)) {
			t.Errorf("Match(%v, E(\"op\", %v)) should be true", k, k)
		}
	}
	if Match(Timeout, E(Shutdown, "x")) {
		t.Error("Match(Timeout, Shutdown error) should be false")
	}
}

func TestCopy(t *testing.T) {
	e := E("admit", "req-1", Timeout).(*Error)
	c := e.Copy()
	c.Op = "dispatch"
	if e.Op == c.Op {
		t.Error("Copy should produce an independent Error")
	}
}

func TestUnwrap(t *testing.T) {
	inner := New("inner failure")
	e := E("dispatch", CallbackFailed, inner).(*Error)
	if got := e.Unwrap(); got != inner {
		t.Errorf("Unwrap(): got %v, want %v", got, inner)
	}
}
