package vm

import (
	"testing"
	"time"
)

func TestFiberLegalTransitions(t *testing.T) {
	cases := []struct {
		from, to FiberStatus
		ok       bool
	}{
		{FiberInitial, FiberRunning, true},
		{FiberInitial, FiberPaused, false},
		{FiberInitial, FiberWaiting, false},
		{FiberRunning, FiberPaused, true},
		{FiberRunning, FiberYielded, true},
		{FiberRunning, FiberWaiting, true},
		{FiberRunning, FiberTerminated, true},
		{FiberRunning, FiberInitial, false},
		{FiberPaused, FiberRunning, true},
		{FiberPaused, FiberYielded, false},
		{FiberYielded, FiberRunning, true},
		{FiberYielded, FiberWaiting, false},
		{FiberWaiting, FiberRunning, true},
		{FiberWaiting, FiberTerminated, false},
		{FiberTerminated, FiberRunning, false},
	}
	for _, tc := range cases {
		if got := legalNext(tc.from, tc.to); got != tc.ok {
			t.Errorf("legalNext(%s, %s) = %t, want %t", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestIllegalTransitionFaults(t *testing.T) {
	c := newTestContainer(t)
	f := NewFiber(c.MainService(), nil)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("illegal transition did not fault")
		}
		fault, ok := r.(*runtimeFault)
		if !ok {
			panic(r)
		}
		if fault.kind != FaultIllegalState {
			t.Errorf("fault kind = %s", fault.kind)
		}
	}()
	f.setStatus(FiberPaused) // Initial -> Paused is illegal
}

func TestOriginatesFrom(t *testing.T) {
	c := newTestContainer(t)
	s1 := c.NewService("one")
	s2 := c.NewService("two")

	root := NewFiber(s1, nil)
	child := NewFiber(s2, root)
	grandchild := NewFiber(s1, child)

	if !grandchild.originatesFrom(s1) {
		t.Error("grandchild does not see s1 in its causal chain")
	}
	if !grandchild.originatesFrom(s2) {
		t.Error("grandchild does not see s2 in its causal chain")
	}
	if root.originatesFrom(s1) {
		t.Error("root has no caller and no causal chain")
	}
}

func TestFiberDeadline(t *testing.T) {
	c := newTestContainer(t)
	f := NewFiber(c.MainService(), nil)

	if f.timedOut() {
		t.Error("fiber with no deadline reports timed out")
	}
	f.SetDeadline(time.Now().Add(-time.Millisecond))
	if !f.timedOut() {
		t.Error("expired deadline not detected")
	}
	f.SetDeadline(time.Time{})
	if f.timedOut() {
		t.Error("cleared deadline still reports timed out")
	}
}
