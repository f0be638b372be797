package vm

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Fiber: one logical thread of execution inside a service
// ---------------------------------------------------------------------------

// FiberStatus is the scheduling state of a fiber.
type FiberStatus int32

const (
	// FiberInitial: created by message receipt, never yet dispatched.
	FiberInitial FiberStatus = iota

	// FiberRunning: holds the service's single execution slot.
	FiberRunning

	// FiberPaused: preempted by the op budget; resumed cooperatively as
	// soon as possible.
	FiberPaused

	// FiberYielded: voluntarily released control; lower resumption
	// priority than Paused.
	FiberYielded

	// FiberWaiting: blocked on futures; resumable only once the
	// responded flag is set.
	FiberWaiting

	// FiberTerminated: final.
	FiberTerminated
)

func (s FiberStatus) String() string {
	switch s {
	case FiberInitial:
		return "Initial"
	case FiberRunning:
		return "Running"
	case FiberPaused:
		return "Paused"
	case FiberYielded:
		return "Yielded"
	case FiberWaiting:
		return "Waiting"
	default:
		return "Terminated"
	}
}

var fiberIDs atomic.Uint64

// Fiber is a lightweight unit of execution owned by exactly one service.
// Its status is mutated only on the owning service's goroutine; the
// responded flag is the one cross-goroutine member.
type Fiber struct {
	service *Service
	caller  *Fiber
	id      uint64

	status FiberStatus

	// responded hints that a response for this fiber has arrived. Set
	// by the response handler, cleared when the fiber re-enters Running
	// (or when re-validation finds its futures still pending). Missing
	// the hint cannot strand the fiber: responses are processed on the
	// owning goroutine before any scheduling decision.
	responded atomic.Bool

	startNanos int64
	deadline   time.Time
}

// NewFiber creates an Initial fiber on the service, linked to the caller
// fiber of the requesting service (nil for fire-and-forget).
func NewFiber(svc *Service, caller *Fiber) *Fiber {
	return &Fiber{
		service: svc,
		caller:  caller,
		id:      fiberIDs.Add(1),
	}
}

// ID returns the fiber's process-unique id.
func (f *Fiber) ID() uint64 { return f.id }

// Service returns the owning service.
func (f *Fiber) Service() *Service { return f.service }

// Caller returns the requesting fiber, or nil.
func (f *Fiber) Caller() *Fiber { return f.caller }

// Status returns the current scheduling state.
func (f *Fiber) Status() FiberStatus { return f.status }

// legalNext enumerates the allowed successor states.
func legalNext(from, to FiberStatus) bool {
	switch from {
	case FiberInitial:
		return to == FiberRunning
	case FiberRunning:
		return to == FiberPaused || to == FiberYielded || to == FiberWaiting || to == FiberTerminated
	case FiberPaused, FiberYielded, FiberWaiting:
		return to == FiberRunning
	default:
		return false
	}
}

// setStatus transitions the fiber, accounting runtime nanos against the
// owning service. An illegal transition is an engine-integrity fault.
func (f *Fiber) setStatus(to FiberStatus) {
	if !legalNext(f.status, to) {
		panic(&runtimeFault{
			kind: FaultIllegalState,
			msg:  fmt.Sprintf("fiber %d: illegal transition %s -> %s", f.id, f.status, to),
		})
	}
	switch to {
	case FiberRunning:
		f.startNanos = time.Now().UnixNano()
	default:
		if f.status == FiberRunning && f.startNanos != 0 {
			atomic.AddInt64(&f.service.runtimeNanos, time.Now().UnixNano()-f.startNanos)
			f.startNanos = 0
		}
	}
	f.status = to
}

// SetDeadline sets the absolute deadline the interpreter polls between
// ops. The zero time clears it.
func (f *Fiber) SetDeadline(t time.Time) { f.deadline = t }

// Deadline returns the fiber's absolute deadline, zero if none.
func (f *Fiber) Deadline() time.Time { return f.deadline }

// timedOut reports whether the deadline has passed.
func (f *Fiber) timedOut() bool {
	return !f.deadline.IsZero() && time.Now().After(f.deadline)
}

// originatesFrom reports whether the fiber's causal chain reaches
// through the given service.
func (f *Fiber) originatesFrom(svc *Service) bool {
	for cur := f.caller; cur != nil; cur = cur.caller {
		if cur.service == svc {
			return true
		}
	}
	return false
}

// runtimeFault is the panic payload for engine-integrity violations; the
// service loop converts it into an uncatchable exception handle.
type runtimeFault struct {
	kind ExceptionKind
	msg  string
}

func (rf *runtimeFault) Error() string { return rf.msg }
