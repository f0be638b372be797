package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Service: single-threaded executor for a cohort of fibers
// ---------------------------------------------------------------------------

// Reentrancy is the policy a service applies when choosing which fiber
// to run next.
type Reentrancy int32

const (
	// ReentrancyPrioritized prefers already-started fibers over new
	// ones, but starts a new one when nothing is ready.
	ReentrancyPrioritized Reentrancy = iota

	// ReentrancyOpen round-robins among all runnable fibers.
	ReentrancyOpen

	// ReentrancyExclusive admits only fibers belonging to an existing
	// thread of execution. New message-born fibers are not admitted;
	// see ExclusiveAdmitsInitial.
	ReentrancyExclusive

	// ReentrancyForbidden allows at most one fiber: while it is parked
	// the service runs nothing else, and new message-born fibers wait
	// for it to terminate.
	ReentrancyForbidden
)

// ExclusiveAdmitsInitial pins the Exclusive-mode treatment of Initial
// fibers: they are rejected until an originates-from-entered analysis is
// settled. Tests assert this value so a change is deliberate.
const ExclusiveAdmitsInitial = false

func (r Reentrancy) String() string {
	switch r {
	case ReentrancyOpen:
		return "open"
	case ReentrancyExclusive:
		return "exclusive"
	case ReentrancyForbidden:
		return "forbidden"
	default:
		return "prioritized"
	}
}

// ParseReentrancy maps a configuration string to a policy.
func ParseReentrancy(s string) (Reentrancy, error) {
	switch s {
	case "prioritized":
		return ReentrancyPrioritized, nil
	case "open":
		return ReentrancyOpen, nil
	case "exclusive":
		return ReentrancyExclusive, nil
	case "forbidden":
		return ReentrancyForbidden, nil
	}
	return 0, fmt.Errorf("unknown reentrancy mode %q", s)
}

// ServiceStatus is the lifecycle state of a service.
type ServiceStatus int32

const (
	ServiceIdle ServiceStatus = iota
	ServiceBusy
	ServiceShuttingDown
	ServiceTerminated
)

func (s ServiceStatus) String() string {
	switch s {
	case ServiceIdle:
		return "Idle"
	case ServiceBusy:
		return "Busy"
	case ServiceShuttingDown:
		return "ShuttingDown"
	default:
		return "Terminated"
	}
}

// Service is a single-threaded execution cohort: one goroutine drains
// its message and response queues and interprets the fibers they spawn.
// qmu guards the message and response queues; the scheduler fields after
// them are owned by that goroutine.
type Service struct {
	container *Container
	id        int
	name      string

	comp     *Composition // composition of the service class, if any
	instance *Handle      // the service's own state, set by construction

	qmu   sync.Mutex
	msgs  []Message
	resps []*Response

	status     atomic.Int32
	reentrancy atomic.Int32

	suspended []*Frame
	current   *Frame

	// nSuspended and hasCurrent mirror the scheduler-owned fields for
	// lock-free host-side snapshots.
	nSuspended atomic.Int32
	hasCurrent atomic.Bool

	runtimeNanos int64
	opBudget     int
	timeout      time.Duration

	wake chan struct{}
	done chan struct{}

	tracer      TraceSink
	onUnhandled func(f *Frame, ex *Handle)
}

// Name returns the service's display name.
func (s *Service) Name() string { return s.name }

// ID returns the service's id within its container.
func (s *Service) ID() int { return s.id }

// Container returns the owning container.
func (s *Service) Container() *Container { return s.container }

// Status returns the lifecycle state.
func (s *Service) Status() ServiceStatus { return ServiceStatus(s.status.Load()) }

func (s *Service) setStatus(st ServiceStatus) { s.status.Store(int32(st)) }

// Reentrancy returns the active scheduling policy.
func (s *Service) Reentrancy() Reentrancy { return Reentrancy(s.reentrancy.Load()) }

// SetReentrancy installs a scheduling policy; it applies from the next
// scheduling decision.
func (s *Service) SetReentrancy(r Reentrancy) { s.reentrancy.Store(int32(r)) }

// SetTimeout sets the default deadline budget applied to outgoing
// cross-service calls made by this service's fibers.
func (s *Service) SetTimeout(d time.Duration) { s.timeout = d }

// Timeout returns the default outgoing-call deadline budget.
func (s *Service) Timeout() time.Duration { return s.timeout }

// SetUnhandled installs the unhandled-exception hook. The default logs
// and drops the fiber; the service stays alive.
func (s *Service) SetUnhandled(hook func(f *Frame, ex *Handle)) { s.onUnhandled = hook }

// SetTracer installs a diagnostic sink for this service.
func (s *Service) SetTracer(t TraceSink) { s.tracer = t }

// Stats is a point-in-time service snapshot.
type Stats struct {
	Name         string
	Status       ServiceStatus
	RuntimeNanos int64
	Suspended    int
	QueuedMsgs   int
}

// Snapshot returns current service metrics. Suspended and RuntimeNanos
// are read without the scheduler lock and are advisory.
func (s *Service) Snapshot() Stats {
	s.qmu.Lock()
	queued := len(s.msgs)
	s.qmu.Unlock()
	return Stats{
		Name:         s.name,
		Status:       s.Status(),
		RuntimeNanos: atomic.LoadInt64(&s.runtimeNanos),
		Suspended:    int(s.nSuspended.Load()),
		QueuedMsgs:   queued,
	}
}

// IsContended reports whether the service has pending or parked work.
func (s *Service) IsContended() bool {
	s.qmu.Lock()
	pending := len(s.msgs) > 0 || len(s.resps) > 0
	s.qmu.Unlock()
	return pending || s.nSuspended.Load() > 0 || s.hasCurrent.Load()
}

// Post enqueues a message. A service that is shutting down refuses new
// messages.
func (s *Service) Post(msg Message) error {
	switch s.Status() {
	case ServiceShuttingDown, ServiceTerminated:
		return fmt.Errorf("service %s is %s", s.name, s.Status())
	}
	s.qmu.Lock()
	s.msgs = append(s.msgs, msg)
	s.qmu.Unlock()
	s.signal()
	return nil
}

// respond enqueues a completed cross-service response. Responses are
// accepted even while shutting down so in-flight calls can finish.
func (s *Service) respond(r *Response) {
	s.qmu.Lock()
	s.resps = append(s.resps, r)
	s.qmu.Unlock()
	s.signal()
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Shutdown moves the service to ShuttingDown: queued work drains, new
// messages are refused, and the scheduler goroutine exits once idle.
func (s *Service) Shutdown() {
	if s.Status() == ServiceTerminated {
		return
	}
	s.setStatus(ServiceShuttingDown)
	s.signal()
}

// Done is closed when the scheduler goroutine has terminated.
func (s *Service) Done() <-chan struct{} { return s.done }

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// run is the service's scheduler goroutine.
func (s *Service) run() {
	setCurrentContext(s)
	defer func() {
		s.setStatus(ServiceTerminated)
		clearCurrentContext()
		close(s.done)
	}()

	for {
		frame := s.nextFiber()
		if frame == nil {
			if s.Status() == ServiceShuttingDown && !s.IsContended() {
				return
			}
			if s.Status() == ServiceBusy {
				s.setStatus(ServiceIdle)
			}
			if !s.idleWait() {
				return
			}
			continue
		}

		if s.Status() == ServiceIdle {
			s.setStatus(ServiceBusy)
		}
		next := s.executeGuarded(frame)
		if next == nil {
			s.current = nil
			s.hasCurrent.Store(false)
			continue
		}
		s.suspendFiber(next)
		if next == frame && next.fiber.status == FiberWaiting && !next.fiber.responded.Load() {
			// Re-validation found the futures still pending; sleep
			// instead of spinning on the pinned frame.
			if !s.idleWait() {
				return
			}
		}
	}
}

// idleWait blocks until new work may exist: a queue signal or the
// nearest fiber deadline. Returns false when the service should exit.
func (s *Service) idleWait() bool {
	if s.Status() == ServiceShuttingDown && !s.IsContended() {
		return false
	}

	var timer *time.Timer
	var expiry <-chan time.Time
	if d, ok := s.nearestDeadline(); ok {
		wait := time.Until(d)
		if wait <= 0 {
			return true
		}
		timer = time.NewTimer(wait)
		expiry = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	select {
	case <-s.wake:
	case <-expiry:
	}
	return true
}

// nearestDeadline scans parked Waiting fibers for the soonest deadline.
func (s *Service) nearestDeadline() (time.Time, bool) {
	var best time.Time
	consider := func(f *Frame) {
		if f == nil || f.fiber.status != FiberWaiting {
			return
		}
		d := f.fiber.deadline
		if d.IsZero() {
			return
		}
		if best.IsZero() || d.Before(best) {
			best = d
		}
	}
	consider(s.current)
	for _, f := range s.suspended {
		consider(f)
	}
	return best, !best.IsZero()
}

// executeGuarded runs the interpreter, converting engine-integrity
// panics into a terminated fiber rather than a dead process.
func (s *Service) executeGuarded(frame *Frame) (out *Frame) {
	defer func() {
		if r := recover(); r != nil {
			fault, ok := r.(*runtimeFault)
			if !ok {
				panic(r)
			}
			log.Errorf("service %s fiber %d: %s", s.name, frame.fiber.id, fault.msg)
			frame.fiber.status = FiberTerminated
			s.current = nil
			out = nil
		}
	}()
	return s.execute(frame)
}

// nextFiber picks the next frame ready for execution, or nil.
func (s *Service) nextFiber() *Frame {
	// Responses have the highest priority and never run user code:
	// process everything that has arrived.
	s.qmu.Lock()
	resps := s.resps
	s.resps = nil
	msgs := s.msgs
	s.msgs = nil
	s.qmu.Unlock()

	for _, r := range resps {
		r.run()
	}

	// Park all new messages in Initial state.
	for _, m := range msgs {
		frame := m.createFrame(s)
		if frame.fiber.status != FiberInitial {
			panic(&runtimeFault{kind: FaultIllegalState, msg: "message created a non-Initial fiber"})
		}
		s.suspendFiber(frame)
	}

	if s.current != nil {
		// A frame left in place: under forbidden reentrancy a paused,
		// yielded or parked fiber stays pinned.
		cur := s.current
		if cur.fiber.status == FiberWaiting && !cur.fiber.responded.Load() && cur.fiber.deadline.IsZero() {
			return nil
		}
		return cur
	}

	if len(s.suspended) == 0 {
		return nil
	}

	// waitingReady reports whether a parked Waiting fiber may resume:
	// its responded hint is set, or its deadline has passed and it must
	// wake to raise.
	waitingReady := func(frame *Frame) bool {
		return frame.fiber.responded.Load() || frame.fiber.timedOut()
	}

	switch s.Reentrancy() {
	case ReentrancyForbidden:
		// With no pinned frame only Initial fibers can be parked here;
		// admit exactly one thread of execution.
		for i, frame := range s.suspended {
			if frame.fiber.status == FiberInitial {
				s.removeSuspended(i)
				return frame
			}
		}
		return nil

	case ReentrancyExclusive, ReentrancyPrioritized:
		// Already-started threads of execution take priority.
		for i, frame := range s.suspended {
			switch frame.fiber.status {
			case FiberPaused, FiberYielded:
				s.removeSuspended(i)
				return frame
			case FiberWaiting:
				if waitingReady(frame) {
					s.removeSuspended(i)
					return frame
				}
			case FiberInitial:
				// second pass
			default:
				panic(&runtimeFault{kind: FaultIllegalState, msg: "running fiber on suspended list"})
			}
		}
		for i, frame := range s.suspended {
			if frame.fiber.status != FiberInitial {
				continue
			}
			// Under Exclusive a new fiber is admitted only from an
			// existing causal chain through this service, and that
			// eligibility is pinned off; see ExclusiveAdmitsInitial.
			if s.Reentrancy() == ReentrancyExclusive &&
				!(ExclusiveAdmitsInitial && frame.fiber.originatesFrom(s)) {
				continue
			}
			s.removeSuspended(i)
			return frame
		}
		return nil

	default: // ReentrancyOpen: round-robin, new and old alike
		for i, frame := range s.suspended {
			switch frame.fiber.status {
			case FiberInitial, FiberYielded, FiberPaused:
				s.removeSuspended(i)
				return frame
			case FiberWaiting:
				if waitingReady(frame) {
					s.removeSuspended(i)
					return frame
				}
			default:
				panic(&runtimeFault{kind: FaultIllegalState, msg: "running fiber on suspended list"})
			}
		}
		return nil
	}
}

func (s *Service) removeSuspended(i int) {
	s.suspended = append(s.suspended[:i], s.suspended[i+1:]...)
	s.nSuspended.Add(-1)
}

// suspendFiber parks a frame according to its fiber state and the
// re-entrancy policy.
func (s *Service) suspendFiber(frame *Frame) {
	switch frame.fiber.status {
	case FiberInitial:
		s.suspended = append(s.suspended, frame)
		s.nSuspended.Add(1)

	case FiberWaiting, FiberYielded, FiberPaused:
		// Under forbidden reentrancy the sole fiber stays pinned in
		// place; otherwise it re-queues at the tail for fairness.
		if s.Reentrancy() == ReentrancyForbidden {
			s.current = frame
			s.hasCurrent.Store(true)
		} else {
			s.current = nil
			s.hasCurrent.Store(false)
			s.suspended = append(s.suspended, frame)
			s.nSuspended.Add(1)
		}

	default:
		panic(&runtimeFault{kind: FaultIllegalState, msg: "suspendFiber: " + frame.fiber.status.String()})
	}
}

// ---------------------------------------------------------------------------
// Interpreter
// ---------------------------------------------------------------------------

// execute dispatches ops for one fiber until it parks, pauses, or its
// frame chain fully unwinds. Returns nil when the fiber terminated.
func (s *Service) execute(frame *Frame) *Frame {
	fiber := frame.fiber
	iPC := frame.pc
	iPCLast := iPC

	if fiber.status == FiberWaiting {
		if fiber.timedOut() {
			fiber.deadline = time.Time{}
			iPC = frame.raise(ExTimeout, "deadline exceeded while waiting")
		} else {
			switch frame.checkWaitingSlots() {
			case RBlock:
				// Still blocked; drop the stale hint so the scheduler
				// does not spin. A later response sets it again.
				fiber.responded.Store(false)
				return frame
			case RException:
				iPC = RException
			case RNext:
				// proceed as is
			}
		}
	}

	fiber.setStatus(FiberRunning)
	fiber.responded.Store(false)
	s.current = frame
	s.hasCurrent.Store(true)
	setCurrentContext(s)
	if s.tracer != nil {
		s.tracer.TraceFiber(s.name, fiber.id, FiberRunning.String())
	}

	budget := s.opBudget
	if budget <= 0 {
		budget = DefaultOpBudget
	}
	ops := frame.ops
	nOps := 0

	for {
		for iPC >= 0 { // main dispatch loop
			frame.pc = iPC

			if nOps++; nOps > budget {
				fiber.setStatus(FiberPaused)
				return frame
			}
			if fiber.timedOut() {
				fiber.deadline = time.Time{}
				iPC = frame.raise(ExTimeout, "deadline exceeded")
				continue
			}

			if s.tracer != nil {
				s.tracer.TraceOp(s.name, fiber.id, iPC, fmt.Sprintf("%T", ops[iPC]))
			}
			iPCLast = iPC
			iPC = ops[iPC].Process(frame, iPC)
		}

		switch iPC {
		case RNext:
			iPC = iPCLast + 1

		case RCall:
			s.current = frame.next
			frame.pc = iPCLast + 1
			frame.next = nil
			frame = s.current
			ops = frame.ops
			iPC = frame.pc

		case RBlockReturn, RReturn:
			if iPC == RBlockReturn {
				fiber.setStatus(FiberWaiting)
			}

			// Scoped resources close before the frame completes, on
			// this path and on the exception path alike.
			if res, handled := s.runScoped(frame, nil); handled {
				if res == RCall {
					s.current = frame.next
					frame.next = nil
					frame = s.current
					ops = frame.ops
					iPC = frame.pc
					continue
				}
				if res == RException {
					iPC = RException
					continue
				}
				// RReturn: closers ran synchronously; complete below.
			}

			if cont := frame.continuation; cont != nil {
				frame.continuation = nil
				frame.contChain = nil
				against := frame.prev
				if against == nil {
					against = frame
				}
				switch res := cont(against); {
				case res == RNext:
					// completed; fall through to the pop below
				case res == RCall:
					frame = against.next
					against.next = nil
					s.current = frame
					ops = frame.ops
					iPC = frame.pc
					continue
				case res == RException:
					frame = against
					s.current = frame
					ops = frame.ops
					iPC = RException
					continue
				case res == RReturn:
					// The continuation finished a suspended return of
					// the frame it ran against.
					frame = against
					s.current = frame
					ops = frame.ops
					iPC = RReturn
					continue
				case res >= 0:
					frame = against
					s.current = frame
					ops = frame.ops
					iPC = res
					continue
				default:
					panic(&runtimeFault{kind: FaultIllegalState, msg: "continuation: bad outcome"})
				}
			}

			frame = frame.prev
			s.current = frame
			if frame == nil {
				// The proto frame completed; the fiber is done.
				fiber.setStatus(FiberTerminated)
				return nil
			}
			if fiber.status == FiberWaiting {
				return frame
			}
			ops = frame.ops
			iPC = frame.pc

		case RReturnException:
			frame = frame.prev
			s.current = frame
			fallthrough

		case RException:
			ex := frame.exception
			if ex == nil {
				panic(&runtimeFault{kind: FaultIllegalState, msg: "exception outcome without pending exception"})
			}

			for {
				iPC = frame.findGuard(ex)
				if iPC >= 0 {
					// Handled; resume at the handler.
					s.current = frame
					ops = frame.ops
					break
				}

				// Unwinding past this frame: anchored constructor
				// finalizers run first, then scoped resources.
				if fin := frame.finalizer; fin != nil && fin != NoFinalizer {
					frame.finalizer = NoFinalizer
					unwound := ex
					res := fin.CallChain(frame, AccessPrivate, func(fc *Frame) int {
						return fc.raiseHandle(unwound)
					})
					if res == RCall {
						s.current = frame.next
						frame.next = nil
						frame = s.current
						ops = frame.ops
						iPC = frame.pc
						break
					}
					// Completed synchronously; the exception is
					// re-established on the frame.
				}

				if res, handled := s.runScoped(frame, ex); handled && res == RCall {
					s.current = frame.next
					frame.next = nil
					frame = s.current
					ops = frame.ops
					iPC = frame.pc
					break
				}

				prev := frame.prev
				if prev == nil {
					// The synthetic proto frame processes the
					// exception through its continuation.
					if frame.continuation == nil {
						s.handleUnhandled(frame, ex)
						s.current = nil
						fiber.setStatus(FiberTerminated)
						return nil
					}
					frame.exception = ex
					cont := frame.continuation
					frame.continuation = nil
					frame.contChain = nil
					if res := cont(frame); res == RCall {
						frame = frame.next
						s.current = frame
						ops = frame.ops
						iPC = frame.pc
						break
					}
					s.current = nil
					fiber.setStatus(FiberTerminated)
					return nil
				}
				frame = prev
				frame.exception = ex
			}

		case RRepeat:
			frame.pc = iPCLast
			fiber.setStatus(FiberWaiting)
			return frame

		case RBlock:
			frame.pc = iPCLast + 1
			fiber.setStatus(FiberWaiting)
			return frame

		case RYield:
			frame.pc = iPCLast + 1
			fiber.setStatus(FiberYielded)
			return frame

		default:
			panic(&runtimeFault{kind: FaultIllegalState, msg: fmt.Sprintf("unknown outcome %d", iPC)})
		}
	}
}

// runScoped executes a frame's scoped closers in reverse registration
// order. Reports (outcome, true) when closers existed. On the exception
// path a failing closer is logged and the original exception is kept.
func (s *Service) runScoped(frame *Frame, unwinding *Handle) (int, bool) {
	closers := frame.takeScoped()
	if closers == nil {
		return RNext, false
	}
	chain := NewContinuationChain(closers[0])
	for _, c := range closers[1:] {
		chain.Add(c)
	}
	if unwinding != nil {
		// Re-establish the in-flight exception once the closers ran.
		chain.Add(func(fc *Frame) int {
			return fc.raiseHandle(unwinding)
		})
	} else {
		// Resume the suspended return once the closers ran.
		chain.Add(func(*Frame) int { return RReturn })
	}
	res := chain.Proceed(frame)
	if unwinding != nil && res == RException && frame.exception != unwinding {
		log.Errorf("service %s: scoped finalizer raised %s during unwind; keeping original",
			s.name, frame.exception)
		frame.exception = unwinding
		return RException, true
	}
	return res, true
}

// handleUnhandled routes an exception that escaped the proto frame.
func (s *Service) handleUnhandled(frame *Frame, ex *Handle) {
	if s.onUnhandled != nil {
		s.onUnhandled(frame, ex)
		return
	}
	log.Errorf("service %s fiber %d: unhandled exception: %s", s.name, frame.fiber.id, ex)
}

// DefaultOpBudget is the number of ops a fiber may run before the
// scheduler pre-empts it to keep fibers within a service fair.
const DefaultOpBudget = 10
