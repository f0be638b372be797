package vm

// ---------------------------------------------------------------------------
// Frame: activation record for one in-flight invocation
// ---------------------------------------------------------------------------

// VarInfo is the per-slot metadata of a frame: the declared type and
// whether the slot is a dynamic reference (future-backed).
type VarInfo struct {
	Type       TypeID
	DynamicRef bool
}

// GuardCatch is one handler of an entered guard: the declared exception
// type, the handler's program counter and the slot capturing the
// exception handle.
type GuardCatch struct {
	Type    TypeID
	Handler int
	Slot    int
}

type guardEntry struct {
	catches []GuardCatch
}

// Frame is the activation record of one invocation: local slots, the
// current op vector and program counter, the caller link, and the
// completion machinery (continuation, guards, finalizers).
//
// Ownership runs forward: a caller owns its not-yet-popped callee
// through next. The prev link is a non-owning back-pointer; unwind is a
// pop sequence, never a cycle.
type Frame struct {
	fiber *Fiber

	prev *Frame // caller; nil on the service-entry proto frame
	next *Frame // callee spliced by dispatch, consumed on RCall

	method *Method // nil for synthetic frames
	target *Handle

	ops []Op
	pc  int

	vars    []*Handle
	varInfo []VarInfo
	stack   []*Handle

	retSlot  int
	retSlots []int

	exception *Handle

	// continuation runs when the frame completes; composed through
	// addContinuation into a chain.
	continuation Continuation
	contChain    *ContinuationChain

	guards []guardEntry

	// finalizer anchors the constructor finalizer chain; non-nil only
	// on primary-constructor frames (NoFinalizer when empty).
	finalizer *BoundFunction

	// scoped holds the frame's scoped-resource closers, run in reverse
	// registration order on every unwind path.
	scoped []Continuation
}

func newFrame(fiber *Fiber, prev *Frame, m *Method, target *Handle, vars []*Handle, ret int, retSlots []int) *Frame {
	var ops []Op
	if m != nil {
		ops = m.Ops
	}
	f := &Frame{
		fiber:    fiber,
		prev:     prev,
		method:   m,
		target:   target,
		ops:      ops,
		vars:     vars,
		varInfo:  make([]VarInfo, len(vars)),
		retSlot:  ret,
		retSlots: retSlots,
	}
	return f
}

// Fiber returns the fiber executing this frame.
func (f *Frame) Fiber() *Fiber { return f.fiber }

// Service returns the service whose goroutine runs this frame.
func (f *Frame) Service() *Service { return f.fiber.service }

// Container returns the owning container.
func (f *Frame) Container() *Container { return f.fiber.service.container }

// registry is the shared composition arena.
func (f *Frame) registry() *Registry { return f.fiber.service.container.registry }

// Method returns the method being executed, nil for synthetic frames.
func (f *Frame) Method() *Method { return f.method }

// Target returns the invocation target ("this"), which may be nil for
// functions.
func (f *Frame) Target() *Handle { return f.target }

// PC returns the current program counter.
func (f *Frame) PC() int { return f.pc }

// Caller returns the previous frame in the chain.
func (f *Frame) Caller() *Frame { return f.prev }

// isProto reports whether this is the synthetic service-entry frame.
func (f *Frame) isProto() bool { return f.prev == nil }

// Var returns the handle in a local slot.
func (f *Frame) Var(i int) *Handle { return f.vars[i] }

// SetVar stores a handle into a local slot.
func (f *Frame) SetVar(i int, h *Handle) { f.vars[i] = h }

// introduceVar declares slot metadata and an initial value, the way the
// loader's DVAR-style ops and the service-entry builder seed slots.
func (f *Frame) introduceVar(i int, t TypeID, dynamic bool, h *Handle) {
	f.varInfo[i] = VarInfo{Type: t, DynamicRef: dynamic}
	f.vars[i] = h
}

// ---------------------------------------------------------------------------
// Local stack
// ---------------------------------------------------------------------------

func (f *Frame) pushStack(h *Handle) {
	f.stack = append(f.stack, h)
}

func (f *Frame) popStack() *Handle {
	n := len(f.stack)
	if n == 0 {
		panic(&runtimeFault{kind: FaultIllegalState, msg: "frame stack underflow"})
	}
	h := f.stack[n-1]
	f.stack = f.stack[:n-1]
	return h
}

func (f *Frame) peekStack() *Handle {
	n := len(f.stack)
	if n == 0 {
		return nil
	}
	return f.stack[n-1]
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// call1 splices a callee frame returning zero or one value into the
// given slot and reports RCall.
func (f *Frame) call1(m *Method, target *Handle, vars []*Handle, ret int) int {
	f.next = newFrame(f.fiber, f, m, target, vars, ret, nil)
	return RCall
}

// callN splices a callee frame distributing its returns across the
// given caller slots.
func (f *Frame) callN(m *Method, target *Handle, vars []*Handle, retSlots []int) int {
	f.next = newFrame(f.fiber, f, m, target, vars, RetMulti, retSlots)
	return RCall
}

// callFrame splices an already-built frame (wait frames, constructor
// chains) and reports RCall.
func (f *Frame) callFrame(callee *Frame) int {
	callee.prev = f
	callee.fiber = f.fiber
	f.next = callee
	return RCall
}

// nativeFrame builds a synthetic frame over a fixed op vector; the
// caller decides when to splice it.
func (f *Frame) nativeFrame(ops []Op, vars []*Handle, ret int, retSlots []int) *Frame {
	nf := newFrame(f.fiber, f, nil, nil, vars, ret, retSlots)
	nf.ops = ops
	return nf
}

// ---------------------------------------------------------------------------
// Assignment and returns
// ---------------------------------------------------------------------------

// assignValue stores a value into a local slot or one of the slot
// sentinels. Assigning into a dynamic-reference slot completes the
// backing future.
func (f *Frame) assignValue(slot int, h *Handle) int {
	switch {
	case slot == RetUnused:
		return RNext
	case slot == RetLocal:
		f.pushStack(h)
		return RNext
	case slot >= 0:
		if f.varInfo[slot].DynamicRef {
			if cur := f.vars[slot]; cur != nil && cur.kind == kindFuture {
				if !cur.future.Complete(h) {
					return f.raise(ExUnsupported, "dynamic slot already assigned")
				}
				return RNext
			}
		}
		f.vars[slot] = h
		return RNext
	default:
		panic(&runtimeFault{kind: FaultIllegalState, msg: "assignValue: bad slot"})
	}
}

// assignValues assigns a value vector to caller slots, resolving any
// deferred entries along the way.
func (f *Frame) assignValues(slots []int, vals ...*Handle) int {
	return NewAssignValues(slots, vals).Proceed(f)
}

// returnValue delivers this frame's single return value to the caller
// according to the frame's return disposition. A dynamic return leaves
// the future handle itself in the caller's slot.
func (f *Frame) returnValue(h *Handle, dynamic bool) int {
	caller := f.prev
	switch {
	case f.retSlot == RetUnused:
		return RReturn
	case f.retSlot == RetLocal:
		caller.pushStack(h)
		return RReturn
	case f.retSlot == RetTuple:
		tup := f.registry().Tuple(h)
		return mapAssignToReturn(caller.assignValue(f.retSlots[0], tup))
	case f.retSlot == RetMulti:
		return f.returnValues([]*Handle{h}, nil)
	case f.retSlot >= 0:
		if dynamic && f.retSlot >= 0 {
			caller.varInfo[f.retSlot] = VarInfo{Type: h.Type(), DynamicRef: true}
			caller.vars[f.retSlot] = h
			return RReturn
		}
		return mapAssignToReturn(caller.assignValue(f.retSlot, h))
	default:
		panic(&runtimeFault{kind: FaultIllegalState, msg: "returnValue: bad slot"})
	}
}

// returnValues delivers a multi-value return across the caller's
// declared slots, resolving deferred entries.
func (f *Frame) returnValues(vals []*Handle, dynamic []bool) int {
	if f.retSlot == RetTuple {
		tup := f.registry().Tuple(vals...)
		return mapAssignToReturn(f.prev.assignValue(f.retSlots[0], tup))
	}
	return NewReturnValues(f.retSlots, vals, dynamic).Proceed(f)
}

// returnValueAt delivers one value of a multi-return into the caller's
// declared slot.
func (f *Frame) returnValueAt(slot int, h *Handle, dynamic bool) int {
	caller := f.prev
	if dynamic && slot >= 0 {
		caller.varInfo[slot] = VarInfo{Type: h.Type(), DynamicRef: true}
		caller.vars[slot] = h
		return RReturn
	}
	return mapAssignToReturn(caller.assignValue(slot, h))
}

func mapAssignToReturn(res int) int {
	switch res {
	case RNext:
		return RReturn
	case RException:
		return RReturnException
	case RCall:
		return RCall
	default:
		return res
	}
}

// ---------------------------------------------------------------------------
// Exceptions and guards
// ---------------------------------------------------------------------------

// raise sets a pending exception of a built-in kind.
func (f *Frame) raise(kind ExceptionKind, msg string) int {
	f.exception = f.registry().NewException(kind, msg)
	return RException
}

// raiseHandle sets an existing exception handle as pending.
func (f *Frame) raiseHandle(ex *Handle) int {
	f.exception = ex
	return RException
}

// Exception returns the frame's pending exception, if any.
func (f *Frame) Exception() *Handle { return f.exception }

// pushGuard enters a protected region with the given handlers.
func (f *Frame) pushGuard(catches []GuardCatch) {
	f.guards = append(f.guards, guardEntry{catches: catches})
}

// popGuard leaves the innermost protected region.
func (f *Frame) popGuard() {
	if n := len(f.guards); n > 0 {
		f.guards = f.guards[:n-1]
	}
}

// findGuard searches the frame's entered guards innermost-first for a
// handler matching the exception. On a match the pending exception moves
// into the handler's capture slot and the handler PC is returned;
// otherwise -1.
func (f *Frame) findGuard(ex *Handle) int {
	oracle := f.registry().Oracle()
	for i := len(f.guards) - 1; i >= 0; i-- {
		for _, c := range f.guards[i].catches {
			if ex.matchesGuard(oracle, c.Type) {
				f.guards = f.guards[:i]
				f.exception = nil
				if c.Slot >= 0 {
					f.introduceVar(c.Slot, ex.Type(), false, ex)
				}
				return c.Handler
			}
		}
	}
	return -1
}

// ---------------------------------------------------------------------------
// Continuations, finalizers, scoped resources
// ---------------------------------------------------------------------------

// addContinuation queues a step to run when the frame completes; steps
// compose into a chain in registration order.
func (f *Frame) addContinuation(c Continuation) {
	if f.continuation == nil {
		f.continuation = c
		return
	}
	if f.contChain == nil {
		f.contChain = NewContinuationChain(f.continuation)
		f.continuation = f.contChain.Proceed
	}
	f.contChain.Add(c)
}

// chainFinalizer prepends a finalizer onto the nearest anchored chain up
// the frame stack; construction anchors the chain on the primary
// constructor's frame.
func (f *Frame) chainFinalizer(b *BoundFunction) {
	if b == nil || b == NoFinalizer {
		return
	}
	for cur := f; cur != nil; cur = cur.prev {
		if cur.finalizer != nil {
			cur.finalizer = b.Chain(cur.finalizer)
			return
		}
	}
	panic(&runtimeFault{kind: FaultIllegalState, msg: "finalizer without anchor"})
}

// RegisterScoped queues a scoped-resource closer; closers run in reverse
// registration order on both the normal and the exception unwind path.
func (f *Frame) RegisterScoped(c Continuation) {
	f.scoped = append(f.scoped, c)
}

// takeScoped removes and returns the closers in execution order.
func (f *Frame) takeScoped() []Continuation {
	if len(f.scoped) == 0 {
		return nil
	}
	out := make([]Continuation, 0, len(f.scoped))
	for i := len(f.scoped) - 1; i >= 0; i-- {
		out = append(out, f.scoped[i])
	}
	f.scoped = nil
	return out
}

// ---------------------------------------------------------------------------
// Waiting support
// ---------------------------------------------------------------------------

// getArgument reads a local slot, dereferencing dynamic references. A
// pending future yields RRepeat; a failed one re-raises its fault here.
func (f *Frame) getArgument(i int) (*Handle, int) {
	h := f.vars[i]
	if h != nil && h.kind == kindFuture {
		value, fault, done := h.future.Peek()
		if !done {
			return nil, RRepeat
		}
		if fault != nil {
			return nil, f.raiseHandle(fault)
		}
		return value, RNext
	}
	return h, RNext
}

// checkWaitingSlots re-validates a Waiting fiber's dynamic slots:
// RBlock while any future is pending, RException when one has faulted,
// RNext when every slot is ready.
func (f *Frame) checkWaitingSlots() int {
	for i, info := range f.varInfo {
		if !info.DynamicRef {
			continue
		}
		h := f.vars[i]
		if h == nil || h.kind != kindFuture {
			continue
		}
		_, fault, done := h.future.Peek()
		if !done {
			return RBlock
		}
		if fault != nil {
			return f.raiseHandle(fault)
		}
	}
	return RNext
}
