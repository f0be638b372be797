package vm

// ---------------------------------------------------------------------------
// Deferred values and the resolver helpers
// ---------------------------------------------------------------------------

// DeferredCall is the placeholder payload of an argument whose value
// requires running a computation first. The frame it wraps delivers its
// result onto the resuming frame's local stack. Resolution never blocks
// another fiber: it either completes synchronously or hands control back
// to the dispatcher with RCall.
type DeferredCall struct {
	frame *Frame
	fault *Handle
}

// NewDeferredCall wraps an unexecuted frame as a deferred value. The
// frame must have been built with a RetLocal return disposition.
func NewDeferredCall(frame *Frame) *DeferredCall {
	return &DeferredCall{frame: frame}
}

// DeferredFault wraps an already-known failure; resolving it raises.
func DeferredFault(ex *Handle) *DeferredCall {
	return &DeferredCall{fault: ex}
}

// Proceed resolves the deferred value on behalf of caller: the wrapped
// frame is spliced in with the given continuation, which must pop the
// result from the caller's stack.
func (d *DeferredCall) Proceed(caller *Frame, cont Continuation) int {
	if d.fault != nil {
		return caller.raiseHandle(d.fault)
	}
	fr := d.frame
	fr.prev = caller
	fr.fiber = caller.fiber
	fr.addContinuation(cont)
	caller.next = fr
	return RCall
}

// ---------------------------------------------------------------------------
// GetArguments: resolve a deferred argument vector in place
// ---------------------------------------------------------------------------

// GetArguments walks an argument array, resolving every deferred entry,
// then proceeds with the tail continuation. A nil entry ends the walk;
// nils can only appear at the tail of an argument array.
type GetArguments struct {
	args  []*Handle
	cont  Continuation
	index int
}

// NewGetArguments builds a resolver over args ending in cont.
func NewGetArguments(args []*Handle, cont Continuation) *GetArguments {
	return &GetArguments{args: args, cont: cont, index: -1}
}

// Proceed consumes the freshly resolved value and resumes the walk.
func (g *GetArguments) Proceed(caller *Frame) int {
	g.args[g.index] = caller.popStack()
	return g.DoNext(caller)
}

// DoNext resolves the next deferred entry, or runs the tail continuation
// once every entry is ready.
func (g *GetArguments) DoNext(caller *Frame) int {
	for {
		g.index++
		if g.index >= len(g.args) {
			break
		}
		h := g.args[g.index]
		if h == nil {
			break
		}
		if isDeferred(h) {
			return h.deferred.Proceed(caller, g.Proceed)
		}
	}
	return g.cont(caller)
}

// ---------------------------------------------------------------------------
// AssignValues / ReturnValues
// ---------------------------------------------------------------------------

// AssignValues writes a value vector into frame slots, resolving
// deferred entries; assignment itself may call, so steps chain.
type AssignValues struct {
	slots []int
	vals  []*Handle
	index int
}

// NewAssignValues builds an assigner over parallel slot/value vectors.
func NewAssignValues(slots []int, vals []*Handle) *AssignValues {
	return &AssignValues{slots: slots, vals: vals, index: -1}
}

// Proceed performs the remaining assignments.
func (a *AssignValues) Proceed(f *Frame) int {
	for {
		a.index++
		if a.index >= len(a.slots) {
			return RNext
		}
		h := a.vals[a.index]
		if isDeferred(h) {
			idx := a.index
			return h.deferred.Proceed(f, func(fc *Frame) int {
				a.vals[idx] = fc.popStack()
				a.index = idx - 1
				return a.Proceed(fc)
			})
		}
		switch res := f.assignValue(a.slots[a.index], h); res {
		case RNext:
		case RCall:
			f.next.addContinuation(a.Proceed)
			return RCall
		case RException:
			return RException
		default:
			panic(&runtimeFault{kind: FaultIllegalState, msg: "AssignValues: bad outcome"})
		}
	}
}

// ReturnValues delivers a multi-value return into the caller's declared
// slots, resolving deferred entries.
type ReturnValues struct {
	slots   []int
	vals    []*Handle
	dynamic []bool
	index   int
}

// NewReturnValues builds a returner over the frame's return slots.
func NewReturnValues(slots []int, vals []*Handle, dynamic []bool) *ReturnValues {
	return &ReturnValues{slots: slots, vals: vals, dynamic: dynamic, index: -1}
}

// Proceed performs the remaining return deliveries.
func (rv *ReturnValues) Proceed(f *Frame) int {
	for {
		rv.index++
		if rv.index >= len(rv.slots) {
			return RReturn
		}
		h := rv.vals[rv.index]
		if isDeferred(h) {
			idx := rv.index
			return h.deferred.Proceed(f, func(fc *Frame) int {
				rv.vals[idx] = fc.popStack()
				rv.index = idx - 1
				return rv.Proceed(fc)
			})
		}
		dyn := rv.dynamic != nil && rv.dynamic[rv.index]
		switch res := f.returnValueAt(rv.slots[rv.index], h, dyn); res {
		case RReturn:
		case RCall:
			f.next.addContinuation(rv.Proceed)
			return RCall
		case RReturnException:
			return RReturnException
		default:
			panic(&runtimeFault{kind: FaultIllegalState, msg: "ReturnValues: bad outcome"})
		}
	}
}

// ---------------------------------------------------------------------------
// ContinuationChain
// ---------------------------------------------------------------------------

// ContinuationChain runs continuations in sequence, propagating RCall
// and RException. When a step's callee installs its own continuation,
// the chain defers to it: the inner continuation replaces the current
// step and runs to completion before the outer chain resumes.
type ContinuationChain struct {
	steps []Continuation
	index int
}

// NewContinuationChain starts a chain with its first step.
func NewContinuationChain(step0 Continuation) *ContinuationChain {
	return &ContinuationChain{steps: []Continuation{step0}, index: -1}
}

// Add appends a step.
func (cc *ContinuationChain) Add(step Continuation) {
	cc.steps = append(cc.steps, step)
}

// Proceed runs the remaining steps against the caller frame.
func (cc *ContinuationChain) Proceed(caller *Frame) int {
	for {
		cc.index++
		if cc.index >= len(cc.steps) {
			return RNext
		}
		res := cc.steps[cc.index](caller)
		switch {
		case res == RNext:
			continue

		case res == RCall:
			next := caller.next
			if next.continuation != nil {
				// The step caused a call whose callee carries its own
				// continuation; run that to completion first, then
				// re-run this slot.
				inner := next.continuation
				next.continuation = nil
				next.contChain = nil
				cc.steps[cc.index] = inner
				cc.index--
			}
			next.continuation = cc.Proceed
			return RCall

		case res == RException:
			return RException

		case res == RReturn, res >= 0:
			// Only the terminal step may branch or complete a return.
			if cc.index+1 != len(cc.steps) {
				panic(&runtimeFault{kind: FaultIllegalState, msg: "branch from non-terminal continuation"})
			}
			return res

		default:
			panic(&runtimeFault{kind: FaultIllegalState, msg: "ContinuationChain: bad outcome"})
		}
	}
}

// ---------------------------------------------------------------------------
// Wait frames
// ---------------------------------------------------------------------------

// getAndReturn is the op vector of every wait frame: dereference the
// dynamic slots, repeating until all are ready, then return them.
var getAndReturn = []Op{OpFunc(func(f *Frame, pc int) int {
	n := len(f.vars)
	if n == 1 && f.retSlots == nil {
		h, res := f.getArgument(0)
		if res != RNext {
			return res
		}
		return f.returnValue(h, false)
	}

	vals := make([]*Handle, n)
	for i := 0; i < n; i++ {
		h, res := f.getArgument(i)
		if res != RNext {
			return res
		}
		// Services substitute DefaultValue for the value slots of a
		// negative conditional return; restore the nil.
		if h == DefaultValue {
			h = nil
		}
		vals[i] = h
	}
	return f.returnValues(vals, nil)
})}

// createWaitFrame builds a pseudo frame that waits on a future and
// delivers its value into the given return slot.
func createWaitFrame(f *Frame, fut *Future, ret int) *Frame {
	r := f.registry()
	wf := f.nativeFrame(getAndReturn, []*Handle{r.FutureValue(fut)}, ret, nil)
	wf.varInfo[0] = VarInfo{Type: r.FutureC.TypeID(), DynamicRef: true}
	armWakeup(f.fiber, fut)
	return wf
}

// createWaitFrameN builds a pseudo frame that waits on one future per
// declared return slot.
func createWaitFrameN(f *Frame, futs []*Future, retSlots []int) *Frame {
	r := f.registry()
	vars := make([]*Handle, len(futs))
	wf := f.nativeFrame(getAndReturn, vars, RetMulti, retSlots)
	for i, fut := range futs {
		vars[i] = r.FutureValue(fut)
		wf.varInfo[i] = VarInfo{Type: r.FutureC.TypeID(), DynamicRef: true}
		armWakeup(f.fiber, fut)
	}
	return wf
}

// armWakeup makes a future's completion nudge the waiting fiber's
// scheduler even when no cross-service response will: host-completed
// futures would otherwise leave the fiber parked until an unrelated
// wake.
func armWakeup(fiber *Fiber, fut *Future) {
	fut.WhenComplete(func(_, _ *Handle) {
		fiber.responded.Store(true)
		fiber.service.signal()
	})
}

// ---------------------------------------------------------------------------
// Conditional-return adapter
// ---------------------------------------------------------------------------

// assignConditionalResult adapts a single-value execution result to a
// caller expecting a conditional two-slot return: slot 0 receives true,
// slot 1 the value. Exceptions propagate with no slot modified.
func assignConditionalResult(f *Frame, result int, retSlots []int) int {
	switch result {
	case RNext:
		return f.assignValues(retSlots, f.registry().True(), f.popStack())

	case RCall:
		f.next.addContinuation(func(fc *Frame) int {
			return fc.assignValues(retSlots, fc.registry().True(), fc.popStack())
		})
		return RCall

	case RException:
		return RException

	default:
		panic(&runtimeFault{kind: FaultIllegalState, msg: "assignConditionalResult: bad outcome"})
	}
}
