package vm

// ---------------------------------------------------------------------------
// Skeleton op set
// ---------------------------------------------------------------------------
// The loader resolves constant-pool indices before handing op vectors to
// the interpreter, so operands here are resolved handles, methods and
// compositions rather than pool offsets.

// StackTop is the operand sentinel selecting the frame's local stack
// instead of a numbered slot.
const StackTop = RetLocal

// readOperand fetches an operand: a numbered slot (dereferencing
// dynamic references) or the top of the local stack.
func readOperand(f *Frame, src int) (*Handle, int) {
	if src == StackTop {
		return f.popStack(), RNext
	}
	return f.getArgument(src)
}

// withArgs gathers operand slots, resolving deferred placeholders
// before proceeding. A slot whose future is pending yields RRepeat.
func withArgs(f *Frame, slots []int, proceed func(fc *Frame, args []*Handle) int) int {
	args := make([]*Handle, len(slots))
	deferred := false
	for i, s := range slots {
		if s == StackTop {
			args[i] = f.popStack()
			continue
		}
		h := f.vars[s]
		if isDeferred(h) {
			args[i] = h
			deferred = true
			continue
		}
		var res int
		if args[i], res = f.getArgument(s); res != RNext {
			return res
		}
	}
	if deferred {
		return NewGetArguments(args, func(fc *Frame) int {
			for i, s := range slots {
				if s != StackTop && isDeferred(fc.vars[s]) {
					fc.vars[s] = args[i]
				}
			}
			return proceed(fc, args)
		}).DoNext(f)
	}
	return proceed(f, args)
}

// Nop does nothing.
type Nop struct{}

func (Nop) Process(f *Frame, pc int) int { return RNext }

// Const loads a resolved constant handle into a slot.
type Const struct {
	Value *Handle
	Dst   int
}

func (op Const) Process(f *Frame, pc int) int {
	return f.assignValue(op.Dst, op.Value)
}

// Move copies between slots.
type Move struct {
	Src, Dst int
}

func (op Move) Process(f *Frame, pc int) int {
	h, res := readOperand(f, op.Src)
	if res != RNext {
		return res
	}
	return f.assignValue(op.Dst, h)
}

// This loads the frame's invocation target into a slot.
type This struct {
	Dst int
}

func (op This) Process(f *Frame, pc int) int {
	return f.assignValue(op.Dst, f.target)
}

// DVar introduces slot metadata: declared type and, for dynamic slots,
// a fresh future backing the reference.
type DVar struct {
	Slot    int
	Type    TypeID
	Dynamic bool
}

func (op DVar) Process(f *Frame, pc int) int {
	if op.Dynamic {
		f.introduceVar(op.Slot, op.Type, true, f.registry().FutureValue(NewFuture()))
	} else {
		f.introduceVar(op.Slot, op.Type, false, nil)
	}
	return RNext
}

// Jump branches unconditionally.
type Jump struct {
	Target int
}

func (op Jump) Process(f *Frame, pc int) int { return op.Target }

// JumpIf branches when the condition equals When. A deferred condition
// resolves first; the branch target is the terminal outcome of the
// continuation chain.
type JumpIf struct {
	Cond   int
	Target int
	When   bool
}

func (op JumpIf) Process(f *Frame, pc int) int {
	return withArgs(f, []int{op.Cond}, func(fc *Frame, args []*Handle) int {
		if args[0].Bool() == op.When {
			return op.Target
		}
		return RNext
	})
}

// Arith applies a binary numeric operation via the left operand's
// composition template.
type Arith struct {
	Kind byte // one of + - * / %
	A, B int
	Dst  int
}

func (op Arith) Process(f *Frame, pc int) int {
	return withArgs(f, []int{op.A, op.B}, func(fc *Frame, args []*Handle) int {
		t := args[0].comp.template
		var fn BinaryFunc
		switch op.Kind {
		case '+':
			fn = t.Add
		case '-':
			fn = t.Sub
		case '*':
			fn = t.Mul
		case '/':
			fn = t.Div
		case '%':
			fn = t.Mod
		default:
			panic(&runtimeFault{kind: FaultIllegalState, msg: "Arith: bad kind"})
		}
		return fn(fc, args[0], args[1], op.Dst)
	})
}

// IsEq compares two operands under a declared type and stores the
// boolean result.
type IsEq struct {
	Type TypeID
	A, B int
	Dst  int
}

func (op IsEq) Process(f *Frame, pc int) int {
	return withArgs(f, []int{op.A, op.B}, func(fc *Frame, args []*Handle) int {
		return callEquals(fc, op.Type, args[0], args[1], op.Dst)
	})
}

// Cmp orders two operands under a declared type.
type Cmp struct {
	Type TypeID
	A, B int
	Dst  int
}

func (op Cmp) Process(f *Frame, pc int) int {
	return withArgs(f, []int{op.A, op.B}, func(fc *Frame, args []*Handle) int {
		return callCompare(fc, op.Type, args[0], args[1], op.Dst)
	})
}

// ---------------------------------------------------------------------------
// Property ops
// ---------------------------------------------------------------------------

// PGet reads a property into a slot.
type PGet struct {
	Target int
	Prop   string
	Dst    int
}

func (op PGet) Process(f *Frame, pc int) int {
	return withArgs(f, []int{op.Target}, func(fc *Frame, args []*Handle) int {
		target := args[0]
		prop := target.comp.Property(op.Prop)
		if prop == nil {
			return fc.raise(ExUnsupported, "unknown property "+op.Prop)
		}
		if target.kind == kindService && target.svc != fc.Service() {
			applyCallTimeout(fc)
			future := target.svc.SendPropertyOp(fc.fiber, prop, nil, 1,
				func(pf *Frame, inst *Handle, p *Property, _ *Handle, ret int) int {
					return inst.comp.template.GetProperty(pf, inst, p, ret)
				})
			return fc.callFrame(createWaitFrame(fc, future, op.Dst))
		}
		return target.comp.template.GetProperty(fc, target, prop, op.Dst)
	})
}

// PSet writes a property from a slot.
type PSet struct {
	Target int
	Prop   string
	Src    int
}

func (op PSet) Process(f *Frame, pc int) int {
	return withArgs(f, []int{op.Target, op.Src}, func(fc *Frame, args []*Handle) int {
		target, value := args[0], args[1]
		prop := target.comp.Property(op.Prop)
		if prop == nil {
			return fc.raise(ExUnsupported, "unknown property "+op.Prop)
		}
		if target.kind == kindService && target.svc != fc.Service() {
			value = fc.Container().transport([]*Handle{value})[0]
			target.svc.SendPropertyOp(fc.fiber, prop, value, 0,
				func(pf *Frame, inst *Handle, p *Property, v *Handle, _ int) int {
					return inst.comp.template.SetProperty(pf, inst, p, v)
				})
			return RNext
		}
		return target.comp.template.SetProperty(fc, target, prop, value)
	})
}

// PIncDec drives pre/post increment or decrement of a property.
type PIncDec struct {
	Target int
	Prop   string
	Dec    bool
	Post   bool
	Dst    int
}

func (op PIncDec) Process(f *Frame, pc int) int {
	return withArgs(f, []int{op.Target}, func(fc *Frame, args []*Handle) int {
		target := args[0]
		prop := target.comp.Property(op.Prop)
		if prop == nil {
			return fc.raise(ExUnsupported, "unknown property "+op.Prop)
		}
		action := ActionNext
		if op.Dec {
			action = ActionPrev
		}
		if prop.RefWrapped && target.Fields() != nil {
			if h := target.Fields().Get(prop.Name); h != nil && h.kind == kindRef {
				return InPlaceRefUnary(fc, action, h.ref, op.Post, op.Dst)
			}
		}
		return InPlacePropertyUnary(fc, action, target, prop, op.Post, op.Dst)
	})
}

// PInPlace drives a compound assignment on a property.
type PInPlace struct {
	Target int
	Prop   string
	Kind   byte // + - * / %
	Arg    int
}

func (op PInPlace) Process(f *Frame, pc int) int {
	return withArgs(f, []int{op.Target, op.Arg}, func(fc *Frame, args []*Handle) int {
		target, arg := args[0], args[1]
		prop := target.comp.Property(op.Prop)
		if prop == nil {
			return fc.raise(ExUnsupported, "unknown property "+op.Prop)
		}
		var action BinaryAction
		switch op.Kind {
		case '+':
			action = ActionAdd
		case '-':
			action = ActionSub
		case '*':
			action = ActionMul
		case '/':
			action = ActionDiv
		case '%':
			action = ActionMod
		default:
			panic(&runtimeFault{kind: FaultIllegalState, msg: "PInPlace: bad kind"})
		}
		if prop.RefWrapped && target.Fields() != nil {
			if h := target.Fields().Get(prop.Name); h != nil && h.kind == kindRef {
				return InPlaceRefBinary(fc, action, h.ref, arg)
			}
		}
		return InPlacePropertyBinary(fc, action, target, prop, arg)
	})
}

// ---------------------------------------------------------------------------
// Invocation ops
// ---------------------------------------------------------------------------

// Invoke1 dispatches a method with zero or one return value. Targets on
// another service turn into an asynchronous message plus a wait frame.
type Invoke1 struct {
	Target int
	Sig    string
	Args   []int
	Ret    int
}

func (op Invoke1) Process(f *Frame, pc int) int {
	slots := append([]int{op.Target}, op.Args...)
	return withArgs(f, slots, func(fc *Frame, args []*Handle) int {
		target := args[0]
		callArgs := args[1:]
		chain := target.comp.MethodChain(op.Sig)
		if chain == nil {
			return fc.raise(ExUnsupported, "unknown method "+op.Sig+" on "+target.comp.Name())
		}
		if target.kind == kindService && target.svc != fc.Service() {
			fn := NewFunctionHandle(chain.Top())
			if op.Ret == RetUnused {
				return target.svc.CallLater(fn, callArgs)
			}
			return invokeRemote1(fc, target.svc, fn, callArgs, op.Ret)
		}
		return chain.Invoke(fc, target, callArgs, op.Ret)
	})
}

// InvokeN dispatches a method with multiple return values. When Cond is
// set and the callee returns a single value, the conditional-return
// adapter synthesizes the leading boolean.
type InvokeN struct {
	Target   int
	Sig      string
	Args     []int
	RetSlots []int
	Cond     bool
}

func (op InvokeN) Process(f *Frame, pc int) int {
	slots := append([]int{op.Target}, op.Args...)
	return withArgs(f, slots, func(fc *Frame, args []*Handle) int {
		target := args[0]
		callArgs := args[1:]
		chain := target.comp.MethodChain(op.Sig)
		if chain == nil {
			return fc.raise(ExUnsupported, "unknown method "+op.Sig+" on "+target.comp.Name())
		}
		m := chain.Top()
		remote := target.kind == kindService && target.svc != fc.Service()

		if op.Cond && m.Returns == 1 {
			var res int
			if remote {
				res = invokeRemote1(fc, target.svc, NewFunctionHandle(m), callArgs, StackTop)
			} else {
				res = chain.Invoke(fc, target, callArgs, StackTop)
			}
			return assignConditionalResult(fc, res, op.RetSlots)
		}

		// A host handler delivers exactly one value; reject it before
		// deciding between local and remote dispatch so both agree.
		if m.Native != nil {
			return fc.raise(ExUnsupported, "native method "+op.Sig+" has a single return")
		}
		if remote {
			return invokeRemoteN(fc, target.svc, NewFunctionHandle(m), callArgs, op.RetSlots)
		}
		return fc.callN(m, target, ensureSize(callArgs, m.MaxVars), op.RetSlots)
	})
}

// CallFn invokes a function value.
type CallFn struct {
	Fn   int
	Args []int
	Ret  int
}

func (op CallFn) Process(f *Frame, pc int) int {
	slots := append([]int{op.Fn}, op.Args...)
	return withArgs(f, slots, func(fc *Frame, args []*Handle) int {
		fnH := args[0]
		if fnH.kind != kindFunction {
			return fc.raise(ExUnsupported, "call target is not a function")
		}
		return fnH.fn.Call1(fc, args[1:], op.Ret)
	})
}

// New constructs an instance. Service compositions spin up a fresh
// service context and construct asynchronously on it.
type New struct {
	Comp *Composition
	Ctor *Method
	Args []int
	Ret  int
}

func (op New) Process(f *Frame, pc int) int {
	return withArgs(f, op.Args, func(fc *Frame, args []*Handle) int {
		if op.Comp.IsService() {
			svc := fc.Container().NewService(op.Comp.Name())
			applyCallTimeout(fc)
			future := svc.SendConstruct(fc, op.Comp, op.Ctor, args)
			return fc.callFrame(createWaitFrame(fc, future, op.Ret))
		}
		return Construct(fc, op.Comp, op.Ctor, args, op.Ret)
	})
}

// SuperConstructOp enters the superclass constructor from inside a
// primary constructor, chaining its finalizer.
type SuperConstructOp struct {
	Ctor *Method
	Args []int
}

func (op SuperConstructOp) Process(f *Frame, pc int) int {
	return withArgs(f, op.Args, func(fc *Frame, args []*Handle) int {
		return ConstructSuper(fc, op.Ctor, args)
	})
}

// ---------------------------------------------------------------------------
// Returns, exceptions, guards
// ---------------------------------------------------------------------------

// Return0 completes the frame with no value.
type Return0 struct{}

func (Return0) Process(f *Frame, pc int) int { return RReturn }

// Return1 completes the frame with one value.
type Return1 struct {
	Src int
}

func (op Return1) Process(f *Frame, pc int) int {
	return withArgs(f, []int{op.Src}, func(fc *Frame, args []*Handle) int {
		return fc.returnValue(args[0], false)
	})
}

// ReturnN completes the frame with multiple values.
type ReturnN struct {
	Srcs []int
}

func (op ReturnN) Process(f *Frame, pc int) int {
	return withArgs(f, op.Srcs, func(fc *Frame, args []*Handle) int {
		return fc.returnValues(args, nil)
	})
}

// Raise raises a built-in exception kind.
type Raise struct {
	Kind ExceptionKind
	Msg  string
}

func (op Raise) Process(f *Frame, pc int) int {
	return f.raise(op.Kind, op.Msg)
}

// Throw raises the exception handle in a slot.
type Throw struct {
	Src int
}

func (op Throw) Process(f *Frame, pc int) int {
	return withArgs(f, []int{op.Src}, func(fc *Frame, args []*Handle) int {
		h := args[0]
		if !h.IsException() {
			h = fc.registry().UserException(h.comp, "thrown value")
		}
		return fc.raiseHandle(h)
	})
}

// GuardStart enters a protected region.
type GuardStart struct {
	Catches []GuardCatch
}

func (op GuardStart) Process(f *Frame, pc int) int {
	f.pushGuard(op.Catches)
	return RNext
}

// GuardEnd leaves the innermost protected region.
type GuardEnd struct{}

func (GuardEnd) Process(f *Frame, pc int) int {
	f.popGuard()
	return RNext
}

// Assert raises AssertionFailed when the condition is false. Relaxed
// severity downgrades the failure to a log line.
type Assert struct {
	Cond int
	Msg  string
}

func (op Assert) Process(f *Frame, pc int) int {
	return withArgs(f, []int{op.Cond}, func(fc *Frame, args []*Handle) int {
		if args[0].Bool() {
			return RNext
		}
		if !fc.Container().AssertStrict() {
			log.Warningf("service %s: assertion failed: %s", fc.Service().name, op.Msg)
			return RNext
		}
		return fc.raise(ExAssertionFailed, op.Msg)
	})
}

// ---------------------------------------------------------------------------
// Scheduling ops
// ---------------------------------------------------------------------------

// YieldOp cooperatively releases the service's execution slot.
type YieldOp struct{}

func (YieldOp) Process(f *Frame, pc int) int { return RYield }

// Await dereferences a future-bearing slot into Dst, suspending until
// the future resolves.
type Await struct {
	Src, Dst int
}

func (op Await) Process(f *Frame, pc int) int {
	h := f.vars[op.Src]
	if h != nil && h.kind == kindFuture {
		if _, _, done := h.future.Peek(); !done {
			armWakeup(f.fiber, h.future)
		}
	}
	v, res := f.getArgument(op.Src)
	if res != RNext {
		return res
	}
	return f.assignValue(op.Dst, v)
}

// DeferClose registers a scoped-resource closer: when the frame
// unwinds, the named method runs on the handle.
type DeferClose struct {
	Src int
	Sig string
}

func (op DeferClose) Process(f *Frame, pc int) int {
	h, res := readOperand(f, op.Src)
	if res != RNext {
		return res
	}
	f.RegisterScoped(func(fc *Frame) int {
		chain := h.comp.MethodChain(op.Sig)
		if chain == nil {
			return RNext
		}
		return chain.Invoke(fc, h, nil, RetUnused)
	})
	return RNext
}
