package vm

// ---------------------------------------------------------------------------
// In-place operation drivers
// ---------------------------------------------------------------------------

// UnaryAction is the middle step of an in-place unary operation; it
// delivers the new value into the return slot.
type UnaryAction func(f *Frame, value *Handle, ret int) int

// BinaryAction is the middle step of an in-place binary operation.
type BinaryAction func(f *Frame, value, arg *Handle, ret int) int

// ActionNext and ActionPrev dispatch increment and decrement through
// the value's composition template.
func ActionNext(f *Frame, value *Handle, ret int) int {
	return value.comp.template.Next(f, value, ret)
}

// ActionPrev is the decrement action.
func ActionPrev(f *Frame, value *Handle, ret int) int {
	return value.comp.template.Prev(f, value, ret)
}

// ActionAdd through ActionMod dispatch compound assignment through the
// value's composition template.
func ActionAdd(f *Frame, value, arg *Handle, ret int) int {
	return value.comp.template.Add(f, value, arg, ret)
}

func ActionSub(f *Frame, value, arg *Handle, ret int) int {
	return value.comp.template.Sub(f, value, arg, ret)
}

func ActionMul(f *Frame, value, arg *Handle, ret int) int {
	return value.comp.template.Mul(f, value, arg, ret)
}

func ActionDiv(f *Frame, value, arg *Handle, ret int) int {
	return value.comp.template.Div(f, value, arg, ret)
}

func ActionMod(f *Frame, value, arg *Handle, ret int) int {
	return value.comp.template.Mod(f, value, arg, ret)
}

// inPlace is the shared state of the fixed three-step machine: (0) read
// the current value, (1) run the action, (2) write the new value. Every
// step may independently call or raise; the driver threads the
// outcomes.
type inPlace struct {
	oldValue *Handle
	newValue *Handle
	step     int
}

func (ip *inPlace) update(f *Frame) {
	switch ip.step {
	case 0:
		ip.oldValue = f.popStack()
	case 1:
		ip.newValue = f.popStack()
	case 2:
		// write step leaves nothing on the stack
	default:
		panic(&runtimeFault{kind: FaultIllegalState, msg: "in-place: bad step"})
	}
}

// drive advances the machine: do runs each step and the returned
// outcome is threaded exactly like an op outcome. The outcome of the
// step at index last is the machine's own result and passes through
// unchanged.
func (ip *inPlace) drive(f *Frame, last int, do func(step int) int, resume Continuation) int {
	for {
		ip.step++
		res := do(ip.step)
		if ip.step >= last {
			return res
		}
		if res == RNext {
			ip.update(f)
			continue
		}
		if res == RCall {
			f.next.addContinuation(resume)
			return RCall
		}
		return res
	}
}

// ---------------------------------------------------------------------------
// Property forms
// ---------------------------------------------------------------------------

// inPlacePropertyUnary drives pre/post increment and decrement on a
// property. The post form returns the pre-value, the pre form the
// post-value.
type inPlacePropertyUnary struct {
	inPlace
	action UnaryAction
	target *Handle
	prop   *Property
	post   bool
	ret    int
}

// InPlacePropertyUnary runs an increment/decrement against a property.
func InPlacePropertyUnary(f *Frame, action UnaryAction, target *Handle, prop *Property, post bool, ret int) int {
	ip := &inPlacePropertyUnary{action: action, target: target, prop: prop, post: post, ret: ret}
	ip.step = -1
	return ip.doNext(f)
}

func (ip *inPlacePropertyUnary) proceed(f *Frame) int {
	ip.update(f)
	return ip.doNext(f)
}

func (ip *inPlacePropertyUnary) doNext(f *Frame) int {
	tmpl := ip.target.comp.template
	return ip.drive(f, 3, func(step int) int {
		switch step {
		case 0:
			return tmpl.GetProperty(f, ip.target, ip.prop, RetLocal)
		case 1:
			return ip.action(f, ip.oldValue, RetLocal)
		case 2:
			return tmpl.SetProperty(f, ip.target, ip.prop, ip.newValue)
		default:
			if ip.post {
				return f.assignValue(ip.ret, ip.oldValue)
			}
			return f.assignValue(ip.ret, ip.newValue)
		}
	}, ip.proceed)
}

// inPlacePropertyBinary drives compound assignment on a property.
type inPlacePropertyBinary struct {
	inPlace
	action BinaryAction
	target *Handle
	prop   *Property
	arg    *Handle
}

// InPlacePropertyBinary runs a compound assignment against a property.
func InPlacePropertyBinary(f *Frame, action BinaryAction, target *Handle, prop *Property, arg *Handle) int {
	ip := &inPlacePropertyBinary{action: action, target: target, prop: prop, arg: arg}
	ip.step = -1
	return ip.doNext(f)
}

func (ip *inPlacePropertyBinary) proceed(f *Frame) int {
	ip.update(f)
	return ip.doNext(f)
}

func (ip *inPlacePropertyBinary) doNext(f *Frame) int {
	tmpl := ip.target.comp.template
	return ip.drive(f, 2, func(step int) int {
		switch step {
		case 0:
			return tmpl.GetProperty(f, ip.target, ip.prop, RetLocal)
		case 1:
			return ip.action(f, ip.oldValue, ip.arg, RetLocal)
		case 2:
			return tmpl.SetProperty(f, ip.target, ip.prop, ip.newValue)
		default:
			return RNext
		}
	}, ip.proceed)
}

// ---------------------------------------------------------------------------
// Reference forms
// ---------------------------------------------------------------------------

// inPlaceRefUnary drives pre/post increment and decrement through a
// reference wrapper.
type inPlaceRefUnary struct {
	inPlace
	action UnaryAction
	target *Ref
	post   bool
	ret    int
}

// InPlaceRefUnary runs an increment/decrement against a reference.
func InPlaceRefUnary(f *Frame, action UnaryAction, target *Ref, post bool, ret int) int {
	ip := &inPlaceRefUnary{action: action, target: target, post: post, ret: ret}
	ip.step = -1
	return ip.doNext(f)
}

func (ip *inPlaceRefUnary) proceed(f *Frame) int {
	ip.update(f)
	return ip.doNext(f)
}

func (ip *inPlaceRefUnary) doNext(f *Frame) int {
	return ip.drive(f, 3, func(step int) int {
		switch step {
		case 0:
			return ip.target.Get(f, RetLocal)
		case 1:
			return ip.action(f, ip.oldValue, RetLocal)
		case 2:
			return ip.target.Set(f, ip.newValue)
		default:
			if ip.post {
				return f.assignValue(ip.ret, ip.oldValue)
			}
			return f.assignValue(ip.ret, ip.newValue)
		}
	}, ip.proceed)
}

// inPlaceRefBinary drives compound assignment through a reference.
type inPlaceRefBinary struct {
	inPlace
	action BinaryAction
	target *Ref
	arg    *Handle
}

// InPlaceRefBinary runs a compound assignment against a reference.
func InPlaceRefBinary(f *Frame, action BinaryAction, target *Ref, arg *Handle) int {
	ip := &inPlaceRefBinary{action: action, target: target, arg: arg}
	ip.step = -1
	return ip.doNext(f)
}

func (ip *inPlaceRefBinary) proceed(f *Frame) int {
	ip.update(f)
	return ip.doNext(f)
}

func (ip *inPlaceRefBinary) doNext(f *Frame) int {
	return ip.drive(f, 2, func(step int) int {
		switch step {
		case 0:
			return ip.target.Get(f, RetLocal)
		case 1:
			return ip.action(f, ip.oldValue, ip.arg, RetLocal)
		case 2:
			return ip.target.Set(f, ip.newValue)
		default:
			return RNext
		}
	}, ip.proceed)
}
