package vm

// ---------------------------------------------------------------------------
// Method: one invocable op vector plus metadata
// ---------------------------------------------------------------------------

// NativeFunc is a host-implemented method body. It obeys the same
// outcome protocol as interpreted code.
type NativeFunc func(f *Frame, target *Handle, args []*Handle, ret int) int

// Method is the immutable description of one invocable: its op vector
// and the frame-sizing metadata the loader computed for it. A method
// with a non-nil Native is dispatched through the host fast path and its
// op vector is ignored.
type Method struct {
	Name string
	Sig  string

	Params  int
	Returns int

	// CondReturn marks methods whose first return value is the boolean
	// tag of a conditional result.
	CondReturn bool

	// MaxVars is the local slot count frames for this method allocate.
	MaxVars int

	Ops    []Op
	Native NativeFunc

	// Finally is the finalizer body paired with a constructor. It runs
	// on the constructed value after the constructor chain, and on the
	// unwind path if construction fails.
	Finally *Method

	Static bool

	class *Class
}

// Class returns the declaring class, or nil for synthetic methods.
func (m *Method) Class() *Class { return m.class }

// IsNative reports whether the method dispatches to a host handler.
func (m *Method) IsNative() bool { return m.Native != nil }

// makeFinalizer binds a constructor's finalizer to the value under
// construction and the constructor arguments. Returns nil when the
// constructor has no finalizer.
func makeFinalizer(ctor *Method, target *Handle, args []*Handle) *BoundFunction {
	if ctor.Finally == nil {
		return nil
	}
	return &BoundFunction{method: ctor.Finally, target: target, args: args}
}

// ---------------------------------------------------------------------------
// BoundFunction: fully bound callable, chainable for finalizers
// ---------------------------------------------------------------------------

// BoundFunction is a method bound to a target and full argument vector.
// Construction anchors one on the primary-constructor frame and prepends
// every finalizer registered afterwards, so the chain executes in
// reverse registration order.
type BoundFunction struct {
	method *Method
	target *Handle
	args   []*Handle
	next   *BoundFunction
}

// NoFinalizer is the non-nil anchor used when a constructor has no
// finalizer of its own; chaining against it stays cheap.
var NoFinalizer = &BoundFunction{}

// Chain prepends b to the given chain and returns the new head.
func (b *BoundFunction) Chain(rest *BoundFunction) *BoundFunction {
	if b == NoFinalizer || b == nil {
		return rest
	}
	if rest == NoFinalizer {
		rest = nil
	}
	b.next = rest
	return b
}

// CallChain executes every finalizer in the chain, in order, with the
// bound target viewed under the given access, then proceeds with the
// continuation. Each step may call back into interpreted code.
func (b *BoundFunction) CallChain(f *Frame, access Access, cont Continuation) int {
	var steps []Continuation
	for cur := b; cur != nil && cur != NoFinalizer; cur = cur.next {
		fin := cur
		steps = append(steps, func(fc *Frame) int {
			target := fin.target.ensureAccess(access)
			vars := ensureSize(fin.args, fin.method.MaxVars)
			if fin.method.IsNative() {
				return fin.method.Native(fc, target, vars, RetUnused)
			}
			return fc.call1(fin.method, target, vars, RetUnused)
		})
	}
	if cont != nil {
		steps = append(steps, cont)
	}
	if len(steps) == 0 {
		return RNext
	}
	chain := NewContinuationChain(steps[0])
	for _, s := range steps[1:] {
		chain.Add(s)
	}
	return chain.Proceed(f)
}
