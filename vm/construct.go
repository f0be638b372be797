package vm

// ---------------------------------------------------------------------------
// Construction pipeline
// ---------------------------------------------------------------------------

// Construct runs the full construction sequence for a composition: a
// fresh struct-access handle, the default-constructor chain in
// superclass-first order, the primary constructor, the finalizer chain,
// and finally the flip to public access and the assignment into ret.
//
// With C1 extending C0, default constructors DC and finalizers F, the
// sequence is DC0 -> DC1 -> C1 -> (C0) -> finalizers -> assign, where
// C0 is entered by the super-construct op inside C1. Finalizers run in
// reverse registration order, on the success path and during exception
// unwind alike.
func Construct(f *Frame, comp *Composition, ctor *Method, args []*Handle, ret int) int {
	r := f.registry()

	structH := r.NewStruct(comp)

	need := len(args) + 1
	if ctor.MaxVars > need {
		need = ctor.MaxVars
	}
	vars := make([]*Handle, need)
	vars[0] = structH
	copy(vars[1:], args)

	contAssign := func(fc *Frame) int {
		pub := *structH
		pub.access = AccessPublic
		pub.mutable = false
		return fc.assignValue(ret, &pub)
	}

	frameRC := newFrame(f.fiber, f, ctor, nil, vars, RetUnused, nil)

	// The anchor must be non-nil so later finalizer registrations find
	// this frame.
	if fin := makeFinalizer(ctor, structH, vars); fin != nil {
		frameRC.finalizer = fin
	} else {
		frameRC.finalizer = NoFinalizer
	}

	frameRC.continuation = func(fc *Frame) int {
		fin := frameRC.finalizer
		frameRC.finalizer = NoFinalizer
		if fin == NoFinalizer {
			return contAssign(fc)
		}
		return fin.CallChain(fc, AccessPrivate, contAssign)
	}

	first := defaultCtorFrames(f, comp, structH, frameRC)
	if first == nil {
		first = frameRC
	}
	f.next = first
	return RCall
}

// defaultCtorFrames builds the frame sequence for the composition's
// auto-initializers and default constructors, superclass-first, each
// frame's continuation splicing the next and registering the
// constructor's finalizer on the anchor frame. Returns nil when the
// chain is empty.
func defaultCtorFrames(f *Frame, comp *Composition, structH *Handle, frameRC *Frame) *Frame {
	chain := comp.DefaultChain()
	if len(chain) == 0 {
		return nil
	}

	frames := make([]*Frame, 0, len(chain))
	for _, dc := range chain {
		need := dc.MaxVars
		if need < 1 {
			need = 1
		}
		vars := make([]*Handle, need)
		vars[0] = structH
		frames = append(frames, newFrame(f.fiber, f, dc, nil, vars, RetUnused, nil))
	}

	for i := range frames {
		dc := chain[i]
		var next *Frame
		if i+1 < len(frames) {
			next = frames[i+1]
		} else {
			next = frameRC
		}
		nextFrame := next
		frames[i].addContinuation(func(fc *Frame) int {
			if dc.Finally != nil {
				fin := makeFinalizer(dc, structH, []*Handle{structH})
				frameRC.finalizer = fin.Chain(frameRC.finalizer)
			}
			fc.next = nextFrame
			return RCall
		})
	}
	return frames[0]
}

// ConstructSuper is invoked by the super-construct op inside a primary
// constructor: it runs the superclass constructor on the same struct
// and chains its finalizer onto the anchor.
func ConstructSuper(f *Frame, superCtor *Method, args []*Handle) int {
	structH := f.Var(0)

	need := len(args) + 1
	if superCtor.MaxVars > need {
		need = superCtor.MaxVars
	}
	vars := make([]*Handle, need)
	vars[0] = structH
	copy(vars[1:], args)

	if fin := makeFinalizer(superCtor, structH, vars); fin != nil {
		f.chainFinalizer(fin)
	}
	return f.call1(superCtor, nil, vars, RetUnused)
}
