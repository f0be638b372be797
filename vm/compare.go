package vm

// ---------------------------------------------------------------------------
// Equality and ordering
// ---------------------------------------------------------------------------

// callEquals dispatches equality for the declared type. Identity is
// always equal; everything else defers to the type's template entry.
func callEquals(f *Frame, t TypeID, a, b *Handle, ret int) int {
	if a == b {
		return f.assignValue(ret, f.registry().True())
	}
	comp := f.registry().CompositionAt(int(t))
	if comp == nil {
		comp = a.comp
	}
	return comp.template.Equals(f, a, b, ret)
}

// callCompare dispatches ordering for the declared type.
func callCompare(f *Frame, t TypeID, a, b *Handle, ret int) int {
	if a == b {
		return f.assignValue(ret, f.registry().Ordered(0))
	}
	comp := f.registry().CompositionAt(int(t))
	if comp == nil {
		comp = a.comp
	}
	return comp.template.Compare(f, a, b, ret)
}

// callEqualsSequence adapts two declared types: the first type's
// equality runs, and the second is consulted only if the first was
// equal.
func callEqualsSequence(f *Frame, t1, t2 TypeID, a, b *Handle, ret int) int {
	if a == b {
		return f.assignValue(ret, f.registry().True())
	}
	switch res := callEquals(f, t1, a, b, RetLocal); res {
	case RNext:
		return completeEquals(f, t2, a, b, ret)
	case RCall:
		f.next.addContinuation(func(fc *Frame) int {
			return completeEquals(fc, t2, a, b, ret)
		})
		return RCall
	case RException:
		return RException
	default:
		panic(&runtimeFault{kind: FaultIllegalState, msg: "callEqualsSequence: bad outcome"})
	}
}

func completeEquals(f *Frame, t2 TypeID, a, b *Handle, ret int) int {
	h := f.popStack()
	if !h.Bool() {
		return f.assignValue(ret, h)
	}
	return callEquals(f, t2, a, b, ret)
}

// callCompareSequence adapts two declared types: the second type
// tie-breaks only when the first compared equal.
func callCompareSequence(f *Frame, t1, t2 TypeID, a, b *Handle, ret int) int {
	if a == b {
		return f.assignValue(ret, f.registry().Ordered(0))
	}
	switch res := callCompare(f, t1, a, b, RetLocal); res {
	case RNext:
		return completeCompare(f, t2, a, b, ret)
	case RCall:
		f.next.addContinuation(func(fc *Frame) int {
			return completeCompare(fc, t2, a, b, ret)
		})
		return RCall
	case RException:
		return RException
	default:
		panic(&runtimeFault{kind: FaultIllegalState, msg: "callCompareSequence: bad outcome"})
	}
}

func completeCompare(f *Frame, t2 TypeID, a, b *Handle, ret int) int {
	h := f.popStack()
	if h.Int() != 0 {
		return f.assignValue(ret, h)
	}
	return callCompare(f, t2, a, b, ret)
}

// ---------------------------------------------------------------------------
// Structural equality for composites and tuples
// ---------------------------------------------------------------------------

// genericEquals is the template default for compound classes: a
// user-supplied equals method when the class declares one, otherwise
// field-by-field structural equality.
func genericEquals(f *Frame, a, b *Handle, ret int) int {
	if a == b {
		return f.assignValue(ret, f.registry().True())
	}
	if a.comp != b.comp {
		return f.assignValue(ret, f.registry().False())
	}
	if chain := a.comp.MethodChain("equals"); chain != nil {
		return chain.Invoke(f, a, []*Handle{b}, ret)
	}
	if a.fields == nil || b.fields == nil {
		return f.assignValue(ret, f.registry().False())
	}

	names := a.fields.Names()
	as := make([]*Handle, len(names))
	bs := make([]*Handle, len(names))
	for i, name := range names {
		as[i] = a.fields.Get(name)
		bs[i] = b.fields.Get(name)
	}
	return (&pairEquals{as: as, bs: bs, ret: ret, index: -1}).DoNext(f)
}

func tupleEquals(f *Frame, a, b *Handle, ret int) int {
	if len(a.elems) != len(b.elems) {
		return f.assignValue(ret, f.registry().False())
	}
	return (&pairEquals{as: a.elems, bs: b.elems, ret: ret, index: -1}).DoNext(f)
}

// pairEquals walks two parallel value vectors, comparing pairwise
// through the outcome protocol and short-circuiting on the first
// inequality.
type pairEquals struct {
	as, bs []*Handle
	ret    int
	index  int
}

func (pe *pairEquals) DoNext(f *Frame) int {
	for {
		pe.index++
		if pe.index >= len(pe.as) {
			return f.assignValue(pe.ret, f.registry().True())
		}
		a, b := pe.as[pe.index], pe.bs[pe.index]
		if a == nil || b == nil {
			if a == b {
				continue
			}
			return f.assignValue(pe.ret, f.registry().False())
		}
		switch res := callEquals(f, a.Type(), a, b, RetLocal); res {
		case RNext:
			if !f.popStack().Bool() {
				return f.assignValue(pe.ret, f.registry().False())
			}
		case RCall:
			f.next.addContinuation(pe.Proceed)
			return RCall
		case RException:
			return RException
		default:
			panic(&runtimeFault{kind: FaultIllegalState, msg: "pairEquals: bad outcome"})
		}
	}
}

func (pe *pairEquals) Proceed(f *Frame) int {
	if !f.popStack().Bool() {
		return f.assignValue(pe.ret, f.registry().False())
	}
	return pe.DoNext(f)
}
