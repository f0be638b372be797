package vm

import "fmt"

// ---------------------------------------------------------------------------
// Template: per-composition dispatch table
// ---------------------------------------------------------------------------

// BinaryFunc is a two-operand operation delivering into a return slot.
type BinaryFunc func(f *Frame, a, b *Handle, ret int) int

// UnaryFunc is a one-operand operation delivering into a return slot.
type UnaryFunc func(f *Frame, target *Handle, ret int) int

// Template is the capability table of a composition: property access,
// comparison and the numeric ops, each replaceable by a native fast
// path. The interpreter dispatches through these entries instead of an
// inheritance hierarchy.
type Template struct {
	comp *Composition

	GetProperty func(f *Frame, target *Handle, prop *Property, ret int) int
	SetProperty func(f *Frame, target *Handle, prop *Property, value *Handle) int

	Equals  func(f *Frame, a, b *Handle, ret int) int
	Compare func(f *Frame, a, b *Handle, ret int) int

	// Next and Prev are the increment/decrement actions used by the
	// in-place operation drivers.
	Next UnaryFunc
	Prev UnaryFunc

	Add BinaryFunc
	Sub BinaryFunc
	Mul BinaryFunc
	Div BinaryFunc
	Mod BinaryFunc
}

// newTemplate builds the dispatch table for a composition: generic
// entries for compound classes, native fast paths for the built-ins.
func newTemplate(r *Registry, comp *Composition) *Template {
	t := &Template{comp: comp}
	t.GetProperty = genericGetProperty
	t.SetProperty = genericSetProperty
	t.Equals = genericEquals
	t.Compare = unsupportedCompare
	unsup := func(name string) BinaryFunc {
		return func(f *Frame, a, b *Handle, ret int) int {
			return f.raise(ExUnsupported, name+" is not supported by "+comp.Name())
		}
	}
	t.Add = unsup("+")
	t.Sub = unsup("-")
	t.Mul = unsup("*")
	t.Div = unsup("/")
	t.Mod = unsup("%")
	t.Next = func(f *Frame, target *Handle, ret int) int {
		return f.raise(ExUnsupported, "increment is not supported by "+comp.Name())
	}
	t.Prev = func(f *Frame, target *Handle, ret int) int {
		return f.raise(ExUnsupported, "decrement is not supported by "+comp.Name())
	}

	switch comp.class.ID {
	case classInt:
		installIntTemplate(r, t)
	case classFloat:
		installFloatTemplate(r, t)
	case classBool:
		t.Equals = func(f *Frame, a, b *Handle, ret int) int {
			return f.assignValue(ret, r.Bool(a.b == b.b))
		}
	case classString:
		installStringTemplate(r, t)
	case classOrdered:
		t.Equals = func(f *Frame, a, b *Handle, ret int) int {
			return f.assignValue(ret, r.Bool(a.i == b.i))
		}
	case classTuple:
		t.Equals = tupleEquals
	}
	return t
}

// ---------------------------------------------------------------------------
// Generic property access
// ---------------------------------------------------------------------------

// genericGetProperty reads a property: the raw field in struct access or
// when no getter exists, the reference wrapper for ref-typed
// properties, and the resolved getter method otherwise.
func genericGetProperty(f *Frame, target *Handle, prop *Property, ret int) int {
	if prop == nil {
		panic(&runtimeFault{kind: FaultIllegalState, msg: "property read without descriptor"})
	}
	var getter *Method
	if !target.IsStruct() {
		getter = prop.Getter
	}
	if getter == nil {
		return getFieldValue(f, target, prop, ret)
	}
	if getter.IsNative() {
		return getter.Native(f, target, nil, ret)
	}
	return f.call1(getter, target, make([]*Handle, getter.MaxVars), ret)
}

// getFieldValue reads the raw field, dereferencing a ref wrapper.
func getFieldValue(f *Frame, target *Handle, prop *Property, ret int) int {
	fields := target.Fields()
	if fields == nil || !fields.Has(prop.Name) {
		return f.raise(ExUnsupported, fmt.Sprintf("invalid property %s on %s", prop.Name, target.comp.Name()))
	}
	h := fields.Get(prop.Name)
	if h == nil {
		return f.raise(ExUnsupported, "uninitialized property "+prop.Name)
	}
	if prop.RefWrapped {
		if h.kind != kindRef {
			return f.raise(ExUnsupported, "property "+prop.Name+" lost its reference wrapper")
		}
		return h.ref.Get(f, ret)
	}
	return f.assignValue(ret, h)
}

// genericSetProperty writes a property: read-only and immutability are
// enforced outside struct access; ref-typed properties delegate to the
// wrapper; a resolved setter method runs as a full call.
func genericSetProperty(f *Frame, target *Handle, prop *Property, value *Handle) int {
	if prop == nil {
		panic(&runtimeFault{kind: FaultIllegalState, msg: "property write without descriptor"})
	}
	if !target.IsMutable() {
		return f.raise(ExReadOnly, "immutable target: "+target.comp.Name())
	}
	if prop.ReadOnly && !target.IsStruct() {
		return f.raise(ExReadOnly, "read-only property: "+prop.Name)
	}

	var setter *Method
	if !target.IsStruct() {
		setter = prop.Setter
	}
	if setter == nil {
		return setFieldValue(f, target, prop, value)
	}
	if setter.IsNative() {
		return setter.Native(f, target, []*Handle{value}, RetUnused)
	}
	vars := make([]*Handle, setter.MaxVars)
	if len(vars) > 0 {
		vars[0] = value
	}
	return f.call1(setter, target, vars, RetUnused)
}

// setFieldValue writes the raw field, delegating to a ref wrapper.
func setFieldValue(f *Frame, target *Handle, prop *Property, value *Handle) int {
	fields := target.Fields()
	if fields == nil || !fields.Has(prop.Name) {
		return f.raise(ExUnsupported, fmt.Sprintf("invalid property %s on %s", prop.Name, target.comp.Name()))
	}
	if prop.RefWrapped {
		h := fields.Get(prop.Name)
		if h == nil || h.kind != kindRef {
			return f.raise(ExUnsupported, "property "+prop.Name+" lost its reference wrapper")
		}
		return h.ref.Set(f, value)
	}
	fields.Set(prop.Name, value)
	return RNext
}

// ---------------------------------------------------------------------------
// Built-in fast paths
// ---------------------------------------------------------------------------

func installIntTemplate(r *Registry, t *Template) {
	t.Add = func(f *Frame, a, b *Handle, ret int) int {
		return f.assignValue(ret, r.Int(a.i+b.i))
	}
	t.Sub = func(f *Frame, a, b *Handle, ret int) int {
		return f.assignValue(ret, r.Int(a.i-b.i))
	}
	t.Mul = func(f *Frame, a, b *Handle, ret int) int {
		return f.assignValue(ret, r.Int(a.i*b.i))
	}
	t.Div = func(f *Frame, a, b *Handle, ret int) int {
		if b.i == 0 {
			return f.raise(ExUnsupported, "integer division by zero")
		}
		return f.assignValue(ret, r.Int(a.i/b.i))
	}
	t.Mod = func(f *Frame, a, b *Handle, ret int) int {
		if b.i == 0 {
			return f.raise(ExUnsupported, "integer modulo by zero")
		}
		return f.assignValue(ret, r.Int(a.i%b.i))
	}
	t.Next = func(f *Frame, target *Handle, ret int) int {
		return f.assignValue(ret, r.Int(target.i+1))
	}
	t.Prev = func(f *Frame, target *Handle, ret int) int {
		return f.assignValue(ret, r.Int(target.i-1))
	}
	t.Equals = func(f *Frame, a, b *Handle, ret int) int {
		return f.assignValue(ret, r.Bool(a.i == b.i))
	}
	t.Compare = func(f *Frame, a, b *Handle, ret int) int {
		switch {
		case a.i < b.i:
			return f.assignValue(ret, r.Ordered(-1))
		case a.i > b.i:
			return f.assignValue(ret, r.Ordered(1))
		default:
			return f.assignValue(ret, r.Ordered(0))
		}
	}
}

func installFloatTemplate(r *Registry, t *Template) {
	t.Add = func(f *Frame, a, b *Handle, ret int) int {
		return f.assignValue(ret, r.Float(a.fl+b.fl))
	}
	t.Sub = func(f *Frame, a, b *Handle, ret int) int {
		return f.assignValue(ret, r.Float(a.fl-b.fl))
	}
	t.Mul = func(f *Frame, a, b *Handle, ret int) int {
		return f.assignValue(ret, r.Float(a.fl*b.fl))
	}
	t.Div = func(f *Frame, a, b *Handle, ret int) int {
		return f.assignValue(ret, r.Float(a.fl/b.fl))
	}
	t.Equals = func(f *Frame, a, b *Handle, ret int) int {
		return f.assignValue(ret, r.Bool(a.fl == b.fl))
	}
	t.Compare = func(f *Frame, a, b *Handle, ret int) int {
		switch {
		case a.fl < b.fl:
			return f.assignValue(ret, r.Ordered(-1))
		case a.fl > b.fl:
			return f.assignValue(ret, r.Ordered(1))
		default:
			return f.assignValue(ret, r.Ordered(0))
		}
	}
}

func installStringTemplate(r *Registry, t *Template) {
	t.Add = func(f *Frame, a, b *Handle, ret int) int {
		return f.assignValue(ret, r.Str(a.s+b.s))
	}
	t.Equals = func(f *Frame, a, b *Handle, ret int) int {
		return f.assignValue(ret, r.Bool(a.s == b.s))
	}
	t.Compare = func(f *Frame, a, b *Handle, ret int) int {
		switch {
		case a.s < b.s:
			return f.assignValue(ret, r.Ordered(-1))
		case a.s > b.s:
			return f.assignValue(ret, r.Ordered(1))
		default:
			return f.assignValue(ret, r.Ordered(0))
		}
	}
}

func unsupportedCompare(f *Frame, a, b *Handle, ret int) int {
	return f.raise(ExUnsupported, "ordering is not supported by "+a.comp.Name())
}
