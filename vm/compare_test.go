package vm

import "testing"

func runCompareOp(t *testing.T, c *Container, op Op, a, b *Handle) *Handle {
	t.Helper()
	m := &Method{
		Name: "cmp", Sig: "cmp", Params: 2, Returns: 1, MaxVars: 3,
		Ops: []Op{
			op,
			Return1{Src: 2},
		},
	}
	value, fault := run1(t, c, m, a, b)
	if fault != nil {
		t.Fatalf("unexpected fault: %s", fault)
	}
	return value
}

func TestIntEqualityAndOrdering(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()
	intType := r.IntC.TypeID()

	eq := runCompareOp(t, c, IsEq{Type: intType, A: 0, B: 1, Dst: 2}, r.Int(4), r.Int(4))
	if !eq.Bool() {
		t.Error("4 == 4 reported false")
	}
	ne := runCompareOp(t, c, IsEq{Type: intType, A: 0, B: 1, Dst: 2}, r.Int(4), r.Int(5))
	if ne.Bool() {
		t.Error("4 == 5 reported true")
	}
	lt := runCompareOp(t, c, Cmp{Type: intType, A: 0, B: 1, Dst: 2}, r.Int(4), r.Int(5))
	if lt.Int() != -1 {
		t.Errorf("compare(4, 5) = %d, want -1", lt.Int())
	}
}

func TestStringOrdering(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()
	strType := r.StringC.TypeID()

	gt := runCompareOp(t, c, Cmp{Type: strType, A: 0, B: 1, Dst: 2}, r.Str("beta"), r.Str("alpha"))
	if gt.Int() != 1 {
		t.Errorf("compare(beta, alpha) = %d, want 1", gt.Int())
	}
}

func pointClass(t *testing.T, r *Registry) *Composition {
	t.Helper()
	cls := &Class{
		ID:   FirstUserClass + 40,
		Name: "Point",
		Properties: []*Property{
			{Name: "x", Type: 0},
			{Name: "y", Type: 0},
		},
	}
	if err := r.AddClass(cls); err != nil {
		t.Fatal(err)
	}
	return r.MustComposition(cls.ID, nil)
}

func newPoint(r *Registry, comp *Composition, x, y int64) *Handle {
	h := r.NewCompound(comp, AccessPublic, false)
	h.Fields().Set("x", r.Int(x))
	h.Fields().Set("y", r.Int(y))
	return h
}

func TestStructuralEquality(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()
	comp := pointClass(t, r)

	same := runCompareOp(t, c, IsEq{Type: comp.TypeID(), A: 0, B: 1, Dst: 2},
		newPoint(r, comp, 1, 2), newPoint(r, comp, 1, 2))
	if !same.Bool() {
		t.Error("structurally equal points reported unequal")
	}

	diff := runCompareOp(t, c, IsEq{Type: comp.TypeID(), A: 0, B: 1, Dst: 2},
		newPoint(r, comp, 1, 2), newPoint(r, comp, 1, 3))
	if diff.Bool() {
		t.Error("different points reported equal")
	}
}

func TestIdentityShortCircuitsEquality(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()
	comp := pointClass(t, r)

	p := newPoint(r, comp, 1, 2)
	same := runCompareOp(t, c, IsEq{Type: comp.TypeID(), A: 0, B: 1, Dst: 2}, p, p)
	if !same.Bool() {
		t.Error("identical handles reported unequal")
	}
}

func TestTupleEquality(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()
	tupleType := r.TupleC.TypeID()

	a := r.Tuple(r.Int(1), r.Str("x"))
	b := r.Tuple(r.Int(1), r.Str("x"))
	eq := runCompareOp(t, c, IsEq{Type: tupleType, A: 0, B: 1, Dst: 2}, a, b)
	if !eq.Bool() {
		t.Error("equal tuples reported unequal")
	}

	d := r.Tuple(r.Int(1), r.Str("y"))
	ne := runCompareOp(t, c, IsEq{Type: tupleType, A: 0, B: 1, Dst: 2}, a, d)
	if ne.Bool() {
		t.Error("different tuples reported equal")
	}
}

func TestUserEqualsMethodWins(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()

	// A class whose equals only considers the "id" field.
	cls := &Class{
		ID:   FirstUserClass + 41,
		Name: "Entity",
		Properties: []*Property{
			{Name: "id", Type: 0},
			{Name: "note", Type: 0},
		},
		Methods: []*Method{
			nativeMethod("equals", func(f *Frame, target *Handle, args []*Handle, ret int) int {
				other := args[0]
				a := target.Fields().Get("id")
				b := other.Fields().Get("id")
				return f.assignValue(ret, f.registry().Bool(a.Int() == b.Int()))
			}),
		},
	}
	if err := r.AddClass(cls); err != nil {
		t.Fatal(err)
	}
	comp := r.MustComposition(cls.ID, nil)

	mk := func(id int64, note string) *Handle {
		h := r.NewCompound(comp, AccessPublic, false)
		h.Fields().Set("id", r.Int(id))
		h.Fields().Set("note", r.Str(note))
		return h
	}

	eq := runCompareOp(t, c, IsEq{Type: comp.TypeID(), A: 0, B: 1, Dst: 2},
		mk(7, "first"), mk(7, "second"))
	if !eq.Bool() {
		t.Error("user equals was not consulted")
	}
}

func TestEqualsSequence(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()

	seq := OpFunc(func(f *Frame, pc int) int {
		return callEqualsSequence(f, f.registry().IntC.TypeID(), f.registry().IntC.TypeID(),
			f.Var(0), f.Var(1), 2)
	})

	eq := runCompareOp(t, c, seq, r.Int(3), r.Int(3))
	if !eq.Bool() {
		t.Error("equal under both types reported unequal")
	}
	ne := runCompareOp(t, c, seq, r.Int(3), r.Int(4))
	if ne.Bool() {
		t.Error("unequal under the first type reported equal")
	}
}
