package vm

import "testing"

// buildHierarchy registers Base and Derived classes whose default
// constructors and finalizers record into the given log.
func buildHierarchy(t *testing.T, r *Registry, log *[]string, throwingPrimary bool) (*Composition, *Method) {
	t.Helper()
	record := func(tag string) Op {
		return OpFunc(func(f *Frame, pc int) int {
			*log = append(*log, tag)
			return RNext
		})
	}
	recordFin := func(tag string) *Method {
		return nativeMethod("finally", func(f *Frame, _ *Handle, _ []*Handle, ret int) int {
			*log = append(*log, tag)
			return RNext
		})
	}

	base := &Class{
		ID:   FirstUserClass + 10,
		Name: "Base",
		Properties: []*Property{
			{Name: "value", Type: 0},
		},
		DefaultCtor: &Method{
			Name: "default", Sig: "default", MaxVars: 1,
			Ops:     []Op{record("dc-base"), Return0{}},
			Finally: recordFin("fin-base"),
		},
	}

	var primaryOps []Op
	if throwingPrimary {
		primaryOps = []Op{
			record("ctor"),
			Raise{Kind: ExBounds, Msg: "constructor blew up"},
		}
	} else {
		primaryOps = []Op{
			record("ctor"),
			PSet{Target: 0, Prop: "value", Src: 1},
			Return0{},
		}
	}
	derived := &Class{
		ID:    FirstUserClass + 11,
		Name:  "Derived",
		Super: base.ID,
		DefaultCtor: &Method{
			Name: "default", Sig: "default", MaxVars: 1,
			Ops:     []Op{record("dc-derived"), Return0{}},
			Finally: recordFin("fin-derived"),
		},
		Methods: []*Method{
			{
				Name: "construct", Sig: "construct", Params: 1, MaxVars: 3,
				Ops: primaryOps,
			},
		},
	}

	if err := r.AddClass(base); err != nil {
		t.Fatal(err)
	}
	if err := r.AddClass(derived); err != nil {
		t.Fatal(err)
	}
	comp := r.MustComposition(derived.ID, nil)
	return comp, derived.Methods[0]
}

func TestConstructionPipeline(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()

	var events []string
	comp, ctor := buildHierarchy(t, r, &events, false)

	entry := &Method{
		Name: "makeOne", Sig: "makeOne", Returns: 1, MaxVars: 2,
		Ops: []Op{
			Const{Value: r.Int(7), Dst: 1},
			New{Comp: comp, Ctor: ctor, Args: []int{1}, Ret: 0},
			Return1{Src: 0},
		},
	}

	value, fault := run1(t, c, entry)
	if fault != nil {
		t.Fatalf("unexpected fault: %s", fault)
	}

	// Default chain superclass-first, primary, then finalizers in
	// reverse registration order.
	want := []string{"dc-base", "dc-derived", "ctor", "fin-derived", "fin-base"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}

	if value.IsMutable() {
		t.Error("constructed handle is still mutable")
	}
	if value.Access() != AccessPublic {
		t.Errorf("constructed handle access = %s, want public", value.Access())
	}
	wantInt(t, value.Fields().Get("value"), 7)
}

func TestThrowingPrimaryRunsFinalizers(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()

	var events []string
	comp, ctor := buildHierarchy(t, r, &events, true)

	entry := &Method{
		Name: "makeBroken", Sig: "makeBroken", Returns: 1, MaxVars: 3,
		Ops: []Op{
			Const{Value: r.Str("unset"), Dst: 0},
			GuardStart{Catches: []GuardCatch{{Type: r.ExceptionC.TypeID(), Handler: 3, Slot: 2}}},
			New{Comp: comp, Ctor: ctor, Ret: 0},
			Return1{Src: 0},
		},
	}

	value, fault := run1(t, c, entry)
	if fault != nil {
		t.Fatalf("unexpected fault: %s", fault)
	}
	// The declared assignment target was never written.
	wantStr(t, value, "unset")

	want := []string{"dc-base", "dc-derived", "ctor", "fin-derived", "fin-base"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestThrowingPrimarySurfacesException(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()

	var events []string
	comp, ctor := buildHierarchy(t, r, &events, true)

	entry := &Method{
		Name: "makeBrokenUnguarded", Sig: "makeBrokenUnguarded", Returns: 1, MaxVars: 1,
		Ops: []Op{
			New{Comp: comp, Ctor: ctor, Ret: 0},
			Return1{Src: 0},
		},
	}

	_, fault := run1(t, c, entry)
	wantFault(t, fault, ExBounds)
}

func TestServiceConstruction(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()

	svcClass := &Class{
		ID:      FirstUserClass + 12,
		Name:    "Clock",
		Service: true,
		Properties: []*Property{
			{Name: "ticks", Type: 0},
		},
		Methods: []*Method{
			{
				Name: "construct", Sig: "construct", MaxVars: 2,
				Ops: []Op{
					Const{Value: r.Int(0), Dst: 1},
					PSet{Target: 0, Prop: "ticks", Src: 1},
					Return0{},
				},
			},
			nativeMethod("tick", func(f *Frame, target *Handle, _ []*Handle, ret int) int {
				cur := target.Fields().Get("ticks")
				next := f.registry().Int(cur.Int() + 1)
				target.Fields().Set("ticks", next)
				return f.assignValue(ret, next)
			}),
		},
	}
	if err := r.AddClass(svcClass); err != nil {
		t.Fatal(err)
	}
	comp := r.MustComposition(svcClass.ID, nil)
	ctor := svcClass.MethodFor("construct")

	entry := &Method{
		Name: "spawnClock", Sig: "spawnClock", Returns: 1, MaxVars: 1,
		Ops: []Op{
			New{Comp: comp, Ctor: ctor, Ret: 0},
			Return1{Src: 0},
		},
	}

	value, fault := run1(t, c, entry)
	if fault != nil {
		t.Fatalf("unexpected fault: %s", fault)
	}
	if value.Kind() != KindService {
		t.Fatalf("got %s, want a service handle", value)
	}

	// Invoking through the handle runs on the new service context.
	tickTwice := &Method{
		Name: "tickTwice", Sig: "tickTwice", Params: 1, Returns: 1, MaxVars: 3,
		Ops: []Op{
			Invoke1{Target: 0, Sig: "tick", Ret: 1},
			Invoke1{Target: 0, Sig: "tick", Ret: 2},
			Return1{Src: 2},
		},
	}
	ticks, fault := run1(t, c, tickTwice, value)
	if fault != nil {
		t.Fatalf("unexpected fault: %s", fault)
	}
	wantInt(t, ticks, 2)

	// Constructed service state is mutable inside its own context; the
	// instance stays pinned to it.
	if value.Service().Snapshot().Name != "Clock" {
		t.Errorf("service name = %q", value.Service().Snapshot().Name)
	}
}
