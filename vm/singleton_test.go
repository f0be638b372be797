package vm

import "testing"

// initOp builds an op running singleton initialization for the list and
// assigning the first identity's handle into slot 0.
func initOp(list []*SingletonConstant) Op {
	return OpFunc(func(f *Frame, pc int) int {
		return InitConstants(f, list, func(fc *Frame) int {
			return fc.assignValue(0, list[0].Handle())
		})
	})
}

func TestSingletonInitializedOnce(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()

	var runs int
	cls := &Class{
		ID:        FirstUserClass + 20,
		Name:      "Config",
		Singleton: true,
		Properties: []*Property{
			{Name: "mode", Type: 0},
		},
		Methods: []*Method{
			{
				Name: "construct", Sig: "construct", MaxVars: 2,
				Ops: []Op{
					OpFunc(func(f *Frame, pc int) int {
						runs++
						return RNext
					}),
					Const{Value: r.Str("ready"), Dst: 1},
					PSet{Target: 0, Prop: "mode", Src: 1},
					Return0{},
				},
			},
		},
	}
	if err := r.AddClass(cls); err != nil {
		t.Fatal(err)
	}

	sc := c.Singletons().Register(NewSingleton(SingletonClass, cls.ID, "Config"))
	entry := &Method{
		Name: "getConfig", Sig: "getConfig", Returns: 1, MaxVars: 1,
		Ops: []Op{
			initOp([]*SingletonConstant{sc}),
			Return1{Src: 0},
		},
	}

	first, fault := run1(t, c, entry)
	if fault != nil {
		t.Fatalf("unexpected fault: %s", fault)
	}
	second, fault := run1(t, c, entry)
	if fault != nil {
		t.Fatalf("unexpected fault: %s", fault)
	}

	if runs != 1 {
		t.Fatalf("initializer ran %d times, want 1", runs)
	}
	if first != second {
		t.Error("singleton identity was not preserved across initializations")
	}
	wantStr(t, first.Fields().Get("mode"), "ready")
}

func TestCircularSingletonInitialization(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()

	// Static property P whose initializer reads P.
	prop := &Property{Name: "P", Type: 0, Static: true}
	var sc *SingletonConstant
	prop.Initializer = nativeMethod("initP", func(f *Frame, _ *Handle, _ []*Handle, ret int) int {
		return InitConstants(f, []*SingletonConstant{sc}, func(fc *Frame) int {
			return fc.assignValue(ret, sc.Handle())
		})
	})

	cls := &Class{
		ID:         FirstUserClass + 21,
		Name:       "Knot",
		Properties: []*Property{prop},
	}
	if err := r.AddClass(cls); err != nil {
		t.Fatal(err)
	}
	sc = c.Singletons().Register(NewPropertySingleton(cls.ID, prop))

	entry := &Method{
		Name: "readP", Sig: "readP", Returns: 1, MaxVars: 1,
		Ops: []Op{
			initOp([]*SingletonConstant{sc}),
			Return1{Src: 0},
		},
	}

	_, fault := run1(t, c, entry)
	wantFault(t, fault, ExCircularInitialization)

	// No partial handle was published.
	if sc.Handle() != nil {
		t.Error("a partial singleton handle was published")
	}
}

func TestSingletonInitializationFromOtherContext(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()

	cls := &Class{
		ID:        FirstUserClass + 22,
		Name:      "Shared",
		Singleton: true,
		Methods: []*Method{
			{
				Name: "construct", Sig: "construct", MaxVars: 1,
				Ops:  []Op{Return0{}},
			},
		},
	}
	if err := r.AddClass(cls); err != nil {
		t.Fatal(err)
	}
	sc := c.Singletons().Register(NewSingleton(SingletonClass, cls.ID, "Shared"))

	entry := &Method{
		Name: "getShared", Sig: "getShared", Returns: 1, MaxVars: 1,
		Ops: []Op{
			initOp([]*SingletonConstant{sc}),
			Return1{Src: 0},
		},
	}

	// Submitted to a non-main service: the batch request routes to the
	// main context, which performs the initialization.
	other := c.NewService("other")
	value, fault := await(t, c.Submit(other, NewFunctionHandle(entry), nil))
	if fault != nil {
		t.Fatalf("unexpected fault: %s", fault)
	}
	if value == nil || value != sc.Handle() {
		t.Fatalf("got %s, want the published singleton handle", value)
	}
}
