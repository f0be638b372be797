package vm

import (
	"context"
	"sync"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func newTestContainer(t *testing.T, opts ...ContainerOption) *Container {
	t.Helper()
	c := NewContainer(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.Shutdown(ctx)
	})
	return c
}

// await waits for a future with a test deadline.
func await(t *testing.T, fut *Future) (*Handle, *Handle) {
	t.Helper()
	select {
	case <-fut.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	return fut.Await()
}

// run1 submits a method to the container's main service and waits.
func run1(t *testing.T, c *Container, m *Method, args ...*Handle) (*Handle, *Handle) {
	t.Helper()
	return await(t, c.Submit(c.MainService(), NewFunctionHandle(m), args))
}

func wantInt(t *testing.T, h *Handle, want int64) {
	t.Helper()
	if h == nil {
		t.Fatalf("got nil handle, want %d", want)
	}
	if h.Kind() != KindInt || h.Int() != want {
		t.Fatalf("got %s, want %d", h, want)
	}
}

func wantStr(t *testing.T, h *Handle, want string) {
	t.Helper()
	if h == nil {
		t.Fatalf("got nil handle, want %q", want)
	}
	if h.Kind() != KindString || h.Str() != want {
		t.Fatalf("got %s, want %q", h, want)
	}
}

func wantFault(t *testing.T, fault *Handle, kind ExceptionKind) {
	t.Helper()
	if fault == nil {
		t.Fatalf("expected %s exception, got success", kind)
	}
	if fault.ExceptionKind() != kind {
		t.Fatalf("got %s exception (%s), want %s", fault.ExceptionKind(), fault.ExceptionMessage(), kind)
	}
}

// nativeMethod wraps a host function as a single-return method.
func nativeMethod(sig string, fn NativeFunc) *Method {
	return &Method{Name: sig, Sig: sig, Returns: 1, Native: fn}
}

// recordSink captures fiber scheduling transitions.
type recordSink struct {
	mu     sync.Mutex
	fibers []uint64
}

func (rs *recordSink) TraceOp(string, uint64, int, string) {}

func (rs *recordSink) TraceFiber(_ string, fiber uint64, status string) {
	if status != "Running" {
		return
	}
	rs.mu.Lock()
	rs.fibers = append(rs.fibers, fiber)
	rs.mu.Unlock()
}

func (rs *recordSink) Close() error { return nil }

func (rs *recordSink) running() []uint64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]uint64(nil), rs.fibers...)
}

// ---------------------------------------------------------------------------
// Basic dispatch
// ---------------------------------------------------------------------------

func TestArithmeticMethod(t *testing.T) {
	c := newTestContainer(t)

	add := &Method{
		Name: "add", Sig: "add", Params: 2, Returns: 1, MaxVars: 3,
		Ops: []Op{
			Arith{Kind: '+', A: 0, B: 1, Dst: 2},
			Return1{Src: 2},
		},
	}

	r := c.Registry()
	value, fault := run1(t, c, add, r.Int(40), r.Int(2))
	if fault != nil {
		t.Fatalf("unexpected fault: %s", fault)
	}
	wantInt(t, value, 42)
}

func TestBranchLoop(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()

	// sum = 0; i = 0; while i != n { i++; sum += i }; return sum
	sum := &Method{
		Name: "sum", Sig: "sum", Params: 1, Returns: 1, MaxVars: 5,
		Ops: []Op{
			Const{Value: r.Int(0), Dst: 1}, // sum
			Const{Value: r.Int(0), Dst: 2}, // i
			Const{Value: r.Int(1), Dst: 3}, // one
			IsEq{Type: r.IntC.TypeID(), A: 2, B: 0, Dst: 4},
			JumpIf{Cond: 4, Target: 8, When: true},
			Arith{Kind: '+', A: 2, B: 3, Dst: 2},
			Arith{Kind: '+', A: 1, B: 2, Dst: 1},
			Jump{Target: 3},
			Return1{Src: 1},
		},
	}

	value, fault := run1(t, c, sum, r.Int(10))
	if fault != nil {
		t.Fatalf("unexpected fault: %s", fault)
	}
	wantInt(t, value, 55)
}

func TestDivisionByZeroRaises(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()

	div := &Method{
		Name: "div", Sig: "div", Params: 2, Returns: 1, MaxVars: 3,
		Ops: []Op{
			Arith{Kind: '/', A: 0, B: 1, Dst: 2},
			Return1{Src: 2},
		},
	}

	_, fault := run1(t, c, div, r.Int(1), r.Int(0))
	wantFault(t, fault, ExUnsupported)
}

// ---------------------------------------------------------------------------
// Op-budget pre-emption
// ---------------------------------------------------------------------------

func TestOpBudgetPreemption(t *testing.T) {
	sink := &recordSink{}
	c := newTestContainer(t, WithOpBudget(10), WithTracer(sink))
	c.MainService().SetReentrancy(ReentrancyOpen)
	r := c.Registry()

	loop := &Method{
		Name: "loop", Sig: "loop", Returns: 1, MaxVars: 4,
		Ops: []Op{
			Const{Value: r.Int(0), Dst: 0},
			Const{Value: r.Int(200), Dst: 1},
			Const{Value: r.Int(1), Dst: 2},
			IsEq{Type: r.IntC.TypeID(), A: 0, B: 1, Dst: 3},
			JumpIf{Cond: 3, Target: 7, When: true},
			Arith{Kind: '+', A: 0, B: 2, Dst: 0},
			Jump{Target: 3},
			Return1{Src: 0},
		},
	}
	bystander := &Method{
		Name: "bystander", Sig: "bystander", Returns: 1, MaxVars: 1,
		Ops: []Op{
			YieldOp{},
			Const{Value: r.Int(7), Dst: 0},
			Return1{Src: 0},
		},
	}

	futA := c.Submit(c.MainService(), NewFunctionHandle(loop), nil)
	futB := c.Submit(c.MainService(), NewFunctionHandle(bystander), nil)

	valueA, faultA := await(t, futA)
	valueB, faultB := await(t, futB)
	if faultA != nil || faultB != nil {
		t.Fatalf("faults: %s / %s", faultA, faultB)
	}
	wantInt(t, valueA, 200)
	wantInt(t, valueB, 7)

	running := sink.running()
	if len(running) < 3 {
		t.Fatalf("expected many scheduling slices, got %v", running)
	}
	a := running[0]
	var b uint64
	for _, id := range running {
		if id != a {
			b = id
			break
		}
	}
	if b == 0 {
		t.Fatal("the bystander fiber never ran")
	}

	// The loop must have been pre-empted repeatedly, and the bystander
	// must have run between two of its slices.
	firstA, lastA, slicesA, bBetween := -1, -1, 0, false
	for i, id := range running {
		if id == a {
			slicesA++
			if firstA < 0 {
				firstA = i
			}
			lastA = i
		}
	}
	for i, id := range running {
		if id == b && i > firstA && i < lastA {
			bBetween = true
		}
	}
	if slicesA < 10 {
		t.Errorf("loop fiber ran in %d slices, expected many", slicesA)
	}
	if !bBetween {
		t.Errorf("bystander did not interleave with the loop: %v", running)
	}
}

// ---------------------------------------------------------------------------
// Conditional-return adapter
// ---------------------------------------------------------------------------

func probeClass(t *testing.T, r *Registry) *Composition {
	t.Helper()
	cls := &Class{
		ID:   FirstUserClass,
		Name: "Probe",
		Methods: []*Method{
			nativeMethod("single", func(f *Frame, _ *Handle, _ []*Handle, ret int) int {
				return f.assignValue(ret, f.registry().Str("payload"))
			}),
			nativeMethod("failing", func(f *Frame, _ *Handle, _ []*Handle, ret int) int {
				return f.raise(ExBounds, "index 3 out of range")
			}),
			nativeMethod("pack", func(f *Frame, _ *Handle, args []*Handle, ret int) int {
				return f.assignValue(ret, f.registry().Tuple(args...))
			}),
		},
	}
	if err := r.AddClass(cls); err != nil {
		t.Fatal(err)
	}
	return r.MustComposition(cls.ID, nil)
}

func TestConditionalReturnAdapter(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()
	comp := probeClass(t, r)
	probe := r.NewCompound(comp, AccessPublic, false)

	fetch := &Method{
		Name: "fetch", Sig: "fetch", Params: 1, Returns: 1, MaxVars: 4,
		Ops: []Op{
			InvokeN{Target: 0, Sig: "single", RetSlots: []int{1, 2}, Cond: true},
			Invoke1{Target: 0, Sig: "pack", Args: []int{1, 2}, Ret: 3},
			Return1{Src: 3},
		},
	}

	value, fault := run1(t, c, fetch, probe)
	if fault != nil {
		t.Fatalf("unexpected fault: %s", fault)
	}
	elems := value.Elements()
	if len(elems) != 2 {
		t.Fatalf("expected two slots, got %s", value)
	}
	if elems[0].Kind() != KindBool || !elems[0].Bool() {
		t.Errorf("slot 0 = %s, want true", elems[0])
	}
	wantStr(t, elems[1], "payload")
}

func TestConditionalReturnException(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()
	comp := probeClass(t, r)
	probe := r.NewCompound(comp, AccessPublic, false)

	fetch := &Method{
		Name: "fetchBad", Sig: "fetchBad", Params: 1, Returns: 1, MaxVars: 6,
		Ops: []Op{
			Const{Value: r.Str("left"), Dst: 1},
			Const{Value: r.Str("right"), Dst: 2},
			GuardStart{Catches: []GuardCatch{{Type: r.ExceptionC.TypeID(), Handler: 4, Slot: 5}}},
			InvokeN{Target: 0, Sig: "failing", RetSlots: []int{1, 2}, Cond: true},
			Invoke1{Target: 0, Sig: "pack", Args: []int{1, 2}, Ret: 3},
			Return1{Src: 3},
		},
	}

	value, fault := run1(t, c, fetch, probe)
	if fault != nil {
		t.Fatalf("unexpected fault: %s", fault)
	}
	elems := value.Elements()
	if len(elems) != 2 {
		t.Fatalf("expected two slots, got %s", value)
	}
	// The callee raised: neither receiver slot was modified.
	wantStr(t, elems[0], "left")
	wantStr(t, elems[1], "right")
}

// ---------------------------------------------------------------------------
// Deferred arguments
// ---------------------------------------------------------------------------

func TestDeferredArgumentResolution(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()

	plant := OpFunc(func(f *Frame, pc int) int {
		inner := f.nativeFrame([]Op{OpFunc(func(df *Frame, _ int) int {
			return df.returnValue(df.registry().Int(42), false)
		})}, nil, RetLocal, nil)
		f.SetVar(0, f.registry().DeferredValue(NewDeferredCall(inner)))
		return RNext
	})

	m := &Method{
		Name: "deferredAdd", Sig: "deferredAdd", Returns: 1, MaxVars: 3,
		Ops: []Op{
			plant,
			Const{Value: r.Int(2), Dst: 1},
			Arith{Kind: '+', A: 0, B: 1, Dst: 2},
			Return1{Src: 2},
		},
	}

	value, fault := run1(t, c, m)
	if fault != nil {
		t.Fatalf("unexpected fault: %s", fault)
	}
	wantInt(t, value, 44)

	// After resolution, the slot itself must hold the real value, not
	// the placeholder: the add saw 42.
}

func TestDeferredFaultPropagates(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()

	boom := r.NewException(ExBounds, "deferred blew up")
	plant := OpFunc(func(f *Frame, pc int) int {
		f.SetVar(0, f.registry().DeferredValue(DeferredFault(boom)))
		return RNext
	})

	m := &Method{
		Name: "deferredBad", Sig: "deferredBad", Returns: 1, MaxVars: 3,
		Ops: []Op{
			plant,
			Const{Value: r.Int(2), Dst: 1},
			Arith{Kind: '+', A: 0, B: 1, Dst: 2},
			Return1{Src: 2},
		},
	}

	_, fault := run1(t, c, m)
	wantFault(t, fault, ExBounds)
}

// ---------------------------------------------------------------------------
// Guards
// ---------------------------------------------------------------------------

func TestGuardCatchesMatchingException(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()

	m := &Method{
		Name: "guarded", Sig: "guarded", Returns: 1, MaxVars: 2,
		Ops: []Op{
			GuardStart{Catches: []GuardCatch{{Type: r.ExceptionC.TypeID(), Handler: 2, Slot: 0}}},
			Raise{Kind: ExBounds, Msg: "out of range"},
			// handler: return the caught exception's message
			OpFunc(func(f *Frame, pc int) int {
				caught := f.Var(0)
				return f.assignValue(1, f.registry().Str(caught.ExceptionMessage()))
			}),
			Return1{Src: 1},
		},
	}

	value, fault := run1(t, c, m)
	if fault != nil {
		t.Fatalf("unexpected fault: %s", fault)
	}
	wantStr(t, value, "out of range")
}

func TestGuardTypeMismatchPropagates(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()

	// The guard only catches Timeout; a Bounds raise passes through.
	timeoutType := r.MustComposition(classTimeout, nil).TypeID()
	m := &Method{
		Name: "mismatched", Sig: "mismatched", Returns: 1, MaxVars: 2,
		Ops: []Op{
			GuardStart{Catches: []GuardCatch{{Type: timeoutType, Handler: 2, Slot: 0}}},
			Raise{Kind: ExBounds, Msg: "nope"},
			Return1{Src: 0},
		},
	}

	_, fault := run1(t, c, m)
	wantFault(t, fault, ExBounds)
}

func TestUncatchableKindEscapesGuards(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()

	// A root-Exception guard still must not catch circular-init.
	m := &Method{
		Name: "uncatchable", Sig: "uncatchable", Returns: 1, MaxVars: 2,
		Ops: []Op{
			GuardStart{Catches: []GuardCatch{{Type: r.ExceptionC.TypeID(), Handler: 2, Slot: 0}}},
			Raise{Kind: ExCircularInitialization, Msg: "loop"},
			Return1{Src: 0},
		},
	}

	_, fault := run1(t, c, m)
	wantFault(t, fault, ExCircularInitialization)
}

// ---------------------------------------------------------------------------
// Scoped resources
// ---------------------------------------------------------------------------

func resourceClass(t *testing.T, r *Registry, id ClassID, closed *[]string) *Composition {
	t.Helper()
	cls := &Class{
		ID:   id,
		Name: "Resource",
		Properties: []*Property{
			{Name: "tag", Type: r.StringC.TypeID()},
		},
		Methods: []*Method{
			nativeMethod("close", func(f *Frame, target *Handle, _ []*Handle, ret int) int {
				*closed = append(*closed, target.Fields().Get("tag").Str())
				return RNext
			}),
		},
	}
	if err := r.AddClass(cls); err != nil {
		t.Fatal(err)
	}
	return r.MustComposition(cls.ID, nil)
}

func newResource(r *Registry, comp *Composition, tag string) *Handle {
	h := r.NewCompound(comp, AccessPublic, true)
	h.Fields().Set("tag", r.Str(tag))
	return h
}

func TestScopedClosersRunInReverseOnReturn(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()

	var closed []string
	comp := resourceClass(t, r, FirstUserClass, &closed)

	m := &Method{
		Name: "useResources", Sig: "useResources", Returns: 1, MaxVars: 3,
		Ops: []Op{
			Const{Value: newResource(r, comp, "first"), Dst: 0},
			DeferClose{Src: 0, Sig: "close"},
			Const{Value: newResource(r, comp, "second"), Dst: 1},
			DeferClose{Src: 1, Sig: "close"},
			Const{Value: r.Int(1), Dst: 2},
			Return1{Src: 2},
		},
	}

	_, fault := run1(t, c, m)
	if fault != nil {
		t.Fatalf("unexpected fault: %s", fault)
	}
	if len(closed) != 2 || closed[0] != "second" || closed[1] != "first" {
		t.Fatalf("closers ran as %v, want [second first]", closed)
	}
}

func TestScopedClosersRunOnException(t *testing.T) {
	c := newTestContainer(t)
	r := c.Registry()

	var closed []string
	comp := resourceClass(t, r, FirstUserClass, &closed)

	m := &Method{
		Name: "leakOnThrow", Sig: "leakOnThrow", Returns: 1, MaxVars: 2,
		Ops: []Op{
			Const{Value: newResource(r, comp, "only"), Dst: 0},
			DeferClose{Src: 0, Sig: "close"},
			Raise{Kind: ExBounds, Msg: "mid-scope"},
		},
	}

	_, fault := run1(t, c, m)
	wantFault(t, fault, ExBounds)
	if len(closed) != 1 || closed[0] != "only" {
		t.Fatalf("closers ran as %v, want [only]", closed)
	}
}
