package wire

import (
	"testing"

	"github.com/vesper-lang/vesper/vm"
)

func orderComp(t *testing.T, r *vm.Registry) *vm.Composition {
	t.Helper()
	cls := &vm.Class{
		ID:   vm.FirstUserClass,
		Name: "Order",
		Properties: []*vm.Property{
			{Name: "id", Type: 0},
			{Name: "note", Type: 0},
		},
	}
	if err := r.AddClass(cls); err != nil {
		t.Fatal(err)
	}
	comp, err := r.Composition(cls.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	return comp
}

func TestRoundTripPrimitives(t *testing.T) {
	r := vm.NewRegistry()

	for _, h := range []*vm.Handle{
		r.Int(-42),
		r.Float(3.5),
		r.Bool(true),
		r.Str("hello"),
		r.Tuple(r.Int(1), r.Str("x")),
	} {
		data, err := Marshal(h)
		if err != nil {
			t.Fatalf("marshal %s: %v", h, err)
		}
		back, err := Unmarshal(r, data)
		if err != nil {
			t.Fatalf("unmarshal %s: %v", h, err)
		}
		if back.Kind() != h.Kind() {
			t.Errorf("kind changed: %s -> %s", h, back)
		}
		if h.Kind() == vm.KindString && back.Str() != h.Str() {
			t.Errorf("string changed: %q -> %q", h.Str(), back.Str())
		}
		if h.Kind() == vm.KindInt && back.Int() != h.Int() {
			t.Errorf("int changed: %d -> %d", h.Int(), back.Int())
		}
	}
}

func TestRoundTripCompound(t *testing.T) {
	r := vm.NewRegistry()
	comp := orderComp(t, r)

	h := r.NewCompound(comp, vm.AccessPublic, true)
	h.Fields().Set("id", r.Int(7))
	h.Fields().Set("note", r.Str("rush"))

	data, err := Marshal(h)
	if err != nil {
		t.Fatal(err)
	}
	back, err := Unmarshal(r, data)
	if err != nil {
		t.Fatal(err)
	}

	if back.Composition() != comp {
		t.Error("composition interning lost on round trip")
	}
	if !back.IsMutable() {
		t.Error("mutability lost on round trip")
	}
	if got := back.Fields().Get("id").Int(); got != 7 {
		t.Errorf("id = %d, want 7", got)
	}
	if got := back.Fields().Get("note").Str(); got != "rush" {
		t.Errorf("note = %q, want rush", got)
	}
}

func TestRoundTripException(t *testing.T) {
	r := vm.NewRegistry()

	cause := r.NewException(vm.ExBounds, "index 3 out of range")
	h := r.NewException(vm.ExTimeout, "deadline exceeded").WithCause(cause)

	data, err := Marshal(h)
	if err != nil {
		t.Fatal(err)
	}
	back, err := Unmarshal(r, data)
	if err != nil {
		t.Fatal(err)
	}

	if back.ExceptionKind() != vm.ExTimeout {
		t.Errorf("kind = %s", back.ExceptionKind())
	}
	if back.ExceptionMessage() != "deadline exceeded" {
		t.Errorf("message = %q", back.ExceptionMessage())
	}
	if c := back.ExceptionCause(); c == nil || c.ExceptionKind() != vm.ExBounds {
		t.Errorf("cause lost: %v", c)
	}
}

func TestFutureRefusesToEncode(t *testing.T) {
	r := vm.NewRegistry()
	h := r.FutureValue(vm.NewFuture())

	if _, err := Marshal(h); err == nil {
		t.Fatal("a future marshaled; ownership boundary not enforced")
	}
}

func TestTransportIsolatesMutableState(t *testing.T) {
	r := vm.NewRegistry()
	comp := orderComp(t, r)

	original := r.NewCompound(comp, vm.AccessPublic, true)
	original.Fields().Set("id", r.Int(1))
	original.Fields().Set("note", r.Str("before"))

	copyFn := Transport(r)
	copied := copyFn(original)
	if copied == original {
		t.Fatal("mutable handle crossed by reference")
	}

	copied.Fields().Set("note", r.Str("after"))
	if original.Fields().Get("note").Str() != "before" {
		t.Error("mutation leaked back through the transport boundary")
	}
}
