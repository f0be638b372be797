// Package wire encodes value handles into canonical CBOR for transport
// between services and containers. Only data travels: futures,
// references, callables and service contexts are ownership boundaries
// and refuse to encode.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"

	"github.com/vesper-lang/vesper/vm"
)

var log = commonlog.GetLogger("vesper.wire")

// cborEncMode is the canonical CBOR encoding mode, for deterministic
// bytes across containers.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Value is the transport form of one handle.
type Value struct {
	Kind    uint8    `cbor:"1,keyasint"`
	Class   int32    `cbor:"2,keyasint,omitempty"`
	Args    []int32  `cbor:"3,keyasint,omitempty"`
	Access  uint8    `cbor:"4,keyasint"`
	Mutable bool     `cbor:"5,keyasint,omitempty"`
	Int     int64    `cbor:"6,keyasint,omitempty"`
	Float   float64  `cbor:"7,keyasint,omitempty"`
	Bool    bool     `cbor:"8,keyasint,omitempty"`
	Str     string   `cbor:"9,keyasint,omitempty"`
	Fields  []Field  `cbor:"10,keyasint,omitempty"`
	Elems   []*Value `cbor:"11,keyasint,omitempty"`
	ExKind  int32    `cbor:"12,keyasint,omitempty"`
	ExMsg   string   `cbor:"13,keyasint,omitempty"`
	ExCause *Value   `cbor:"14,keyasint,omitempty"`
}

// Field is one named slot of a compound value, in declaration order.
type Field struct {
	Name  string `cbor:"1,keyasint"`
	Value *Value `cbor:"2,keyasint,omitempty"`
}

// Encode converts a handle graph to its transport form.
func Encode(h *vm.Handle) (*Value, error) {
	if h == nil {
		return nil, nil
	}
	v := &Value{
		Kind:    uint8(h.Kind()),
		Access:  uint8(h.Access()),
		Mutable: h.IsMutable(),
	}
	if comp := h.Composition(); comp != nil {
		v.Class = int32(comp.Class().ID)
		for _, a := range comp.TypeArgs() {
			v.Args = append(v.Args, int32(a))
		}
	}

	switch h.Kind() {
	case vm.KindInt:
		v.Int = h.Int()
	case vm.KindFloat:
		v.Float = h.Float()
	case vm.KindBool:
		v.Bool = h.Bool()
	case vm.KindString:
		v.Str = h.Str()
	case vm.KindTuple:
		for _, e := range h.Elements() {
			ev, err := Encode(e)
			if err != nil {
				return nil, err
			}
			v.Elems = append(v.Elems, ev)
		}
	case vm.KindCompound:
		fields := h.Fields()
		for _, name := range fields.Names() {
			fv, err := Encode(fields.Get(name))
			if err != nil {
				return nil, err
			}
			v.Fields = append(v.Fields, Field{Name: name, Value: fv})
		}
	case vm.KindExcept:
		v.ExKind = int32(h.ExceptionKind())
		v.ExMsg = h.ExceptionMessage()
		if cause := h.ExceptionCause(); cause != nil {
			cv, err := Encode(cause)
			if err != nil {
				return nil, err
			}
			v.ExCause = cv
		}
	default:
		return nil, fmt.Errorf("wire: %s values are not transportable", kindName(h.Kind()))
	}
	return v, nil
}

// Decode rebuilds a handle graph against a registry.
func Decode(r *vm.Registry, v *Value) (*vm.Handle, error) {
	if v == nil {
		return nil, nil
	}

	switch vm.ValueKind(v.Kind) {
	case vm.KindInt:
		return r.Int(v.Int), nil
	case vm.KindFloat:
		return r.Float(v.Float), nil
	case vm.KindBool:
		return r.Bool(v.Bool), nil
	case vm.KindString:
		return r.Str(v.Str), nil

	case vm.KindTuple:
		elems := make([]*vm.Handle, len(v.Elems))
		for i, ev := range v.Elems {
			e, err := Decode(r, ev)
			if err != nil {
				return nil, err
			}
			elems[i] = e
		}
		return r.Tuple(elems...), nil

	case vm.KindCompound:
		comp, err := composition(r, v)
		if err != nil {
			return nil, err
		}
		h := r.NewCompound(comp, vm.Access(v.Access), v.Mutable)
		fields := h.Fields()
		for _, fv := range v.Fields {
			if !fields.Has(fv.Name) {
				return nil, fmt.Errorf("wire: field %q not declared on %s", fv.Name, comp.Name())
			}
			val, err := Decode(r, fv.Value)
			if err != nil {
				return nil, err
			}
			fields.Set(fv.Name, val)
		}
		return h, nil

	case vm.KindExcept:
		kind := vm.ExceptionKind(v.ExKind)
		var h *vm.Handle
		if kind == vm.ExUser {
			comp, err := composition(r, v)
			if err != nil {
				return nil, err
			}
			h = r.UserException(comp, v.ExMsg)
		} else {
			h = r.NewException(kind, v.ExMsg)
		}
		if v.ExCause != nil {
			cause, err := Decode(r, v.ExCause)
			if err != nil {
				return nil, err
			}
			h = h.WithCause(cause)
		}
		return h, nil

	default:
		return nil, fmt.Errorf("wire: cannot decode kind %d", v.Kind)
	}
}

func composition(r *vm.Registry, v *Value) (*vm.Composition, error) {
	args := make([]vm.TypeID, len(v.Args))
	for i, a := range v.Args {
		args[i] = vm.TypeID(a)
	}
	comp, err := r.Composition(vm.ClassID(v.Class), args)
	if err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}
	return comp, nil
}

// Marshal serializes a handle to canonical CBOR bytes.
func Marshal(h *vm.Handle) ([]byte, error) {
	v, err := Encode(h)
	if err != nil {
		return nil, err
	}
	return cborEncMode.Marshal(v)
}

// Unmarshal deserializes a handle from CBOR bytes.
func Unmarshal(r *vm.Registry, data []byte) (*vm.Handle, error) {
	var v Value
	if err := cbor.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("wire: unmarshal value: %w", err)
	}
	return Decode(r, &v)
}

// Transport returns a handle-copy function suitable for
// vm.WithTransport: mutable payloads round-trip through the codec, so
// no mutable state is shared across a service boundary. A value the
// codec refuses falls back to crossing by reference, with a log line.
func Transport(r *vm.Registry) func(*vm.Handle) *vm.Handle {
	return func(h *vm.Handle) *vm.Handle {
		data, err := Marshal(h)
		if err != nil {
			log.Warningf("wire: passing handle by reference: %s", err)
			return h
		}
		out, err := Unmarshal(r, data)
		if err != nil {
			log.Warningf("wire: passing handle by reference: %s", err)
			return h
		}
		return out
	}
}

func kindName(k vm.ValueKind) string {
	switch k {
	case vm.KindFunction:
		return "function"
	case vm.KindFuture:
		return "future"
	case vm.KindDeferred:
		return "deferred"
	case vm.KindRef:
		return "reference"
	case vm.KindService:
		return "service"
	default:
		return fmt.Sprintf("kind-%d", k)
	}
}
