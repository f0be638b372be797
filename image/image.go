// Package image reads and writes Vesper module images: a CBOR container
// holding the class directory, method directory and constant pool of a
// compiled module. Decoding resolves every constant and verifies every
// opcode against the closed op set, so a corrupt or newer image fails at
// load time rather than mid-execution.
package image

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/vesper-lang/vesper/vm"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Opcode identifiers. The set is closed: a decoder meeting anything
// else refuses the image.
const (
	OpNop uint8 = iota
	OpConst
	OpMove
	OpDVar
	OpJump
	OpJumpIf
	OpArith
	OpIsEq
	OpCmp
	OpPGet
	OpPSet
	OpPIncDec
	OpPInPlace
	OpInvoke1
	OpInvokeN
	OpCallFn
	OpNew
	OpSuperConstruct
	OpReturn0
	OpReturn1
	OpReturnN
	OpRaise
	OpThrow
	OpGuardStart
	OpGuardEnd
	OpAssert
	OpYield
	OpAwait
	OpDeferClose
	OpThis

	opLimit
)

// Module is the decoded form of one module image.
type Module struct {
	Name    string     `cbor:"1,keyasint"`
	Entry   string     `cbor:"2,keyasint,omitempty"`
	Classes []ClassDef `cbor:"3,keyasint,omitempty"`
}

// ClassDef describes one class.
type ClassDef struct {
	ID          int32       `cbor:"1,keyasint"`
	Name        string      `cbor:"2,keyasint"`
	Super       int32       `cbor:"3,keyasint,omitempty"`
	Service     bool        `cbor:"4,keyasint,omitempty"`
	Singleton   bool        `cbor:"5,keyasint,omitempty"`
	Properties  []PropDef   `cbor:"6,keyasint,omitempty"`
	Methods     []MethodDef `cbor:"7,keyasint,omitempty"`
	DefaultCtor *MethodDef  `cbor:"8,keyasint,omitempty"`
	AutoInit    *MethodDef  `cbor:"9,keyasint,omitempty"`
}

// PropDef describes one declared property.
type PropDef struct {
	Name     string `cbor:"1,keyasint"`
	Type     int32  `cbor:"2,keyasint,omitempty"`
	Ref      bool   `cbor:"3,keyasint,omitempty"`
	ReadOnly bool   `cbor:"4,keyasint,omitempty"`
	Atomic   bool   `cbor:"5,keyasint,omitempty"`
	Static   bool   `cbor:"6,keyasint,omitempty"`
}

// MethodDef describes one method: op vector plus frame metadata.
type MethodDef struct {
	Name    string     `cbor:"1,keyasint"`
	Sig     string     `cbor:"2,keyasint"`
	Params  int        `cbor:"3,keyasint,omitempty"`
	Returns int        `cbor:"4,keyasint,omitempty"`
	MaxVars int        `cbor:"5,keyasint,omitempty"`
	Cond    bool       `cbor:"6,keyasint,omitempty"`
	Static  bool       `cbor:"7,keyasint,omitempty"`
	Ops     []OpDef    `cbor:"8,keyasint,omitempty"`
	Finally *MethodDef `cbor:"9,keyasint,omitempty"`
}

// OpDef is one encoded op. The operand fields are shared across
// opcodes; the per-opcode shapes are fixed in buildOp.
type OpDef struct {
	Code    uint8      `cbor:"1,keyasint"`
	A       int        `cbor:"2,keyasint,omitempty"`
	B       int        `cbor:"3,keyasint,omitempty"`
	C       int        `cbor:"4,keyasint,omitempty"`
	Flag    bool       `cbor:"5,keyasint,omitempty"`
	Flag2   bool       `cbor:"6,keyasint,omitempty"`
	Kind    uint8      `cbor:"7,keyasint,omitempty"`
	Sym     string     `cbor:"8,keyasint,omitempty"`
	Class   int32      `cbor:"9,keyasint,omitempty"`
	Type    int32      `cbor:"10,keyasint,omitempty"`
	Args    []int      `cbor:"11,keyasint,omitempty"`
	Rets    []int      `cbor:"12,keyasint,omitempty"`
	Str     string     `cbor:"13,keyasint,omitempty"`
	Const   *ConstDef  `cbor:"14,keyasint,omitempty"`
	Catches []CatchDef `cbor:"15,keyasint,omitempty"`
}

// ConstDef is one constant-pool entry, inlined at its use site.
type ConstDef struct {
	Kind  uint8   `cbor:"1,keyasint"`
	Int   int64   `cbor:"2,keyasint,omitempty"`
	Float float64 `cbor:"3,keyasint,omitempty"`
	Bool  bool    `cbor:"4,keyasint,omitempty"`
	Str   string  `cbor:"5,keyasint,omitempty"`
}

// Constant kinds.
const (
	ConstInt uint8 = iota
	ConstFloat
	ConstBool
	ConstString
)

// CatchDef is one guard handler.
type CatchDef struct {
	Type    int32 `cbor:"1,keyasint"`
	Handler int   `cbor:"2,keyasint"`
	Slot    int   `cbor:"3,keyasint"`
}

// Encode serializes a module image to canonical CBOR bytes.
func Encode(m *Module) ([]byte, error) {
	return cborEncMode.Marshal(m)
}

// Decode deserializes a module image, verifying the opcode set.
func Decode(data []byte) (*Module, error) {
	var m Module
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("image: unmarshal module: %w", err)
	}
	for ci := range m.Classes {
		c := &m.Classes[ci]
		for mi := range c.Methods {
			if err := verifyOps(&c.Methods[mi]); err != nil {
				return nil, fmt.Errorf("image: %s.%s: %w", c.Name, c.Methods[mi].Name, err)
			}
		}
		if c.DefaultCtor != nil {
			if err := verifyOps(c.DefaultCtor); err != nil {
				return nil, fmt.Errorf("image: %s default constructor: %w", c.Name, err)
			}
		}
		if c.AutoInit != nil {
			if err := verifyOps(c.AutoInit); err != nil {
				return nil, fmt.Errorf("image: %s auto-initializer: %w", c.Name, err)
			}
		}
	}
	return &m, nil
}

func verifyOps(m *MethodDef) error {
	for i, op := range m.Ops {
		if op.Code >= uint8(opLimit) {
			return fmt.Errorf("unknown opcode 0x%02X at %d", op.Code, i)
		}
	}
	if m.Finally != nil {
		return verifyOps(m.Finally)
	}
	return nil
}

// Install registers the module's classes with a registry and builds
// their op vectors. Classes register first so forward references
// resolve; op vectors build in a second pass.
func Install(r *vm.Registry, m *Module) error {
	built := make([]*vm.Class, len(m.Classes))

	for i := range m.Classes {
		def := &m.Classes[i]
		c := &vm.Class{
			ID:        vm.ClassID(def.ID),
			Name:      def.Name,
			Super:     vm.ClassID(def.Super),
			Service:   def.Service,
			Singleton: def.Singleton,
		}
		for _, p := range def.Properties {
			c.Properties = append(c.Properties, &vm.Property{
				Name:       p.Name,
				Type:       vm.TypeID(p.Type),
				RefWrapped: p.Ref,
				ReadOnly:   p.ReadOnly,
				Atomic:     p.Atomic,
				Static:     p.Static,
			})
		}
		for j := range def.Methods {
			c.Methods = append(c.Methods, newMethod(&def.Methods[j]))
		}
		if def.DefaultCtor != nil {
			c.DefaultCtor = newMethod(def.DefaultCtor)
		}
		if def.AutoInit != nil {
			c.AutoInit = newMethod(def.AutoInit)
		}
		if err := r.AddClass(c); err != nil {
			return fmt.Errorf("image: %w", err)
		}
		built[i] = c
	}

	for i := range m.Classes {
		def := &m.Classes[i]
		c := built[i]
		for j := range def.Methods {
			if err := buildOps(r, c.Methods[j], &def.Methods[j]); err != nil {
				return fmt.Errorf("image: %s.%s: %w", c.Name, c.Methods[j].Name, err)
			}
		}
		if def.DefaultCtor != nil {
			if err := buildOps(r, c.DefaultCtor, def.DefaultCtor); err != nil {
				return fmt.Errorf("image: %s default constructor: %w", c.Name, err)
			}
		}
		if def.AutoInit != nil {
			if err := buildOps(r, c.AutoInit, def.AutoInit); err != nil {
				return fmt.Errorf("image: %s auto-initializer: %w", c.Name, err)
			}
		}
	}
	return nil
}

func newMethod(def *MethodDef) *vm.Method {
	m := &vm.Method{
		Name:       def.Name,
		Sig:        def.Sig,
		Params:     def.Params,
		Returns:    def.Returns,
		CondReturn: def.Cond,
		MaxVars:    def.MaxVars,
		Static:     def.Static,
	}
	if def.Finally != nil {
		m.Finally = newMethod(def.Finally)
	}
	return m
}

func buildOps(r *vm.Registry, m *vm.Method, def *MethodDef) error {
	m.Ops = make([]vm.Op, len(def.Ops))
	for i := range def.Ops {
		op, err := buildOp(r, &def.Ops[i])
		if err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
		m.Ops[i] = op
	}
	if def.Finally != nil {
		return buildOps(r, m.Finally, def.Finally)
	}
	return nil
}

func buildOp(r *vm.Registry, d *OpDef) (vm.Op, error) {
	switch d.Code {
	case OpNop:
		return vm.Nop{}, nil
	case OpConst:
		h, err := constHandle(r, d.Const)
		if err != nil {
			return nil, err
		}
		return vm.Const{Value: h, Dst: d.A}, nil
	case OpMove:
		return vm.Move{Src: d.A, Dst: d.B}, nil
	case OpDVar:
		return vm.DVar{Slot: d.A, Type: vm.TypeID(d.Type), Dynamic: d.Flag}, nil
	case OpJump:
		return vm.Jump{Target: d.A}, nil
	case OpJumpIf:
		return vm.JumpIf{Cond: d.A, Target: d.B, When: d.Flag}, nil
	case OpArith:
		return vm.Arith{Kind: d.Kind, A: d.A, B: d.B, Dst: d.C}, nil
	case OpIsEq:
		return vm.IsEq{Type: vm.TypeID(d.Type), A: d.A, B: d.B, Dst: d.C}, nil
	case OpCmp:
		return vm.Cmp{Type: vm.TypeID(d.Type), A: d.A, B: d.B, Dst: d.C}, nil
	case OpPGet:
		return vm.PGet{Target: d.A, Prop: d.Sym, Dst: d.B}, nil
	case OpPSet:
		return vm.PSet{Target: d.A, Prop: d.Sym, Src: d.B}, nil
	case OpPIncDec:
		return vm.PIncDec{Target: d.A, Prop: d.Sym, Dec: d.Flag, Post: d.Flag2, Dst: d.B}, nil
	case OpPInPlace:
		return vm.PInPlace{Target: d.A, Prop: d.Sym, Kind: d.Kind, Arg: d.B}, nil
	case OpInvoke1:
		return vm.Invoke1{Target: d.A, Sig: d.Sym, Args: d.Args, Ret: d.B}, nil
	case OpInvokeN:
		return vm.InvokeN{Target: d.A, Sig: d.Sym, Args: d.Args, RetSlots: d.Rets, Cond: d.Flag}, nil
	case OpCallFn:
		return vm.CallFn{Fn: d.A, Args: d.Args, Ret: d.B}, nil
	case OpNew:
		comp, ctor, err := ctorRef(r, d)
		if err != nil {
			return nil, err
		}
		return vm.New{Comp: comp, Ctor: ctor, Args: d.Args, Ret: d.A}, nil
	case OpSuperConstruct:
		_, ctor, err := ctorRef(r, d)
		if err != nil {
			return nil, err
		}
		return vm.SuperConstructOp{Ctor: ctor, Args: d.Args}, nil
	case OpReturn0:
		return vm.Return0{}, nil
	case OpReturn1:
		return vm.Return1{Src: d.A}, nil
	case OpReturnN:
		return vm.ReturnN{Srcs: d.Args}, nil
	case OpRaise:
		return vm.Raise{Kind: vm.ExceptionKind(d.Kind), Msg: d.Str}, nil
	case OpThrow:
		return vm.Throw{Src: d.A}, nil
	case OpGuardStart:
		catches := make([]vm.GuardCatch, len(d.Catches))
		for i, c := range d.Catches {
			catches[i] = vm.GuardCatch{Type: vm.TypeID(c.Type), Handler: c.Handler, Slot: c.Slot}
		}
		return vm.GuardStart{Catches: catches}, nil
	case OpGuardEnd:
		return vm.GuardEnd{}, nil
	case OpAssert:
		return vm.Assert{Cond: d.A, Msg: d.Str}, nil
	case OpYield:
		return vm.YieldOp{}, nil
	case OpAwait:
		return vm.Await{Src: d.A, Dst: d.B}, nil
	case OpDeferClose:
		return vm.DeferClose{Src: d.A, Sig: d.Sym}, nil
	case OpThis:
		return vm.This{Dst: d.A}, nil
	default:
		return nil, fmt.Errorf("unknown opcode 0x%02X", d.Code)
	}
}

func ctorRef(r *vm.Registry, d *OpDef) (*vm.Composition, *vm.Method, error) {
	class := r.ClassByID(vm.ClassID(d.Class))
	if class == nil {
		return nil, nil, fmt.Errorf("unknown class id %d", d.Class)
	}
	comp, err := r.Composition(class.ID, nil)
	if err != nil {
		return nil, nil, err
	}
	ctor := class.MethodFor(d.Sym)
	if ctor == nil {
		return nil, nil, fmt.Errorf("class %s has no constructor %q", class.Name, d.Sym)
	}
	return comp, ctor, nil
}

func constHandle(r *vm.Registry, c *ConstDef) (*vm.Handle, error) {
	if c == nil {
		return nil, fmt.Errorf("constant op without constant")
	}
	switch c.Kind {
	case ConstInt:
		return r.Int(c.Int), nil
	case ConstFloat:
		return r.Float(c.Float), nil
	case ConstBool:
		return r.Bool(c.Bool), nil
	case ConstString:
		return r.Str(c.Str), nil
	default:
		return nil, fmt.Errorf("unknown constant kind %d", c.Kind)
	}
}

// EntryFunction resolves the module's entry point ("Class.method")
// against the installed registry.
func EntryFunction(r *vm.Registry, m *Module) (*vm.FunctionHandle, error) {
	if m.Entry == "" {
		return nil, fmt.Errorf("image: module %s has no entry point", m.Name)
	}
	for i := len(m.Entry) - 1; i >= 0; i-- {
		if m.Entry[i] == '.' {
			className, sig := m.Entry[:i], m.Entry[i+1:]
			class := r.ClassByName(className)
			if class == nil {
				return nil, fmt.Errorf("image: entry class %q not found", className)
			}
			method := class.MethodFor(sig)
			if method == nil {
				return nil, fmt.Errorf("image: entry method %q not found on %s", sig, className)
			}
			return vm.NewFunctionHandle(method), nil
		}
	}
	return nil, fmt.Errorf("image: malformed entry %q", m.Entry)
}
