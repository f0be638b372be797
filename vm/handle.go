package vm

import "fmt"

// ---------------------------------------------------------------------------
// Handle: boxed runtime value
// ---------------------------------------------------------------------------

// Access is the visibility under which a handle is being used. A freshly
// allocated compound value starts in struct access (all fields visible,
// mutable); construction flips it to public on success. Finalizers run
// under private access.
type Access uint8

const (
	AccessStruct Access = iota
	AccessPrivate
	AccessPublic
)

func (a Access) String() string {
	switch a {
	case AccessStruct:
		return "struct"
	case AccessPrivate:
		return "private"
	default:
		return "public"
	}
}

type handleKind uint8

const (
	kindCompound handleKind = iota
	kindInt
	kindFloat
	kindBool
	kindString
	kindTuple
	kindFunction
	kindFuture
	kindDeferred
	kindRef
	kindException
	kindService
)

// Handle is the uniform boxed representation of a runtime value. The
// payload variant is fixed at creation; composition, access and
// mutability describe how the payload may be used.
type Handle struct {
	comp    *Composition
	access  Access
	mutable bool

	kind     handleKind
	fields   *FieldMap
	elems    []*Handle // tuple payload
	i        int64
	fl       float64
	b        bool
	s        string
	fn       *FunctionHandle
	future   *Future
	deferred *DeferredCall
	ref      *Ref
	ex       *exceptionInfo
	svc      *Service
}

// DefaultValue is the placeholder a service substitutes for the value
// slots of a negative conditional return crossing a service boundary.
var DefaultValue = &Handle{}

// ValueKind is the exported payload discriminator of a handle.
type ValueKind uint8

const (
	KindCompound ValueKind = ValueKind(kindCompound)
	KindInt      ValueKind = ValueKind(kindInt)
	KindFloat    ValueKind = ValueKind(kindFloat)
	KindBool     ValueKind = ValueKind(kindBool)
	KindString   ValueKind = ValueKind(kindString)
	KindTuple    ValueKind = ValueKind(kindTuple)
	KindFunction ValueKind = ValueKind(kindFunction)
	KindFuture   ValueKind = ValueKind(kindFuture)
	KindDeferred ValueKind = ValueKind(kindDeferred)
	KindRef      ValueKind = ValueKind(kindRef)
	KindExcept   ValueKind = ValueKind(kindException)
	KindService  ValueKind = ValueKind(kindService)
)

// Kind returns the handle's payload discriminator.
func (h *Handle) Kind() ValueKind { return ValueKind(h.kind) }

// Composition returns the handle's composition record.
func (h *Handle) Composition() *Composition { return h.comp }

// Type returns the canonical type of the handle's composition.
func (h *Handle) Type() TypeID {
	if h.comp == nil {
		return TypeNone
	}
	return h.comp.TypeID()
}

// IsMutable reports whether the payload may be written through this handle.
func (h *Handle) IsMutable() bool { return h.mutable }

// IsStruct reports whether the handle is in struct access.
func (h *Handle) IsStruct() bool { return h.access == AccessStruct }

// Access returns the handle's current access.
func (h *Handle) Access() Access { return h.access }

// ensureAccess returns a view of the handle under the requested access.
// The payload is shared; only the access marker differs.
func (h *Handle) ensureAccess(access Access) *Handle {
	if h.access == access {
		return h
	}
	clone := *h
	clone.access = access
	return &clone
}

// Fields returns the field map of a compound handle, or nil.
func (h *Handle) Fields() *FieldMap { return h.fields }

// IsCompound reports whether the handle carries a field map.
func (h *Handle) IsCompound() bool { return h.kind == kindCompound }

// Int returns the integer payload. Valid only for integer handles.
func (h *Handle) Int() int64 { return h.i }

// Float returns the float payload.
func (h *Handle) Float() float64 { return h.fl }

// Bool returns the boolean payload.
func (h *Handle) Bool() bool { return h.b }

// Str returns the string payload.
func (h *Handle) Str() string { return h.s }

// Elements returns the elements of a tuple handle.
func (h *Handle) Elements() []*Handle { return h.elems }

// Function returns the callable payload, or nil.
func (h *Handle) Function() *FunctionHandle { return h.fn }

// Future returns the future payload, or nil.
func (h *Handle) Future() *Future { return h.future }

// Deferred returns the deferred-call payload, or nil.
func (h *Handle) Deferred() *DeferredCall { return h.deferred }

// Refer returns the reference payload, or nil.
func (h *Handle) Refer() *Ref { return h.ref }

// Service returns the service payload, or nil.
func (h *Handle) Service() *Service { return h.svc }

// IsException reports whether the handle carries an exception payload.
func (h *Handle) IsException() bool { return h.kind == kindException }

// isDeferred reports whether an argument slot still needs resolution
// before an op may read it.
func isDeferred(h *Handle) bool {
	return h != nil && h.kind == kindDeferred
}

func (h *Handle) String() string {
	if h == nil {
		return "<nil>"
	}
	if h == DefaultValue {
		return "<default>"
	}
	switch h.kind {
	case kindInt:
		return fmt.Sprintf("%d", h.i)
	case kindFloat:
		return fmt.Sprintf("%g", h.fl)
	case kindBool:
		return fmt.Sprintf("%t", h.b)
	case kindString:
		return fmt.Sprintf("%q", h.s)
	case kindTuple:
		return fmt.Sprintf("tuple/%d", len(h.elems))
	case kindFunction:
		return "function " + h.fn.method.Name
	case kindFuture:
		return "future"
	case kindDeferred:
		return "deferred"
	case kindRef:
		return "ref " + h.ref.name
	case kindException:
		return fmt.Sprintf("exception %s: %s", h.ex.kind, h.ex.msg)
	case kindService:
		return "service " + h.svc.Name()
	default:
		if h.comp != nil {
			return fmt.Sprintf("%s(%s)", h.comp.Name(), h.access)
		}
		return "<handle>"
	}
}

// ---------------------------------------------------------------------------
// FieldMap: ordered field storage for compound handles
// ---------------------------------------------------------------------------

// FieldMap stores a compound value's fields in declaration order.
type FieldMap struct {
	names []string
	vals  map[string]*Handle
}

// NewFieldMap creates a field map with the given declared order. All
// fields are present and unset.
func NewFieldMap(names []string) *FieldMap {
	fm := &FieldMap{
		names: names,
		vals:  make(map[string]*Handle, len(names)),
	}
	for _, n := range names {
		fm.vals[n] = nil
	}
	return fm
}

// Names returns the field names in declaration order.
func (fm *FieldMap) Names() []string { return fm.names }

// Has reports whether the field is declared.
func (fm *FieldMap) Has(name string) bool {
	_, ok := fm.vals[name]
	return ok
}

// Get returns the field value; nil means declared but unset.
func (fm *FieldMap) Get(name string) *Handle { return fm.vals[name] }

// Set stores a field value. Setting an undeclared field is an
// engineering error and panics.
func (fm *FieldMap) Set(name string, h *Handle) {
	if _, ok := fm.vals[name]; !ok {
		panic(fmt.Sprintf("FieldMap.Set: undeclared field %q", name))
	}
	fm.vals[name] = h
}

// clone copies the map; values are shared.
func (fm *FieldMap) clone() *FieldMap {
	c := &FieldMap{
		names: fm.names,
		vals:  make(map[string]*Handle, len(fm.vals)),
	}
	for k, v := range fm.vals {
		c.vals[k] = v
	}
	return c
}

// ---------------------------------------------------------------------------
// Ref: reference-wrapped values
// ---------------------------------------------------------------------------

// Ref is the payload of a reference handle: a named cell whose get and
// set may run through the outcome protocol. Dynamic refs are backed by a
// future and materialize when the future completes.
type Ref struct {
	name     string
	referent *Handle
	future   *Future
}

// NewRef creates a plain reference cell holding the given referent.
func NewRef(name string, referent *Handle) *Ref {
	return &Ref{name: name, referent: referent}
}

// Get places the referent into the given return slot. For dynamic refs
// whose future is still pending it reports RRepeat; a failed future
// re-raises its fault on the frame.
func (r *Ref) Get(f *Frame, ret int) int {
	if r.future != nil {
		value, fault, done := r.future.Peek()
		if !done {
			return RRepeat
		}
		if fault != nil {
			return f.raiseHandle(fault)
		}
		return f.assignValue(ret, value)
	}
	if r.referent == nil {
		return f.raise(ExUnsupported, "unassigned reference "+r.name)
	}
	return f.assignValue(ret, r.referent)
}

// Set stores a new referent. For dynamic refs this completes the backing
// future; completing it twice is a fault.
func (r *Ref) Set(f *Frame, h *Handle) int {
	if r.future != nil {
		if !r.future.Complete(h) {
			return f.raise(ExUnsupported, "reference "+r.name+" already assigned")
		}
		return RNext
	}
	r.referent = h
	return RNext
}

// ---------------------------------------------------------------------------
// FunctionHandle: callable payload
// ---------------------------------------------------------------------------

// FunctionHandle is a callable: a method optionally bound to a target
// and to leading arguments.
type FunctionHandle struct {
	method *Method
	target *Handle
	bound  []*Handle
}

// NewFunctionHandle wraps a method as a callable.
func NewFunctionHandle(m *Method) *FunctionHandle {
	return &FunctionHandle{method: m}
}

// Bind returns a new callable with the target and leading arguments bound.
func (fh *FunctionHandle) Bind(target *Handle, args []*Handle) *FunctionHandle {
	return &FunctionHandle{method: fh.method, target: target, bound: args}
}

// Method returns the underlying method.
func (fh *FunctionHandle) Method() *Method { return fh.method }

// ReturnCount returns the callee's declared return count.
func (fh *FunctionHandle) ReturnCount() int { return fh.method.Returns }

// call assembles the full argument vector (bound then supplied) and
// invokes the method into the given return disposition. Native methods
// dispatch through the host handler; only interpreted methods get a
// callee frame.
func (fh *FunctionHandle) call(f *Frame, args []*Handle, ret int, retSlots []int) int {
	all := args
	if len(fh.bound) > 0 {
		all = make([]*Handle, 0, len(fh.bound)+len(args))
		all = append(all, fh.bound...)
		all = append(all, args...)
	}
	if fh.method.IsNative() {
		if retSlots != nil {
			return f.raise(ExUnsupported, "native method "+fh.method.Name+" has a single return")
		}
		return fh.method.Native(f, fh.target, all, ret)
	}
	vars := ensureSize(all, fh.method.MaxVars)
	if retSlots != nil {
		return f.callN(fh.method, fh.target, vars, retSlots)
	}
	return f.call1(fh.method, fh.target, vars, ret)
}

// Call1 invokes the callable with zero or one return value.
func (fh *FunctionHandle) Call1(f *Frame, args []*Handle, ret int) int {
	return fh.call(f, args, ret, nil)
}

// CallN invokes the callable with multiple return values.
func (fh *FunctionHandle) CallN(f *Frame, args []*Handle, retSlots []int) int {
	return fh.call(f, args, RetMulti, retSlots)
}

// ensureSize grows an argument array to the callee's max-vars. The
// original array is reused when already large enough.
func ensureSize(args []*Handle, vars int) []*Handle {
	if len(args) >= vars {
		return args
	}
	grown := make([]*Handle, vars)
	copy(grown, args)
	return grown
}
