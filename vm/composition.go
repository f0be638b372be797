package vm

import (
	"fmt"
	"sort"
	"sync"
)

// ---------------------------------------------------------------------------
// Composition: class + actual type arguments, with resolution caches
// ---------------------------------------------------------------------------

// Composition is the runtime record for a class with its actual type
// arguments: identity plus the resolved dispatch caches the interpreter
// reads on the hot path. Compositions are interned by the registry and
// referenced by stable index, so handles can be transported between
// services without pointer identity.
type Composition struct {
	index    int
	class    *Class
	typeArgs []TypeID

	methods    map[string]*CallChain
	props      map[string]*Property
	fieldNames []string // root-first declaration order

	// defaultChain holds every auto-initializer and default constructor
	// of the class line, superclass-first.
	defaultChain []*Method

	autoInit  *Method
	singleton bool

	template *Template
}

// Index returns the composition's stable registry index.
func (c *Composition) Index() int { return c.index }

// Class returns the underlying class.
func (c *Composition) Class() *Class { return c.class }

// Name returns the class name.
func (c *Composition) Name() string { return c.class.Name }

// TypeArgs returns the actual type arguments.
func (c *Composition) TypeArgs() []TypeID { return c.typeArgs }

// TypeID returns the canonical type identity of this composition.
func (c *Composition) TypeID() TypeID { return TypeID(c.index) }

// IsSingleton reports whether the class has a single lazily-built instance.
func (c *Composition) IsSingleton() bool { return c.singleton }

// IsService reports whether instances are service contexts.
func (c *Composition) IsService() bool { return c.class.Service }

// MethodChain returns the resolved call chain for a signature, or nil.
func (c *Composition) MethodChain(sig string) *CallChain {
	return c.methods[sig]
}

// Property returns the resolved property descriptor by name, or nil.
func (c *Composition) Property(name string) *Property {
	return c.props[name]
}

// FieldNames returns the flattened field names in root-first declaration
// order; field maps of instances preserve this order.
func (c *Composition) FieldNames() []string { return c.fieldNames }

// DefaultChain returns the auto-initializers and default constructors of
// the class line in superclass-first order.
func (c *Composition) DefaultChain() []*Method { return c.defaultChain }

// AutoInit returns the most-derived auto-initializer, or nil.
func (c *Composition) AutoInit() *Method { return c.autoInit }

// Template returns the dispatch table for this composition.
func (c *Composition) Template() *Template { return c.template }

// ---------------------------------------------------------------------------
// CallChain: resolved method chain, most-derived first
// ---------------------------------------------------------------------------

// CallChain is the resolution of one method signature against a
// composition: the overriding methods ordered most-derived first.
type CallChain struct {
	methods []*Method
}

// Top returns the most-derived method.
func (cc *CallChain) Top() *Method { return cc.methods[0] }

// Depth returns the number of methods in the chain.
func (cc *CallChain) Depth() int { return len(cc.methods) }

// IsNative reports whether the top of the chain is host-implemented.
func (cc *CallChain) IsNative() bool { return cc.methods[0].IsNative() }

// Super returns the next method up the chain from m, or nil.
func (cc *CallChain) Super(m *Method) *Method {
	for i, cand := range cc.methods {
		if cand == m && i+1 < len(cc.methods) {
			return cc.methods[i+1]
		}
	}
	return nil
}

// Invoke dispatches the top of the chain: host handler for native
// methods, a callee frame otherwise.
func (cc *CallChain) Invoke(f *Frame, target *Handle, args []*Handle, ret int) int {
	m := cc.methods[0]
	if m.Native != nil {
		return m.Native(f, target, args, ret)
	}
	return f.call1(m, target, ensureSize(args, m.MaxVars), ret)
}

// ---------------------------------------------------------------------------
// TypeOracle: compatibility queries
// ---------------------------------------------------------------------------

// TypeOracle answers type-compatibility questions. The registry's
// hierarchy walk is the default; embedders may install a richer
// analyzer.
type TypeOracle interface {
	// IsAssignable reports whether a value of type sub may be used
	// where super is expected.
	IsAssignable(sub, super TypeID) bool
}

// ---------------------------------------------------------------------------
// Registry: interned compositions keyed by (class, type args)
// ---------------------------------------------------------------------------

// Reserved class identities for the built-in types the engine itself
// needs. Loader-assigned classes start at FirstUserClass.
const (
	classObject ClassID = iota + 1
	classInt
	classFloat
	classBool
	classString
	classTuple
	classOrdered
	classFunction
	classFuture
	classException
	classAssertionFailed
	classReadOnly
	classUnsupported
	classBounds
	classConcurrentModification
	classDeadlock
	classTimeout
	classCircularInitialization

	// FirstUserClass is the lowest class id available to loaders.
	FirstUserClass ClassID = 32
)

// Registry is the process-wide arena of classes and interned
// compositions. It is write-mostly-once: module loading populates it
// under the main service, all services read it afterwards.
type Registry struct {
	mu      sync.RWMutex
	classes map[ClassID]*Class
	comps   []*Composition
	intern  map[string]int

	oracle TypeOracle

	// Builtin compositions, resolved once at bootstrap.
	ObjectC    *Composition
	IntC       *Composition
	FloatC     *Composition
	BoolC      *Composition
	StringC    *Composition
	TupleC     *Composition
	OrderedC   *Composition
	FunctionC  *Composition
	FutureC    *Composition
	ExceptionC *Composition

	exceptionComps map[ExceptionKind]*Composition

	trueH, falseH             *Handle
	orderLT, orderEQ, orderGT *Handle
}

// NewRegistry creates a registry with the built-in classes bootstrapped.
func NewRegistry() *Registry {
	r := &Registry{
		classes:        make(map[ClassID]*Class),
		intern:         make(map[string]int),
		exceptionComps: make(map[ExceptionKind]*Composition),
	}
	r.oracle = r
	r.bootstrap()
	return r
}

func (r *Registry) bootstrap() {
	object := &Class{ID: classObject, Name: "Object"}
	r.classes[classObject] = object

	builtin := func(id ClassID, name string, super ClassID) *Class {
		c := &Class{ID: id, Name: name, Super: super}
		r.classes[id] = c
		return c
	}
	builtin(classInt, "Int", classObject)
	builtin(classFloat, "Float", classObject)
	builtin(classBool, "Bool", classObject)
	builtin(classString, "String", classObject)
	builtin(classTuple, "Tuple", classObject)
	builtin(classOrdered, "Ordered", classObject)
	builtin(classFunction, "Function", classObject)
	builtin(classFuture, "Future", classObject)
	builtin(classException, "Exception", classObject)

	exKinds := []struct {
		id   ClassID
		name string
		kind ExceptionKind
	}{
		{classAssertionFailed, "AssertionFailed", ExAssertionFailed},
		{classReadOnly, "ReadOnly", ExReadOnly},
		{classUnsupported, "Unsupported", ExUnsupported},
		{classBounds, "Bounds", ExBounds},
		{classConcurrentModification, "ConcurrentModification", ExConcurrentModification},
		{classDeadlock, "Deadlock", ExDeadlock},
		{classTimeout, "Timeout", ExTimeout},
		{classCircularInitialization, "CircularInitialization", ExCircularInitialization},
	}
	for _, e := range exKinds {
		builtin(e.id, e.name, classException)
	}

	r.ObjectC = r.MustComposition(classObject, nil)
	r.IntC = r.MustComposition(classInt, nil)
	r.FloatC = r.MustComposition(classFloat, nil)
	r.BoolC = r.MustComposition(classBool, nil)
	r.StringC = r.MustComposition(classString, nil)
	r.TupleC = r.MustComposition(classTuple, nil)
	r.OrderedC = r.MustComposition(classOrdered, nil)
	r.FunctionC = r.MustComposition(classFunction, nil)
	r.FutureC = r.MustComposition(classFuture, nil)
	r.ExceptionC = r.MustComposition(classException, nil)
	for _, e := range exKinds {
		r.exceptionComps[e.kind] = r.MustComposition(e.id, nil)
	}

	r.trueH = &Handle{comp: r.BoolC, access: AccessPublic, kind: kindBool, b: true}
	r.falseH = &Handle{comp: r.BoolC, access: AccessPublic, kind: kindBool, b: false}
	r.orderLT = &Handle{comp: r.OrderedC, access: AccessPublic, kind: kindInt, i: -1}
	r.orderEQ = &Handle{comp: r.OrderedC, access: AccessPublic, kind: kindInt, i: 0}
	r.orderGT = &Handle{comp: r.OrderedC, access: AccessPublic, kind: kindInt, i: 1}
}

// AddClass registers a loader-supplied class. Registering a duplicate or
// reserved id is an error.
func (r *Registry) AddClass(c *Class) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID < FirstUserClass {
		return fmt.Errorf("registry: class id %d is reserved (%s)", c.ID, c.Name)
	}
	if _, dup := r.classes[c.ID]; dup {
		return fmt.Errorf("registry: duplicate class id %d (%s)", c.ID, c.Name)
	}
	for _, p := range c.Properties {
		p.class = c
	}
	for _, m := range c.Methods {
		m.class = c
	}
	if c.DefaultCtor != nil {
		c.DefaultCtor.class = c
	}
	if c.AutoInit != nil {
		c.AutoInit.class = c
	}
	r.classes[c.ID] = c
	return nil
}

// ClassByID returns a registered class, or nil.
func (r *Registry) ClassByID(id ClassID) *Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.classes[id]
}

// ClassByName returns a registered class by name, or nil.
func (r *Registry) ClassByName(name string) *Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.classes {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func compKey(id ClassID, args []TypeID) string {
	key := fmt.Sprintf("%d", id)
	for _, a := range args {
		key += fmt.Sprintf(":%d", a)
	}
	return key
}

// Composition interns the composition for a class and actual type
// arguments, building its resolution caches on first request.
func (r *Registry) Composition(id ClassID, args []TypeID) (*Composition, error) {
	key := compKey(id, args)

	r.mu.RLock()
	if idx, ok := r.intern[key]; ok {
		c := r.comps[idx]
		r.mu.RUnlock()
		return c, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, ok := r.intern[key]; ok {
		return r.comps[idx], nil
	}

	class, ok := r.classes[id]
	if !ok {
		return nil, fmt.Errorf("registry: unknown class id %d", id)
	}

	comp := &Composition{
		index:     len(r.comps),
		class:     class,
		typeArgs:  append([]TypeID(nil), args...),
		methods:   make(map[string]*CallChain),
		props:     make(map[string]*Property),
		singleton: class.Singleton,
	}
	r.resolve(comp)
	comp.template = newTemplate(r, comp)
	r.comps = append(r.comps, comp)
	r.intern[key] = comp.index
	return comp, nil
}

// MustComposition is Composition for identities known to exist.
func (r *Registry) MustComposition(id ClassID, args []TypeID) *Composition {
	c, err := r.Composition(id, args)
	if err != nil {
		panic(err)
	}
	return c
}

// CompositionAt returns the composition at a stable index, or nil.
func (r *Registry) CompositionAt(index int) *Composition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.comps) {
		return nil
	}
	return r.comps[index]
}

// resolve flattens the class line into the composition's dispatch caches.
// Callers hold the registry lock.
func (r *Registry) resolve(comp *Composition) {
	var line []*Class
	for c := comp.class; c != nil; c = r.classes[c.Super] {
		line = append(line, c)
		if c.Super == NoClass {
			break
		}
	}

	// Method chains: most-derived first.
	for _, c := range line {
		for _, m := range c.Methods {
			chain := comp.methods[m.Sig]
			if chain == nil {
				chain = &CallChain{}
				comp.methods[m.Sig] = chain
			}
			chain.methods = append(chain.methods, m)
		}
	}

	// Properties and field order: root first, most-derived declaration
	// wins on a name collision.
	for i := len(line) - 1; i >= 0; i-- {
		c := line[i]
		for _, p := range c.Properties {
			if _, seen := comp.props[p.Name]; !seen {
				comp.fieldNames = append(comp.fieldNames, p.Name)
			}
			comp.props[p.Name] = p
		}
		if c.AutoInit != nil {
			comp.defaultChain = append(comp.defaultChain, c.AutoInit)
			comp.autoInit = c.AutoInit
		}
		if c.DefaultCtor != nil {
			comp.defaultChain = append(comp.defaultChain, c.DefaultCtor)
		}
	}
}

// Oracle returns the installed type oracle.
func (r *Registry) Oracle() TypeOracle { return r.oracle }

// SetOracle installs a type oracle, replacing the default hierarchy walk.
func (r *Registry) SetOracle(o TypeOracle) { r.oracle = o }

// IsAssignable is the default oracle: a hierarchy walk by class that
// compares type arguments only when the supertype carries some.
func (r *Registry) IsAssignable(sub, super TypeID) bool {
	if sub == super {
		return true
	}
	if sub == TypeNone || super == TypeNone {
		return false
	}
	subC := r.CompositionAt(int(sub))
	superC := r.CompositionAt(int(super))
	if subC == nil || superC == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := subC.class; c != nil; c = r.classes[c.Super] {
		if c.ID == superC.class.ID {
			return len(superC.typeArgs) == 0 || typeArgsEqual(subC.typeArgs, superC.typeArgs)
		}
		if c.Super == NoClass {
			break
		}
	}
	return false
}

func typeArgsEqual(a, b []TypeID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Handle constructors
// ---------------------------------------------------------------------------

// Int boxes an integer.
func (r *Registry) Int(v int64) *Handle {
	return &Handle{comp: r.IntC, access: AccessPublic, kind: kindInt, i: v}
}

// Float boxes a float.
func (r *Registry) Float(v float64) *Handle {
	return &Handle{comp: r.FloatC, access: AccessPublic, kind: kindFloat, fl: v}
}

// Bool returns the shared boolean handle for v.
func (r *Registry) Bool(v bool) *Handle {
	if v {
		return r.trueH
	}
	return r.falseH
}

// True returns the shared true handle.
func (r *Registry) True() *Handle { return r.trueH }

// False returns the shared false handle.
func (r *Registry) False() *Handle { return r.falseH }

// Str boxes a string.
func (r *Registry) Str(s string) *Handle {
	return &Handle{comp: r.StringC, access: AccessPublic, kind: kindString, s: s}
}

// Tuple boxes an element sequence.
func (r *Registry) Tuple(elems ...*Handle) *Handle {
	return &Handle{comp: r.TupleC, access: AccessPublic, kind: kindTuple, elems: elems}
}

// Ordered returns the shared ordering handle for the sign of n.
func (r *Registry) Ordered(n int) *Handle {
	switch {
	case n < 0:
		return r.orderLT
	case n > 0:
		return r.orderGT
	default:
		return r.orderEQ
	}
}

// FunctionValue boxes a callable.
func (r *Registry) FunctionValue(fh *FunctionHandle) *Handle {
	return &Handle{comp: r.FunctionC, access: AccessPublic, kind: kindFunction, fn: fh}
}

// FutureValue boxes a future as a dynamic reference handle.
func (r *Registry) FutureValue(fut *Future) *Handle {
	return &Handle{comp: r.FutureC, access: AccessPublic, kind: kindFuture, future: fut}
}

// DeferredValue boxes a deferred computation placeholder.
func (r *Registry) DeferredValue(d *DeferredCall) *Handle {
	return &Handle{comp: r.ObjectC, access: AccessPublic, kind: kindDeferred, deferred: d}
}

// RefValue boxes a reference cell.
func (r *Registry) RefValue(ref *Ref) *Handle {
	return &Handle{comp: r.ObjectC, access: AccessPublic, kind: kindRef, ref: ref}
}

// ServiceValue boxes a service context under the given composition.
func (r *Registry) ServiceValue(comp *Composition, svc *Service) *Handle {
	return &Handle{comp: comp, access: AccessPublic, kind: kindService, svc: svc}
}

// NewCompound allocates a compound handle under explicit access and
// mutability; decoders rebuilding transported values use this.
func (r *Registry) NewCompound(comp *Composition, access Access, mutable bool) *Handle {
	return &Handle{
		comp:    comp,
		access:  access,
		mutable: mutable,
		kind:    kindCompound,
		fields:  NewFieldMap(append([]string(nil), comp.FieldNames()...)),
	}
}

// NewStruct allocates a compound handle in struct access with every
// declared field present and unset.
func (r *Registry) NewStruct(comp *Composition) *Handle {
	return &Handle{
		comp:    comp,
		access:  AccessStruct,
		mutable: true,
		kind:    kindCompound,
		fields:  NewFieldMap(append([]string(nil), comp.FieldNames()...)),
	}
}

// SortedClassIDs returns registered class ids in ascending order;
// used by tooling that needs deterministic traversal.
func (r *Registry) SortedClassIDs() []ClassID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ClassID, 0, len(r.classes))
	for id := range r.classes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
