package vm

// ---------------------------------------------------------------------------
// Class: loader-supplied structure of a runtime class
// ---------------------------------------------------------------------------

// ClassID identifies a class within a registry. Zero is reserved for
// "no class" (a missing superclass link).
type ClassID int32

// NoClass marks the absent superclass of a root class.
const NoClass ClassID = 0

// TypeID is the canonical identity of a composition's type, used for all
// compatibility queries against the type oracle.
type TypeID int32

// TypeNone is the type of handles that carry no composition, such as
// runtime faults. It is assignable to nothing.
const TypeNone TypeID = -1

// Class is the immutable structure the module loader supplies for one
// class: identity, inheritance link, declared properties and methods.
// The interpreter never mutates a Class after registration.
type Class struct {
	ID    ClassID
	Name  string
	Super ClassID

	// Service marks classes whose instances are service contexts;
	// constructing one spins up a new single-threaded executor.
	Service bool

	// Singleton marks classes with exactly one lazily-built instance.
	Singleton bool

	Properties []*Property
	Methods    []*Method

	// DefaultCtor is the parameterless constructor run for this class
	// during every construction of it or a subclass, before the primary
	// constructor. Optional.
	DefaultCtor *Method

	// AutoInit is the synthetic field initializer, run by the default
	// constructor chain when present. Optional.
	AutoInit *Method
}

// Property describes one declared property: its storage field plus
// optional accessor methods and flags.
type Property struct {
	Name string
	Type TypeID

	// RefWrapped properties store a Ref in the field; reads and writes
	// go through the wrapper.
	RefWrapped bool

	ReadOnly bool
	Atomic   bool
	Static   bool

	// Getter and Setter, when set, replace direct field access outside
	// struct access.
	Getter *Method
	Setter *Method

	// Initializer computes the value of a static property on first use.
	Initializer *Method

	class *Class
}

// Class returns the class that declared the property.
func (p *Property) Class() *Class { return p.class }

// MethodFor returns the class's own method with the given signature, or
// nil. Inherited methods are resolved through the composition's call
// chains, not here.
func (c *Class) MethodFor(sig string) *Method {
	for _, m := range c.Methods {
		if m.Sig == sig {
			return m
		}
	}
	return nil
}

// PropertyFor returns the class's own property by name, or nil.
func (c *Class) PropertyFor(name string) *Property {
	for _, p := range c.Properties {
		if p.Name == name {
			return p
		}
	}
	return nil
}
