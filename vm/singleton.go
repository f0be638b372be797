package vm

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Singleton identities
// ---------------------------------------------------------------------------

// SingletonKind selects the initializer a singleton identity runs.
type SingletonKind int

const (
	SingletonModule SingletonKind = iota
	SingletonPackage
	SingletonProperty
	SingletonClass
)

// SingletonConstant names a unique, lazily-initialized handle at
// process scope. Initialization happens on the main context; the handle
// is readable from every service afterwards.
type SingletonConstant struct {
	kind    SingletonKind
	classID ClassID
	prop    *Property
	name    string

	// hash is the content address of the identity, derived from the
	// class id and name.
	hash [32]byte

	// state: 0 untouched, 1 initializing, 2 done. The initializing
	// mark detects recursive re-entry.
	state  atomic.Int32
	handle atomic.Pointer[Handle]
}

// NewSingleton creates a singleton identity for a class-shaped constant.
func NewSingleton(kind SingletonKind, classID ClassID, name string) *SingletonConstant {
	sc := &SingletonConstant{kind: kind, classID: classID, name: name}
	sc.hash = singletonHash(classID, name)
	return sc
}

// NewPropertySingleton creates a singleton identity for a static
// property with an initializer.
func NewPropertySingleton(classID ClassID, prop *Property) *SingletonConstant {
	sc := &SingletonConstant{kind: SingletonProperty, classID: classID, prop: prop, name: prop.Name}
	sc.hash = singletonHash(classID, prop.Name)
	return sc
}

func singletonHash(classID ClassID, name string) [32]byte {
	var idBytes [4]byte
	binary.BigEndian.PutUint32(idBytes[:], uint32(classID))
	h := sha256.New()
	h.Write(idBytes[:])
	h.Write([]byte(name))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Name returns the identity's display name.
func (sc *SingletonConstant) Name() string { return sc.name }

// Hash returns the identity's content address.
func (sc *SingletonConstant) Hash() [32]byte { return sc.hash }

// Handle returns the initialized handle, or nil.
func (sc *SingletonConstant) Handle() *Handle { return sc.handle.Load() }

// markInitializing claims the identity for initialization. Reports
// false on a recursive re-entry.
func (sc *SingletonConstant) markInitializing() bool {
	return sc.state.CompareAndSwap(0, 1)
}

// setHandle publishes the initialized handle. No partial handle is ever
// visible: the state flips to done only here.
func (sc *SingletonConstant) setHandle(h *Handle) {
	sc.handle.Store(h)
	sc.state.Store(2)
}

// reset abandons a failed initialization so it can be retried.
func (sc *SingletonConstant) reset() {
	sc.state.Store(0)
}

// SingletonTable is the container-wide registry of singleton
// identities, keyed by content address.
type SingletonTable struct {
	mu      sync.Mutex
	entries map[[32]byte]*SingletonConstant
}

func newSingletonTable() *SingletonTable {
	return &SingletonTable{entries: make(map[[32]byte]*SingletonConstant)}
}

// Register adds an identity, returning the canonical entry when the
// same content address was registered before.
func (t *SingletonTable) Register(sc *SingletonConstant) *SingletonConstant {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.entries[sc.hash]; ok {
		return prev
	}
	t.entries[sc.hash] = sc
	return sc
}

// Lookup finds an identity by content address.
func (t *SingletonTable) Lookup(hash [32]byte) *SingletonConstant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[hash]
}

// ---------------------------------------------------------------------------
// Initialization
// ---------------------------------------------------------------------------

// InitConstants ensures every identity in the list is initialized, then
// proceeds with the continuation. On the main context the initializers
// run directly; any other context sends one batch message to the main
// context and waits for the aggregate future.
func InitConstants(f *Frame, list []*SingletonConstant, cont Continuation) int {
	mainChecked := false

	for _, sc := range list {
		if sc.Handle() != nil {
			continue
		}

		if !mainChecked {
			main := f.Container().MainService()
			if f.Service() != main {
				// At least one identity is uninitialized; ask the main
				// context to initialize the whole batch and wait.
				future := main.sendConstantRequest(f.fiber, list)
				wait := createWaitFrame(f, future, RetUnused)
				wait.addContinuation(cont)
				return f.callFrame(wait)
			}
			mainChecked = true
		}

		if !sc.markInitializing() {
			// Only recursion can find the mark already set while on
			// the main context.
			return f.raise(ExCircularInitialization, "circular initialization of "+sc.name)
		}

		res := sc.runInitializer(f)
		switch res {
		case RNext:
			sc.setHandle(f.popStack())

		case RException:
			sc.reset()
			return RException

		case RCall:
			captured := sc
			f.next.addContinuation(func(fc *Frame) int {
				captured.setHandle(fc.popStack())
				return InitConstants(fc, list, cont)
			})
			return RCall

		default:
			panic(&runtimeFault{kind: FaultIllegalState, msg: "InitConstants: bad outcome"})
		}
	}

	return cont(f)
}

// runInitializer starts the identity's initializer, delivering the
// result onto the frame's local stack.
func (sc *SingletonConstant) runInitializer(f *Frame) int {
	r := f.registry()

	switch sc.kind {
	case SingletonProperty:
		init := sc.prop.Initializer
		if init == nil {
			return f.raise(ExUnsupported, "static property "+sc.name+" has no initializer")
		}
		if init.IsNative() {
			return init.Native(f, nil, nil, RetLocal)
		}
		return f.call1(init, nil, make([]*Handle, init.MaxVars), RetLocal)

	default:
		class := r.ClassByID(sc.classID)
		if class == nil {
			return f.raise(ExUnsupported, fmt.Sprintf("singleton %s: unknown class %d", sc.name, sc.classID))
		}
		if !class.Singleton {
			return f.raise(ExUnsupported, "class "+class.Name+" is not a singleton")
		}
		comp, err := r.Composition(class.ID, nil)
		if err != nil {
			return f.raise(ExUnsupported, err.Error())
		}
		ctor := class.MethodFor("construct")
		if ctor == nil {
			return f.raise(ExUnsupported, "missing default constructor at "+class.Name)
		}
		return Construct(f, comp, ctor, nil, RetLocal)
	}
}

// ---------------------------------------------------------------------------
// Batch message to the main context
// ---------------------------------------------------------------------------

type constantInitRequest struct {
	caller *Fiber
	list   []*SingletonConstant
	future *Future
}

// sendConstantRequest enqueues a batch singleton-initialization message
// and returns the aggregate future.
func (s *Service) sendConstantRequest(caller *Fiber, list []*SingletonConstant) *Future {
	future := NewFuture()
	msg := &constantInitRequest{caller: caller, list: list, future: future}
	if err := s.Post(msg); err != nil {
		return s.failedFuture(err)
	}
	return future
}

func (m *constantInitRequest) createFrame(s *Service) *Frame {
	initOp := OpFunc(func(f *Frame, pc int) int {
		return InitConstants(f, m.list, func(fc *Frame) int {
			return fc.assignValue(0, fc.registry().True())
		})
	})
	frame0 := s.createServiceEntryFrame(m.caller, 1, []Op{initOp, returnOp})

	frame0.continuation = func(*Frame) int {
		sendResponse1(m.caller, frame0, m.future)
		return RNext
	}
	return frame0
}
