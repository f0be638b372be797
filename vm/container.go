package vm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Container: a cohort of services sharing one registry
// ---------------------------------------------------------------------------

// Container holds one or more service contexts plus the process-wide
// composition registry, the constant-handle cache and the singleton
// table. The first service created is the main context: singleton
// initialization runs there.
type Container struct {
	id       uuid.UUID
	registry *Registry

	mu       sync.Mutex
	services map[int]*Service
	nextID   int
	main     *Service

	singletons *SingletonTable

	opBudget      int
	timeout       time.Duration
	tracer        TraceSink
	transportFn   func(*Handle) *Handle
	assertRelaxed bool
}

// ContainerOption configures a container.
type ContainerOption func(*Container)

// WithOpBudget sets the per-tick op budget applied to new services.
func WithOpBudget(n int) ContainerOption {
	return func(c *Container) { c.opBudget = n }
}

// WithTimeout sets the default outgoing-call deadline budget applied to
// new services.
func WithTimeout(d time.Duration) ContainerOption {
	return func(c *Container) { c.timeout = d }
}

// WithTracer installs a diagnostic sink applied to new services.
func WithTracer(t TraceSink) ContainerOption {
	return func(c *Container) { c.tracer = t }
}

// WithTransport installs the handle transport used to deep-copy mutable
// payloads crossing a service boundary.
func WithTransport(fn func(*Handle) *Handle) ContainerOption {
	return func(c *Container) { c.transportFn = fn }
}

// WithRelaxedAsserts downgrades assertion failures from exceptions to
// log lines.
func WithRelaxedAsserts() ContainerOption {
	return func(c *Container) { c.assertRelaxed = true }
}

// NewContainer creates a container with a bootstrapped registry and a
// main service.
func NewContainer(opts ...ContainerOption) *Container {
	c := &Container{
		id:       uuid.New(),
		registry: NewRegistry(),
		services: make(map[int]*Service),
	}
	c.singletons = newSingletonTable()
	c.transportFn = deepCopy
	for _, opt := range opts {
		opt(c)
	}
	c.main = c.NewService("main")
	return c
}

// ID returns the container's unique identity.
func (c *Container) ID() uuid.UUID { return c.id }

// Registry returns the shared composition registry.
func (c *Container) Registry() *Registry { return c.registry }

// MainService returns the main context.
func (c *Container) MainService() *Service { return c.main }

// Singletons returns the container's singleton table.
func (c *Container) Singletons() *SingletonTable { return c.singletons }

// AssertStrict reports whether assertion failures raise.
func (c *Container) AssertStrict() bool { return !c.assertRelaxed }

// SetTransport replaces the handle transport after construction; used
// by hosts that build the codec against the container's own registry.
func (c *Container) SetTransport(fn func(*Handle) *Handle) { c.transportFn = fn }

// NewService creates and starts a service context.
func (c *Container) NewService(name string) *Service {
	c.mu.Lock()
	c.nextID++
	s := &Service{
		container: c,
		id:        c.nextID,
		name:      name,
		opBudget:  c.opBudget,
		timeout:   c.timeout,
		tracer:    c.tracer,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	c.services[s.id] = s
	c.mu.Unlock()

	log.Debugf("container %s: starting service %s (%d)", c.id, name, s.id)
	go s.run()
	return s
}

// removeService drops a service whose construction failed and stops its
// scheduler.
func (c *Container) removeService(s *Service) {
	c.mu.Lock()
	delete(c.services, s.id)
	c.mu.Unlock()
	s.Shutdown()
}

// Services returns a snapshot of the live services.
func (c *Container) Services() []*Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Service, 0, len(c.services))
	for _, s := range c.services {
		out = append(out, s)
	}
	return out
}

// transport passes an argument vector across a service boundary:
// immutable handles travel by reference, mutable ones are deep-copied
// so no shared mutable state crosses services.
func (c *Container) transport(args []*Handle) []*Handle {
	var out []*Handle
	for i, h := range args {
		if h == nil || !h.mutable {
			continue
		}
		if out == nil {
			out = make([]*Handle, len(args))
			copy(out, args)
		}
		out[i] = c.transportFn(h)
	}
	if out == nil {
		return args
	}
	return out
}

// ---------------------------------------------------------------------------
// Host embedding surface
// ---------------------------------------------------------------------------

// Submit posts a single-return invocation of a function onto the given
// service on behalf of the host and returns its future.
func (c *Container) Submit(target *Service, fn *FunctionHandle, args []*Handle) *Future {
	return target.SendInvoke1(nil, fn, args, 1)
}

// SubmitN posts a multi-return invocation on behalf of the host.
func (c *Container) SubmitN(target *Service, fn *FunctionHandle, args []*Handle, returns int) []*Future {
	return target.SendInvokeN(nil, fn, args, returns)
}

// Shutdown drains every service and waits for their schedulers to
// terminate or the context to expire.
func (c *Container) Shutdown(ctx context.Context) error {
	for _, s := range c.Services() {
		s.Shutdown()
	}
	for _, s := range c.Services() {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return fmt.Errorf("container shutdown: %w", ctx.Err())
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Transport default: structural deep copy
// ---------------------------------------------------------------------------

// deepCopy clones a mutable handle graph. Immutable nodes are shared;
// futures, references and callables are ownership boundaries and cross
// by reference.
func deepCopy(h *Handle) *Handle {
	if h == nil || !h.mutable {
		return h
	}
	clone := *h
	if h.fields != nil {
		fm := NewFieldMap(h.fields.names)
		for _, name := range h.fields.names {
			fm.vals[name] = deepCopy(h.fields.vals[name])
		}
		clone.fields = fm
	}
	if h.elems != nil {
		elems := make([]*Handle, len(h.elems))
		for i, e := range h.elems {
			elems[i] = deepCopy(e)
		}
		clone.elems = elems
	}
	return &clone
}
