package vm

import "time"

// ---------------------------------------------------------------------------
// Cross-service messaging
// ---------------------------------------------------------------------------

// Message is a request parked in a service's inbound queue. Picking it
// up creates the synthetic service-entry frame that performs the work.
type Message interface {
	createFrame(s *Service) *Frame
}

// Response is a completed cross-service result routed back to the
// caller's service. Responses never execute user code; they only
// complete futures and set the responded hint.
type Response struct {
	fiber   *Fiber
	value   *Handle
	values  []*Handle
	fault   *Handle
	future  *Future
	futures []*Future
}

func (r *Response) run() {
	if r.fiber != nil {
		r.fiber.responded.Store(true)
	}
	switch {
	case r.fault != nil:
		if r.future != nil {
			r.future.Fail(r.fault)
		}
		for _, fut := range r.futures {
			fut.Fail(r.fault)
		}
	case r.futures != nil:
		for i, fut := range r.futures {
			fut.Complete(r.values[i])
		}
	case r.future != nil:
		r.future.Complete(r.value)
	}
}

// createServiceEntryFrame builds the proto frame of a new fiber: one
// dynamic-reference slot per return value, each backed by a fresh
// future, and the fixed two-op program supplied by the message.
func (s *Service) createServiceEntryFrame(caller *Fiber, returns int, ops []Op) *Frame {
	fiber := NewFiber(s, caller)
	if caller != nil && !caller.deadline.IsZero() {
		// The causal chain shares the caller's deadline.
		fiber.deadline = caller.deadline
	}

	vars := make([]*Handle, returns)
	frame := newFrame(fiber, nil, nil, nil, vars, RetUnused, nil)
	frame.ops = ops

	r := s.container.registry
	for i := 0; i < returns; i++ {
		frame.introduceVar(i, r.FutureC.TypeID(), true, r.FutureValue(NewFuture()))
	}
	return frame
}

// returnOp is the generic second op of every service-entry program.
var returnOp = OpFunc(func(f *Frame, pc int) int { return RReturn })

// sendResponse1 posts a zero-or-one-value result back to the caller's
// service. When the proto frame's future has not resolved yet, the
// response is posted on completion.
func sendResponse1(caller *Fiber, frame *Frame, future *Future) {
	if ex := frame.exception; ex != nil {
		respondTo(caller, &Response{fiber: caller, fault: ex, future: future})
		return
	}

	cf := frame.vars[0].Future()
	if value, fault, done := cf.Peek(); done && fault == nil {
		// common path
		respondTo(caller, &Response{fiber: caller, value: value, future: future})
		return
	}
	cf.WhenComplete(func(value, fault *Handle) {
		respondTo(caller, &Response{fiber: caller, value: value, fault: fault, future: future})
	})
}

// failedFuture wraps a send-time error (service refusing messages) as a
// future already completed exceptionally.
func (s *Service) failedFuture(err error) *Future {
	fut := NewFuture()
	fut.Fail(s.container.registry.NewException(ExUnsupported, err.Error()))
	return fut
}

// ---------------------------------------------------------------------------
// Construct request
// ---------------------------------------------------------------------------

type constructRequest struct {
	caller *Fiber
	comp   *Composition
	ctor   *Method
	args   []*Handle
	future *Future
}

// SendConstruct enqueues a "construct service" message: the target
// builds its own instance on its own fiber and responds with a service
// handle.
func (s *Service) SendConstruct(callerFrame *Frame, comp *Composition, ctor *Method, args []*Handle) *Future {
	future := NewFuture()
	msg := &constructRequest{
		caller: callerFrame.fiber,
		comp:   comp,
		ctor:   ctor,
		args:   s.container.transport(args),
		future: future,
	}
	if err := s.Post(msg); err != nil {
		return s.failedFuture(err)
	}
	future.WhenComplete(func(_, fault *Handle) {
		if fault != nil {
			// Construction failed; the half-built service dies with it.
			s.container.removeService(s)
		}
	})
	return future
}

func (m *constructRequest) createFrame(s *Service) *Frame {
	construct := OpFunc(func(f *Frame, pc int) int {
		return Construct(f, m.comp, m.ctor, m.args, 0)
	})
	frame0 := s.createServiceEntryFrame(m.caller, 1, []Op{construct, returnOp})

	frame0.continuation = func(*Frame) int {
		if ex := frame0.exception; ex != nil {
			s.container.removeService(s)
			respondTo(m.caller, &Response{fiber: m.caller, fault: ex, future: m.future})
			return RNext
		}
		frame0.vars[0].Future().WhenComplete(func(value, fault *Handle) {
			if fault == nil {
				s.instance = value
				value = s.container.registry.ServiceValue(m.comp, s)
			}
			respondTo(m.caller, &Response{fiber: m.caller, value: value, fault: fault, future: m.future})
		})
		return RNext
	}
	return frame0
}

// respondTo routes a response to the caller's service, or completes the
// future directly for host-submitted work with no caller fiber.
func respondTo(caller *Fiber, r *Response) {
	if caller != nil {
		caller.service.respond(r)
		return
	}
	r.run()
}

// ---------------------------------------------------------------------------
// Invoke requests
// ---------------------------------------------------------------------------

type invoke1Request struct {
	caller  *Fiber
	fn      *FunctionHandle
	args    []*Handle
	returns int
	future  *Future
}

// SendInvoke1 enqueues an invoke with zero or one return value. The
// future is nil for zero-return (fire-and-forget) sends.
func (s *Service) SendInvoke1(caller *Fiber, fn *FunctionHandle, args []*Handle, returns int) *Future {
	var future *Future
	if returns != 0 {
		future = NewFuture()
	}
	msg := &invoke1Request{
		caller:  caller,
		fn:      fn,
		args:    s.container.transport(args),
		returns: returns,
		future:  future,
	}
	if err := s.Post(msg); err != nil {
		if future == nil {
			return nil
		}
		return s.failedFuture(err)
	}
	return future
}

// CallLater enqueues a fire-and-forget invocation of a function on this
// service; exceptions route to the unhandled hook.
func (s *Service) CallLater(fn *FunctionHandle, args []*Handle) int {
	s.SendInvoke1(nil, fn, args, 0)
	return RNext
}

func (m *invoke1Request) createFrame(s *Service) *Frame {
	fn := m.fn
	if fn.target == nil && s.instance != nil {
		fn = fn.Bind(s.instance, nil)
	}
	call := OpFunc(func(f *Frame, pc int) int {
		ret := RetUnused
		if m.returns > 0 {
			ret = 0
		}
		return fn.Call1(f, m.args, ret)
	})

	returns := m.fn.ReturnCount()
	if returns == 0 {
		returns = m.returns
	}
	frame0 := s.createServiceEntryFrame(m.caller, returns, []Op{call, returnOp})

	frame0.continuation = func(*Frame) int {
		if m.returns == 0 {
			if ex := frame0.exception; ex != nil {
				s.handleUnhandled(frame0, ex)
			}
			return RNext
		}
		sendResponse1(m.caller, frame0, m.future)
		return RNext
	}
	return frame0
}

type invokeNRequest struct {
	caller  *Fiber
	fn      *FunctionHandle
	args    []*Handle
	returns int
	futures []*Future
}

// SendInvokeN enqueues an invoke with multiple return values, returning
// one future per declared result.
func (s *Service) SendInvokeN(caller *Fiber, fn *FunctionHandle, args []*Handle, returns int) []*Future {
	futures := make([]*Future, returns)
	for i := range futures {
		futures[i] = NewFuture()
	}
	msg := &invokeNRequest{
		caller:  caller,
		fn:      fn,
		args:    s.container.transport(args),
		returns: returns,
		futures: futures,
	}
	if err := s.Post(msg); err != nil {
		fault := s.container.registry.NewException(ExUnsupported, err.Error())
		for _, fut := range futures {
			fut.Fail(fault)
		}
	}
	return futures
}

func (m *invokeNRequest) createFrame(s *Service) *Frame {
	retSlots := make([]int, m.returns)
	for i := range retSlots {
		retSlots[i] = i
	}

	fn := m.fn
	if fn.target == nil && s.instance != nil {
		fn = fn.Bind(s.instance, nil)
	}
	call := OpFunc(func(f *Frame, pc int) int {
		return fn.CallN(f, m.args, retSlots)
	})
	frame0 := s.createServiceEntryFrame(m.caller, m.returns, []Op{call, returnOp})

	frame0.continuation = func(*Frame) int {
		if ex := frame0.exception; ex != nil {
			respondTo(m.caller, &Response{fiber: m.caller, fault: ex, futures: m.futures})
			return RNext
		}

		// The proto slots are dynamic refs; wait for every one before
		// posting the aggregate response. A negative conditional
		// return leaves trailing slots unset: substitute DefaultValue.
		slots := make([]*Future, m.returns)
		for i := 0; i < m.returns; i++ {
			slots[i] = frame0.vars[i].Future()
		}
		allComplete(slots, func(fault *Handle) {
			if fault != nil {
				respondTo(m.caller, &Response{fiber: m.caller, fault: fault, futures: m.futures})
				return
			}
			values := make([]*Handle, m.returns)
			for i, fut := range slots {
				v, _, _ := fut.Peek()
				if v == nil {
					v = DefaultValue
				}
				values[i] = v
			}
			respondTo(m.caller, &Response{fiber: m.caller, values: values, futures: m.futures})
		})
		return RNext
	}
	return frame0
}

// ---------------------------------------------------------------------------
// Property operation request
// ---------------------------------------------------------------------------

// PropertyOperation performs a property op against the service's own
// instance on the service's fiber. value is nil for pure reads; ret is
// RetUnused for pure writes.
type PropertyOperation func(f *Frame, target *Handle, prop *Property, value *Handle, ret int) int

type propertyOpRequest struct {
	caller  *Fiber
	prop    *Property
	value   *Handle
	returns int
	future  *Future
	op      PropertyOperation
}

// SendPropertyOp enqueues a property operation. The future is nil for
// zero-return operations.
func (s *Service) SendPropertyOp(caller *Fiber, prop *Property, value *Handle, returns int, op PropertyOperation) *Future {
	var future *Future
	if returns != 0 {
		future = NewFuture()
	}
	msg := &propertyOpRequest{
		caller:  caller,
		prop:    prop,
		value:   value,
		returns: returns,
		future:  future,
		op:      op,
	}
	if err := s.Post(msg); err != nil {
		if future == nil {
			return nil
		}
		return s.failedFuture(err)
	}
	return future
}

func (m *propertyOpRequest) createFrame(s *Service) *Frame {
	call := OpFunc(func(f *Frame, pc int) int {
		ret := RetUnused
		if m.returns > 0 {
			ret = 0
		}
		return m.op(f, s.instance, m.prop, m.value, ret)
	})
	frame0 := s.createServiceEntryFrame(m.caller, m.returns, []Op{call, returnOp})

	frame0.continuation = func(*Frame) int {
		if m.returns == 0 {
			if ex := frame0.exception; ex != nil {
				s.handleUnhandled(frame0, ex)
			}
			return RNext
		}
		sendResponse1(m.caller, frame0, m.future)
		return RNext
	}
	return frame0
}

// ---------------------------------------------------------------------------
// Remote invocation helpers used by ops
// ---------------------------------------------------------------------------

// applyCallTimeout arms the caller fiber's deadline from its service's
// default outgoing-call budget, unless a deadline is already pending.
func applyCallTimeout(f *Frame) {
	if t := f.Service().timeout; t > 0 && f.fiber.deadline.IsZero() {
		f.fiber.deadline = time.Now().Add(t)
	}
}

// invokeRemote1 posts a single-return invoke to another service and
// splices a wait frame for the result.
func invokeRemote1(f *Frame, target *Service, fn *FunctionHandle, args []*Handle, ret int) int {
	applyCallTimeout(f)
	future := target.SendInvoke1(f.fiber, fn, args, 1)
	return f.callFrame(createWaitFrame(f, future, ret))
}

// invokeRemoteN posts a multi-return invoke and splices a wait frame
// distributing the results.
func invokeRemoteN(f *Frame, target *Service, fn *FunctionHandle, args []*Handle, retSlots []int) int {
	applyCallTimeout(f)
	futures := target.SendInvokeN(f.fiber, fn, args, len(retSlots))
	return f.callFrame(createWaitFrameN(f, futures, retSlots))
}
