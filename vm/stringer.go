package vm

import "strings"

// ---------------------------------------------------------------------------
// String rendering through the outcome protocol
// ---------------------------------------------------------------------------

// callToString pushes a string rendering of the value onto the frame's
// local stack: a declared toString method runs as a full call, anything
// else renders natively.
func callToString(f *Frame, h *Handle) int {
	if h == nil {
		f.pushStack(f.registry().Str("<unset>"))
		return RNext
	}
	if h.comp != nil {
		if chain := h.comp.MethodChain("toString"); chain != nil {
			return chain.Invoke(f, h, nil, RetLocal)
		}
	}
	f.pushStack(f.registry().Str(h.String()))
	return RNext
}

// composedStringLimit bounds rendered element lists.
const composedStringLimit = 16 * 1024

// composeString renders a value vector through callToString, honoring
// the outcome protocol per element, and delivers the joined rendering
// through nextStep. Oversized output is truncated.
type composeString struct {
	sb       strings.Builder
	values   []*Handle
	labels   []string
	nextStep Continuation
	index    int
}

// newComposeString builds a renderer over values with optional labels.
func newComposeString(values []*Handle, labels []string, nextStep Continuation) *composeString {
	return &composeString{values: values, labels: labels, nextStep: nextStep, index: -1}
}

func (cs *composeString) DoNext(f *Frame) int {
	for {
		cs.index++
		if cs.index >= len(cs.values) {
			break
		}
		switch res := callToString(f, cs.values[cs.index]); res {
		case RNext:
			if !cs.update(f) {
				return cs.finish(f)
			}
		case RCall:
			f.next.addContinuation(cs.Proceed)
			return RCall
		case RException:
			return RException
		default:
			panic(&runtimeFault{kind: FaultIllegalState, msg: "composeString: bad outcome"})
		}
	}
	return cs.finish(f)
}

func (cs *composeString) Proceed(f *Frame) int {
	if !cs.update(f) {
		return cs.finish(f)
	}
	return cs.DoNext(f)
}

// update appends the rendered element; reports false once the buffer is
// full.
func (cs *composeString) update(f *Frame) bool {
	h := f.popStack()
	if cs.sb.Len() > 0 {
		cs.sb.WriteString(", ")
	}
	if cs.labels != nil && cs.labels[cs.index] != "" {
		cs.sb.WriteString(cs.labels[cs.index])
		cs.sb.WriteByte('=')
	}
	cs.sb.WriteString(h.Str())
	if cs.sb.Len() >= composedStringLimit {
		cs.sb.WriteString("...")
		return false
	}
	return true
}

func (cs *composeString) finish(f *Frame) int {
	f.pushStack(f.registry().Str(cs.sb.String()))
	return cs.nextStep(f)
}
