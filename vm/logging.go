package vm

import "github.com/tliron/commonlog"

var log = commonlog.GetLogger("vesper.runtime")

// TraceSink receives diagnostic execution events. Sinks must tolerate
// concurrent calls from multiple service goroutines.
type TraceSink interface {
	// TraceOp records one dispatched op.
	TraceOp(service string, fiber uint64, pc int, op string)

	// TraceFiber records a fiber scheduling transition.
	TraceFiber(service string, fiber uint64, status string)

	// Close flushes and releases the sink.
	Close() error
}
