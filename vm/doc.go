// Package vm implements the Vesper execution engine: boxed value handles,
// the composition registry, the frame interpreter, cooperative fibers
// grouped into single-threaded services, cross-service messaging with
// futures, and the construction and property-dispatch pipelines.
//
// Concurrency model: every Service owns one goroutine. All fibers of a
// service are serialized on that goroutine; services only observe one
// another through message queues and futures. Opcode implementations
// never block and never panic across the dispatch boundary; they report
// one of the R* outcome codes to the dispatcher, which owns all frame,
// fiber and exception state transitions.
package vm
