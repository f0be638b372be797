// Vesper CLI - runs a compiled module image on the execution engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/vesper-lang/vesper/image"
	"github.com/vesper-lang/vesper/manifest"
	"github.com/vesper-lang/vesper/trace"
	"github.com/vesper-lang/vesper/vm"
	"github.com/vesper-lang/vesper/vm/wire"
)

func main() {
	verbose := flag.Int("v", 0, "Log verbosity (0-2)")
	reentrancy := flag.String("reentrancy", "", "Scheduling policy: prioritized, open, exclusive, forbidden")
	opsPerTick := flag.Int("ops-per-tick", 0, "Op budget before a fiber is pre-empted (default 10)")
	timeout := flag.Duration("timeout", 0, "Default deadline for cross-service calls (0 = none)")
	traceLog := flag.Bool("trace", false, "Trace dispatched ops to the log")
	traceDB := flag.String("trace-db", "", "Record the execution trace into this SQLite file")
	relaxed := flag.Bool("relaxed-asserts", false, "Log assertion failures instead of raising")
	wait := flag.Duration("shutdown-wait", 5*time.Second, "Grace period for draining services on exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vesper [options] <module.vim> [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a compiled Vesper module image.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  vesper app.vim                      # Run app.vim's entry point\n")
		fmt.Fprintf(os.Stderr, "  vesper -reentrancy open app.vim     # Round-robin fiber scheduling\n")
		fmt.Fprintf(os.Stderr, "  vesper -trace-db run.db app.vim     # Record the op trace\n")
	}
	flag.Parse()

	commonlog.Configure(*verbose, nil)

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	modulePath := flag.Arg(0)

	// vesper.toml next to the module supplies defaults; flags win.
	cfg := manifest.Runtime{}
	if dir := filepath.Dir(modulePath); manifest.Exists(dir) {
		m, err := manifest.Load(dir)
		if err != nil {
			fatal("Error loading vesper.toml: %v", err)
		}
		cfg = m.Runtime
	}
	if *reentrancy == "" {
		*reentrancy = cfg.Reentrancy
	}
	if *opsPerTick == 0 {
		*opsPerTick = cfg.OpsPerTick
	}
	if *timeout == 0 {
		if d, err := cfg.CallTimeout(); err == nil {
			*timeout = d
		}
	}
	if *traceDB == "" {
		*traceDB = cfg.TraceDB
	}
	if !*traceLog {
		*traceLog = cfg.Trace
	}
	if !*relaxed {
		*relaxed = cfg.RelaxedAsserts
	}

	data, err := os.ReadFile(modulePath)
	if err != nil {
		fatal("Error reading module: %v", err)
	}
	module, err := image.Decode(data)
	if err != nil {
		fatal("Error decoding module: %v", err)
	}

	var opts []vm.ContainerOption
	if *opsPerTick > 0 {
		opts = append(opts, vm.WithOpBudget(*opsPerTick))
	}
	if *timeout > 0 {
		opts = append(opts, vm.WithTimeout(*timeout))
	}
	if *relaxed {
		opts = append(opts, vm.WithRelaxedAsserts())
	}

	var sink vm.TraceSink
	if *traceDB != "" {
		store, err := trace.Open(*traceDB)
		if err != nil {
			fatal("Error opening trace db: %v", err)
		}
		defer store.Close()
		sink = store
	} else if *traceLog {
		sink = logSink{}
	}
	if sink != nil {
		opts = append(opts, vm.WithTracer(sink))
	}

	container := vm.NewContainer(opts...)
	registry := container.Registry()

	// Cross-service transport of mutable payloads rides the wire codec.
	container.SetTransport(wire.Transport(registry))

	if *reentrancy != "" {
		mode, err := vm.ParseReentrancy(*reentrancy)
		if err != nil {
			fatal("Error: %v", err)
		}
		container.MainService().SetReentrancy(mode)
	}

	if err := image.Install(registry, module); err != nil {
		fatal("Error installing module: %v", err)
	}
	entry, err := image.EntryFunction(registry, module)
	if err != nil {
		fatal("Error: %v", err)
	}

	args := make([]*vm.Handle, 0, flag.NArg()-1)
	for _, a := range flag.Args()[1:] {
		args = append(args, registry.Str(a))
	}

	future := container.Submit(container.MainService(), entry, args)
	value, fault := future.Await()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()
	if err := container.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	if fault != nil {
		fatal("Unhandled exception: %s", fault)
	}
	if value != nil {
		fmt.Println(value)
	}
}

// logSink traces dispatched ops through the log.
type logSink struct{}

var traceLogger = commonlog.GetLogger("vesper.trace")

func (logSink) TraceOp(service string, fiber uint64, pc int, op string) {
	traceLogger.Debugf("%s fiber %d pc %d: %s", service, fiber, pc, op)
}

func (logSink) TraceFiber(service string, fiber uint64, status string) {
	traceLogger.Debugf("%s fiber %d: %s", service, fiber, status)
}

func (logSink) Close() error { return nil }

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
