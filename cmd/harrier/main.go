// Harrier runs bytecode workloads under the tiered virtual machine.
// It wires the hotness profiler, the compilation pipeline, checkpoint
// snapshots, profile persistence, and the debugger wire bridge from a
// harrier.toml configuration.
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/harrier/config"
	"github.com/chazu/harrier/jdwp"
	"github.com/chazu/harrier/vm"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	configDir := flag.String("config", ".", "Directory to search for harrier.toml")
	threads := flag.Int("threads", 4, "Worker threads running the workload")
	iterations := flag.Int("iterations", 500, "Workload invocations per thread")
	loopBound := flag.Int("n", 1000, "Loop bound per invocation")
	debug := flag.Bool("debug", false, "Force the debug bridge on")
	stats := flag.Bool("stats", false, "Print execution statistics")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 2
	}
	commonlog.Initialize(verbosity, "")

	cfg, err := config.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if *debug {
		cfg.Debug.Enabled = true
	}

	machine := vm.NewVM()
	machine.GetAggregator().BatchSize = cfg.Tiering.BatchSize
	machine.GetAggregator().HotThreshold = cfg.Tiering.HotThreshold

	sumMethod, headerPC := buildSumMethod(machine)

	if cfg.Tiering.Enabled {
		tiers := machine.EnableTiering(&sumBackend{
			method:   sumMethod.FullName(),
			headerPC: headerPC,
		})
		tiers.LogTiering = cfg.Tiering.Log
	}

	machine.SetCheckpointSink(vm.NewMemorySink(cfg.Checkpoint.Retain))

	if path := cfg.ProfilePath(); path != "" {
		store, err := vm.NewProfileStore(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening profile store: %v\n", err)
			os.Exit(1)
		}
		machine.SetProfileStore(store)
		if err := machine.LoadProfile(); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading profile: %v\n", err)
			os.Exit(1)
		}
	}

	if cfg.Debug.Enabled {
		if err := startDebugBridge(machine, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting debug bridge: %v\n", err)
			os.Exit(1)
		}
	}

	runWorkload(machine, sumMethod, *threads, *iterations, int64(*loopBound))

	if *stats {
		printStats(machine)
	}

	if err := machine.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "Error shutting down: %v\n", err)
		os.Exit(1)
	}
}

// buildSumMethod assembles the demo workload: sum the integers below
// n. One loop, one taken backward branch per iteration. Returns the
// method and its loop-header pc for the native backend.
//
//	r0 = n, r1 = acc, r2 = i, r3 = scratch
func buildSumMethod(machine *vm.VM) (*vm.Method, int) {
	b := vm.NewMethodBuilder("sumTo", 1)
	b.SetNumLocals(4)
	code := b.Code()

	code.EmitConst8(1, 0) // acc = 0
	code.EmitConst8(2, 0) // i = 0

	loop := code.NewLabel()
	done := code.NewLabel()
	code.Mark(loop)
	code.EmitIf(vm.OpIfGE, 2, 0, done) // i >= n -> done
	code.EmitRegRegReg(vm.OpAdd, 1, 1, 2)
	code.EmitConst8(3, 1)
	code.EmitRegRegReg(vm.OpAdd, 2, 2, 3)
	code.EmitGoto(loop)
	code.Mark(done)
	code.EmitReg(vm.OpReturn, 1)

	m := b.Build()
	machine.RegisterMethod(m)
	return m, loop.Position()
}

// sumBackend natively compiles the demo method: a closed form for the
// whole-method entry and a resume form for the loop header.
type sumBackend struct {
	method   string
	headerPC int
}

func (b *sumBackend) Compile(m *vm.Method) (map[int]vm.CompiledEntry, error) {
	if m.FullName() != b.method {
		return nil, fmt.Errorf("no native template for %s", m.FullName())
	}

	sumBelow := func(n int64) int64 {
		if n <= 0 {
			return 0
		}
		return n * (n - 1) / 2
	}

	return map[int]vm.CompiledEntry{
		0: func(tr *vm.OSRTransfer) vm.Value {
			return vm.FromSmallInt(sumBelow(tr.Local(0).SmallInt()))
		},
		b.headerPC: func(tr *vm.OSRTransfer) vm.Value {
			n := tr.Local(0).SmallInt()
			acc := tr.Local(1).SmallInt()
			i := tr.Local(2).SmallInt()
			// Finish the loop from where the interpreter left it.
			return vm.FromSmallInt(acc + sumBelow(n) - sumBelow(i))
		},
	}, nil
}

func startDebugBridge(machine *vm.VM, cfg *config.Config) error {
	state, err := jdwp.Startup(cfg.StartupParams())
	if err != nil {
		return err
	}

	agent := machine.NewThread("JDWP Agent")
	state.SetDebugThread(jdwp.ThreadID(agent.ID()))

	state.OnAttach = func() {
		state.SendAppName("harrier")
		state.PostVMStart(jdwp.ThreadID(agent.ID()))
	}
	state.OnResume = func(holder jdwp.ThreadID) {
		if t := machine.Thread(uint64(holder)); t != nil {
			t.Resume()
		}
	}
	state.OnSuspend = func() {
		machine.SuspendAll()
	}

	machine.SetDebugBridge(state)
	return nil
}

func runWorkload(machine *vm.VM, m *vm.Method, threads, iterations int, n int64) {
	var wg sync.WaitGroup
	for w := 0; w < threads; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			t := machine.NewThread(fmt.Sprintf("worker-%d", w))
			defer machine.RemoveThread(t)
			for i := 0; i < iterations; i++ {
				machine.Invoke(t, m, vm.FromSmallInt(n))
				if t.HasPendingException() {
					fmt.Fprintf(os.Stderr, "worker-%d: unexpected exception\n", w)
					return
				}
			}
		}(w)
	}
	wg.Wait()
}

func printStats(machine *vm.VM) {
	agg := machine.GetAggregator().Stats()
	fmt.Printf("methods tracked:    %d\n", agg.TotalMethods)
	fmt.Printf("methods promoted:   %d\n", agg.PromotedMethods)
	fmt.Printf("branches reported:  %d\n", agg.TotalBranches)
	fmt.Printf("invocations:        %d\n", agg.TotalInvocations)
	if tiers := machine.GetTierManager(); tiers != nil {
		ts := tiers.Stats()
		fmt.Printf("methods compiled:   %d\n", ts.MethodsCompiled)
		fmt.Printf("compile failures:   %d\n", ts.CompileFailures)
	}
	fmt.Printf("compiled entries:   %d\n", machine.GetCodeCache().Size())
	for _, rec := range machine.GetAggregator().TopMethods(5) {
		fmt.Printf("  %-24s branches=%-8d invocations=%d\n",
			rec.Method.FullName(), rec.BranchCount(), rec.InvocationCount())
	}
}
