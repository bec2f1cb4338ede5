package vm

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestMaybeTransferMisses(t *testing.T) {
	machine := NewVM()
	th := machine.NewThread("test")

	m, headerPC := buildSumLoop("cold")
	f := NewFrame(m, FromSmallInt(10))

	// No entry registered.
	if _, ok := MaybeTransfer(machine.GetCodeCache(), th, f, headerPC); ok {
		t.Error("Transfer without a compiled entry should miss")
	}

	// Entry registered at a pc that is not a loop header.
	machine.GetCodeCache().Register(EntryKey{Name: "cold", EntryPC: 0}, func(tr *OSRTransfer) Value {
		return Nil
	})
	if _, ok := MaybeTransfer(machine.GetCodeCache(), th, f, 0); ok {
		t.Error("Transfer at a non-header pc should miss")
	}

	// Nil cache.
	if _, ok := MaybeTransfer(nil, th, f, headerPC); ok {
		t.Error("Transfer with a nil cache should miss")
	}
}

func TestTransferAtLoopHeader(t *testing.T) {
	machine := NewVM()
	th := machine.NewThread("test")

	m, headerPC := buildSumLoop("osrhot")
	machine.RegisterMethod(m)

	var entryCalls atomic.Int64
	var captured *OSRTransfer
	machine.GetCodeCache().Register(EntryKey{Name: "osrhot", EntryPC: headerPC}, func(tr *OSRTransfer) Value {
		entryCalls.Add(1)
		captured = tr
		return FromSmallInt(777)
	})

	f := NewFrame(m, FromSmallInt(1000))
	f.SetHotness(HotnessCheckOSR)

	outcome := machine.fast.RunFast(th, f)
	if outcome != OutcomeReturn {
		t.Fatalf("Outcome = %v, want return", outcome)
	}
	if !f.Result.IsSmallInt() || f.Result.SmallInt() != 777 {
		t.Errorf("Result = %v, want the entry's 777", f.Result)
	}
	// Dispatch must not resume after the handoff; the loop would reach
	// the header again and call the entry a second time.
	if n := entryCalls.Load(); n != 1 {
		t.Errorf("Entry ran %d times, want exactly 1", n)
	}

	if captured.Method != m {
		t.Errorf("Transfer method = %v, want %v", captured.Method.FullName(), m.FullName())
	}
	if captured.PC != headerPC {
		t.Errorf("Transfer pc = %d, want loop header %d", captured.PC, headerPC)
	}
	if captured.Thread != th {
		t.Error("Transfer should carry the running thread")
	}
	// Live locals in slot order: one body iteration ran, so i is 1.
	if i := captured.Local(2); !i.IsSmallInt() || i.SmallInt() != 1 {
		t.Errorf("Transferred i = %v, want 1", i)
	}
}

func TestWholeMethodEntryBypassesInterpretation(t *testing.T) {
	machine := NewVM()
	th := machine.NewThread("test")

	m, _ := buildSumLoop("wholem")
	machine.RegisterMethod(m)

	var entryCalls atomic.Int64
	machine.GetCodeCache().Register(EntryKey{Name: "wholem", EntryPC: 0}, func(tr *OSRTransfer) Value {
		entryCalls.Add(1)
		if tr.PC != 0 {
			t.Errorf("Whole-method entry pc = %d, want 0", tr.PC)
		}
		return FromSmallInt(321)
	})

	result := machine.Invoke(th, m, FromSmallInt(10))
	if !result.IsSmallInt() || result.SmallInt() != 321 {
		t.Errorf("Invoke = %v, want the compiled 321", result)
	}
	if n := entryCalls.Load(); n != 1 {
		t.Errorf("Entry ran %d times, want 1", n)
	}
}

// loopEntryFor builds a compiled entry for buildSumLoop methods that
// finishes the summation from the transferred state.
func loopEntryFor(entryCalls *atomic.Int64) CompiledEntry {
	return func(tr *OSRTransfer) Value {
		entryCalls.Add(1)
		n := tr.Local(0).SmallInt()
		acc := tr.Local(1).SmallInt()
		i := tr.Local(2).SmallInt()
		return FromSmallInt(acc + (n-1+i)*(n-i)/2)
	}
}

type loopBackend struct {
	entry CompiledEntry
}

func (b *loopBackend) Compile(m *Method) (map[int]CompiledEntry, error) {
	entries := make(map[int]CompiledEntry)
	for pc := range m.Code {
		if m.IsLoopHeader(pc) {
			entries[pc] = b.entry
		}
	}
	return entries, nil
}

func TestTierPipelinePromotesAndTransfers(t *testing.T) {
	machine := NewVM()
	th := machine.NewThread("test")

	m, _ := buildSumLoop("hotm")
	machine.RegisterMethod(m)

	var entryCalls atomic.Int64
	tm := machine.EnableTiering(&loopBackend{entry: loopEntryFor(&entryCalls)})
	defer machine.Shutdown()

	agg := machine.GetAggregator()
	agg.BatchSize = 10
	agg.HotThreshold = 50

	// One invocation of sum(100) takes 100 backward branches, enough
	// to cross the threshold and enqueue the method.
	result := machine.Invoke(th, m, FromSmallInt(100))
	if result.SmallInt() != 4950 {
		t.Fatalf("sum(100) = %v, want 4950", result)
	}

	rec := agg.Record("hotm")
	if rec == nil || !rec.IsPromoted() {
		t.Fatal("Method should be promoted after crossing the threshold")
	}

	// Compilation runs on the background worker.
	deadline := time.Now().Add(5 * time.Second)
	for !machine.GetCodeCache().HasMethod("hotm") {
		if time.Now().After(deadline) {
			t.Fatal("Compiled entry never appeared in the cache")
		}
		time.Sleep(time.Millisecond)
	}
	if stats := tm.Stats(); stats.MethodsCompiled != 1 {
		t.Errorf("MethodsCompiled = %d, want 1", stats.MethodsCompiled)
	}

	// The next invocation starts in the CheckOSR regime and transfers
	// into the compiled entry at the first loop-header branch.
	result = machine.Invoke(th, m, FromSmallInt(100))
	if result.SmallInt() != 4950 {
		t.Errorf("Post-promotion sum(100) = %v, want 4950", result)
	}
	if entryCalls.Load() == 0 {
		t.Error("Compiled entry should have run after promotion")
	}
}
