package vm

import (
	"bytes"
	"strings"
	"testing"
)

func TestSnapshotRoundTrip(t *testing.T) {
	machine := NewVM()
	th := machine.NewThread("worker")

	m, headerPC := buildSumLoop("resumable")
	machine.RegisterMethod(m)

	f := NewFrame(m, FromSmallInt(10))
	f.SetLocal(1, FromSmallInt(6))
	f.SetLocal(2, FromSmallInt(4))
	f.ExportPC(headerPC)
	th.SetCurrentFrame(f)

	snap := CaptureSnapshot(th)
	if snap == nil {
		t.Fatal("CaptureSnapshot should see the installed frame")
	}
	if snap.Method != "resumable" || int(snap.PC) != headerPC {
		t.Fatalf("Snapshot = %s@%d, want resumable@%d", snap.Method, snap.PC, headerPC)
	}
	if len(snap.Locals) != m.NumLocals {
		t.Fatalf("Snapshot carries %d locals, want %d", len(snap.Locals), m.NumLocals)
	}

	data, err := MarshalSnapshot(snap)
	if err != nil {
		t.Fatalf("MarshalSnapshot: %v", err)
	}
	decoded, err := UnmarshalSnapshot(data)
	if err != nil {
		t.Fatalf("UnmarshalSnapshot: %v", err)
	}

	restored, err := RestoreSnapshot(machine, decoded)
	if err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}
	if restored.PC != headerPC {
		t.Errorf("Restored pc = %d, want %d", restored.PC, headerPC)
	}
	for i := 0; i < m.NumLocals; i++ {
		if restored.Local(i) != f.Local(i) {
			t.Errorf("Restored local %d = %v, want %v", i, restored.Local(i), f.Local(i))
		}
	}

	// A restored mid-loop frame finishes the computation where the
	// original left off: acc=6, i=4 with n=10 sums to 6+4+...+9 = 45.
	outcome := machine.ref.Run(th, restored)
	if outcome != OutcomeReturn {
		t.Fatalf("Outcome = %v, want return", outcome)
	}
	if restored.Result.SmallInt() != 45 {
		t.Errorf("Resumed result = %v, want 45", restored.Result)
	}
}

func TestCaptureSnapshotWithoutFrame(t *testing.T) {
	th := NewThread(7, "idle")
	if snap := CaptureSnapshot(th); snap != nil {
		t.Errorf("CaptureSnapshot on a frameless thread = %+v, want nil", snap)
	}
}

func TestRestoreSnapshotErrors(t *testing.T) {
	machine := NewVM()

	_, err := RestoreSnapshot(machine, &Snapshot{Method: "ghost"})
	if err == nil || !strings.Contains(err.Error(), "unknown method") {
		t.Errorf("Restore of an unknown method: err = %v", err)
	}

	m, _ := buildSumLoop("strict")
	machine.RegisterMethod(m)
	_, err = RestoreSnapshot(machine, &Snapshot{Method: "strict", Locals: make([]uint64, 1)})
	if err == nil || !strings.Contains(err.Error(), "locals") {
		t.Errorf("Restore with a locals mismatch: err = %v", err)
	}
}

func TestCanonicalEncodingIsDeterministic(t *testing.T) {
	snap := &Snapshot{
		ThreadID: 3,
		Method:   "stable",
		MethodID: 9,
		PC:       17,
		Locals:   []uint64{1, 2, 3},
		Pending:  12,
		Flags:    1,
	}
	a, err := MarshalSnapshot(snap)
	if err != nil {
		t.Fatalf("MarshalSnapshot: %v", err)
	}
	b, err := MarshalSnapshot(snap)
	if err != nil {
		t.Fatalf("MarshalSnapshot: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("Canonical encoding should serialize identical states identically")
	}
}

func TestMemorySinkRing(t *testing.T) {
	sink := NewMemorySink(2)

	sink.WriteSnapshot(1, []byte("first"))
	sink.WriteSnapshot(1, []byte("second"))
	sink.WriteSnapshot(2, []byte("third"))

	// Capacity 2 keeps only the most recent two, oldest first.
	entries := sink.Snapshots()
	if len(entries) != 2 {
		t.Fatalf("Snapshots holds %d entries, want 2", len(entries))
	}
	if string(entries[0].Data) != "second" || string(entries[1].Data) != "third" {
		t.Errorf("Ring = %q, %q, want second, third", entries[0].Data, entries[1].Data)
	}

	if sink.Total() != 3 {
		t.Errorf("Total = %d, want 3 writes observed", sink.Total())
	}

	if got := sink.Latest(1); string(got) != "second" {
		t.Errorf("Latest(1) = %q, want second", got)
	}
	if got := sink.Latest(2); string(got) != "third" {
		t.Errorf("Latest(2) = %q, want third", got)
	}
	if got := sink.Latest(9); got != nil {
		t.Errorf("Latest(9) = %q, want nil", got)
	}
}
