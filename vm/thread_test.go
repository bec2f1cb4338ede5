package vm

import (
	"testing"
)

func TestThreadFlagsInitiallyClear(t *testing.T) {
	th := NewThread(1, "worker")
	if th.Flags() != 0 {
		t.Errorf("Flags = %#x, want 0", th.Flags())
	}
	if th.ID() != 1 || th.Name() != "worker" {
		t.Errorf("Identity = %d/%q, want 1/worker", th.ID(), th.Name())
	}
}

func TestSuspendNesting(t *testing.T) {
	th := NewThread(1, "worker")

	th.RequestSuspend()
	th.RequestSuspend()
	if th.SuspendCount() != 2 {
		t.Fatalf("SuspendCount = %d, want 2", th.SuspendCount())
	}
	if th.Flags()&FlagSuspendRequest == 0 {
		t.Error("Suspend request should raise the flag bit")
	}

	th.Resume()
	if th.Flags()&FlagSuspendRequest == 0 {
		t.Error("Nested suspension should keep the flag raised")
	}

	th.Resume()
	if th.SuspendCount() != 0 {
		t.Errorf("SuspendCount = %d, want 0", th.SuspendCount())
	}
	if th.Flags() != 0 {
		t.Errorf("Flags = %#x after final resume, want 0", th.Flags())
	}

	// Resuming past zero stays at zero.
	th.Resume()
	if th.SuspendCount() != 0 {
		t.Errorf("SuspendCount = %d after extra resume, want 0", th.SuspendCount())
	}
}

func TestCheckpointDrainedAtSafePoint(t *testing.T) {
	th := NewThread(1, "worker")
	f := NewFrame(testMethod("safepoint"))

	ran := 0
	th.RequestCheckpoint(func(t *Thread) { ran++ })
	th.RequestCheckpoint(func(t *Thread) { ran++ })
	if th.Flags()&FlagCheckpointRequest == 0 {
		t.Fatal("Checkpoint request should raise the flag bit")
	}

	if mandated := th.CheckSuspend(f); mandated {
		t.Error("CheckSuspend without a switch mandate should report false")
	}
	if ran != 2 {
		t.Errorf("Checkpoints ran %d times, want 2", ran)
	}
	if th.Flags() != 0 {
		t.Errorf("Flags = %#x after drain, want 0", th.Flags())
	}
}

func TestCheckSuspendParksUntilResumed(t *testing.T) {
	th := NewThread(1, "worker")
	f := NewFrame(testMethod("parker"))

	th.RequestSuspend()

	resultCh := make(chan bool, 1)
	go func() {
		resultCh <- th.CheckSuspend(f)
	}()

	th.WaitUntilParked()
	if !th.IsParked() {
		t.Fatal("Thread should report parked while suspended")
	}

	th.Resume()
	if mandated := <-resultCh; mandated {
		t.Error("Resumed CheckSuspend should report false without a mandate")
	}
	if th.IsParked() {
		t.Error("Thread should not report parked after resuming")
	}
}

func TestSwitchMandate(t *testing.T) {
	th := NewThread(1, "worker")
	f := NewFrame(testMethod("switcher"))

	var sawMethod *Method
	th.SwitchFn = func(t *Thread, m *Method) bool {
		sawMethod = m
		return true
	}

	if mandated := th.CheckSuspend(f); !mandated {
		t.Error("A true mandate should surface from CheckSuspend")
	}
	if sawMethod != f.Method {
		t.Error("Mandate consult should receive the running method")
	}
}

func TestPendingExceptionSlot(t *testing.T) {
	th := NewThread(1, "worker")
	if th.HasPendingException() {
		t.Fatal("Fresh thread should have no pending exception")
	}

	machine := NewVM()
	exc := machine.GetHeap().NewObject(machine.ThrowableType, 1)
	th.SetPendingException(exc)
	if !th.HasPendingException() {
		t.Fatal("Pending exception should be visible after set")
	}
	if th.PendingException() != exc {
		t.Error("PendingException should return the stored value")
	}

	got := th.ClearPendingException()
	if got != exc {
		t.Errorf("ClearPendingException = %v, want the stored %v", got, exc)
	}
	if th.HasPendingException() {
		t.Error("Clear should empty the slot")
	}
}

func TestSuspendAllResumeAll(t *testing.T) {
	machine := NewVM()
	a := machine.NewThread("a")
	b := machine.NewThread("b")

	machine.SuspendAll()
	if a.SuspendCount() != 1 || b.SuspendCount() != 1 {
		t.Errorf("SuspendCount = %d/%d, want 1/1", a.SuspendCount(), b.SuspendCount())
	}

	machine.ResumeAll()
	if a.SuspendCount() != 0 || b.SuspendCount() != 0 {
		t.Errorf("SuspendCount = %d/%d after resume, want 0/0", a.SuspendCount(), b.SuspendCount())
	}
	if a.Flags() != 0 || b.Flags() != 0 {
		t.Error("Flags should clear once every suspension is resumed")
	}
}
