package vm

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Checkpoint snapshots
// ---------------------------------------------------------------------------

// cborEncMode uses canonical encoding so identical machine states
// serialize to identical bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Snapshot is a thread's exported execution state, captured at a safe
// point by the thread itself. Locals carry raw value bits; the pending
// exception travels as its object id, zero when the slot is empty.
type Snapshot struct {
	ThreadID   uint64   `cbor:"1,keyasint"`
	ThreadName string   `cbor:"2,keyasint,omitempty"`
	Method     string   `cbor:"3,keyasint"`
	MethodID   uint64   `cbor:"4,keyasint"`
	PC         int64    `cbor:"5,keyasint"`
	Locals     []uint64 `cbor:"6,keyasint"`
	Pending    uint64   `cbor:"7,keyasint,omitempty"`
	Flags      uint32   `cbor:"8,keyasint,omitempty"`
}

// CaptureSnapshot reads the thread's current frame into a snapshot.
// Returns nil when the thread has no frame. Must run on the thread
// itself or while it is parked; checkpoint closures satisfy that.
func CaptureSnapshot(t *Thread) *Snapshot {
	f := t.CurrentFrame()
	if f == nil {
		return nil
	}
	snap := &Snapshot{
		ThreadID:   t.ID(),
		ThreadName: t.Name(),
		Method:     f.Method.FullName(),
		MethodID:   uint64(f.Method.ID()),
		PC:         int64(f.PC),
		Locals:     make([]uint64, len(f.Locals)),
		Flags:      t.Flags(),
	}
	for i, v := range f.Locals {
		snap.Locals[i] = uint64(v)
	}
	if exc := t.PendingException(); exc.IsRef() {
		snap.Pending = exc.ObjectID()
	}
	return snap
}

// MarshalSnapshot serializes a Snapshot to CBOR bytes.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalSnapshot deserializes a Snapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("vm: unmarshal snapshot: %w", err)
	}
	return &s, nil
}

// RestoreSnapshot rebuilds a frame from a snapshot against this VM's
// method table. The frame resumes from the snapshot's pc; heap refs in
// the locals are only meaningful against the heap they came from.
func RestoreSnapshot(vm *VM, s *Snapshot) (*Frame, error) {
	m := vm.MethodByName(s.Method)
	if m == nil {
		return nil, fmt.Errorf("vm: restore snapshot: unknown method %q", s.Method)
	}
	if len(s.Locals) != m.NumLocals {
		return nil, fmt.Errorf("vm: restore snapshot: %s has %d locals, snapshot has %d",
			s.Method, m.NumLocals, len(s.Locals))
	}
	f := NewFrame(m)
	for i, bits := range s.Locals {
		f.Locals[i] = Value(bits)
	}
	f.ExportPC(int(s.PC))
	return f, nil
}

// ---------------------------------------------------------------------------
// Sinks
// ---------------------------------------------------------------------------

// CheckpointSink receives serialized snapshots from checkpointed
// threads.
type CheckpointSink interface {
	WriteSnapshot(threadID uint64, data []byte)
}

// SinkEntry is one captured snapshot in a MemorySink.
type SinkEntry struct {
	ThreadID uint64
	Data     []byte
}

// MemorySink retains the most recent snapshots in a bounded ring.
type MemorySink struct {
	mu       sync.Mutex
	entries  []SinkEntry
	capacity int
	next     int
	total    uint64
}

// NewMemorySink creates a sink holding at most capacity snapshots.
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 16
	}
	return &MemorySink{capacity: capacity}
}

// WriteSnapshot stores a snapshot, evicting the oldest when full.
func (s *MemorySink) WriteSnapshot(threadID uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := SinkEntry{ThreadID: threadID, Data: data}
	if len(s.entries) < s.capacity {
		s.entries = append(s.entries, entry)
	} else {
		s.entries[s.next] = entry
		s.next = (s.next + 1) % s.capacity
	}
	s.total++
}

// Snapshots returns the retained entries, oldest first.
func (s *MemorySink) Snapshots() []SinkEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SinkEntry, 0, len(s.entries))
	if len(s.entries) == s.capacity {
		out = append(out, s.entries[s.next:]...)
		out = append(out, s.entries[:s.next]...)
	} else {
		out = append(out, s.entries...)
	}
	return out
}

// Latest returns the newest snapshot for a thread, or nil.
func (s *MemorySink) Latest(threadID uint64) []byte {
	entries := s.Snapshots()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].ThreadID == threadID {
			return entries[i].Data
		}
	}
	return nil
}

// Total reports how many snapshots have ever been written.
func (s *MemorySink) Total() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
