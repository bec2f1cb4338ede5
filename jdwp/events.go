package jdwp

// Composite events: every event the machine raises goes out as a
// composite command holding the suspend policy, a count, and the
// per-event payloads. Each Post returns whether the posting thread
// must suspend itself under the event's policy.
//
// For a suspending event the wait-for-event-thread mark is taken
// before the packet is written. The debugger's resume can only follow
// its receipt of the event, so mark-taking is ordered before resume
// processing on the read loop.

// tagObject is the wire tag preceding an object id in a tagged-object
// encoding.
const tagObject byte = 'L'

func (s *State) postComposite(kind EventKind, thread ThreadID, build func(w *PayloadWriter)) bool {
	if !s.IsActive() {
		return false
	}
	policy := s.policyFor(kind)

	w := NewPayloadWriter()
	w.WriteByte(byte(policy))
	w.WriteUint32(1)
	w.WriteByte(byte(kind))
	w.WriteUint32(s.requestIDFor(kind))
	build(w)

	suspend := policy != SuspendNone
	if suspend {
		if !s.SetWaitForEventThread(thread) {
			return false
		}
	}
	if err := s.sendCommand(CmdSetEvent, CmdEventComposite, w.Bytes()); err != nil {
		if suspend {
			s.ClearWaitForEventThread(thread)
		}
		return false
	}
	log.Debugf("posted %v for thread %d (policy %v)", kind, uint64(thread), policy)
	return suspend
}

// PostVMStart announces the machine coming up.
func (s *State) PostVMStart(thread ThreadID) bool {
	return s.postComposite(EventKindVMStart, thread, func(w *PayloadWriter) {
		w.WriteThreadID(thread)
	})
}

// PostLocationEvent posts one of the location-grouped kinds: single
// step, breakpoint, method entry, method exit. All four share a
// payload of thread plus location.
func (s *State) PostLocationEvent(kind EventKind, thread ThreadID, loc Location) bool {
	switch kind {
	case EventKindSingleStep, EventKindBreakpoint, EventKindMethodEntry, EventKindMethodExit:
	default:
		log.Errorf("%v is not a location event kind", kind)
		return false
	}
	return s.postComposite(kind, thread, func(w *PayloadWriter) {
		w.WriteThreadID(thread)
		w.WriteLocation(loc)
	})
}

// PostException posts a thrown exception: where it was thrown, the
// exception object, and where it will be caught. An uncaught
// exception carries the zero catch location.
func (s *State) PostException(thread ThreadID, throwLoc Location, exception ObjectID, catchLoc Location) bool {
	return s.postComposite(EventKindException, thread, func(w *PayloadWriter) {
		w.WriteThreadID(thread)
		w.WriteLocation(throwLoc)
		w.WriteByte(tagObject)
		w.WriteObjectID(exception)
		w.WriteLocation(catchLoc)
	})
}

// PostThreadChange posts a thread start or death.
func (s *State) PostThreadChange(kind EventKind, thread ThreadID) bool {
	if kind != EventKindThreadStart && kind != EventKindThreadDeath {
		log.Errorf("%v is not a thread change kind", kind)
		return false
	}
	return s.postComposite(kind, thread, func(w *PayloadWriter) {
		w.WriteThreadID(thread)
	})
}

// PostClassPrepare announces a reference type becoming known.
func (s *State) PostClassPrepare(thread ThreadID, refType RefTypeID, signature string) bool {
	return s.postComposite(EventKindClassPrepare, thread, func(w *PayloadWriter) {
		w.WriteThreadID(thread)
		w.WriteByte(byte(TypeTagClass))
		w.WriteRefTypeID(refType)
		w.WriteString(signature)
		w.WriteUint32(ClassStatusVerified | ClassStatusPrepared)
	})
}

// PostVMDeath announces shutdown.
func (s *State) PostVMDeath() bool {
	return s.postComposite(EventKindVMDeath, 0, func(w *PayloadWriter) {})
}
