package amagent

// SessionEvent describes a session state change pushed by AM through the
// notification endpoint.
type SessionEvent struct {
	// SessionID is the affected session.
	SessionID string

	// State is the session's new state, e.g. "valid" or "destroyed".
	State string

	// Type is AM's session type code.
	Type string
}

// OnSessionChanged registers fn to run for every session notification the
// agent receives. Handlers run sequentially on the notification goroutine;
// keep them fast. Registration is not removable.
func (a *PolicyAgent) OnSessionChanged(fn func(SessionEvent)) {
	a.subsMu.Lock()
	a.subs = append(a.subs, fn)
	a.subsMu.Unlock()
}

func (a *PolicyAgent) emitSessionChanged(ev SessionEvent) {
	a.subsMu.RLock()
	subs := a.subs
	a.subsMu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}
