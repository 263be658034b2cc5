package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState is the coarse lifecycle state of a session within the
// surrounding call runtime (distinct from the SIP dialog state tracked by
// the signaling layer).
type SessionState int

const (
	StateNew SessionState = iota
	StateInit
	StateExecute
	StateHibernate
	StatePark
	StateHangup
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInit:
		return "init"
	case StateExecute:
		return "execute"
	case StateHibernate:
		return "hibernate"
	case StatePark:
		return "park"
	case StateHangup:
		return "hangup"
	default:
		return "unknown"
	}
}

// BondVariable is the channel variable holding the session ID of the
// bridged peer. Empty when the session is not in a bridge.
const BondVariable = "signal_bond"

// DispositionVariable holds the outward-facing disposition tag describing
// how the session reached its current or final state.
const DispositionVariable = "endpoint_disposition"

// PresenceEvent describes a presence-style notification emitted by a
// session (hold/unhold and similar state advertisements).
type PresenceEvent struct {
	SessionID string
	Kind      string
	Status    string
}

// Session is one call leg as seen by the runtime: a bag of channel
// variables, a lifecycle state and a hangup cause. All access goes through
// its own lock; the runtime's registry lock is never held while a session
// lock is taken.
type Session struct {
	mu sync.Mutex

	id       string
	state    SessionState
	vars     map[string]string
	cause    Cause
	answered bool
	preAns   bool
	ringing  bool

	// onHangup lets the owning signaling leg react when the runtime
	// (or the far side of a bridge) hangs this session up.
	onHangup func(Cause)

	refs    int
	zombie  bool
	created time.Time
}

// ID returns the immutable session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current runtime state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState moves the session to a new runtime state.
func (s *Session) SetState(st SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateHangup {
		return
	}
	s.state = st
}

// Var returns a channel variable, or the empty string when unset.
func (s *Session) Var(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vars[name]
}

// SetVar sets a channel variable.
func (s *Session) SetVar(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = value
}

// Cause returns the hangup cause, CauseNone while the session is up.
func (s *Session) Cause() Cause {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Up reports whether the session has not yet been hung up.
func (s *Session) Up() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateHangup
}

// Answered reports whether the session has been marked answered.
func (s *Session) Answered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answered
}

// MarkAnswered flags the session as answered.
func (s *Session) MarkAnswered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answered = true
}

// MarkPreAnswered flags the session as pre-answered (early media).
func (s *Session) MarkPreAnswered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preAns = true
}

// PreAnswered reports whether early media has been established.
func (s *Session) PreAnswered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preAns
}

// MarkRingReady flags the session as ringing.
func (s *Session) MarkRingReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ringing = true
}

// RingReady reports whether ringing has been indicated.
func (s *Session) RingReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ringing
}

// OnHangup installs the hangup callback. The callback runs outside the
// session lock, at most once.
func (s *Session) OnHangup(fn func(Cause)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onHangup = fn
}

// TransferFunc begins dialplan execution for a session at a destination.
type TransferFunc func(sessionID, destination string) error

// OriginateFunc places a new outbound call to a destination, returning the
// new session's ID on success. The context carries the caller's deadline.
type OriginateFunc func(ctx context.Context, destination string) (string, Cause, error)

// PresenceFunc receives presence-style events (hold/unhold).
type PresenceFunc func(ev PresenceEvent)

// Runtime is the session registry and cross-session service surface the
// call-control core is built against. It owns the session map under its own
// lock; individual sessions are guarded by their own locks.
type Runtime struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   *slog.Logger

	transfer  TransferFunc
	originate OriginateFunc
	presence  PresenceFunc
}

// NewRuntime creates an empty session runtime.
func NewRuntime(logger *slog.Logger) *Runtime {
	return &Runtime{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "core"),
	}
}

// SetTransferFunc installs the dialplan-transfer hook.
func (r *Runtime) SetTransferFunc(fn TransferFunc) { r.transfer = fn }

// SetOriginateFunc installs the outbound-origination hook.
func (r *Runtime) SetOriginateFunc(fn OriginateFunc) { r.originate = fn }

// SetPresenceFunc installs the presence event sink.
func (r *Runtime) SetPresenceFunc(fn PresenceFunc) { r.presence = fn }

// NewSession creates and registers a session with a fresh UUID.
func (r *Runtime) NewSession() *Session {
	s := &Session{
		id:      uuid.NewString(),
		state:   StateNew,
		vars:    make(map[string]string),
		created: time.Now(),
	}
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	return s
}

// Locate resolves a session by ID and takes a reference on it. The returned
// release function must be called when the caller is done; the session is
// not removed from the registry while references are held. A nil session
// means the ID is stale.
func (r *Runtime) Locate(id string) (*Session, func()) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, nil
	}
	s.mu.Lock()
	if s.zombie {
		s.mu.Unlock()
		r.mu.Unlock()
		return nil, nil
	}
	s.refs++
	s.mu.Unlock()
	r.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() { r.release(s) })
	}
	return s, release
}

func (r *Runtime) release(s *Session) {
	s.mu.Lock()
	s.refs--
	drop := s.zombie && s.refs == 0
	s.mu.Unlock()
	if drop {
		r.mu.Lock()
		delete(r.sessions, s.id)
		r.mu.Unlock()
	}
}

// Destroy marks a session for removal. The entry is dropped immediately if
// no references are held, otherwise when the last reference is released,
// so a stale ID can never resolve to a reused slot.
func (r *Runtime) Destroy(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.mu.Lock()
	s.zombie = true
	drop := s.refs == 0
	s.mu.Unlock()
	if drop {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
}

// Count returns the number of live sessions.
func (r *Runtime) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Bridge cross-connects two sessions by pointing their bond variables at
// each other.
func (r *Runtime) Bridge(aID, bID string) error {
	a, releaseA := r.Locate(aID)
	if a == nil {
		return fmt.Errorf("bridge: session %s not found", aID)
	}
	defer releaseA()
	b, releaseB := r.Locate(bID)
	if b == nil {
		return fmt.Errorf("bridge: session %s not found", bID)
	}
	defer releaseB()

	a.SetVar(BondVariable, bID)
	b.SetVar(BondVariable, aID)
	r.logger.Info("sessions bridged", "a", aID, "b", bID)
	return nil
}

// Unbridge clears the bond between a session and its peer, if any.
func (r *Runtime) Unbridge(id string) {
	s, release := r.Locate(id)
	if s == nil {
		return
	}
	defer release()
	peerID := s.Var(BondVariable)
	s.SetVar(BondVariable, "")
	if peerID == "" {
		return
	}
	if peer, releasePeer := r.Locate(peerID); peer != nil {
		if peer.Var(BondVariable) == id {
			peer.SetVar(BondVariable, "")
		}
		releasePeer()
	}
}

// Transfer begins dialplan execution for a session at a destination.
func (r *Runtime) Transfer(sessionID, destination string) error {
	if r.transfer == nil {
		return fmt.Errorf("transfer: no dialplan handler installed")
	}
	r.logger.Info("session transfer", "session", sessionID, "destination", destination)
	return r.transfer(sessionID, destination)
}

// Originate places a new outbound call, honoring the context deadline.
// The wait is abandoned at the deadline and reported as a failure cause,
// never as a panic.
func (r *Runtime) Originate(ctx context.Context, destination string) (string, Cause, error) {
	if r.originate == nil {
		return "", CauseServiceUnavailable, fmt.Errorf("originate: no handler installed")
	}
	return r.originate(ctx, destination)
}

// Hangup terminates a session with a cause. The hangup callback fires once,
// outside the session lock. Hanging up an already-down session is a no-op.
func (r *Runtime) Hangup(id string, cause Cause) {
	s, release := r.Locate(id)
	if s == nil {
		return
	}
	defer release()

	s.mu.Lock()
	if s.state == StateHangup {
		s.mu.Unlock()
		return
	}
	s.state = StateHangup
	s.cause = cause
	fn := s.onHangup
	s.mu.Unlock()

	r.logger.Info("session hangup", "session", id, "cause", cause.String())
	if fn != nil {
		fn(cause)
	}
}

// Presence emits a presence-style event for a session.
func (r *Runtime) Presence(sessionID, kind, status string) {
	ev := PresenceEvent{SessionID: sessionID, Kind: kind, Status: status}
	if r.presence != nil {
		r.presence(ev)
		return
	}
	r.logger.Debug("presence event", "session", sessionID, "kind", kind, "status", status)
}

// HangupMatching hangs up every session whose variable matches the given
// value and returns the number of sessions affected. Used by profile
// shutdown to sweep its own calls.
func (r *Runtime) HangupMatching(variable, value string, cause Cause) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		s.mu.Lock()
		match := !s.zombie && s.vars[variable] == value && s.state != StateHangup
		s.mu.Unlock()
		if match {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Hangup(id, cause)
	}
	return len(ids)
}
