package sip

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"

	"github.com/signalgrid/softswitch/internal/core"
)

// CallState is the dialog state reported by the signaling engine.
type CallState int

const (
	CallInit CallState = iota
	CallCalling
	CallReceived
	CallProceeding
	CallCompleting
	CallReady
	CallCompleted
	CallTerminating
	CallTerminated
)

var callStateNames = map[CallState]string{
	CallInit:        "init",
	CallCalling:     "calling",
	CallReceived:    "received",
	CallProceeding:  "proceeding",
	CallCompleting:  "completing",
	CallReady:       "ready",
	CallCompleted:   "completed",
	CallTerminating: "terminating",
	CallTerminated:  "terminated",
}

func (s CallState) String() string {
	if n, ok := callStateNames[s]; ok {
		return n
	}
	return "invalid"
}

// Direction of a call leg relative to this node.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// newLegFSM builds the lifecycle machine enforcing legal call-state
// transitions. Event names equal destination states; ready and completed
// cycle for re-INVITEs, everything non-terminal can terminate.
func newLegFSM() *fsm.FSM {
	live := []string{"init", "calling", "received", "proceeding", "completing", "ready", "completed"}
	return fsm.NewFSM("init",
		fsm.Events{
			{Name: "calling", Src: []string{"init"}, Dst: "calling"},
			{Name: "received", Src: []string{"init"}, Dst: "received"},
			{Name: "proceeding", Src: []string{"init", "calling", "received", "proceeding"}, Dst: "proceeding"},
			{Name: "completing", Src: []string{"calling", "received", "proceeding", "completing"}, Dst: "completing"},
			{Name: "ready", Src: []string{"init", "calling", "received", "proceeding", "completing", "completed", "ready"}, Dst: "ready"},
			{Name: "completed", Src: []string{"ready", "completed"}, Dst: "completed"},
			{Name: "terminating", Src: live, Dst: "terminating"},
			{Name: "terminated", Src: []string{"init", "calling", "received", "proceeding", "completing", "ready", "completed", "terminating"}, Dst: "terminated"},
		},
		fsm.Callbacks{},
	)
}

// Leg is the per-dialog call context: negotiation flags, SDP in flight,
// transfer bookkeeping and the lifecycle machine. Guarded by its own lock;
// the profile registry lock is never taken while a leg lock is held.
type Leg struct {
	mu sync.Mutex

	id        string // session identifier in the call runtime
	callID    string
	profile   string
	direction Direction
	handleID  string
	machine   *fsm.FSM

	// Media negotiation posture.
	relay      bool // signaling relay (bypass) mode: SDP passed through
	proxyMedia bool // media proxied but not transcoded
	delayedNeg bool // offer held for delayed negotiation
	threePCC   bool // no-SDP INVITE answered with a local offer

	hold          bool
	answered      bool
	earlyMedia    bool
	sdpReceived   bool
	noSDPReinvite bool
	redirectLock  bool // media redirect in progress, 491 further offers
	byeSent       bool
	autoAnswer    bool

	remoteSDP []byte
	localSDP  []byte

	// Transfer bookkeeping.
	transferID string
	refer      *referSubscription
	pendingBye bool // hang up after the transfer NOTIFY settles

	appCause   core.Cause
	termStatus int
}

func newLeg(id, callID, profile string, dir Direction) *Leg {
	return &Leg{
		id:        id,
		callID:    callID,
		profile:   profile,
		direction: dir,
		machine:   newLegFSM(),
	}
}

// ID returns the leg's session identifier.
func (l *Leg) ID() string { return l.id }

// CallID returns the dialog's call-id.
func (l *Leg) CallID() string { return l.callID }

// Direction returns the leg direction.
func (l *Leg) Direction() Direction { return l.direction }

// State returns the current lifecycle state name.
func (l *Leg) State() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.machine.Current()
}

// advance moves the lifecycle machine to a state; an illegal transition is
// an error and the machine does not move.
func (l *Leg) advance(state CallState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.machine.Current() == state.String() {
		return nil
	}
	if err := l.machine.Event(context.Background(), state.String()); err != nil {
		return fmt.Errorf("leg %s: %s -> %s: %w", l.id, l.machine.Current(), state, err)
	}
	return nil
}

// Terminal reports whether the leg has reached terminated.
func (l *Leg) Terminal() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.machine.Current() == "terminated"
}

func (l *Leg) setRemoteSDP(body []byte) {
	l.mu.Lock()
	l.remoteSDP = body
	l.sdpReceived = true
	l.mu.Unlock()
}

func (l *Leg) setLocalSDP(body []byte) {
	l.mu.Lock()
	l.localSDP = body
	l.mu.Unlock()
}

// RemoteSDP returns the last remote description seen.
func (l *Leg) RemoteSDP() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteSDP
}

// LocalSDP returns the last local description sent.
func (l *Leg) LocalSDP() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.localSDP
}

// SDPReceived reports whether a remote description has ever arrived.
func (l *Leg) SDPReceived() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sdpReceived
}

// Relay reports whether the leg is in signaling relay mode.
func (l *Leg) Relay() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.relay
}

// Hold reports the hold flag.
func (l *Leg) Hold() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hold
}

// setHold flips the hold flag, reporting whether the value changed. The
// caller emits exactly one presence event per edge.
func (l *Leg) setHold(v bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hold == v {
		return false
	}
	l.hold = v
	return true
}

// setAppCause records an application-level hangup cause; first writer wins.
func (l *Leg) setAppCause(c core.Cause) {
	l.mu.Lock()
	if l.appCause == core.CauseNone {
		l.appCause = c
	}
	l.mu.Unlock()
}

// AppCause returns the application hangup cause, CauseNone if unset.
func (l *Leg) AppCause() core.Cause {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appCause
}
