package sip

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/signalgrid/softswitch/internal/config"
	"github.com/signalgrid/softswitch/internal/core"
	"github.com/signalgrid/softswitch/internal/media"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Offer used across call-flow tests.
const testInviteSDP = `v=0
o=phone 1 1 IN IP4 192.168.1.50
s=call
c=IN IP4 192.168.1.50
t=0 0
m=audio 4000 RTP/AVP 0 8
a=rtpmap:0 PCMU/8000
a=rtpmap:8 PCMA/8000
a=sendrecv
`

const testHoldSDP = `v=0
o=phone 1 2 IN IP4 192.168.1.50
s=call
c=IN IP4 192.168.1.50
t=0 0
m=audio 4000 RTP/AVP 0
a=rtpmap:0 PCMU/8000
a=sendonly
`

type fakeResponse struct {
	handleID string
	status   int
	phrase   string
	body     []byte
	headers  map[string]string
}

type fakeNotify struct {
	handleID    string
	callID      string
	event       string
	subState    string
	contentType string
	body        []byte
}

type fakeRegister struct {
	handleID string
	gateway  string
	auth     string
	expires  int
}

type fakeSubscribe struct {
	handleID string
	gateway  string
	event    string
	auth     string
}

// fakeSignaler records every signaling operation the profile asks for.
type fakeSignaler struct {
	mu         sync.Mutex
	responses  []fakeResponse
	hangups    []fakeResponse
	reinvites  []fakeResponse
	notifies   []fakeNotify
	registers  []fakeRegister
	options    []string // handle IDs
	subscribes []fakeSubscribe
	released   []string
}

func (f *fakeSignaler) Listen(ctx context.Context) error { return nil }
func (f *fakeSignaler) Close() error                     { return nil }

func (f *fakeSignaler) RespondCall(handleID string, status int, phrase string, body []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, fakeResponse{handleID, status, phrase, body, headers})
	return nil
}

func (f *fakeSignaler) HangupCall(handleID string, status int, phrase string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, fakeResponse{handleID: handleID, status: status, phrase: phrase})
	return nil
}

func (f *fakeSignaler) Reinvite(handleID string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reinvites = append(f.reinvites, fakeResponse{handleID: handleID, body: body})
	return nil
}

func (f *fakeSignaler) SendRegister(handleID string, gw *Gateway, authorization string, expires int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers = append(f.registers, fakeRegister{handleID, gw.Name(), authorization, expires})
}

func (f *fakeSignaler) SendOptions(handleID string, gw *Gateway) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.options = append(f.options, handleID)
}

func (f *fakeSignaler) SendSubscribe(handleID string, gw *Gateway, sub *Subscription, authorization string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, fakeSubscribe{handleID, gw.Name(), sub.EventPackage(), authorization})
}

func (f *fakeSignaler) SendNotify(handleID, callID, event, subState, contentType string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifies = append(f.notifies, fakeNotify{handleID, callID, event, subState, contentType, body})
}

func (f *fakeSignaler) ReleaseHandle(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
}

func (f *fakeSignaler) lastResponse() (fakeResponse, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return fakeResponse{}, false
	}
	return f.responses[len(f.responses)-1], true
}

func (f *fakeSignaler) responseWithStatus(status int) (fakeResponse, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.responses {
		if r.status == status {
			return r, true
		}
	}
	return fakeResponse{}, false
}

func (f *fakeSignaler) lastNotify() (fakeNotify, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.notifies) == 0 {
		return fakeNotify{}, false
	}
	return f.notifies[len(f.notifies)-1], true
}

func (f *fakeSignaler) notifyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notifies)
}

func (f *fakeSignaler) wasReleased(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.released {
		if r == id {
			return true
		}
	}
	return false
}

// fakeSink records deferred statements and serves dialog-ownership lookups.
type fakeSink struct {
	mu      sync.Mutex
	queries []string
	owners  map[string]string
}

func (s *fakeSink) Exec(query string, args ...any) error {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) DialogOwner(callID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.owners[callID]
	return node, ok
}

// testEnv bundles one profile with its collaborators for call-flow tests.
type testEnv struct {
	p      *Profile
	agent  *fakeSignaler
	rt     *core.Runtime
	engine *media.Loopback
	sink   *fakeSink

	mu        sync.Mutex
	transfers map[string]string // session -> destination the dialplan parked at
}

func newTestEnv(t *testing.T, mutate func(*config.ProfileConfig)) *testEnv {
	t.Helper()
	logger := testLogger()

	cfg := config.ProfileConfig{
		Name:      "internal",
		BindAddr:  "127.0.0.1",
		Port:      5060,
		Transport: "udp",
		Realm:     "sip.test",
		Context:   "default",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	env := &testEnv{
		agent:     &fakeSignaler{},
		rt:        core.NewRuntime(logger),
		engine:    media.NewLoopback("10.0.0.1", 20000, 20100, logger),
		sink:      &fakeSink{owners: make(map[string]string)},
		transfers: make(map[string]string),
	}

	// The dialplan stand-in parks sessions, as the real default does.
	env.rt.SetTransferFunc(func(sessionID, destination string) error {
		s, release := env.rt.Locate(sessionID)
		if s == nil {
			return ErrStaleLeg
		}
		defer release()
		s.SetVar(VarDestination, destination)
		s.SetState(core.StatePark)
		env.mu.Lock()
		env.transfers[sessionID] = destination
		env.mu.Unlock()
		return nil
	})

	p, err := NewProfile(cfg, ProfileDeps{
		Registry: NewRegistry(logger),
		Runtime:  env.rt,
		Media:    env.engine,
		ACLs:     NewACLSet(logger),
		Sink:     env.sink,
		NodeName: "node-test",
		MediaIP:  "10.0.0.1",
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("NewProfile failed: %v", err)
	}
	p.SetSignaler(env.agent)
	env.p = p
	t.Cleanup(p.tasks.Close)
	return env
}

func (e *testEnv) transferredTo(sessionID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transfers[sessionID]
}

// inviteEvent builds an inbound INVITE event answering into the fake.
func (e *testEnv) inviteEvent(handleID, callID, to string, body []byte) Event {
	return Event{
		Kind:     EventInvite,
		HandleID: handleID,
		CallID:   callID,
		Source:   "192.168.1.50:5060",
		From:     "1000",
		To:       to,
		Body:     body,
		respond: func(status int, phrase string, body []byte, headers map[string]string) error {
			return e.agent.RespondCall(handleID, status, phrase, body, headers)
		},
	}
}

// placeCall dispatches a fresh inbound INVITE and returns the created leg.
func (e *testEnv) placeCall(t *testing.T, handleID, callID, to string) *Leg {
	t.Helper()
	e.p.dispatch(e.inviteEvent(handleID, callID, to, []byte(testInviteSDP)))
	legID, ok := e.p.reg.LegByCallID(callID)
	if !ok {
		t.Fatalf("call %s did not create a leg", callID)
	}
	leg := e.p.legByID(legID)
	if leg == nil {
		t.Fatalf("leg %s not tracked", legID)
	}
	return leg
}

// outboundLeg fabricates an outbound leg in calling, the shape a dial-out
// would leave behind.
func (e *testEnv) outboundLeg(t *testing.T, handleID, callID string) *Leg {
	t.Helper()
	h := e.p.ensureHandle(handleID)
	leg := e.p.newLeg(callID, Outbound, handleID)
	h.Rebind(LegBinding(leg.id))
	if err := leg.advance(CallCalling); err != nil {
		t.Fatalf("advance to calling failed: %v", err)
	}
	return leg
}

func (e *testEnv) callStateEvent(handleID string, state CallState, status int, body []byte) Event {
	return Event{
		Kind:     EventCallState,
		HandleID: handleID,
		State:    state,
		Status:   status,
		Body:     body,
	}
}

func (e *testEnv) sessionVar(t *testing.T, sessionID, name string) string {
	t.Helper()
	s, release := e.rt.Locate(sessionID)
	if s == nil {
		t.Fatalf("session %s not found", sessionID)
	}
	defer release()
	return s.Var(name)
}

// waitFor polls a condition until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
