package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/signalgrid/softswitch/internal/config"
	"github.com/signalgrid/softswitch/internal/core"
	"github.com/signalgrid/softswitch/internal/media"
)

// Channel variable names set on sessions owned by a profile.
const (
	VarProfile      = "signaling_profile"
	VarCallID       = "sip_call_id"
	VarDestination  = "destination_number"
	VarTermStatus   = "sip_term_status"
	VarTermCause    = "sip_term_cause"
	VarHangupPhrase = "sip_hangup_phrase"
	VarPartnerCause = "sip_partner_hangup_cause"
	VarAutoAnswer   = "sip_auto_answer"
)

// gatewaySweepSeconds is the cadence of the gateway/subscription sweep on
// the worker tick. Registration-row expiry runs on its own, coarser clock
// (ProfileConfig.RegistrationSweepSeconds).
const gatewaySweepSeconds = 1

// shutdownSanity bounds the drain wait at profile shutdown: 100ms steps,
// with a re-sweep of surviving calls at the halfway mark.
const shutdownSanity = 100

// StatementSink executes deferred SQL and answers dialog-ownership lookups
// for transfer-target resolution.
type StatementSink interface {
	Exec(query string, args ...any) error
	DialogOwner(callID string) (node string, ok bool)
}

// Counters are the profile's running totals.
type Counters struct {
	CallsIn    int64
	CallsOut   int64
	FailedIn   int64
	FailedOut  int64
	Transfers  int64
	ActiveLegs int
}

// profile lifecycle states
const (
	profileIdle int32 = iota
	profileRunning
	profileDraining
	profileStopped
)

// ProfileDeps are the collaborators a profile is built against. The agent
// is attached afterwards with SetSignaler because it needs the profile's
// Post method.
type ProfileDeps struct {
	Registry *Registry
	Runtime  *core.Runtime
	Media    media.Engine
	ACLs     *ACLSet
	Sink     StatementSink
	NodeName string
	MediaIP  string
	Logger   *slog.Logger
}

// Profile is one signaling profile: a bind point, its feature posture, its
// gateways and the two goroutines that animate them. All signaling events
// funnel through a single event-loop goroutine; the worker goroutine drains
// the deferred-statement queue and runs the housekeeping tick.
type Profile struct {
	cfg    config.ProfileConfig
	logger *slog.Logger

	reg    *Registry
	rt     *core.Runtime
	media  media.Engine
	acls   *ACLSet
	auth   *Authenticator
	sink   StatementSink
	agent  Signaler
	queue  *StatementQueue
	tasks  *TaskPool
	limiter *rate.Limiter

	nodeName string
	mediaIP  string

	events chan Event

	mu       sync.Mutex // guards handles and legs maps only
	handles  map[string]*Handle
	legs     map[string]*Leg
	gateways []*Gateway

	callsIn   atomic.Int64
	callsOut  atomic.Int64
	failedIn  atomic.Int64
	failedOut atomic.Int64
	transfers atomic.Int64

	uses  atomic.Int32
	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProfile builds a profile from validated config. Gateways are created
// and registered with the registry; nothing runs until Start.
func NewProfile(cfg config.ProfileConfig, deps ProfileDeps) (*Profile, error) {
	logger := deps.Logger.With("component", "profile", "profile", cfg.Name)
	p := &Profile{
		cfg:      cfg,
		logger:   logger,
		reg:      deps.Registry,
		rt:       deps.Runtime,
		media:    deps.Media,
		acls:     deps.ACLs,
		sink:     deps.Sink,
		nodeName: deps.NodeName,
		mediaIP:  deps.MediaIP,
		queue:    NewStatementQueue(),
		tasks:    NewTaskPool(4, 64, logger),
		events:   make(chan Event, 256),
		handles:  make(map[string]*Handle),
		legs:     make(map[string]*Leg),
	}

	realm := cfg.Realm
	if realm == "" {
		realm = cfg.Name
	}
	p.auth = NewAuthenticator(realm, StaticCredentials(cfg.Users), logger)

	if cfg.SessionsPerSec > 0 {
		burst := cfg.SessionBurst
		if burst <= 0 {
			burst = int(cfg.SessionsPerSec) + 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.SessionsPerSec), burst)
	}

	for _, gc := range cfg.Gateways {
		g := NewGateway(cfg.Name, gc)
		p.gateways = append(p.gateways, g)
		if err := deps.Registry.AddGateway(g); err != nil {
			return nil, fmt.Errorf("profile %q: %w", cfg.Name, err)
		}
	}

	return p, nil
}

// Name returns the profile name.
func (p *Profile) Name() string { return p.cfg.Name }

// Aliases returns the profile's lookup aliases.
func (p *Profile) Aliases() []string { return p.cfg.Aliases }

// Config returns the profile's validated configuration.
func (p *Profile) Config() config.ProfileConfig { return p.cfg }

// SetSignaler attaches the signaling agent. Must happen before Start.
func (p *Profile) SetSignaler(s Signaler) { p.agent = s }

func (p *Profile) addUse()  { p.uses.Add(1) }
func (p *Profile) dropUse() { p.uses.Add(-1) }

// InUse returns the number of outstanding usage references.
func (p *Profile) InUse() int { return int(p.uses.Load()) }

func (p *Profile) running() bool  { return p.state.Load() == profileRunning }
func (p *Profile) draining() bool { return p.state.Load() >= profileDraining }

// Start launches the event loop and the worker, and brings the agent's
// listeners up.
func (p *Profile) Start(ctx context.Context) error {
	if p.agent == nil {
		return fmt.Errorf("profile %q: no signaler attached", p.cfg.Name)
	}
	if !p.state.CompareAndSwap(profileIdle, profileRunning) {
		return fmt.Errorf("profile %q: already started", p.cfg.Name)
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	if err := p.agent.Listen(p.ctx); err != nil {
		p.state.Store(profileStopped)
		return fmt.Errorf("profile %q: starting agent: %w", p.cfg.Name, err)
	}

	p.wg.Add(2)
	go p.eventLoop()
	go p.workerLoop()

	p.logger.Info("profile started",
		"bind", p.cfg.BindAddr, "port", p.cfg.Port,
		"transport", p.cfg.Transport, "gateways", len(p.gateways))
	return nil
}

// Post delivers an event to the profile's event loop. Rejected once the
// profile is draining.
func (p *Profile) Post(ev Event) error {
	if p.draining() {
		return ErrProfileShutdown
	}
	select {
	case p.events <- ev:
		return nil
	case <-p.ctx.Done():
		return ErrProfileShutdown
	}
}

// eventLoop is the single consumer of the profile event channel. Handlers
// run here, so per-leg work is serialized without holding locks across
// handler bodies.
func (p *Profile) eventLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev := <-p.events:
			p.dispatch(ev)
		}
	}
}

// workerLoop drains the deferred-statement queue and runs the housekeeping
// tick: gateway and subscription sweeps every second, registration-row
// expiry and nonce cleanup on the coarser sweep clock.
func (p *Profile) workerLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var tick int
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.queue.Signal():
			p.flushStatements()
		case <-ticker.C:
			tick++
			p.flushStatements()
			if tick%gatewaySweepSeconds == 0 {
				now := time.Now()
				p.sweepGateways(now)
				p.sweepSubscriptions(now)
			}
			if tick%p.cfg.RegistrationSweepSeconds == 0 {
				p.sweepRegistrations()
				p.auth.CleanExpiredNonces()
			}
		}
	}
}

// flushStatements executes everything in the deferred queue against the
// sink. Failures are logged, never propagated: the queue is fire-and-forget
// by contract.
func (p *Profile) flushStatements() {
	for _, st := range p.queue.Drain() {
		if err := p.sink.Exec(st.Query, st.Args...); err != nil {
			p.logger.Error("deferred statement failed", "error", err)
		}
	}
}

// sweepRegistrations expires stale registration rows for this profile.
func (p *Profile) sweepRegistrations() {
	p.queue.Push(
		"DELETE FROM registrations WHERE profile = ? AND expires_at < ?",
		p.cfg.Name, time.Now().Unix(),
	)
}

// Shutdown stops intake, hangs up the profile's calls, drains in-use
// references under a bounded sanity counter, flushes the statement queue
// and closes the agent.
func (p *Profile) Shutdown(ctx context.Context) error {
	if !p.state.CompareAndSwap(profileRunning, profileDraining) {
		return nil
	}
	p.logger.Info("profile shutting down")

	swept := p.rt.HangupMatching(VarProfile, p.cfg.Name, core.CauseManagerRequest)
	if swept > 0 {
		p.logger.Info("hung up profile calls", "count", swept)
	}

	sanity := shutdownSanity
	for p.uses.Load() > 0 || p.activeLegs() > 0 {
		if sanity == shutdownSanity/2 {
			again := p.rt.HangupMatching(VarProfile, p.cfg.Name, core.CauseManagerRequest)
			p.logger.Warn("still draining, re-sweeping calls",
				"in_use", p.uses.Load(), "legs", p.activeLegs(), "swept", again)
		}
		if sanity <= 0 {
			p.logger.Error("drain exhausted, forcing shutdown",
				"in_use", p.uses.Load(), "legs", p.activeLegs())
			break
		}
		sanity--
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	p.flushStatements()
	p.cancel()
	p.wg.Wait()
	p.tasks.Close()

	err := p.agent.Close()
	p.state.Store(profileStopped)
	p.reg.RemoveProfile(p.cfg.Name)
	for _, g := range p.gateways {
		p.reg.RemoveGateway(g.Name())
	}
	p.logger.Info("profile stopped")
	return err
}

// admit runs the front-door checks on a new inbound call.
func (p *Profile) admit(ev *Event) error {
	if p.draining() {
		return ErrProfileShutdown
	}
	if ev.CallID == "" {
		return fmt.Errorf("%w: Call-ID", ErrMissingHeader)
	}
	if !p.acls.Check(p.cfg.ApplyInboundACL, ev.Source) {
		return ErrACLDenied
	}
	if p.cfg.MaxSessions > 0 && p.activeLegs() >= p.cfg.MaxSessions {
		return ErrCallCeiling
	}
	if p.limiter != nil && !p.limiter.Allow() {
		return ErrRateLimited
	}
	return nil
}

// Handle and leg bookkeeping. p.mu guards the maps only; it is never held
// while a leg or handle lock is taken.

func (p *Profile) newBoundHandle(b Binding) *Handle {
	h := newHandle()
	h.Rebind(b)
	p.mu.Lock()
	p.handles[h.id] = h
	p.mu.Unlock()
	return h
}

func (p *Profile) handleByID(id string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[id]
}

// destroyHandle removes a handle from the table and releases the agent's
// side of it. The binding must already be cleared.
func (p *Profile) destroyHandle(h *Handle) {
	p.mu.Lock()
	delete(p.handles, h.id)
	p.mu.Unlock()
	p.agent.ReleaseHandle(h.id)
}

// newLeg creates a session in the runtime and the leg tracking it, and
// maps the dialog for transfer-target lookup.
func (p *Profile) newLeg(callID string, dir Direction, handleID string) *Leg {
	s := p.rt.NewSession()
	s.SetVar(VarProfile, p.cfg.Name)
	s.SetVar(VarCallID, callID)

	leg := newLeg(s.ID(), callID, p.cfg.Name, dir)
	leg.handleID = handleID
	leg.relay = p.cfg.InboundBypassMedia
	leg.proxyMedia = p.cfg.ProxyMedia
	leg.delayedNeg = p.cfg.LateNegotiation

	// Runtime-initiated hangups (bridge peer, dialplan, API, shutdown)
	// still owe the far end a terminal answer on the wire.
	s.OnHangup(func(cause core.Cause) {
		p.legHungup(leg.id, cause)
	})

	p.mu.Lock()
	p.legs[leg.id] = leg
	p.mu.Unlock()

	p.reg.MapDialog(callID, leg.id)
	p.queue.Push(
		"INSERT INTO dialogs (call_id, leg_id, profile, node, direction, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		callID, leg.id, p.cfg.Name, p.nodeName, dir.String(), time.Now().Unix(),
	)
	if dir == Inbound {
		p.callsIn.Add(1)
	} else {
		p.callsOut.Add(1)
	}
	return leg
}

func (p *Profile) legByID(id string) *Leg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.legs[id]
}

// destroyLeg tears down everything hanging off a leg: media, runtime
// session, dialog mapping and the persisted row.
func (p *Profile) destroyLeg(leg *Leg) {
	p.mu.Lock()
	delete(p.legs, leg.id)
	p.mu.Unlock()

	p.reg.UnmapDialog(leg.callID)
	p.media.Release(leg.id)
	p.rt.Destroy(leg.id)
	p.queue.Push("DELETE FROM dialogs WHERE leg_id = ?", leg.id)
}

func (p *Profile) activeLegs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.legs)
}

// CallSnapshot is the status-API view of one live leg.
type CallSnapshot struct {
	LegID     string `json:"leg_id"`
	CallID    string `json:"call_id"`
	Profile   string `json:"profile"`
	Direction string `json:"direction"`
	State     string `json:"state"`
}

// Calls returns a snapshot of the profile's live legs.
func (p *Profile) Calls() []CallSnapshot {
	p.mu.Lock()
	legs := make([]*Leg, 0, len(p.legs))
	for _, leg := range p.legs {
		legs = append(legs, leg)
	}
	p.mu.Unlock()

	out := make([]CallSnapshot, 0, len(legs))
	for _, leg := range legs {
		out = append(out, CallSnapshot{
			LegID:     leg.ID(),
			CallID:    leg.CallID(),
			Profile:   p.cfg.Name,
			Direction: leg.Direction().String(),
			State:     leg.State(),
		})
	}
	return out
}

// CountersSnapshot returns the profile's running totals.
func (p *Profile) CountersSnapshot() Counters {
	return Counters{
		CallsIn:    p.callsIn.Load(),
		CallsOut:   p.callsOut.Load(),
		FailedIn:   p.failedIn.Load(),
		FailedOut:  p.failedOut.Load(),
		Transfers:  p.transfers.Load(),
		ActiveLegs: p.activeLegs(),
	}
}

// GatewaySnapshots returns the state of every gateway under this profile.
func (p *Profile) GatewaySnapshots() []GatewaySnapshot {
	out := make([]GatewaySnapshot, 0, len(p.gateways))
	for _, g := range p.gateways {
		out = append(out, g.Snapshot())
	}
	return out
}
