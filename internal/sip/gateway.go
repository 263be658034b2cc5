package sip

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalgrid/softswitch/internal/config"
)

// GatewayState is the registration state of an outbound trunk.
type GatewayState int

const (
	// GatewayNoRegistration means the gateway is used without REGISTER.
	GatewayNoRegistration GatewayState = iota
	GatewayUnregistered
	GatewayRegistering
	GatewayRegistered
	GatewayFailed
)

func (s GatewayState) String() string {
	switch s {
	case GatewayNoRegistration:
		return "no-registration"
	case GatewayUnregistered:
		return "unregistered"
	case GatewayRegistering:
		return "registering"
	case GatewayRegistered:
		return "registered"
	case GatewayFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// PingState is the OPTIONS-probe liveness of a gateway, tracked separately
// from registration state.
type PingState string

const (
	PingUnknown PingState = ""
	PingUp      PingState = "UP"
	PingDown    PingState = "DOWN"
)

// GatewaySnapshot is the read-only view the status API and metrics see.
type GatewaySnapshot struct {
	Name         string
	Profile      string
	State        string
	Ping         string
	LastError    string
	RegisteredAt time.Time
	ExpiresAt    time.Time
}

// Gateway is one outbound trunk: credentials, registration timers and the
// in-flight challenge bookkeeping. The worker tick drives it; responses
// arrive through the dispatcher.
type Gateway struct {
	mu  sync.Mutex
	cfg config.GatewayConfig

	profile string
	state   GatewayState
	ping    PingState

	retryAt      time.Time
	expiresAt    time.Time
	pingAt       time.Time
	registeredAt time.Time
	lastError    string

	// challenged marks that the in-flight REGISTER or SUBSCRIBE already
	// answered one challenge; a second challenge fails the transaction.
	challenged bool

	subs []*Subscription
	uses atomic.Int32
}

// NewGateway builds a gateway from validated config. Registration starts
// in unregistered (or no-registration when REGISTER is disabled) with an
// immediate first attempt.
func NewGateway(profile string, cfg config.GatewayConfig) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		profile: profile,
		state:   GatewayUnregistered,
	}
	if !cfg.Register {
		g.state = GatewayNoRegistration
	}
	if cfg.PingSeconds > 0 {
		g.pingAt = time.Now().Add(time.Duration(cfg.PingSeconds) * time.Second)
	}
	for _, sc := range cfg.Subscriptions {
		g.subs = append(g.subs, newSubscription(cfg.Name, sc))
	}
	return g
}

// Name returns the gateway name.
func (g *Gateway) Name() string { return g.cfg.Name }

// ProfileName returns the owning profile.
func (g *Gateway) ProfileName() string { return g.profile }

// Config returns the gateway's validated configuration.
func (g *Gateway) Config() config.GatewayConfig { return g.cfg }

// State returns the registration state.
func (g *Gateway) State() GatewayState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Ping returns the liveness state.
func (g *Gateway) Ping() PingState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ping
}

// Snapshot returns the read-only view for the API and metrics.
func (g *Gateway) Snapshot() GatewaySnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GatewaySnapshot{
		Name:         g.cfg.Name,
		Profile:      g.profile,
		State:        g.state.String(),
		Ping:         string(g.ping),
		LastError:    g.lastError,
		RegisteredAt: g.registeredAt,
		ExpiresAt:    g.expiresAt,
	}
}

// needsRegister reports whether the tick should (re-)register now.
func (g *Gateway) needsRegister(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case GatewayUnregistered:
		return true
	case GatewayFailed:
		return !now.Before(g.retryAt)
	case GatewayRegistered:
		return !now.Before(g.expiresAt)
	default:
		return false
	}
}

// needsPing reports whether an OPTIONS probe is due.
func (g *Gateway) needsPing(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cfg.PingSeconds <= 0 {
		return false
	}
	return !now.Before(g.pingAt)
}

func (g *Gateway) schedulePing(now time.Time) {
	g.mu.Lock()
	g.pingAt = now.Add(time.Duration(g.cfg.PingSeconds) * time.Second)
	g.mu.Unlock()
}

// beginRegister moves to registering and resets the challenge budget for
// the new transaction.
func (g *Gateway) beginRegister() {
	g.mu.Lock()
	g.state = GatewayRegistering
	g.challenged = false
	g.mu.Unlock()
}

// markChallenged consumes the single challenge retry. Returns false when
// the budget is already spent, i.e. this is the second challenge.
func (g *Gateway) markChallenged() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.challenged {
		return false
	}
	g.challenged = true
	return true
}

// markRegistered records a successful registration with the granted expiry.
func (g *Gateway) markRegistered(now time.Time, grantedExpiry int) {
	g.mu.Lock()
	g.state = GatewayRegistered
	g.lastError = ""
	g.registeredAt = now
	g.expiresAt = now.Add(time.Duration(grantedExpiry) * time.Second)
	g.mu.Unlock()
}

// markFailed records a failure and schedules the next attempt after the
// retry interval.
func (g *Gateway) markFailed(now time.Time, reason string) {
	g.mu.Lock()
	g.state = GatewayFailed
	g.lastError = reason
	g.retryAt = now.Add(time.Duration(g.cfg.RetrySeconds) * time.Second)
	g.mu.Unlock()
}

// setPing updates liveness. Returns true when a previously registered
// gateway just went down, which demotes registration to failed.
func (g *Gateway) setPing(now time.Time, up bool) (wentDown bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if up {
		g.ping = PingUp
		return false
	}
	g.ping = PingDown
	if g.state == GatewayRegistered {
		g.state = GatewayFailed
		g.lastError = "options ping failed"
		g.retryAt = now.Add(time.Duration(g.cfg.RetrySeconds) * time.Second)
		return true
	}
	return false
}

// Subscriptions returns the gateway's event-package subscriptions.
func (g *Gateway) Subscriptions() []*Subscription { return g.subs }

func (g *Gateway) addUse()  { g.uses.Add(1) }
func (g *Gateway) dropUse() { g.uses.Add(-1) }

// InUse returns the number of outstanding usage references.
func (g *Gateway) InUse() int { return int(g.uses.Load()) }
