package sip

import (
	"sync"

	"github.com/google/uuid"
)

// BindingKind says what a signaling handle is attached to. A handle has at
// most one binding at a time; the sentinel kinds replace the magic-pointer
// convention the dispatcher would otherwise need.
type BindingKind int

const (
	// BindNone is an unbound handle.
	BindNone BindingKind = iota
	// BindLeg attaches the handle to a call leg.
	BindLeg
	// BindGateway attaches the handle to a gateway transaction
	// (REGISTER or SUBSCRIBE).
	BindGateway
	// BindForceDestroy marks the handle for unconditional destruction
	// after its next event.
	BindForceDestroy
	// BindKeepAlive marks a contextless keepalive transaction (OPTIONS
	// ping); a failure response destroys the handle on the spot.
	BindKeepAlive
)

func (k BindingKind) String() string {
	switch k {
	case BindNone:
		return "none"
	case BindLeg:
		return "leg"
	case BindGateway:
		return "gateway"
	case BindForceDestroy:
		return "force-destroy"
	case BindKeepAlive:
		return "keepalive"
	default:
		return "invalid"
	}
}

// Binding is the dispatch context attached to a handle.
type Binding struct {
	Kind    BindingKind
	LegID   string // set for BindLeg
	Gateway string // set for BindGateway and BindKeepAlive
	Sub     string // event package, set when the gateway transaction is a SUBSCRIBE
}

// LegBinding binds a handle to a call leg.
func LegBinding(legID string) Binding { return Binding{Kind: BindLeg, LegID: legID} }

// GatewayBinding binds a handle to a gateway transaction.
func GatewayBinding(name string) Binding { return Binding{Kind: BindGateway, Gateway: name} }

// SubscriptionBinding binds a handle to a gateway event-package
// subscription.
func SubscriptionBinding(gateway, eventPackage string) Binding {
	return Binding{Kind: BindGateway, Gateway: gateway, Sub: eventPackage}
}

// KeepAliveBinding binds a handle to a gateway keepalive ping.
func KeepAliveBinding(name string) Binding { return Binding{Kind: BindKeepAlive, Gateway: name} }

// ForceDestroyBinding marks a handle for unconditional destruction.
func ForceDestroyBinding() Binding { return Binding{Kind: BindForceDestroy} }

// Handle is one signaling-engine handle as the dispatcher sees it: an
// identifier, at most one binding, and the lifecycle intent flags the
// post-handler step acts on.
type Handle struct {
	mu      sync.Mutex
	id      string
	binding Binding

	destroyRequested bool
	destroyBinding   bool
}

func newHandle() *Handle {
	return &Handle{id: uuid.NewString()}
}

// ID returns the handle identifier.
func (h *Handle) ID() string { return h.id }

// Bind attaches a binding. Binding an already-bound handle is an error;
// callers unbind first.
func (h *Handle) Bind(b Binding) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.binding.Kind != BindNone {
		return ErrHandleBound
	}
	h.binding = b
	return nil
}

// Rebind replaces the current binding unconditionally.
func (h *Handle) Rebind(b Binding) {
	h.mu.Lock()
	h.binding = b
	h.mu.Unlock()
}

// Unbind clears the binding and any pending deferred-unbind flag.
func (h *Handle) Unbind() {
	h.mu.Lock()
	h.binding = Binding{}
	h.destroyBinding = false
	h.mu.Unlock()
}

// Binding returns the current binding.
func (h *Handle) Binding() Binding {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.binding
}

// RequestDestroy flags the handle for destruction after the current event's
// handler returns.
func (h *Handle) RequestDestroy() {
	h.mu.Lock()
	h.destroyRequested = true
	h.mu.Unlock()
}

// DestroyRequested reports whether destruction has been requested.
func (h *Handle) DestroyRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyRequested
}

// RequestUnbind flags the binding for release after the current event's
// handler returns, leaving the handle alive.
func (h *Handle) RequestUnbind() {
	h.mu.Lock()
	h.destroyBinding = true
	h.mu.Unlock()
}

// UnbindRequested reports whether a deferred unbind is pending.
func (h *Handle) UnbindRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyBinding
}
