package sip

import (
	"fmt"
	"log/slog"
	"sync"
)

// Registry is the lookup service for profiles, gateways and in-flight
// dialogs. It replaces process-wide globals: everything that needs a lookup
// holds a *Registry. Locate methods take a usage reference on the result
// and return a release function; a profile or gateway is not torn down
// while references are held.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	aliases  map[string]string // alias -> profile name
	gateways map[string]*Gateway
	dialogs  map[string]string // sip call-id -> leg id
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		profiles: make(map[string]*Profile),
		aliases:  make(map[string]string),
		gateways: make(map[string]*Gateway),
		dialogs:  make(map[string]string),
		logger:   logger.With("component", "registry"),
	}
}

// AddProfile registers a profile under its name and aliases. Duplicate
// names or aliases are errors.
func (r *Registry) AddProfile(p *Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.profiles[p.Name()]; ok {
		return fmt.Errorf("profile %q already registered", p.Name())
	}
	if owner, ok := r.aliases[p.Name()]; ok {
		return fmt.Errorf("profile name %q already aliased to %q", p.Name(), owner)
	}
	for _, alias := range p.Aliases() {
		if _, ok := r.profiles[alias]; ok {
			return fmt.Errorf("alias %q collides with a profile name", alias)
		}
		if owner, ok := r.aliases[alias]; ok && owner != p.Name() {
			return fmt.Errorf("alias %q already taken by %q", alias, owner)
		}
	}

	r.profiles[p.Name()] = p
	for _, alias := range p.Aliases() {
		r.aliases[alias] = p.Name()
	}
	return nil
}

// RemoveProfile drops a profile and its aliases from lookup. In-flight
// holders keep their references; new lookups miss.
func (r *Registry) RemoveProfile(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[name]
	if !ok {
		return
	}
	delete(r.profiles, name)
	for _, alias := range p.Aliases() {
		if r.aliases[alias] == name {
			delete(r.aliases, alias)
		}
	}
}

// LocateProfile resolves a profile by name or alias, taking a usage
// reference. Nil when unknown.
func (r *Registry) LocateProfile(name string) (*Profile, func()) {
	r.mu.RLock()
	p, ok := r.profiles[name]
	if !ok {
		if owner, aliased := r.aliases[name]; aliased {
			p, ok = r.profiles[owner]
		}
	}
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	p.addUse()
	var once sync.Once
	return p, func() { once.Do(p.dropUse) }
}

// Profiles returns a snapshot of all registered profiles.
func (r *Registry) Profiles() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	return out
}

// AddGateway registers a gateway under its qualified name.
func (r *Registry) AddGateway(g *Gateway) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.gateways[g.Name()]; ok {
		return fmt.Errorf("gateway %q already registered", g.Name())
	}
	r.gateways[g.Name()] = g
	return nil
}

// RemoveGateway drops a gateway from lookup.
func (r *Registry) RemoveGateway(name string) {
	r.mu.Lock()
	delete(r.gateways, name)
	r.mu.Unlock()
}

// LocateGateway resolves a gateway by name, taking a usage reference.
func (r *Registry) LocateGateway(name string) (*Gateway, func()) {
	r.mu.RLock()
	g, ok := r.gateways[name]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	g.addUse()
	var once sync.Once
	return g, func() { once.Do(g.dropUse) }
}

// Gateways returns a snapshot of all registered gateways.
func (r *Registry) Gateways() []*Gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Gateway, 0, len(r.gateways))
	for _, g := range r.gateways {
		out = append(out, g)
	}
	return out
}

// MapDialog records which leg owns a call-id, for transfer-target
// resolution.
func (r *Registry) MapDialog(callID, legID string) {
	r.mu.Lock()
	r.dialogs[callID] = legID
	r.mu.Unlock()
}

// UnmapDialog forgets a call-id.
func (r *Registry) UnmapDialog(callID string) {
	r.mu.Lock()
	delete(r.dialogs, callID)
	r.mu.Unlock()
}

// LegByCallID resolves a call-id to its owning leg, if the dialog is local.
func (r *Registry) LegByCallID(callID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	legID, ok := r.dialogs[callID]
	return legID, ok
}
