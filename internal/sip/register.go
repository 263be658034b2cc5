package sip

import (
	"strconv"
	"strings"
	"time"

	"github.com/signalgrid/softswitch/internal/config"
)

// sweepGateways drives gateway registration and liveness from the worker
// tick: due registrations go out on fresh gateway-bound handles, due pings
// on keepalive handles. Responses come back through the dispatcher.
func (p *Profile) sweepGateways(now time.Time) {
	for _, g := range p.gateways {
		if g.needsRegister(now) {
			h := p.newBoundHandle(GatewayBinding(g.Name()))
			g.beginRegister()
			p.pushGatewayState(g)
			p.agent.SendRegister(h.id, g, "", g.Config().RegisterExpiry)
		}
		if g.needsPing(now) {
			h := p.newBoundHandle(KeepAliveBinding(g.Name()))
			g.schedulePing(now)
			p.agent.SendOptions(h.id, g)
		}
	}
}

// sweepSubscriptions sends due event-package SUBSCRIBEs. Refreshes land
// before the far-end expiry; the subscription keeps its handle across
// transactions.
func (p *Profile) sweepSubscriptions(now time.Time) {
	for _, g := range p.gateways {
		for _, sub := range g.Subscriptions() {
			if !sub.needsSubscribe(now) {
				continue
			}
			h := p.newBoundHandle(SubscriptionBinding(g.Name(), sub.EventPackage()))
			sub.beginSubscribe()
			p.agent.SendSubscribe(h.id, g, sub, "")
		}
	}
}

func (p *Profile) gatewayByName(name string) *Gateway {
	for _, g := range p.gateways {
		if g.Name() == name {
			return g
		}
	}
	return nil
}

// handleRegisterResponse settles an in-flight REGISTER. A 200 records the
// expiry the registrar actually granted, anything else schedules the retry.
// The transaction handle dies either way.
func (p *Profile) handleRegisterResponse(h *Handle, b Binding, ev Event) {
	g := p.gatewayByName(b.Gateway)
	if g == nil {
		if h != nil {
			h.RequestDestroy()
		}
		return
	}
	now := time.Now()

	if ev.Status >= 200 && ev.Status < 300 {
		granted := grantedExpiry(ev, g.Config().RegisterExpiry)
		g.markRegistered(now, granted)
		p.pushRegistration(g, now, granted)
		p.logger.Info("gateway registered",
			"gateway", g.Name(), "expires", granted)
	} else {
		reason := ev.Phrase
		if reason == "" {
			reason = strconv.Itoa(ev.Status)
		}
		g.markFailed(now, reason)
		p.queue.Push(
			"DELETE FROM registrations WHERE profile = ? AND gateway = ?",
			p.cfg.Name, g.Name(),
		)
		p.logger.Warn("gateway registration failed",
			"gateway", g.Name(), "status", ev.Status, "phrase", ev.Phrase,
			"retry_in", g.Config().RetrySeconds)
	}

	p.pushGatewayState(g)
	if h != nil {
		h.RequestDestroy()
	}
}

// handleGatewayChallenge answers a 401/407 on a gateway transaction. One
// digest retry per transaction; a second challenge means the credentials
// are wrong and the transaction fails.
func (p *Profile) handleGatewayChallenge(h *Handle, gateway string, ev Event) {
	g := p.gatewayByName(gateway)
	if g == nil {
		if h != nil {
			h.Unbind()
			p.destroyHandle(h)
		}
		return
	}
	cfg := g.Config()
	now := time.Now()

	challenge := ev.Header("WWW-Authenticate")
	if challenge == "" {
		challenge = ev.Header("Proxy-Authenticate")
	}

	b := h.Binding()
	if b.Sub != "" {
		sub := subscriptionByPackage(g, b.Sub)
		if sub == nil {
			h.Unbind()
			p.destroyHandle(h)
			return
		}
		if !sub.markChallenged() {
			sub.markFailed(now, "authentication rejected")
			p.logger.Warn("subscription challenged twice, credentials rejected",
				"gateway", gateway, "event", b.Sub)
			h.Unbind()
			p.destroyHandle(h)
			return
		}
		auth, err := answerChallenge(challenge, "SUBSCRIBE", gatewayURI(cfg), authUsername(cfg), cfg.Password)
		if err != nil {
			sub.markFailed(now, err.Error())
			p.logger.Error("answering subscribe challenge failed",
				"gateway", gateway, "event", b.Sub, "error", err)
			h.Unbind()
			p.destroyHandle(h)
			return
		}
		p.agent.SendSubscribe(h.id, g, sub, auth)
		return
	}

	if !g.markChallenged() {
		g.markFailed(now, "authentication rejected")
		p.logger.Warn("gateway challenged twice, credentials rejected", "gateway", gateway)
		p.pushGatewayState(g)
		h.Unbind()
		p.destroyHandle(h)
		return
	}
	auth, err := answerChallenge(challenge, "REGISTER", gatewayURI(cfg), authUsername(cfg), cfg.Password)
	if err != nil {
		g.markFailed(now, err.Error())
		p.logger.Error("answering register challenge failed", "gateway", gateway, "error", err)
		p.pushGatewayState(g)
		h.Unbind()
		p.destroyHandle(h)
		return
	}
	p.agent.SendRegister(h.id, g, auth, cfg.RegisterExpiry)
}

// handleOptionsResponse settles a successful liveness probe; failures are
// screened off before the handler switch.
func (p *Profile) handleOptionsResponse(h *Handle, b Binding, ev Event) {
	g := p.gatewayByName(b.Gateway)
	if g == nil {
		if h != nil {
			h.RequestDestroy()
		}
		return
	}
	wasDown := g.Ping() == PingDown
	g.setPing(time.Now(), true)
	if wasDown {
		p.logger.Info("gateway ping recovered", "gateway", g.Name())
	}
	p.pushGatewayState(g)
	if h != nil {
		h.RequestDestroy()
	}
}

// handleSubscribeResponse settles an event-package SUBSCRIBE. The handle
// survives a success because the subscription dialog reuses it; failures
// retire it.
func (p *Profile) handleSubscribeResponse(h *Handle, b Binding, ev Event) {
	g := p.gatewayByName(b.Gateway)
	if g == nil {
		if h != nil {
			h.Rebind(ForceDestroyBinding())
		}
		return
	}
	sub := subscriptionByPackage(g, b.Sub)
	if sub == nil {
		if h != nil {
			h.Rebind(ForceDestroyBinding())
		}
		return
	}
	now := time.Now()

	if ev.Status >= 200 && ev.Status < 300 {
		sub.markSubscribed(now)
		p.logger.Info("gateway subscription established",
			"gateway", g.Name(), "event", sub.EventPackage())
		return
	}

	reason := ev.Phrase
	if reason == "" {
		reason = strconv.Itoa(ev.Status)
	}
	sub.markFailed(now, reason)
	p.logger.Warn("gateway subscription failed",
		"gateway", g.Name(), "event", sub.EventPackage(),
		"status", ev.Status, "retry_in", sub.Config().RetrySeconds)
	if h != nil {
		h.Rebind(ForceDestroyBinding())
	}
}

// pushRegistration upserts the shared registration row for a gateway that
// just registered, stamped with the granted lifetime so the expiry sweep
// and the expire-on-ping-fail policy see it.
func (p *Profile) pushRegistration(g *Gateway, now time.Time, granted int) {
	cfg := g.Config()
	contact := cfg.Contact
	if contact == "" {
		contact = "sip:" + cfg.Username + "@" + cfg.Realm
	}
	p.queue.Push(
		`INSERT INTO registrations (profile, aor, contact, gateway, node, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (profile, aor, contact) DO UPDATE SET
		   gateway = excluded.gateway, node = excluded.node,
		   expires_at = excluded.expires_at`,
		p.cfg.Name, cfg.Username+"@"+cfg.Realm, contact, g.Name(), p.nodeName,
		now.Add(time.Duration(granted)*time.Second).Unix(),
	)
}

// pushGatewayState upserts the gateway's shared-state row through the
// deferred-statement queue.
func (p *Profile) pushGatewayState(g *Gateway) {
	snap := g.Snapshot()
	p.queue.Push(
		`INSERT INTO gateway_states (profile, gateway, state, ping, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (profile, gateway) DO UPDATE SET
		   state = excluded.state, ping = excluded.ping,
		   last_error = excluded.last_error, updated_at = excluded.updated_at`,
		snap.Profile, snap.Name, snap.State, snap.Ping, snap.LastError, time.Now().Unix(),
	)
}

func subscriptionByPackage(g *Gateway, eventPackage string) *Subscription {
	for _, sub := range g.Subscriptions() {
		if sub.EventPackage() == eventPackage {
			return sub
		}
	}
	return nil
}

func authUsername(cfg config.GatewayConfig) string {
	if cfg.AuthUsername != "" {
		return cfg.AuthUsername
	}
	return cfg.Username
}

func gatewayURI(cfg config.GatewayConfig) string {
	return "sip:" + cfg.Proxy
}

// grantedExpiry picks the registration lifetime the registrar granted: the
// Expires header wins, then an expires parameter on Contact, then the value
// we asked for.
func grantedExpiry(ev Event, requested int) int {
	if v := ev.Header("Expires"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n
		}
	}
	if contact := ev.Header("Contact"); contact != "" {
		for _, part := range strings.Split(contact, ";") {
			part = strings.TrimSpace(part)
			if rest, ok := strings.CutPrefix(part, "expires="); ok {
				if n, err := strconv.Atoi(rest); err == nil && n > 0 {
					return n
				}
			}
		}
	}
	return requested
}
