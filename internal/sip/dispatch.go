package sip

import (
	"errors"
	"time"

	"github.com/signalgrid/softswitch/internal/core"
)

// dispatch is the single entry point for every signaling event. It runs on
// the profile event loop and walks a fixed sequence: keepalive screening,
// leg resolution, inbound auth, gateway challenges, the handler switch,
// then the post-handler handle lifecycle. A panicking handler is contained
// here and answered with a 500.
func (p *Profile) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panicked",
				"kind", ev.Kind.String(), "call_id", ev.CallID, "panic", r)
			if ev.CanRespond() {
				_ = ev.Respond(500, "Internal Server Error", nil, nil)
			}
		}
	}()

	h := p.ensureHandle(ev.HandleID)
	var b Binding
	if h != nil {
		b = h.Binding()
	}

	// Keepalive transactions carry no call context: a failure response
	// marks the gateway down and the handle dies on the spot.
	if b.Kind == BindKeepAlive {
		if ev.Status >= 300 || ev.Kind == EventError {
			p.keepAliveFailed(b.Gateway, ev)
			h.Unbind()
			p.destroyHandle(h)
			return
		}
	}

	// Resolve the leg behind a leg binding. A stale reference means the
	// session died while the event was in flight: drop the event and
	// retire the handle.
	var leg *Leg
	if b.Kind == BindLeg {
		leg = p.legByID(b.LegID)
		if leg == nil {
			p.logger.Debug("event for stale leg, dropping",
				"kind", ev.Kind.String(), "leg", b.LegID, "call_id", ev.CallID)
			h.Unbind()
			p.destroyHandle(h)
			return
		}
	}

	// Inbound auth on new calls when the profile demands it.
	if p.cfg.AuthCalls && ev.Kind == EventInvite && leg == nil {
		user, err := p.auth.Verify("INVITE", ev.Header("Authorization"))
		switch {
		case errors.Is(err, ErrAuthRequired):
			_ = ev.Respond(401, "Unauthorized", nil,
				map[string]string{"WWW-Authenticate": p.auth.ChallengeHeader()})
			return
		case err != nil:
			p.failedIn.Add(1)
			_ = ev.Respond(403, "Forbidden", nil, nil)
			return
		default:
			p.logger.Debug("inbound call authenticated", "user", user, "call_id", ev.CallID)
		}
	}

	// Challenges on gateway transactions get one digest retry; the
	// challenge handler owns the outcome either way.
	if ev.Kind.isResponse() && (ev.Status == 401 || ev.Status == 407) && b.Kind == BindGateway {
		p.handleGatewayChallenge(h, b.Gateway, ev)
		return
	}

	switch ev.Kind {
	case EventCallState:
		p.handleCallState(h, leg, ev)
	case EventInvite:
		p.handleInvite(h, leg, ev)
	case EventRefer:
		p.handleRefer(h, leg, ev)
	case EventBye:
		p.handleBye(h, leg, ev)
	case EventCancel:
		p.handleCancel(h, leg, ev)
	case EventInfo:
		_ = ev.Respond(200, "OK", nil, nil)
	case EventMessage:
		p.logger.Debug("in-dialog message", "call_id", ev.CallID, "content_type", ev.ContentType)
		_ = ev.Respond(200, "OK", nil, nil)
	case EventOptions:
		_ = ev.Respond(200, "OK", nil, nil)
	case EventNotify:
		p.handleNotify(leg, ev)
	case EventSubscribe:
		// Presence hosting is out of scope; decline the package.
		_ = ev.Respond(489, "Bad Event", nil, nil)
	case EventRegisterResponse:
		p.handleRegisterResponse(h, b, ev)
	case EventOptionsResponse:
		p.handleOptionsResponse(h, b, ev)
	case EventSubscribeResponse:
		p.handleSubscribeResponse(h, b, ev)
	case EventNotifyResponse:
		p.handleNotifyResponse(h, b, ev)
	case EventError:
		p.logger.Error("signaling engine error",
			"call_id", ev.CallID, "status", ev.Status, "phrase", ev.Phrase)
		// An engine error on a gateway transaction still has to settle
		// the state machine, or the gateway wedges in trying forever.
		if b.Kind == BindGateway {
			fail := ev
			fail.Status = 408
			if fail.Phrase == "" {
				fail.Phrase = "transaction failed"
			}
			if b.Sub != "" {
				p.handleSubscribeResponse(h, b, fail)
			} else {
				p.handleRegisterResponse(h, b, fail)
			}
		}
	case EventUnknown:
		p.logger.Warn("unknown event kind", "call_id", ev.CallID)
	default:
		p.logger.Warn("unhandled event kind", "kind", int(ev.Kind))
	}

	p.finishDispatch(h, ev)
}

// finishDispatch applies the handle lifecycle decided during the handler:
// force-destroy bindings always die, requested destroys unbind first, a
// deferred unbind frees the binding but keeps the handle. Subscribe events
// and NOTIFY responses are exempt from the destroy check because the
// subscription owns the handle across transactions.
func (p *Profile) finishDispatch(h *Handle, ev Event) {
	if h == nil {
		return
	}
	b := h.Binding()
	switch {
	case b.Kind == BindForceDestroy:
		h.Unbind()
		p.destroyHandle(h)
	case h.DestroyRequested() && !ev.Kind.subscriptionOwned():
		h.Unbind()
		p.destroyHandle(h)
	case h.UnbindRequested():
		h.Unbind()
	}
}

// ensureHandle resolves the handle an event arrived on, creating the
// table entry the first time the agent mentions the ID.
func (p *Profile) ensureHandle(id string) *Handle {
	if id == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[id]; ok {
		return h
	}
	h := &Handle{id: id}
	p.handles[id] = h
	return h
}

// handleBye answers the BYE and walks the leg to terminated with the
// protocol status it carried.
func (p *Profile) handleBye(h *Handle, leg *Leg, ev Event) {
	_ = ev.Respond(200, "OK", nil, nil)
	if leg == nil {
		return
	}
	term := ev
	term.Kind = EventCallState
	term.State = CallTerminated
	if term.Status == 0 {
		term.Status = 200
	}
	p.handleCallState(h, leg, term)
}

// handleCancel hangs up a not-yet-answered inbound leg as an originator
// cancel.
func (p *Profile) handleCancel(h *Handle, leg *Leg, ev Event) {
	_ = ev.Respond(200, "OK", nil, nil)
	if leg == nil {
		return
	}
	leg.setAppCause(core.CauseOriginatorCancel)
	term := ev
	term.Kind = EventCallState
	term.State = CallTerminated
	term.Status = 487
	p.handleCallState(h, leg, term)
}

// handleNotify acknowledges in-dialog NOTIFYs. REFER progress NOTIFYs for
// transfers this node requested land here too; the transfer engine only
// cares about the terminal sipfrag.
func (p *Profile) handleNotify(leg *Leg, ev Event) {
	_ = ev.Respond(200, "OK", nil, nil)
	if leg == nil {
		return
	}
	p.logger.Debug("notify received",
		"call_id", ev.CallID, "event", ev.Header("Event"), "body", string(ev.Body))
}

// keepAliveFailed marks a gateway down after a failed OPTIONS probe. A
// registered gateway demotes to failed; the expire-on-fail policy flushes
// its local registration rows through the statement queue.
func (p *Profile) keepAliveFailed(gateway string, ev Event) {
	g, release := p.reg.LocateGateway(gateway)
	if g == nil {
		return
	}
	defer release()

	wentDown := g.setPing(time.Now(), false)
	p.logger.Warn("gateway ping failed",
		"gateway", gateway, "status", ev.Status, "phrase", ev.Phrase)
	p.pushGatewayState(g)

	if wentDown && g.Config().ExpireRegsOnPingFail {
		p.queue.Push(
			"DELETE FROM registrations WHERE profile = ? AND gateway = ?",
			p.cfg.Name, gateway,
		)
	}
}
