package sip

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/signalgrid/softswitch/internal/core"
	"github.com/signalgrid/softswitch/internal/media"
)

// Endpoint dispositions recorded on the session as negotiation and
// transfer outcomes.
const (
	DispReceived              = "RECEIVED"
	DispNoCodecs              = "NO CODECS"
	DispReceivedNoMedia       = "RECEIVED_NOMEDIA"
	DispReceivedNoSDP         = "RECEIVED_NOSDP"
	DispProxyMedia            = "PROXY MEDIA"
	DispDelayedNegotiation    = "DELAYED NEGOTIATION"
	Disp3PCCDisabled          = "3PCC DISABLED"
	DispCodecNegotiationError = "CODEC NEGOTIATION ERROR"
	DispBlindTransfer         = "BLIND_TRANSFER"
	DispAttendedTransfer      = "ATTENDED_TRANSFER"
	DispAttendedTransferError = "ATTENDED_TRANSFER_ERROR"
)

// statusPrivateNoOp is the engine-internal status that must never leak into
// call handling.
const statusPrivateNoOp = 988

// handleInvite routes an INVITE: a fresh dialog goes through admission and
// becomes a new leg in received; an offer on an existing dialog is a
// re-INVITE and reprocesses as completed.
func (p *Profile) handleInvite(h *Handle, leg *Leg, ev Event) {
	// An INVITE with no dialog handle cannot carry a call.
	if h == nil {
		_ = ev.Respond(500, "Internal Server Error", nil, nil)
		return
	}
	if leg != nil {
		re := ev
		re.Kind = EventCallState
		re.State = CallCompleted
		p.handleCallState(h, leg, re)
		return
	}

	if err := p.admit(&ev); err != nil {
		p.failedIn.Add(1)
		status, phrase := admissionStatus(err)
		p.logger.Warn("inbound call rejected",
			"call_id", ev.CallID, "source", ev.Source, "reason", err)
		_ = ev.Respond(status, phrase, nil, nil)
		if h != nil {
			h.Rebind(ForceDestroyBinding())
		}
		return
	}

	leg = p.newLeg(ev.CallID, Inbound, h.id)
	h.Rebind(LegBinding(leg.id))
	if ev.To != "" {
		if s, release := p.rt.Locate(leg.id); s != nil {
			s.SetVar(VarDestination, ev.To)
			release()
		}
	}
	if len(ev.Body) > 0 {
		leg.setRemoteSDP(ev.Body)
	}
	_ = ev.Respond(100, "Trying", nil, nil)

	st := ev
	st.Kind = EventCallState
	st.State = CallReceived
	p.handleCallState(h, leg, st)

	// Hand the surviving leg to the dialplan.
	if !leg.Terminal() {
		dest := ev.To
		if dest == "" {
			dest = p.cfg.Context
		}
		if err := p.rt.Transfer(leg.id, dest); err != nil {
			p.logger.Error("dialplan transfer failed",
				"call_id", ev.CallID, "destination", dest, "error", err)
			p.hangupLeg(h, leg, core.CauseNoRouteDestination, 404, "Not Found")
		}
	}
}

// handleCallState is the call state machine. One leg, one event, one
// transition; every policy the profile carries is applied here.
func (p *Profile) handleCallState(h *Handle, leg *Leg, ev Event) {
	if ev.Status == statusPrivateNoOp {
		return
	}
	if leg == nil {
		p.logger.Debug("call state without leg", "state", ev.State.String(), "call_id", ev.CallID)
		return
	}

	// Normalize ringing: progress without an offer is plain ringing,
	// ringing with an offer is early media.
	if ev.Status == 183 && len(ev.Body) == 0 {
		ev.Status = 180
	} else if ev.Status == 180 && len(ev.Body) > 0 {
		ev.Status = 183
	}

	if err := leg.advance(ev.State); err != nil {
		p.logger.Warn("illegal call state transition",
			"leg", leg.id, "from", leg.State(), "to", ev.State.String(), "error", err)
		return
	}

	switch ev.State {
	case CallCalling:
		// Outbound INVITE in flight; nothing to decide yet.
	case CallReceived:
		p.stateReceived(h, leg, ev)
	case CallProceeding:
		p.stateProceeding(h, leg, ev)
	case CallCompleting:
		// Awaiting ACK; the interesting work happens in ready.
	case CallReady:
		p.stateReady(h, leg, ev)
	case CallCompleted:
		p.stateCompleted(h, leg, ev)
	case CallTerminating:
		if ev.Status == 488 {
			leg.setAppCause(core.CauseMandatoryIEMissing)
		}
	case CallTerminated:
		p.stateTerminated(h, leg, ev)
	case CallInit:
		// The engine never reports init after creation.
	}
}

// stateReceived processes a new inbound call's offer (or its absence).
func (p *Profile) stateReceived(h *Handle, leg *Leg, ev Event) {
	hasSDP := len(ev.Body) > 0

	if leg.Relay() {
		if hasSDP && leg.proxyMedia {
			p.setDisposition(leg, DispProxyMedia)
		} else {
			p.setDisposition(leg, DispReceivedNoMedia)
		}
		_ = leg.advance(CallReady)
		if ev.Replaces != "" {
			p.completeAttendedPickup(h, leg, ev.Replaces)
		}
		return
	}

	if hasSDP && leg.delayedNeg {
		p.setDisposition(leg, DispDelayedNegotiation)
		_ = leg.advance(CallReady)
		if ev.Replaces != "" {
			p.completeAttendedPickup(h, leg, ev.Replaces)
		}
		return
	}

	if hasSDP {
		local, err := p.media.Negotiate(leg.id, ev.Body, p.cfg.CodecPolicy)
		if err != nil {
			p.setDisposition(leg, DispNoCodecs)
			p.hangupLeg(h, leg, core.CauseIncompatibleDest, 488, "Not Acceptable Here")
			return
		}
		leg.setLocalSDP(local)
		p.setDisposition(leg, DispReceived)
		_ = leg.advance(CallReady)

		if ev.Replaces != "" {
			p.completeAttendedPickup(h, leg, ev.Replaces)
		}
		return
	}

	// Offerless INVITE: the 3PCC posture decides.
	switch p.cfg.ThreePCC {
	case "enabled":
		local, err := p.media.ChoosePort(leg.id, p.cfg.CodecPolicy)
		if err != nil {
			p.setDisposition(leg, DispNoCodecs)
			p.hangupLeg(h, leg, core.CauseIncompatibleDest, 488, "Not Acceptable Here")
			return
		}
		leg.mu.Lock()
		leg.threePCC = true
		leg.mu.Unlock()
		leg.setLocalSDP(local)
		p.setDisposition(leg, DispReceivedNoSDP)
		p.answerLeg(leg, local)
	case "proxy":
		leg.mu.Lock()
		leg.delayedNeg = true
		leg.mu.Unlock()
		p.setDisposition(leg, DispDelayedNegotiation)
		_ = leg.advance(CallReady)
	default:
		p.setDisposition(leg, Disp3PCCDisabled)
		p.hangupLeg(h, leg, core.CauseMandatoryIEMissing, 488, "Not Acceptable Here")
	}
}

// stateProceeding handles ringing and early media on a leg in progress.
func (p *Profile) stateProceeding(h *Handle, leg *Leg, ev Event) {
	if s, release := p.rt.Locate(leg.id); s != nil {
		s.MarkRingReady()
		auto := s.Var(VarAutoAnswer)
		release()
		if auto == "true" && leg.Direction() == Outbound {
			p.agent.SendNotify(leg.handleID, leg.callID, "talk", "", "", nil)
		}
	}

	peer := p.peerLeg(leg)

	if ev.Status == 183 {
		// Early media.
		leg.mu.Lock()
		leg.earlyMedia = true
		leg.mu.Unlock()
		leg.setRemoteSDP(ev.Body)
		if s, release := p.rt.Locate(leg.id); s != nil {
			s.MarkPreAnswered()
			release()
		}

		if leg.Relay() {
			if peer != nil {
				_ = p.agent.RespondCall(peer.handleID, 183, "Session Progress", ev.Body, nil)
			}
			return
		}

		local, err := p.media.Negotiate(leg.id, ev.Body, p.cfg.CodecPolicy)
		if err != nil {
			p.setDisposition(leg, DispCodecNegotiationError)
			p.hangupLeg(h, leg, core.CauseIncompatibleDest, 488, "Not Acceptable Here")
			return
		}
		leg.setLocalSDP(local)
		if peer != nil {
			_ = p.agent.RespondCall(peer.handleID, 183, "Session Progress", local, nil)
		}
		return
	}

	// Plain ringing.
	if peer != nil {
		_ = p.agent.RespondCall(peer.handleID, 180, "Ringing", nil, nil)
	}
}

// stateReady covers answers, late offers and pending no-offer re-INVITE
// completion.
func (p *Profile) stateReady(h *Handle, leg *Leg, ev Event) {
	hasSDP := len(ev.Body) > 0

	leg.mu.Lock()
	pendingNoSDP := leg.noSDPReinvite
	wasAnswered := leg.answered
	early := leg.earlyMedia
	leg.mu.Unlock()

	// The deferred answer to a no-offer re-INVITE arrives in the ACK.
	if pendingNoSDP && hasSDP {
		leg.mu.Lock()
		leg.noSDPReinvite = false
		leg.mu.Unlock()
		leg.setRemoteSDP(ev.Body)
		if !leg.Relay() {
			local, err := p.media.Negotiate(leg.id, ev.Body, p.cfg.CodecPolicy)
			if err != nil {
				p.hangupLeg(h, leg, core.CauseIncompatibleDest, 488, "Not Acceptable Here")
				return
			}
			leg.setLocalSDP(local)
			if err := p.media.Activate(leg.id); err != nil {
				p.hangupLeg(h, leg, core.CauseIncompatibleDest, 488, "Not Acceptable Here")
				return
			}
		}
		return
	}

	if wasAnswered {
		return
	}

	// Answer: either an early-media leg graduating on the final 200, or
	// a fresh answer with its SDP.
	if hasSDP {
		leg.setRemoteSDP(ev.Body)
	}
	if !leg.Relay() && hasSDP && !early {
		local, err := p.media.Negotiate(leg.id, ev.Body, p.cfg.CodecPolicy)
		if err != nil {
			p.setDisposition(leg, DispNoCodecs)
			p.hangupLeg(h, leg, core.CauseIncompatibleDest, 488, "Not Acceptable Here")
			return
		}
		leg.setLocalSDP(local)
	}
	if !leg.Relay() {
		if err := p.media.Activate(leg.id); err != nil {
			p.hangupLeg(h, leg, core.CauseIncompatibleDest, 488, "Not Acceptable Here")
			return
		}
	}

	leg.mu.Lock()
	leg.answered = true
	leg.mu.Unlock()
	if s, release := p.rt.Locate(leg.id); s != nil {
		s.MarkAnswered()
		release()
	}

	// Propagate the answer upstream to the bridged peer.
	if peer := p.peerLeg(leg); peer != nil && leg.Direction() == Outbound {
		body := leg.LocalSDP()
		if leg.Relay() {
			body = ev.Body
		}
		p.answerLeg(peer, body)
	}
}

// stateCompleted handles re-INVITEs on an established dialog.
func (p *Profile) stateCompleted(h *Handle, leg *Leg, ev Event) {
	if p.cfg.IgnoreReinvites {
		_ = ev.Respond(200, "OK", leg.LocalSDP(), nil)
		return
	}

	hasSDP := len(ev.Body) > 0

	// An offerless re-INVITE gets our current description; the peer's
	// answer comes back in the ACK and completes in ready.
	if !hasSDP {
		leg.mu.Lock()
		leg.noSDPReinvite = true
		leg.mu.Unlock()
		_ = ev.Respond(200, "OK", leg.LocalSDP(), nil)
		return
	}

	leg.setRemoteSDP(ev.Body)

	if leg.Relay() {
		p.relayReinvite(h, leg, ev)
		return
	}

	// Local media: renegotiate and reactivate in place.
	offer, err := media.ParseOffer(ev.Body)
	if err != nil {
		p.hangupLeg(h, leg, core.CauseDestinationOutOfOrder, 488, "Not Acceptable Here")
		return
	}
	local, err := p.media.Negotiate(leg.id, ev.Body, p.cfg.CodecPolicy)
	if err != nil {
		p.hangupLeg(h, leg, core.CauseIncompatibleDest, 488, "Not Acceptable Here")
		return
	}
	leg.setLocalSDP(local)
	if err := p.media.Activate(leg.id); err != nil {
		p.hangupLeg(h, leg, core.CauseDestinationOutOfOrder, 488, "Not Acceptable Here")
		return
	}

	p.toggleHold(leg, offer.Hold())
	_ = ev.Respond(200, "OK", local, nil)
}

// relayReinvite handles a re-INVITE on a relay-mode leg: hold toggling with
// one presence event per edge and a media redirect toward the peer. With
// the media-on-hold policy the leg is re-homed to local media on the task
// pool instead.
func (p *Profile) relayReinvite(h *Handle, leg *Leg, ev Event) {
	offer, err := media.ParseOffer(ev.Body)
	if err != nil {
		_ = ev.Respond(488, "Not Acceptable Here", nil, nil)
		return
	}

	if p.cfg.MediaOnHold && offer.Hold() {
		legID := leg.id
		body := ev.Body
		respond := ev.respond
		results, err := p.tasks.Submit("hold-rehome", func(ctx context.Context) error {
			local, err := p.media.Negotiate(legID, body, p.cfg.CodecPolicy)
			if err != nil {
				return err
			}
			if err := p.media.Activate(legID); err != nil {
				return err
			}
			if respond != nil {
				return respond(200, "OK", local, nil)
			}
			return nil
		})
		if err != nil {
			p.logger.Warn("hold re-home rejected", "leg", leg.id, "error", err)
			_ = ev.Respond(491, "Request Pending", nil, nil)
			return
		}
		p.toggleHold(leg, true)
		go func() {
			if err := <-results; err != nil {
				p.logger.Error("hold re-home failed", "leg", legID, "error", err)
			}
		}()
		return
	}

	peer := p.peerLeg(leg)
	if peer == nil {
		_ = ev.Respond(403, "Hangup in progress", nil, nil)
		return
	}

	p.toggleHold(leg, offer.Hold())
	if err := p.agent.Reinvite(peer.handleID, ev.Body); err != nil {
		p.logger.Error("media redirect to peer failed",
			"leg", leg.id, "peer", peer.id, "error", err)
		_ = ev.Respond(503, "Service Unavailable", nil, nil)
		return
	}
	_ = ev.Respond(200, "OK", leg.LocalSDP(), nil)
}

// stateTerminated resolves the hangup cause, records the termination
// variables, hangs up the session and retires leg and handle. The binding
// is cleared before the handle is destroyed.
func (p *Profile) stateTerminated(h *Handle, leg *Leg, ev Event) {
	cause := leg.AppCause()
	if cause == core.CauseNone {
		cause = core.CauseFromStatus(ev.Status)
	}

	if s, release := p.rt.Locate(leg.id); s != nil {
		s.SetVar(VarTermStatus, strconv.Itoa(ev.Status))
		s.SetVar(VarTermCause, strconv.Itoa(int(cause)))
		if ev.Phrase != "" {
			s.SetVar(VarHangupPhrase, ev.Phrase)
		}
		answered := s.Answered()
		release()
		if !answered && cause != core.CauseNormalClearing && cause != core.CauseOriginatorCancel {
			if leg.Direction() == Inbound {
				p.failedIn.Add(1)
			} else {
				p.failedOut.Add(1)
			}
		}
	}

	if peer := p.peerLeg(leg); peer != nil {
		if ps, release := p.rt.Locate(peer.id); ps != nil {
			ps.SetVar(VarPartnerCause, cause.String())
			release()
		}
	}

	p.rt.Hangup(leg.id, cause)
	p.destroyLeg(leg)

	if h != nil {
		h.Unbind()
		h.RequestDestroy()
	}

	p.logger.Info("call terminated",
		"call_id", leg.callID, "leg", leg.id,
		"status", ev.Status, "cause", cause.String())
}

// completeAttendedPickup pairs an INVITE-with-Replaces against the dialog
// it replaces: the replaced leg's bridge partner moves to the new leg and
// the replaced leg hangs up with the attended-transfer cause.
func (p *Profile) completeAttendedPickup(h *Handle, leg *Leg, replaces string) {
	callID := replacesCallID(replaces)
	targetLegID, ok := p.reg.LegByCallID(callID)
	if !ok {
		p.setDisposition(leg, DispAttendedTransferError)
		p.hangupLeg(h, leg, core.CauseDestinationOutOfOrder, 481, "Call/Transaction Does Not Exist")
		return
	}
	target := p.legByID(targetLegID)
	if target == nil {
		p.setDisposition(leg, DispAttendedTransferError)
		p.hangupLeg(h, leg, core.CauseDestinationOutOfOrder, 481, "Call/Transaction Does Not Exist")
		return
	}

	var peerID string
	if s, release := p.rt.Locate(target.id); s != nil {
		peerID = s.Var(core.BondVariable)
		release()
	}
	if peerID == "" {
		p.setDisposition(leg, DispAttendedTransferError)
		p.hangupLeg(h, leg, core.CauseDestinationOutOfOrder, 481, "Call/Transaction Does Not Exist")
		return
	}

	p.rt.Unbridge(target.id)
	if err := p.rt.Bridge(leg.id, peerID); err != nil {
		p.setDisposition(leg, DispAttendedTransferError)
		p.hangupLeg(h, leg, core.CauseDestinationOutOfOrder, 481, "Call/Transaction Does Not Exist")
		return
	}

	p.setDisposition(leg, DispAttendedTransfer)
	if p.cfg.BypassAfterXfer {
		leg.mu.Lock()
		leg.relay = true
		leg.mu.Unlock()
	}
	target.setAppCause(core.CauseAttendedTransfer)
	p.rt.Hangup(target.id, core.CauseAttendedTransfer)
}

// toggleHold flips the hold flag and emits exactly one presence event per
// edge.
func (p *Profile) toggleHold(leg *Leg, hold bool) {
	if !leg.setHold(hold) {
		return
	}
	if hold {
		p.rt.Presence(leg.id, "hold", "On Hold")
	} else {
		p.rt.Presence(leg.id, "unhold", "Active")
	}
}

// answerLeg sends the final 200 with a description on the leg's INVITE
// transaction and marks it answered.
func (p *Profile) answerLeg(leg *Leg, body []byte) {
	if err := p.agent.RespondCall(leg.handleID, 200, "OK", body, nil); err != nil {
		p.logger.Error("answering call failed", "leg", leg.id, "error", err)
		return
	}
	leg.mu.Lock()
	leg.answered = true
	leg.mu.Unlock()
	if s, release := p.rt.Locate(leg.id); s != nil {
		s.MarkAnswered()
		release()
	}
}

// hangupLeg rejects or tears down a leg with a protocol status and a
// runtime cause. Unanswered inbound legs are rejected on the INVITE
// transaction; established dialogs get a BYE from the agent.
func (p *Profile) hangupLeg(h *Handle, leg *Leg, cause core.Cause, status int, phrase string) {
	leg.setAppCause(cause)
	leg.mu.Lock()
	answered := leg.answered
	leg.mu.Unlock()

	if answered {
		if err := p.agent.HangupCall(leg.handleID, status, phrase); err != nil {
			p.logger.Error("hangup failed", "leg", leg.id, "error", err)
		}
	} else {
		_ = p.agent.RespondCall(leg.handleID, status, phrase, nil, nil)
	}

	term := Event{
		Kind:   EventCallState,
		State:  CallTerminated,
		Status: status,
		Phrase: phrase,
		CallID: leg.callID,
	}
	if err := leg.advance(CallTerminating); err == nil {
		_ = leg.advance(CallTerminated)
	}
	p.stateTerminated(h, leg, term)
}

// legHungup reacts to a runtime-initiated hangup. When the signaling layer
// drove the termination the leg is already terminal and there is nothing
// left to do; otherwise the far end gets its BYE or terminal rejection and
// the leg and handle retire. Installed on every session at leg creation.
func (p *Profile) legHungup(legID string, cause core.Cause) {
	leg := p.legByID(legID)
	if leg == nil || leg.Terminal() {
		return
	}
	status, phrase := core.StatusFromCause(cause)
	h := p.handleByID(leg.handleID)
	p.hangupLeg(h, leg, cause, status, phrase)
	if h != nil && h.DestroyRequested() {
		h.Unbind()
		p.destroyHandle(h)
	}
}

// peerLeg resolves the bridge partner of a leg through the session bond,
// when the partner is a leg of this profile.
func (p *Profile) peerLeg(leg *Leg) *Leg {
	s, release := p.rt.Locate(leg.id)
	if s == nil {
		return nil
	}
	peerID := s.Var(core.BondVariable)
	release()
	if peerID == "" {
		return nil
	}
	return p.legByID(peerID)
}

func (p *Profile) setDisposition(leg *Leg, disp string) {
	if s, release := p.rt.Locate(leg.id); s != nil {
		s.SetVar(core.DispositionVariable, disp)
		release()
	}
}

// admissionStatus maps a front-door rejection to its protocol answer.
func admissionStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrACLDenied):
		return 403, "Forbidden"
	case errors.Is(err, ErrMissingHeader):
		return 400, "Bad Request"
	case errors.Is(err, ErrCallCeiling), errors.Is(err, ErrRateLimited), errors.Is(err, ErrProfileShutdown):
		return 503, "Maximum Calls In Progress"
	default:
		return 500, "Internal Server Error"
	}
}

// replacesCallID extracts the call-id from a Replaces header value:
// everything before the first parameter, percent-unescaped enough for the
// common %40 case.
func replacesCallID(replaces string) string {
	v := replaces
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	v = strings.ReplaceAll(v, "%40", "@")
	return strings.TrimSpace(v)
}
