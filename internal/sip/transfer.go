package sip

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/looplab/fsm"

	"github.com/signalgrid/softswitch/internal/core"
)

// crossNodeDeadline bounds the originate wait when the transfer target
// lives on another node.
const crossNodeDeadline = 60 * time.Second

// consultParkTimeout is how long the spent consultation leg stays parked
// after an attended transfer before it is hung up.
const consultParkTimeout = 2 * time.Second

// sipfrag payloads reported to the transferor.
const (
	sipfragOK        = "SIP/2.0 200 OK"
	sipfragForbidden = "SIP/2.0 403 Forbidden"
)

// referSubscription tracks the implicit subscription created by a REFER,
// from acceptance to the terminal NOTIFY being acknowledged.
type referSubscription struct {
	id      string // transfer transaction id, "refer;id=<cseq>"
	machine *fsm.FSM
}

func newReferSubscription(cseq uint32) *referSubscription {
	return &referSubscription{
		id: fmt.Sprintf("refer;id=%d", cseq),
		machine: fsm.NewFSM("pending",
			fsm.Events{
				{Name: "trying", Src: []string{"pending"}, Dst: "trying"},
				{Name: "proceeding", Src: []string{"pending", "trying"}, Dst: "proceeding"},
				{Name: "completed", Src: []string{"pending", "trying", "proceeding"}, Dst: "completed"},
				{Name: "failed", Src: []string{"pending", "trying", "proceeding"}, Dst: "failed"},
				{Name: "terminated", Src: []string{"completed", "failed"}, Dst: "terminated"},
			},
			fsm.Callbacks{},
		),
	}
}

func (r *referSubscription) to(state string) {
	_ = r.machine.Event(context.Background(), state)
}

func (r *referSubscription) state() string { return r.machine.Current() }

// handleRefer is the transfer engine: blind transfers, local attended
// transfers in their bridged permutations, and the cross-node path for
// targets this node cannot resolve.
func (p *Profile) handleRefer(h *Handle, leg *Leg, ev Event) {
	if !p.cfg.EnableTransfer {
		_ = ev.Respond(403, "Forbidden", nil, nil)
		return
	}
	if leg == nil {
		_ = ev.Respond(481, "Call/Transaction Does Not Exist", nil, nil)
		return
	}
	if ev.ReferTo == "" {
		p.logger.Error("refer without refer-to", "call_id", ev.CallID)
		_ = ev.Respond(400, "Bad Request", nil, nil)
		return
	}

	ref := newReferSubscription(ev.CSeq)
	leg.mu.Lock()
	leg.transferID = ref.id
	leg.refer = ref
	leg.mu.Unlock()

	_ = ev.Respond(202, "Accepted", nil, nil)
	p.transfers.Add(1)

	replaces := replacesFromReferTo(ev.ReferTo)
	if replaces == "" {
		p.blindTransfer(leg, ref, ev)
		return
	}
	p.attendedTransfer(h, leg, ref, ev, replaces)
}

// blindTransfer sends the transferor's bridge partner through the dialplan
// at the refer target. A one-legged call has nobody to transfer and is
// answered with a forbidden sipfrag.
func (p *Profile) blindTransfer(leg *Leg, ref *referSubscription, ev Event) {
	exten := referToUser(ev.ReferTo)

	peer := p.peerLeg(leg)
	if peer == nil {
		p.logger.Error("cannot blind transfer a one-legged call", "call_id", ev.CallID)
		p.setDisposition(leg, DispAttendedTransferError)
		ref.to("failed")
		p.notifyTransferResult(leg, ref, sipfragForbidden)
		return
	}

	if s, release := p.rt.Locate(leg.id); s != nil {
		s.SetVar("transfer_fallback_extension", ev.From)
		release()
	}
	if ev.ReferredBy != "" {
		if s, release := p.rt.Locate(peer.id); s != nil {
			s.SetVar("sip_h_referred_by", ev.ReferredBy)
			release()
		}
	}

	ref.to("trying")
	if err := p.rt.Transfer(peer.id, exten); err != nil {
		p.logger.Error("blind transfer failed",
			"call_id", ev.CallID, "destination", exten, "error", err)
		p.setDisposition(leg, DispAttendedTransferError)
		ref.to("failed")
		p.notifyTransferResult(leg, ref, sipfragForbidden)
		return
	}

	p.setDisposition(leg, DispBlindTransfer)
	ref.to("completed")
	p.notifyTransferResult(leg, ref, sipfragOK)
}

// attendedTransfer pairs the transferor's dialog with the dialog named by
// Replaces. Both ends bridged cross-connects the partners; one end bridged
// transfers the lone partner; a target on another node goes through the
// cross-node path.
func (p *Profile) attendedTransfer(h *Handle, leg *Leg, ref *referSubscription, ev Event, replaces string) {
	// Relay-mode legs pass SDP through untouched; there is no local
	// media session to splice, so local attended transfer cannot work.
	if leg.Relay() {
		p.logger.Error("cannot attended transfer a relayed call", "call_id", ev.CallID)
		p.setDisposition(leg, DispAttendedTransferError)
		ref.to("failed")
		p.notifyTransferResult(leg, ref, sipfragForbidden)
		return
	}

	callID := replacesCallID(replaces)
	targetLegID, local := p.reg.LegByCallID(callID)
	if !local {
		p.crossNodeTransfer(leg, ref, ev)
		return
	}
	target := p.legByID(targetLegID)
	if target == nil {
		p.crossNodeTransfer(leg, ref, ev)
		return
	}

	brA := p.bondOf(leg.id)    // transferor's partner
	brB := p.bondOf(target.id) // consultation partner

	switch {
	case brA != "" && brB != "":
		p.logger.Info("attended transfer", "a", brA, "b", brB, "call_id", ev.CallID)

		if p.cfg.BypassAfterXfer {
			if s, release := p.rt.Locate(brB); s != nil {
				s.SetVar("bypass_media_after_bridge", "true")
				release()
			}
		}

		p.rt.Unbridge(leg.id)
		p.rt.Unbridge(target.id)
		if err := p.rt.Bridge(brB, brA); err != nil {
			p.logger.Error("attended transfer bridge failed", "error", err)
			p.setDisposition(leg, DispAttendedTransferError)
			ref.to("failed")
			p.notifyTransferResult(leg, ref, sipfragForbidden)
			return
		}

		p.setDisposition(target, DispAttendedTransfer)
		ref.to("completed")
		p.notifyTransferResult(leg, ref, sipfragOK)

		// The consultation leg is redundant now: park it briefly so the
		// transferor's stack can finish, then hang it up.
		p.toggleHold(target, false)
		target.setAppCause(core.CauseAttendedTransfer)
		if s, release := p.rt.Locate(target.id); s != nil {
			s.SetVar("park_timeout", "2")
			s.SetState(core.StatePark)
			release()
		}
		consultID := target.id
		time.AfterFunc(consultParkTimeout, func() {
			p.rt.Hangup(consultID, core.CauseAttendedTransfer)
		})

	case brA == "" && brB == "":
		p.logger.Warn("cannot transfer channels that are not in a bridge", "call_id", ev.CallID)
		ref.to("failed")
		p.notifyTransferResult(leg, ref, sipfragForbidden)

	default:
		// Exactly one side is bridged: send the lone partner through the
		// dialplan at the redundant leg's destination, then hang the
		// redundant leg up with the attended-transfer cause.
		var loneID string
		var redundant *Leg
		if brA != "" {
			loneID = brA
			redundant = target
		} else {
			loneID = brB
			redundant = leg
			p.toggleHold(leg, false)
			p.toggleHold(target, false)
			target.setAppCause(core.CauseAttendedTransfer)
			p.rt.Hangup(target.id, core.CauseAttendedTransfer)
		}

		dest := ""
		if s, release := p.rt.Locate(redundant.id); s != nil {
			dest = s.Var(VarDestination)
			release()
		}
		if dest == "" {
			p.logger.Debug("session to transfer to not found", "call_id", ev.CallID)
			ref.to("failed")
			p.notifyTransferResult(leg, ref, sipfragForbidden)
			return
		}

		if ev.ReferredBy != "" {
			if s, release := p.rt.Locate(loneID); s != nil {
				s.SetVar("sip_h_referred_by", ev.ReferredBy)
				release()
			}
		}

		if err := p.rt.Transfer(loneID, dest); err != nil {
			p.logger.Error("attended transfer of lone partner failed",
				"destination", dest, "error", err)
			ref.to("failed")
			p.notifyTransferResult(leg, ref, sipfragForbidden)
			return
		}
		ref.to("completed")
		p.notifyTransferResult(leg, ref, sipfragOK)
		redundant.setAppCause(core.CauseAttendedTransfer)
		p.rt.Hangup(redundant.id, core.CauseAttendedTransfer)
	}
}

// crossNodeTransfer handles a Replaces target this node cannot resolve:
// the dialog may live on another node, so originate toward the refer
// target with a hard deadline and bridge the transferor's partner to
// whatever answers. The wait runs on the task pool; the outcome comes back
// as a sipfrag either way.
func (p *Profile) crossNodeTransfer(leg *Leg, ref *referSubscription, ev Event) {
	brA := p.bondOf(leg.id)
	if brA == "" {
		p.logger.Error("invalid transfer, no bridge partner", "call_id", ev.CallID)
		p.setDisposition(leg, DispAttendedTransferError)
		ref.to("failed")
		p.notifyTransferResult(leg, ref, sipfragForbidden)
		return
	}

	if node, ok := p.sink.DialogOwner(replacesCallID(replacesFromReferTo(ev.ReferTo))); ok {
		p.logger.Info("transfer target owned by another node",
			"call_id", ev.CallID, "node", node)
	}

	exten := referToURI(ev.ReferTo)
	legID := leg.id

	ref.to("trying")
	results, err := p.tasks.Submit("cross-node-transfer", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, crossNodeDeadline)
		defer cancel()

		newID, cause, err := p.rt.Originate(ctx, exten)
		if err != nil {
			return fmt.Errorf("originating %s: %s: %w", exten, cause, err)
		}
		if err := p.rt.Bridge(brA, newID); err != nil {
			return fmt.Errorf("bridging transfer result: %w", err)
		}
		return nil
	})
	if err != nil {
		p.logger.Error("cross-node transfer rejected", "error", err)
		ref.to("failed")
		p.notifyTransferResult(leg, ref, sipfragForbidden)
		return
	}

	go func() {
		err := <-results
		leg := p.legByID(legID)
		if leg == nil {
			return
		}
		if err != nil {
			p.logger.Error("cross-node transfer failed", "leg", legID, "error", err)
			ref.to("failed")
			p.notifyTransferResult(leg, ref, sipfragForbidden)
			return
		}
		ref.to("completed")
		p.notifyTransferResult(leg, ref, sipfragOK)
		leg.mu.Lock()
		leg.pendingBye = true
		leg.mu.Unlock()
	}()
}

// notifyTransferResult reports a transfer outcome to the transferor as an
// in-dialog NOTIFY with a message/sipfrag body keyed by the transfer id.
func (p *Profile) notifyTransferResult(leg *Leg, ref *referSubscription, frag string) {
	p.agent.SendNotify(leg.handleID, leg.callID, ref.id, "terminated", "message/sipfrag", []byte(frag))
}

// handleNotifyResponse closes the transfer loop: once the terminal NOTIFY
// is acknowledged, a requester marked for BYE is hung up and the refer
// subscription terminates.
func (p *Profile) handleNotifyResponse(h *Handle, b Binding, ev Event) {
	if b.Kind != BindLeg {
		return
	}
	leg := p.legByID(b.LegID)
	if leg == nil {
		return
	}

	leg.mu.Lock()
	ref := leg.refer
	bye := leg.pendingBye
	leg.pendingBye = false
	leg.mu.Unlock()

	if ref != nil {
		ref.to("terminated")
	}
	if ev.Status >= 300 {
		p.logger.Warn("transfer notify rejected",
			"call_id", leg.callID, "status", ev.Status)
	}
	if bye {
		leg.setAppCause(core.CauseAttendedTransfer)
		if err := p.agent.HangupCall(leg.handleID, 200, "OK"); err != nil {
			p.logger.Error("post-transfer hangup failed", "leg", leg.id, "error", err)
		}
	}
}

// bondOf returns the bridge partner of a session, or "".
func (p *Profile) bondOf(sessionID string) string {
	s, release := p.rt.Locate(sessionID)
	if s == nil {
		return ""
	}
	defer release()
	return s.Var(core.BondVariable)
}

// referToUser extracts the user (extension) from a Refer-To value like
// "<sip:2000@host;param>?headers".
func referToUser(referTo string) string {
	uri := referToURI(referTo)
	uri = strings.TrimPrefix(uri, "sip:")
	uri = strings.TrimPrefix(uri, "sips:")
	if i := strings.IndexByte(uri, '@'); i >= 0 {
		return uri[:i]
	}
	if i := strings.IndexAny(uri, ";?"); i >= 0 {
		return uri[:i]
	}
	return uri
}

// referToURI strips the display name, angle brackets and embedded headers
// from a Refer-To value, leaving the bare URI.
func referToURI(referTo string) string {
	v := strings.TrimSpace(referTo)
	if i := strings.IndexByte(v, '<'); i >= 0 {
		v = v[i+1:]
		if j := strings.IndexByte(v, '>'); j >= 0 {
			v = v[:j]
		}
	}
	if i := strings.IndexByte(v, '?'); i >= 0 {
		v = v[:i]
	}
	return v
}

// replacesFromReferTo pulls the Replaces value out of the Refer-To's
// embedded headers, "" when the refer is blind.
func replacesFromReferTo(referTo string) string {
	v := referTo
	i := strings.IndexByte(v, '?')
	if i < 0 {
		return ""
	}
	headers := v[i+1:]
	if j := strings.IndexByte(headers, '>'); j >= 0 {
		headers = headers[:j]
	}
	for _, part := range strings.Split(headers, "&") {
		if k := strings.IndexByte(part, '='); k >= 0 {
			if strings.EqualFold(part[:k], "Replaces") {
				return part[k+1:]
			}
		}
	}
	return ""
}
