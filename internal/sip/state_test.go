package sip

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalgrid/softswitch/internal/config"
	"github.com/signalgrid/softswitch/internal/core"
)

func TestInboundCallFlow(t *testing.T) {
	env := newTestEnv(t, nil)

	leg := env.placeCall(t, "h1", "call-1", "2000")

	r, ok := env.agent.responseWithStatus(100)
	require.True(t, ok, "no 100 Trying sent")
	assert.Equal(t, "h1", r.handleID)

	assert.Equal(t, "ready", leg.State())
	assert.Equal(t, DispReceived, env.sessionVar(t, leg.id, core.DispositionVariable))
	assert.Equal(t, "2000", env.sessionVar(t, leg.id, VarDestination))
	assert.Equal(t, "2000", env.transferredTo(leg.id))
	assert.Equal(t, int64(1), env.p.CountersSnapshot().CallsIn)
	assert.NotEmpty(t, leg.LocalSDP(), "no local answer negotiated")
}

func TestInboundCallDefaultContext(t *testing.T) {
	env := newTestEnv(t, nil)
	ev := env.inviteEvent("h1", "call-1", "", []byte(testInviteSDP))
	env.p.dispatch(ev)

	legID, ok := env.p.reg.LegByCallID("call-1")
	require.True(t, ok)
	assert.Equal(t, "default", env.transferredTo(legID))
}

func TestInviteMissingCallID(t *testing.T) {
	env := newTestEnv(t, nil)
	ev := env.inviteEvent("h1", "", "2000", []byte(testInviteSDP))
	env.p.dispatch(ev)

	r, ok := env.agent.lastResponse()
	require.True(t, ok)
	assert.Equal(t, 400, r.status)
	assert.Equal(t, int64(1), env.p.CountersSnapshot().FailedIn)
	assert.True(t, env.agent.wasReleased("h1"), "rejected handle not destroyed")
}

func TestInviteACLDenied(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.ProfileConfig) {
		cfg.ApplyInboundACL = []string{"10.99.0.0/16"}
	})
	ev := env.inviteEvent("h1", "call-1", "2000", []byte(testInviteSDP))
	env.p.dispatch(ev)

	r, ok := env.agent.lastResponse()
	require.True(t, ok)
	assert.Equal(t, 403, r.status)
}

func TestInviteSessionCeiling(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.ProfileConfig) {
		cfg.MaxSessions = 1
	})
	env.placeCall(t, "h1", "call-1", "2000")

	env.p.dispatch(env.inviteEvent("h2", "call-2", "2000", []byte(testInviteSDP)))
	r, ok := env.agent.lastResponse()
	require.True(t, ok)
	assert.Equal(t, 503, r.status)
	assert.Equal(t, "Maximum Calls In Progress", r.phrase)
	_, exists := env.p.reg.LegByCallID("call-2")
	assert.False(t, exists, "rejected call created a leg")
}

func TestInviteRateLimited(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.ProfileConfig) {
		cfg.SessionsPerSec = 0.001
		cfg.SessionBurst = 1
	})
	env.placeCall(t, "h1", "call-1", "2000")

	env.p.dispatch(env.inviteEvent("h2", "call-2", "2000", []byte(testInviteSDP)))
	r, ok := env.agent.lastResponse()
	require.True(t, ok)
	assert.Equal(t, 503, r.status)
}

func TestInviteCodecMismatch(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.ProfileConfig) {
		cfg.CodecPolicy = "G729"
	})
	env.p.dispatch(env.inviteEvent("h1", "call-1", "2000", []byte(testInviteSDP)))

	r, ok := env.agent.responseWithStatus(488)
	require.True(t, ok, "no 488 sent")
	assert.Equal(t, "Not Acceptable Here", r.phrase)
	_, exists := env.p.reg.LegByCallID("call-1")
	assert.False(t, exists, "failed call left its leg behind")
}

func TestInviteBypassMedia(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.ProfileConfig) {
		cfg.InboundBypassMedia = true
	})
	leg := env.placeCall(t, "h1", "call-1", "2000")

	assert.Equal(t, "ready", leg.State())
	assert.True(t, leg.Relay())
	assert.Equal(t, DispReceivedNoMedia, env.sessionVar(t, leg.id, core.DispositionVariable))
	assert.Empty(t, leg.LocalSDP(), "relay leg should not negotiate locally")
}

func TestInviteProxyMedia(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.ProfileConfig) {
		cfg.InboundBypassMedia = true
		cfg.ProxyMedia = true
	})
	leg := env.placeCall(t, "h1", "call-1", "2000")
	assert.Equal(t, DispProxyMedia, env.sessionVar(t, leg.id, core.DispositionVariable))
}

func TestInviteLateNegotiation(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.ProfileConfig) {
		cfg.LateNegotiation = true
	})
	leg := env.placeCall(t, "h1", "call-1", "2000")
	assert.Equal(t, DispDelayedNegotiation, env.sessionVar(t, leg.id, core.DispositionVariable))
	assert.Equal(t, "ready", leg.State())
}

func TestOfferlessInviteDisabled(t *testing.T) {
	env := newTestEnv(t, nil) // three_pcc defaults off
	env.p.dispatch(env.inviteEvent("h1", "call-1", "2000", nil))

	r, ok := env.agent.responseWithStatus(488)
	require.True(t, ok, "offerless INVITE not rejected")
	assert.Equal(t, "Not Acceptable Here", r.phrase)
}

func TestOfferlessInviteEnabled(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.ProfileConfig) {
		cfg.ThreePCC = config.ThreePCCEnabled
	})
	env.p.dispatch(env.inviteEvent("h1", "call-1", "2000", nil))

	legID, ok := env.p.reg.LegByCallID("call-1")
	require.True(t, ok, "offerless call did not survive")
	leg := env.p.legByID(legID)
	require.NotNil(t, leg)

	// Answered immediately with a local offer; the answer comes in the ACK.
	r, ok := env.agent.responseWithStatus(200)
	require.True(t, ok, "no 200 with local offer sent")
	assert.Contains(t, string(r.body), "m=audio")
	assert.Equal(t, DispReceivedNoSDP, env.sessionVar(t, leg.id, core.DispositionVariable))
}

func TestOfferlessInviteProxy(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.ProfileConfig) {
		cfg.ThreePCC = config.ThreePCCProxy
	})
	env.p.dispatch(env.inviteEvent("h1", "call-1", "2000", nil))

	legID, ok := env.p.reg.LegByCallID("call-1")
	require.True(t, ok)
	leg := env.p.legByID(legID)
	assert.Equal(t, DispDelayedNegotiation, env.sessionVar(t, leg.id, core.DispositionVariable))
}

func TestPrivateStatusIgnored(t *testing.T) {
	env := newTestEnv(t, nil)
	leg := env.placeCall(t, "h1", "call-1", "2000")

	env.p.dispatch(env.callStateEvent("h1", CallTerminated, statusPrivateNoOp, nil))
	assert.Equal(t, "ready", leg.State(), "private no-op status moved the machine")
}

func TestRingingNormalization(t *testing.T) {
	env := newTestEnv(t, nil)
	caller := env.placeCall(t, "hA", "call-a", "2000")
	callee := env.outboundLeg(t, "hB", "call-b")
	require.NoError(t, env.rt.Bridge(caller.id, callee.id))

	// 183 without SDP is treated as plain ringing toward the caller.
	env.p.dispatch(env.callStateEvent("hB", CallProceeding, 183, nil))
	r, ok := env.agent.lastResponse()
	require.True(t, ok)
	assert.Equal(t, "hA", r.handleID)
	assert.Equal(t, 180, r.status)

	// 180 with SDP is early media: negotiated and relayed as 183.
	env.p.dispatch(env.callStateEvent("hB", CallProceeding, 180, []byte(testInviteSDP)))
	r, ok = env.agent.lastResponse()
	require.True(t, ok)
	assert.Equal(t, "hA", r.handleID)
	assert.Equal(t, 183, r.status)
	assert.NotEmpty(t, r.body)

	s, release := env.rt.Locate(callee.id)
	require.NotNil(t, s)
	assert.True(t, s.PreAnswered())
	assert.True(t, s.RingReady())
	release()
}

func TestOutboundAnswerPropagation(t *testing.T) {
	env := newTestEnv(t, nil)
	caller := env.placeCall(t, "hA", "call-a", "2000")
	callee := env.outboundLeg(t, "hB", "call-b")
	require.NoError(t, env.rt.Bridge(caller.id, callee.id))

	env.p.dispatch(env.callStateEvent("hB", CallReady, 200, []byte(testInviteSDP)))

	assert.Equal(t, "ready", callee.State())
	s, release := env.rt.Locate(callee.id)
	require.NotNil(t, s)
	assert.True(t, s.Answered())
	release()

	// The caller's INVITE transaction gets the final 200 with our answer.
	r, ok := env.agent.lastResponse()
	require.True(t, ok)
	assert.Equal(t, "hA", r.handleID)
	assert.Equal(t, 200, r.status)
	assert.Contains(t, string(r.body), "m=audio")

	cs, release := env.rt.Locate(caller.id)
	require.NotNil(t, cs)
	assert.True(t, cs.Answered())
	release()
}

func TestByeTermination(t *testing.T) {
	env := newTestEnv(t, nil)
	leg := env.placeCall(t, "h1", "call-1", "2000")
	sessionID := leg.id

	bye := Event{
		Kind:     EventBye,
		HandleID: "h1",
		CallID:   "call-1",
		Status:   200,
		respond: func(status int, phrase string, body []byte, headers map[string]string) error {
			return env.agent.RespondCall("h1", status, phrase, body, headers)
		},
	}
	env.p.dispatch(bye)

	r, ok := env.agent.lastResponse()
	require.True(t, ok)
	assert.Equal(t, 200, r.status)

	_, exists := env.p.reg.LegByCallID("call-1")
	assert.False(t, exists, "dialog mapping survived the BYE")
	assert.Equal(t, 0, env.p.activeLegs())
	assert.True(t, env.agent.wasReleased("h1"), "handle survived termination")

	// Session is a zombie now; a fresh lookup must miss.
	s, _ := env.rt.Locate(sessionID)
	assert.Nil(t, s, "session survived the BYE")
}

func TestCancelTermination(t *testing.T) {
	env := newTestEnv(t, nil)
	leg := env.placeCall(t, "h1", "call-1", "2000")

	cancel := Event{Kind: EventCancel, HandleID: "h1", CallID: "call-1"}
	env.p.dispatch(cancel)

	assert.Equal(t, core.CauseOriginatorCancel, leg.AppCause())
	assert.Equal(t, 0, env.p.activeLegs())
	// A cancelled unanswered call is not a failure.
	assert.Equal(t, int64(0), env.p.CountersSnapshot().FailedIn)
}

func TestReinviteHoldUnhold(t *testing.T) {
	env := newTestEnv(t, nil)

	var presence []core.PresenceEvent
	env.rt.SetPresenceFunc(func(ev core.PresenceEvent) { presence = append(presence, ev) })

	leg := env.placeCall(t, "h1", "call-1", "2000")

	env.p.dispatch(env.inviteEvent("h1", "call-1", "2000", []byte(testHoldSDP)))
	require.True(t, leg.Hold(), "hold offer did not set the flag")

	// Same hold offer again: no second presence edge.
	env.p.dispatch(env.inviteEvent("h1", "call-1", "2000", []byte(testHoldSDP)))

	env.p.dispatch(env.inviteEvent("h1", "call-1", "2000", []byte(testInviteSDP)))
	assert.False(t, leg.Hold(), "unhold offer did not clear the flag")

	require.Len(t, presence, 2, "presence events per edge")
	assert.Equal(t, "hold", presence[0].Kind)
	assert.Equal(t, "unhold", presence[1].Kind)

	r, ok := env.agent.lastResponse()
	require.True(t, ok)
	assert.Equal(t, 200, r.status)
}

func TestReinviteIgnored(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.ProfileConfig) {
		cfg.IgnoreReinvites = true
	})
	leg := env.placeCall(t, "h1", "call-1", "2000")
	before := leg.LocalSDP()

	env.p.dispatch(env.inviteEvent("h1", "call-1", "2000", []byte(testHoldSDP)))

	r, ok := env.agent.lastResponse()
	require.True(t, ok)
	assert.Equal(t, 200, r.status)
	assert.Equal(t, string(before), string(r.body), "ignored re-INVITE renegotiated")
	assert.False(t, leg.Hold(), "ignored re-INVITE toggled hold")
}

func TestOfferlessReinvite(t *testing.T) {
	env := newTestEnv(t, nil)
	leg := env.placeCall(t, "h1", "call-1", "2000")

	env.p.dispatch(env.inviteEvent("h1", "call-1", "2000", nil))
	r, ok := env.agent.lastResponse()
	require.True(t, ok)
	assert.Equal(t, 200, r.status)
	assert.Contains(t, string(r.body), "m=audio", "offerless re-INVITE must carry our description")

	// The deferred answer arrives with the ACK and completes negotiation.
	env.p.dispatch(env.callStateEvent("h1", CallReady, 200, []byte(testInviteSDP)))
	leg.mu.Lock()
	pending := leg.noSDPReinvite
	leg.mu.Unlock()
	assert.False(t, pending, "deferred negotiation not completed")
	assert.True(t, env.engine.Active(leg.id), "media not reactivated")
}

func TestAttendedPickupWithReplaces(t *testing.T) {
	env := newTestEnv(t, nil)

	// A talks to B; C sends an INVITE replacing A's dialog.
	a := env.placeCall(t, "hA", "call-a", "2000")
	b := env.outboundLeg(t, "hB", "call-b")
	require.NoError(t, env.rt.Bridge(a.id, b.id))

	ev := env.inviteEvent("hC", "call-c", "2000", []byte(testInviteSDP))
	ev.Replaces = "call-a;to-tag=x;from-tag=y"
	env.p.dispatch(ev)

	legID, ok := env.p.reg.LegByCallID("call-c")
	require.True(t, ok)
	c := env.p.legByID(legID)
	require.NotNil(t, c)

	assert.Equal(t, DispAttendedTransfer, env.sessionVar(t, c.id, core.DispositionVariable))
	assert.Equal(t, b.id, env.sessionVar(t, c.id, core.BondVariable), "pickup not bridged to the old partner")
	assert.Equal(t, c.id, env.sessionVar(t, b.id, core.BondVariable))

	// The replaced leg is torn down with the attended-transfer cause.
	assert.Equal(t, core.CauseAttendedTransfer, a.AppCause())
	_, replaced := env.p.reg.LegByCallID("call-a")
	assert.False(t, replaced, "replaced dialog mapping survived the pickup")
	sA, _ := env.rt.Locate(a.id)
	assert.Nil(t, sA, "replaced session survived the pickup")
	assert.True(t, env.agent.wasReleased("hA"), "replaced handle survived the pickup")
}

func TestPickupUnknownReplaces(t *testing.T) {
	env := newTestEnv(t, nil)
	ev := env.inviteEvent("hC", "call-c", "2000", []byte(testInviteSDP))
	ev.Replaces = "no-such-dialog;to-tag=x;from-tag=y"
	env.p.dispatch(ev)

	r, ok := env.agent.responseWithStatus(481)
	require.True(t, ok, "unknown Replaces not answered with 481")
	assert.Equal(t, "Call/Transaction Does Not Exist", r.phrase)
}

func TestRuntimeHangupRejectsUnanswered(t *testing.T) {
	env := newTestEnv(t, nil)
	leg := env.placeCall(t, "h1", "call-1", "2000")

	// A hangup initiated inside the runtime, as the API endpoint and the
	// bridge teardown do, must reach the wire.
	env.rt.Hangup(leg.id, core.CauseUserBusy)

	r, ok := env.agent.responseWithStatus(486)
	require.True(t, ok, "unanswered leg not rejected on the INVITE transaction")
	assert.Equal(t, "Busy Here", r.phrase)
	assert.Equal(t, "h1", r.handleID)

	assert.Equal(t, 0, env.p.activeLegs())
	_, exists := env.p.reg.LegByCallID("call-1")
	assert.False(t, exists, "dialog mapping survived the hangup")
	assert.True(t, env.agent.wasReleased("h1"), "handle survived the hangup")
	s, _ := env.rt.Locate(leg.id)
	assert.Nil(t, s, "session survived the hangup")
}

func TestRuntimeHangupSendsBye(t *testing.T) {
	env := newTestEnv(t, nil)
	leg := env.placeCall(t, "h1", "call-1", "2000")
	env.p.answerLeg(leg, leg.LocalSDP())

	env.rt.Hangup(leg.id, core.CauseManagerRequest)

	require.Len(t, env.agent.hangups, 1, "established dialog got no BYE")
	assert.Equal(t, "h1", env.agent.hangups[0].handleID)
	assert.Equal(t, core.CauseManagerRequest, leg.AppCause())
	assert.Equal(t, 0, env.p.activeLegs())
	assert.True(t, env.agent.wasReleased("h1"))
}

func TestRuntimeHangupOnTerminatedLeg(t *testing.T) {
	env := newTestEnv(t, nil)
	leg := env.placeCall(t, "h1", "call-1", "2000")

	bye := Event{
		Kind:     EventBye,
		HandleID: "h1",
		CallID:   "call-1",
		Status:   200,
		respond: func(status int, phrase string, body []byte, headers map[string]string) error {
			return env.agent.RespondCall("h1", status, phrase, body, headers)
		},
	}
	env.p.dispatch(bye)
	before := len(env.agent.hangups)

	// The protocol already terminated the leg; a late runtime hangup is
	// a no-op, not a second teardown.
	env.rt.Hangup(leg.id, core.CauseNormalClearing)
	assert.Len(t, env.agent.hangups, before)
}

func TestAttendedPickupOnRelayedProfile(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.ProfileConfig) {
		cfg.InboundBypassMedia = true
	})

	a := env.placeCall(t, "hA", "call-a", "2000")
	require.True(t, a.Relay())
	b := env.outboundLeg(t, "hB", "call-b")
	require.NoError(t, env.rt.Bridge(a.id, b.id))

	// The pickup INVITE carries an offer but the profile relays media;
	// the Replaces handling must still run.
	ev := env.inviteEvent("hC", "call-c", "2000", []byte(testInviteSDP))
	ev.Replaces = "call-a;to-tag=x;from-tag=y"
	env.p.dispatch(ev)

	legID, ok := env.p.reg.LegByCallID("call-c")
	require.True(t, ok)
	c := env.p.legByID(legID)
	require.NotNil(t, c)

	assert.Equal(t, DispAttendedTransfer, env.sessionVar(t, c.id, core.DispositionVariable))
	assert.Equal(t, b.id, env.sessionVar(t, c.id, core.BondVariable))
	assert.Equal(t, core.CauseAttendedTransfer, a.AppCause())
	_, replaced := env.p.reg.LegByCallID("call-a")
	assert.False(t, replaced, "replaced dialog survived the relayed pickup")
}

func TestTerminationRecordsVariables(t *testing.T) {
	env := newTestEnv(t, nil)
	caller := env.placeCall(t, "hA", "call-a", "2000")
	callee := env.outboundLeg(t, "hB", "call-b")
	require.NoError(t, env.rt.Bridge(caller.id, callee.id))

	env.p.dispatch(env.callStateEvent("hB", CallTerminating, 486, nil))
	env.p.dispatch(Event{
		Kind: EventCallState, HandleID: "hB", State: CallTerminated,
		Status: 486, Phrase: "Busy Here",
	})

	assert.Equal(t, "USER_BUSY", env.sessionVar(t, caller.id, VarPartnerCause))
	assert.Equal(t, int64(1), env.p.CountersSnapshot().FailedOut)
}

func TestAdmissionStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{ErrACLDenied, 403},
		{ErrMissingHeader, 400},
		{ErrCallCeiling, 503},
		{ErrRateLimited, 503},
		{ErrProfileShutdown, 503},
		{ErrStaleLeg, 500},
	}
	for _, tt := range tests {
		status, phrase := admissionStatus(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.NotEmpty(t, phrase)
	}
}

func TestReplacesCallID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abc123@host;to-tag=1;from-tag=2", "abc123@host"},
		{"abc123%40host;to-tag=1", "abc123@host"},
		{"plain-id", "plain-id"},
		{" spaced ", "spaced"},
	}
	for _, tt := range tests {
		if got := replacesCallID(tt.in); got != tt.want {
			t.Errorf("replacesCallID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDispositionsAreStable(t *testing.T) {
	// These strings are recorded on sessions and read by operators; keep
	// them spelled the way the platform always has.
	for _, d := range []string{
		DispReceived, DispNoCodecs, DispReceivedNoMedia, DispReceivedNoSDP,
		DispProxyMedia, DispDelayedNegotiation, Disp3PCCDisabled,
		DispCodecNegotiationError, DispBlindTransfer, DispAttendedTransfer,
		DispAttendedTransferError,
	} {
		assert.False(t, strings.ContainsAny(d, "\n\t"), d)
		assert.NotEmpty(t, d)
	}
}
