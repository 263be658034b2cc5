package sip

// EventKind identifies a signaling event delivered to the dispatcher. The
// set is closed: the dispatcher switches over every kind and treats
// EventUnknown as an explicit, logged case rather than a silent drop.
type EventKind int

const (
	EventUnknown EventKind = iota

	// Requests arriving from the network.
	EventInvite
	EventRefer
	EventBye
	EventCancel
	EventInfo
	EventMessage
	EventOptions
	EventNotify
	EventSubscribe

	// Dialog state changes reported by the signaling engine.
	EventCallState

	// Responses to transactions this node initiated.
	EventRegisterResponse
	EventOptionsResponse
	EventNotifyResponse
	EventSubscribeResponse

	// Engine-level failures with no protocol message attached.
	EventError
)

var eventKindNames = map[EventKind]string{
	EventUnknown:           "unknown",
	EventInvite:            "invite",
	EventRefer:             "refer",
	EventBye:               "bye",
	EventCancel:            "cancel",
	EventInfo:              "info",
	EventMessage:           "message",
	EventOptions:           "options",
	EventNotify:            "notify",
	EventSubscribe:         "subscribe",
	EventCallState:         "call-state",
	EventRegisterResponse:  "register-response",
	EventOptionsResponse:   "options-response",
	EventNotifyResponse:    "notify-response",
	EventSubscribeResponse: "subscribe-response",
	EventError:             "error",
}

func (k EventKind) String() string {
	if n, ok := eventKindNames[k]; ok {
		return n
	}
	return "invalid"
}

// isResponse reports whether the kind carries a response to a transaction
// this node initiated.
func (k EventKind) isResponse() bool {
	switch k {
	case EventRegisterResponse, EventOptionsResponse, EventNotifyResponse, EventSubscribeResponse:
		return true
	default:
		return false
	}
}

// subscriptionOwned reports whether the handle carrying this event belongs
// to a subscription and is therefore exempt from the dispatcher's
// post-handler destroy check.
func (k EventKind) subscriptionOwned() bool {
	switch k {
	case EventSubscribe, EventSubscribeResponse, EventNotifyResponse:
		return true
	default:
		return false
	}
}

// ResponseFunc answers the transaction an event arrived on. Installed by
// the signaling agent; nil on events with no live server transaction.
type ResponseFunc func(status int, phrase string, body []byte, headers map[string]string) error

// Event is one decoded signaling event. The agent fills in what the wire
// carried; the dispatcher and handlers never touch raw messages.
type Event struct {
	Kind     EventKind
	HandleID string

	// Status and Phrase describe responses and call-state outcomes.
	Status int
	Phrase string

	// State accompanies EventCallState.
	State CallState

	CallID      string
	CSeq        uint32
	Source      string
	From        string // user part of the From URI
	To          string // user part of the To / Request URI
	Body        []byte
	ContentType string

	// Transfer-related headers, populated on EventRefer and EventInvite.
	ReferTo    string
	ReferredBy string
	Replaces   string

	// Headers carries the handful of other headers handlers consult
	// (Authorization, WWW-Authenticate, Expires, Contact, Event).
	Headers map[string]string

	respond ResponseFunc
}

// Header returns a captured header value, or "" when absent.
func (e *Event) Header(name string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[name]
}

// Respond answers the event's transaction. Returns ErrNoTransaction when
// the event has none (engine-internal events, responses).
func (e *Event) Respond(status int, phrase string, body []byte, headers map[string]string) error {
	if e.respond == nil {
		return ErrNoTransaction
	}
	return e.respond(status, phrase, body, headers)
}

// CanRespond reports whether the event carries a live transaction.
func (e *Event) CanRespond() bool { return e.respond != nil }
