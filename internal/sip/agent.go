package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	sipmsg "github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/signalgrid/softswitch/internal/config"
)

const (
	// transactionTimeout bounds the wait for a final response on
	// client transactions this node initiates.
	transactionTimeout = 32 * time.Second
	// optionsTimeout is the shorter budget for liveness probes.
	optionsTimeout = 5 * time.Second
)

// Signaler is the surface the profile drives the wire through. The agent
// decodes requests into Events and posts them; the profile answers through
// these methods keyed by handle ID.
type Signaler interface {
	Listen(ctx context.Context) error
	RespondCall(handleID string, status int, phrase string, body []byte, headers map[string]string) error
	HangupCall(handleID string, status int, phrase string) error
	Reinvite(handleID string, body []byte) error
	SendRegister(handleID string, gw *Gateway, authorization string, expires int)
	SendOptions(handleID string, gw *Gateway)
	SendSubscribe(handleID string, gw *Gateway, sub *Subscription, authorization string)
	SendNotify(handleID, callID, event, subState, contentType string, body []byte)
	ReleaseHandle(id string)
	Close() error
}

// dialogState is the agent's half of one dialog: enough addressing to build
// in-dialog requests and the INVITE transaction kept open for the deferred
// final response.
type dialogState struct {
	mu sync.Mutex

	id     string // handle ID
	callID string
	source string

	localTag  string
	remoteTag string
	localURI  string // our side, goes in From of in-dialog requests
	remoteURI string
	target    string // remote Contact, the in-dialog Request-URI
	cseq      uint32

	inviteReq *sipmsg.Request
	inviteTx  sipmsg.ServerTransaction
	answered  bool
}

// Agent is the sipgo-backed signaling engine for one profile. Inbound
// requests become Events on the profile's loop; gateway transactions run on
// their own goroutines and come back as response Events.
type Agent struct {
	cfg    config.ProfileConfig
	logger *slog.Logger

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	post func(Event) error

	mu      sync.Mutex
	dialogs map[string]*dialogState // handle ID -> dialog
	byCall  map[string]string       // call-id -> handle ID

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAgent builds the signaling engine for a profile. Post is attached
// afterwards with OnEvent because the profile needs the agent first.
func NewAgent(cfg config.ProfileConfig, logger *slog.Logger) (*Agent, error) {
	l := logger.With("component", "agent", "profile", cfg.Name)

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("softswitch"),
		sipgo.WithUserAgentHostname(cfg.BindAddr),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(l))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(l))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	a := &Agent{
		cfg:     cfg,
		logger:  l,
		ua:      ua,
		srv:     srv,
		client:  client,
		dialogs: make(map[string]*dialogState),
		byCall:  make(map[string]string),
	}
	a.registerHandlers()
	return a, nil
}

// OnEvent installs the event sink. Must happen before Listen.
func (a *Agent) OnEvent(post func(Event) error) { a.post = post }

func (a *Agent) registerHandlers() {
	a.srv.OnInvite(a.onInvite)
	a.srv.OnAck(a.onAck)
	a.srv.OnBye(a.onBye)
	a.srv.OnCancel(a.onCancel)
	a.srv.OnRefer(a.onRefer)
	a.srv.OnInfo(a.onSimple(EventInfo))
	a.srv.OnMessage(a.onSimple(EventMessage))
	a.srv.OnOptions(a.onSimple(EventOptions))
	a.srv.OnNotify(a.onSimple(EventNotify))
	a.srv.OnSubscribe(a.onSimple(EventSubscribe))
}

// Listen brings the profile's transport up. It returns once the listener
// goroutine is launched; listener errors are logged, not fatal to the
// caller.
func (a *Agent) Listen(ctx context.Context) error {
	if a.post == nil {
		return fmt.Errorf("agent %q: no event sink attached", a.cfg.Name)
	}
	ctx, a.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("%s:%d", a.cfg.BindAddr, a.cfg.Port)
	transport := strings.ToLower(a.cfg.Transport)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("sip listener starting", "transport", transport, "addr", addr)
		if err := a.srv.ListenAndServe(ctx, transport, addr); err != nil {
			a.logger.Error("sip listener stopped", "error", err)
		}
	}()
	return nil
}

// Close shuts down the stack and waits for the listener goroutine.
func (a *Agent) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.client.Close()
	err := a.srv.Close()
	a.ua.Close()
	return err
}

// ReleaseHandle drops the dialog state behind a retired handle.
func (a *Agent) ReleaseHandle(id string) {
	a.mu.Lock()
	if d, ok := a.dialogs[id]; ok {
		delete(a.byCall, d.callID)
		delete(a.dialogs, id)
	}
	a.mu.Unlock()
}

func (a *Agent) dialogByHandle(id string) *dialogState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dialogs[id]
}

func (a *Agent) dialogByCallID(callID string) *dialogState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.byCall[callID]; ok {
		return a.dialogs[id]
	}
	return nil
}

// deliver posts an event to the profile; a rejected post answers the
// transaction so the far end is not left hanging.
func (a *Agent) deliver(ev Event) {
	if err := a.post(ev); err != nil {
		a.logger.Warn("event rejected", "kind", ev.Kind.String(), "call_id", ev.CallID, "error", err)
		if ev.CanRespond() {
			_ = ev.Respond(503, "Service Unavailable", nil, nil)
		}
	}
}

// onInvite decodes an INVITE into an event. A known Call-ID is a re-INVITE
// on the existing dialog; a fresh one creates the dialog and its handle.
func (a *Agent) onInvite(req *sipmsg.Request, tx sipmsg.ServerTransaction) {
	callID := headerCallID(req)
	if callID == "" {
		res := sipmsg.NewResponseFromRequest(req, 400, "Bad Request", nil)
		_ = tx.Respond(res)
		return
	}

	d := a.dialogByCallID(callID)
	if d == nil {
		d = &dialogState{
			id:       uuid.NewString(),
			callID:   callID,
			source:   req.Source(),
			localTag: uuid.NewString()[:8],
			cseq:     headerCSeq(req),
		}
		if from := req.From(); from != nil {
			d.remoteURI = from.Address.String()
			d.remoteTag, _ = from.Params.Get("tag")
		}
		if to := req.To(); to != nil {
			d.localURI = to.Address.String()
		}
		a.mu.Lock()
		a.dialogs[d.id] = d
		a.byCall[callID] = d.id
		a.mu.Unlock()
	}

	d.mu.Lock()
	d.inviteReq = req
	d.inviteTx = tx
	if contact := req.Contact(); contact != nil {
		d.target = contact.Address.String()
	} else {
		d.target = req.Recipient.String()
	}
	d.mu.Unlock()

	ev := a.eventFromRequest(EventInvite, d, req, tx)
	ev.Replaces = headerValue(req, "Replaces")
	a.deliver(ev)
}

// onAck completes the offer/answer round: the dialog's answer to a
// deferred offer rides in here, reported as a ready transition.
func (a *Agent) onAck(req *sipmsg.Request, tx sipmsg.ServerTransaction) {
	d := a.dialogByCallID(headerCallID(req))
	if d == nil {
		return
	}
	if from := req.From(); from != nil {
		d.mu.Lock()
		d.remoteTag, _ = from.Params.Get("tag")
		d.mu.Unlock()
	}

	ev := Event{
		Kind:        EventCallState,
		HandleID:    d.id,
		State:       CallReady,
		Status:      200,
		CallID:      d.callID,
		CSeq:        headerCSeq(req),
		Source:      req.Source(),
		Body:        req.Body(),
		ContentType: headerValue(req, "Content-Type"),
	}
	a.deliver(ev)
}

func (a *Agent) onBye(req *sipmsg.Request, tx sipmsg.ServerTransaction) {
	d := a.dialogByCallID(headerCallID(req))
	if d == nil {
		res := sipmsg.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(res)
		return
	}
	a.deliver(a.eventFromRequest(EventBye, d, req, tx))
}

func (a *Agent) onCancel(req *sipmsg.Request, tx sipmsg.ServerTransaction) {
	d := a.dialogByCallID(headerCallID(req))
	if d == nil {
		res := sipmsg.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(res)
		return
	}
	a.deliver(a.eventFromRequest(EventCancel, d, req, tx))
}

func (a *Agent) onRefer(req *sipmsg.Request, tx sipmsg.ServerTransaction) {
	d := a.dialogByCallID(headerCallID(req))
	if d == nil {
		res := sipmsg.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(res)
		return
	}
	ev := a.eventFromRequest(EventRefer, d, req, tx)
	ev.ReferTo = headerValue(req, "Refer-To")
	ev.ReferredBy = headerValue(req, "Referred-By")
	a.deliver(ev)
}

// onSimple covers the request kinds the dispatcher handles uniformly:
// INFO, MESSAGE, OPTIONS, NOTIFY, SUBSCRIBE.
func (a *Agent) onSimple(kind EventKind) sipgo.RequestHandler {
	return func(req *sipmsg.Request, tx sipmsg.ServerTransaction) {
		d := a.dialogByCallID(headerCallID(req))
		if d == nil {
			// Out-of-dialog requests still reach the dispatcher; they
			// just carry no handle.
			ev := Event{
				Kind:        kind,
				Status:      0,
				CallID:      headerCallID(req),
				CSeq:        headerCSeq(req),
				Source:      req.Source(),
				Body:        req.Body(),
				ContentType: headerValue(req, "Content-Type"),
				Headers:     captureHeaders(req),
				respond: func(status int, phrase string, body []byte, headers map[string]string) error {
					return respondTx(req, tx, status, phrase, body, headers)
				},
			}
			a.deliver(ev)
			return
		}
		a.deliver(a.eventFromRequest(kind, d, req, tx))
	}
}

// eventFromRequest builds the common event shape for an in-dialog request.
func (a *Agent) eventFromRequest(kind EventKind, d *dialogState, req *sipmsg.Request, tx sipmsg.ServerTransaction) Event {
	ev := Event{
		Kind:        kind,
		HandleID:    d.id,
		CallID:      d.callID,
		CSeq:        headerCSeq(req),
		Source:      req.Source(),
		Body:        req.Body(),
		ContentType: headerValue(req, "Content-Type"),
		Headers:     captureHeaders(req),
		respond: func(status int, phrase string, body []byte, headers map[string]string) error {
			return a.respondDialog(d, req, tx, status, phrase, body, headers)
		},
	}
	if from := req.From(); from != nil {
		ev.From = from.Address.User
	}
	if to := req.To(); to != nil {
		ev.To = to.Address.User
	}
	return ev
}

// respondDialog answers a server transaction, adding our dialog tag so the
// far end can address in-dialog requests back.
func (a *Agent) respondDialog(d *dialogState, req *sipmsg.Request, tx sipmsg.ServerTransaction, status int, phrase string, body []byte, headers map[string]string) error {
	res := sipmsg.NewResponseFromRequest(req, status, phrase, body)
	if to := res.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", d.localTag)
		}
	}
	if len(body) > 0 && headerLookup(headers, "Content-Type") == "" {
		res.AppendHeader(sipmsg.NewHeader("Content-Type", "application/sdp"))
	}
	for name, value := range headers {
		res.AppendHeader(sipmsg.NewHeader(name, value))
	}
	if status >= 200 && req.IsInvite() {
		d.mu.Lock()
		d.answered = status < 300
		d.mu.Unlock()
	}
	return tx.Respond(res)
}

// RespondCall answers the dialog's open INVITE transaction out of band,
// after the handler that received it has returned.
func (a *Agent) RespondCall(handleID string, status int, phrase string, body []byte, headers map[string]string) error {
	d := a.dialogByHandle(handleID)
	if d == nil {
		return ErrStaleLeg
	}
	d.mu.Lock()
	req, tx := d.inviteReq, d.inviteTx
	d.mu.Unlock()
	if req == nil || tx == nil {
		return ErrNoTransaction
	}
	return a.respondDialog(d, req, tx, status, phrase, body, headers)
}

// HangupCall sends an in-dialog BYE. The status and phrase are advisory,
// carried for symmetric logging with rejected unanswered calls.
func (a *Agent) HangupCall(handleID string, status int, phrase string) error {
	d := a.dialogByHandle(handleID)
	if d == nil {
		return ErrStaleLeg
	}
	req, err := a.inDialogRequest(d, sipmsg.BYE, nil, nil)
	if err != nil {
		return err
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if _, err := a.roundTrip(req, transactionTimeout); err != nil {
			a.logger.Debug("bye round trip failed", "call_id", d.callID, "error", err)
		}
	}()
	return nil
}

// Reinvite sends an in-dialog INVITE carrying a new offer toward the
// dialog's remote target.
func (a *Agent) Reinvite(handleID string, body []byte) error {
	d := a.dialogByHandle(handleID)
	if d == nil {
		return ErrStaleLeg
	}
	req, err := a.inDialogRequest(d, sipmsg.INVITE, body, map[string]string{
		"Content-Type": "application/sdp",
	})
	if err != nil {
		return err
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		res, err := a.roundTrip(req, transactionTimeout)
		if err != nil {
			a.logger.Warn("reinvite failed", "call_id", d.callID, "error", err)
			return
		}
		if res.StatusCode >= 300 {
			a.logger.Warn("reinvite rejected",
				"call_id", d.callID, "status", res.StatusCode, "phrase", res.Reason)
		}
	}()
	return nil
}

// SendNotify sends a NOTIFY on an existing dialog (transfer progress) and
// posts the terminal response back as an event.
func (a *Agent) SendNotify(handleID, callID, event, subState, contentType string, body []byte) {
	d := a.dialogByHandle(handleID)
	if d == nil {
		a.logger.Debug("notify for unknown handle", "handle", handleID, "call_id", callID)
		return
	}
	headers := map[string]string{"Event": event}
	if subState != "" {
		headers["Subscription-State"] = subState
	}
	if contentType != "" {
		headers["Content-Type"] = contentType
	}
	req, err := a.inDialogRequest(d, sipmsg.NOTIFY, body, headers)
	if err != nil {
		a.logger.Error("building notify failed", "call_id", callID, "error", err)
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ev := Event{Kind: EventNotifyResponse, HandleID: d.id, CallID: d.callID}
		res, err := a.roundTrip(req, transactionTimeout)
		if err != nil {
			ev.Status = 408
			ev.Phrase = err.Error()
		} else {
			ev.Status = res.StatusCode
			ev.Phrase = res.Reason
		}
		a.deliver(ev)
	}()
}

// inDialogRequest builds a request inside an established dialog: remote
// Contact as the target, our tag on From, theirs on To, the local CSeq
// advanced.
func (a *Agent) inDialogRequest(d *dialogState, method sipmsg.RequestMethod, body []byte, headers map[string]string) (*sipmsg.Request, error) {
	d.mu.Lock()
	d.cseq++
	cseq := d.cseq
	target := d.target
	localURI, localTag := d.localURI, d.localTag
	remoteURI, remoteTag := d.remoteURI, d.remoteTag
	callID := d.callID
	d.mu.Unlock()

	var recipient sipmsg.Uri
	if err := sipmsg.ParseUri(strings.Trim(target, "<>"), &recipient); err != nil {
		return nil, fmt.Errorf("parsing dialog target %q: %w", target, err)
	}

	req := sipmsg.NewRequest(method, recipient)
	req.SetTransport(strings.ToUpper(a.cfg.Transport))
	req.AppendHeader(sipmsg.NewHeader("From", fmt.Sprintf("%s;tag=%s", localURI, localTag)))
	to := remoteURI
	if remoteTag != "" {
		to = fmt.Sprintf("%s;tag=%s", remoteURI, remoteTag)
	}
	req.AppendHeader(sipmsg.NewHeader("To", to))
	req.AppendHeader(sipmsg.NewHeader("Call-ID", callID))
	req.AppendHeader(sipmsg.NewHeader("CSeq", fmt.Sprintf("%d %s", cseq, method)))
	for name, value := range headers {
		req.AppendHeader(sipmsg.NewHeader(name, value))
	}
	if len(body) > 0 {
		req.SetBody(body)
	}
	return req, nil
}

// roundTrip sends a client request and waits for its final response.
func (a *Agent) roundTrip(req *sipmsg.Request, timeout time.Duration) (*sipmsg.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	tx, err := a.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		res, err := getResponse(ctx, tx)
		if err != nil {
			return nil, fmt.Errorf("waiting for %s response: %w", req.Method, err)
		}
		if res.IsProvisional() {
			continue
		}
		return res, nil
	}
}

// SendRegister sends one REGISTER toward a gateway. The response comes back
// to the dispatcher as an event on the same handle; challenge retries are
// the dispatcher's call, not ours.
func (a *Agent) SendRegister(handleID string, gw *Gateway, authorization string, expires int) {
	cfg := gw.Config()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		var recipient sipmsg.Uri
		if err := sipmsg.ParseUri(gatewayURI(cfg), &recipient); err != nil {
			a.postGatewayError(EventRegisterResponse, handleID, fmt.Errorf("parsing gateway uri: %w", err))
			return
		}

		req := sipmsg.NewRequest(sipmsg.REGISTER, recipient)
		req.SetTransport(strings.ToUpper(cfg.Transport))

		aor := fmt.Sprintf("<sip:%s@%s>", cfg.Username, cfg.Realm)
		req.AppendHeader(sipmsg.NewHeader("From", aor))
		req.AppendHeader(sipmsg.NewHeader("To", aor))

		contact := cfg.Contact
		if contact == "" {
			contact = fmt.Sprintf("<sip:%s@%s>", cfg.Username, a.ua.Hostname())
		}
		req.AppendHeader(sipmsg.NewHeader("Contact", contact))
		req.AppendHeader(sipmsg.NewHeader("Expires", fmt.Sprintf("%d", expires)))
		if authorization != "" {
			req.AppendHeader(sipmsg.NewHeader("Authorization", authorization))
		}

		ctx, cancel := context.WithTimeout(context.Background(), transactionTimeout)
		defer cancel()
		tx, err := a.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
		if err != nil {
			a.postGatewayError(EventRegisterResponse, handleID, fmt.Errorf("sending register: %w", err))
			return
		}
		defer tx.Terminate()

		res, err := getResponse(ctx, tx)
		if err != nil {
			a.postGatewayError(EventRegisterResponse, handleID, fmt.Errorf("waiting for register response: %w", err))
			return
		}
		a.deliver(a.gatewayResponse(EventRegisterResponse, handleID, res))
	}()
}

// SendOptions sends one liveness probe toward a gateway.
func (a *Agent) SendOptions(handleID string, gw *Gateway) {
	cfg := gw.Config()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		var recipient sipmsg.Uri
		if err := sipmsg.ParseUri(gatewayURI(cfg), &recipient); err != nil {
			a.postGatewayError(EventOptionsResponse, handleID, fmt.Errorf("parsing gateway uri: %w", err))
			return
		}
		req := sipmsg.NewRequest(sipmsg.OPTIONS, recipient)
		req.SetTransport(strings.ToUpper(cfg.Transport))

		res, err := a.roundTrip(req, optionsTimeout)
		if err != nil {
			a.postGatewayError(EventOptionsResponse, handleID, err)
			return
		}
		a.deliver(a.gatewayResponse(EventOptionsResponse, handleID, res))
	}()
}

// SendSubscribe sends one event-package SUBSCRIBE toward a gateway.
func (a *Agent) SendSubscribe(handleID string, gw *Gateway, sub *Subscription, authorization string) {
	cfg := gw.Config()
	scfg := sub.Config()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		var recipient sipmsg.Uri
		if err := sipmsg.ParseUri(gatewayURI(cfg), &recipient); err != nil {
			a.postGatewayError(EventSubscribeResponse, handleID, fmt.Errorf("parsing gateway uri: %w", err))
			return
		}

		req := sipmsg.NewRequest(sipmsg.SUBSCRIBE, recipient)
		req.SetTransport(strings.ToUpper(cfg.Transport))

		aor := fmt.Sprintf("<sip:%s@%s>", cfg.Username, cfg.Realm)
		req.AppendHeader(sipmsg.NewHeader("From", aor))
		req.AppendHeader(sipmsg.NewHeader("To", aor))
		req.AppendHeader(sipmsg.NewHeader("Event", scfg.EventPackage))
		req.AppendHeader(sipmsg.NewHeader("Accept", scfg.ContentType))
		req.AppendHeader(sipmsg.NewHeader("Expires", fmt.Sprintf("%d", scfg.Frequency)))
		if authorization != "" {
			req.AppendHeader(sipmsg.NewHeader("Authorization", authorization))
		}

		res, err := a.roundTrip(req, transactionTimeout)
		if err != nil {
			a.postGatewayError(EventSubscribeResponse, handleID, err)
			return
		}
		a.deliver(a.gatewayResponse(EventSubscribeResponse, handleID, res))
	}()
}

// gatewayResponse converts a client response to the dispatcher's event
// shape, carrying the headers the gateway machinery consults.
func (a *Agent) gatewayResponse(kind EventKind, handleID string, res *sipmsg.Response) Event {
	ev := Event{
		Kind:     kind,
		HandleID: handleID,
		Status:   res.StatusCode,
		Phrase:   res.Reason,
		Headers:  make(map[string]string),
	}
	for _, name := range []string{"WWW-Authenticate", "Proxy-Authenticate", "Expires", "Contact"} {
		if h := res.GetHeader(name); h != nil {
			ev.Headers[name] = h.Value()
		}
	}
	if cid := res.CallID(); cid != nil {
		ev.CallID = cid.Value()
	}
	return ev
}

// postGatewayError reports a transport failure or timeout as the
// transaction's own response kind with a synthetic 408, so the gateway
// state machine fails and schedules its retry instead of waiting on a
// response that will never come.
func (a *Agent) postGatewayError(kind EventKind, handleID string, err error) {
	a.logger.Warn("gateway transaction failed", "kind", kind.String(), "error", err)
	a.deliver(Event{
		Kind:     kind,
		HandleID: handleID,
		Status:   408,
		Phrase:   err.Error(),
	})
}

// respondTx answers a bare server transaction outside any dialog.
func respondTx(req *sipmsg.Request, tx sipmsg.ServerTransaction, status int, phrase string, body []byte, headers map[string]string) error {
	res := sipmsg.NewResponseFromRequest(req, status, phrase, body)
	for name, value := range headers {
		res.AppendHeader(sipmsg.NewHeader(name, value))
	}
	return tx.Respond(res)
}

// capturedHeaders is the closed set of request headers handlers consult.
var capturedHeaders = []string{
	"Authorization", "Proxy-Authorization", "Event", "Subscription-State",
	"Expires", "Contact", "Replaces", "Referred-By",
}

func captureHeaders(req *sipmsg.Request) map[string]string {
	out := make(map[string]string)
	for _, name := range capturedHeaders {
		if h := req.GetHeader(name); h != nil {
			out[name] = h.Value()
		}
	}
	return out
}

func headerValue(req *sipmsg.Request, name string) string {
	if h := req.GetHeader(name); h != nil {
		return h.Value()
	}
	return ""
}

func headerCallID(req *sipmsg.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

func headerCSeq(req *sipmsg.Request) uint32 {
	if cs := req.CSeq(); cs != nil {
		return cs.SeqNo
	}
	return 0
}

func headerLookup(headers map[string]string, name string) string {
	if headers == nil {
		return ""
	}
	return headers[name]
}

// getResponse waits for the next response on a client transaction.
func getResponse(ctx context.Context, tx sipmsg.ClientTransaction) (*sipmsg.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}
