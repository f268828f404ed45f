package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

const (
	ackTimeout    = 32 * time.Second
	cancelTimeout = 5 * time.Second
	byeTimeout    = 5 * time.Second
)

// callLeg is one call and its dialog
type callLeg struct {
	id        string
	role      Role
	localURI  string
	remoteURI string
	port      *mediaPort
	sessionID uint64

	mu          sync.Mutex
	state       InvState
	lastCode    int
	lastReason  string
	media       []CallMediaInfo
	audioIndex  int
	connectedAt time.Time

	// dialog
	invite   *sip.Request  // INVITE we sent (caller) or received (callee)
	response *sip.Response // final 2xx received (caller) or sent (callee)
	localTag string
	nextCSeq uint32

	// caller
	cancelInvite context.CancelFunc

	// callee
	offer     *negotiated
	decision  chan int
	cancelled chan struct{}
	acked     chan struct{}

	cancelOnce sync.Once
	ackOnce    sync.Once
	closeOnce  sync.Once
	done       chan struct{}
}

func newCallLeg(id string, role Role, local, remote string, port *mediaPort) *callLeg {
	return &callLeg{
		id:         id,
		role:       role,
		localURI:   local,
		remoteURI:  remote,
		port:       port,
		sessionID:  rand.Uint64() >> 1,
		audioIndex: InvalidID,
		localTag:   newTag(),
		nextCSeq:   1,
		decision:   make(chan int, 1),
		cancelled:  make(chan struct{}),
		acked:      make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (c *callLeg) info() CallInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CallInfo{
		ID:             c.id,
		Role:           c.role,
		LocalURI:       c.localURI,
		RemoteURI:      c.remoteURI,
		State:          c.state,
		StateText:      c.state.String(),
		LastStatusCode: c.lastCode,
		LastReason:     c.lastReason,
		Media:          append([]CallMediaInfo(nil), c.media...),
		ConnectedAt:    c.connectedAt,
	}
}

// setState records a transition; it refuses to leave DISCONNECTED
func (c *callLeg) setState(s InvState, code int, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == InvDisconnected {
		return false
	}
	c.state = s
	if code != 0 {
		c.lastCode = code
		c.lastReason = reason
	}
	if s == InvConfirmed && c.connectedAt.IsZero() {
		c.connectedAt = time.Now()
	}
	return true
}

func (c *callLeg) currentState() InvState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// applyMedia installs a negotiation result and points the media port at the remote
func (c *callLeg) applyMedia(n *negotiated) (codecChanged bool) {
	c.mu.Lock()
	if c.audioIndex != InvalidID && c.audioIndex < len(c.media) {
		codecChanged = c.media[c.audioIndex].Codec != n.codec.ID
	}
	c.media = append([]CallMediaInfo(nil), n.media...)
	c.audioIndex = n.audioIndex
	c.mu.Unlock()

	c.port.configure(n.remoteAddr, n.codec)
	c.port.start()
	return codecChanged
}

func (c *callLeg) setMediaError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.media {
		if c.media[i].Type == MediaAudio {
			c.media[i].Status = MediaStatusError
		}
	}
}

func (c *callLeg) setTransmit(mediaIndex int, enabled bool) error {
	c.mu.Lock()
	if mediaIndex < 0 || mediaIndex >= len(c.media) || c.media[mediaIndex].Type != MediaAudio {
		c.mu.Unlock()
		return fmt.Errorf("media %d of call %s is not audio", mediaIndex, c.id)
	}
	c.mu.Unlock()

	c.port.setTransmit(enabled)
	return nil
}

func (c *callLeg) markAcked() {
	c.ackOnce.Do(func() { close(c.acked) })
}

func (c *callLeg) markCancelled() {
	c.cancelOnce.Do(func() { close(c.cancelled) })
}

func (c *callLeg) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.cancelInvite != nil {
			c.cancelInvite()
		}
		c.port.Close()
	})
}

func (c *callLeg) answered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response != nil
}

func (c *callLeg) takeCSeq() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.nextCSeq
	c.nextCSeq++
	return n
}

// ============================================================================
// Commands
// ============================================================================

// MakeCall places a call to a name-addr or SIP URI and returns its Call-ID.
// Progress is reported through the observer.
func (e *SIPEngine) MakeCall(ctx context.Context, dstURI string) (string, error) {
	e.mu.RLock()
	state, acc, host, endpoint := e.state, e.account, e.host, e.endpoint
	e.mu.RUnlock()

	if state != StateRunning {
		return "", invalidState("make call", state)
	}
	if acc == nil {
		return "", fmt.Errorf("%w: no account", ErrInvalidState)
	}

	display, target, err := parseAddress(dstURI)
	if err != nil {
		return "", err
	}

	port, err := allocateMediaPort("", endpoint.RTPPortMin, endpoint.RTPPortMax, e.log)
	if err != nil {
		return "", err
	}

	callID := uuid.NewString()
	leg := newCallLeg(callID, RoleCaller, acc.cfg.IDURI, dstURI, port)

	offer, err := buildOffer(host, port.Port(), leg.sessionID, e.codecs.ordered())
	if err != nil {
		port.Close()
		return "", fmt.Errorf("failed to build offer: %w", err)
	}

	contact, err := e.contactHeader(acc.cfg.Username)
	if err != nil {
		port.Close()
		return "", err
	}

	req := sip.NewRequest(sip.INVITE, target)
	req.AppendHeader(acc.fromHeader(leg.localTag))
	req.AppendHeader(&sip.ToHeader{DisplayName: display, Address: target, Params: sip.NewParams()})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: leg.takeCSeq(), MethodName: sip.INVITE})
	req.AppendHeader(contact)
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(offer)
	leg.invite = req

	inviteCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	leg.cancelInvite = cancel
	e.addCall(leg)

	e.wg.Add(1)
	go e.runInvite(inviteCtx, leg, acc)

	return callID, nil
}

// Answer responds to an incoming call. 2xx accepts it, 3xx-6xx rejects it.
func (e *SIPEngine) Answer(callID string, statusCode int) error {
	leg := e.call(callID)
	if leg == nil {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	if leg.role != RoleCallee || leg.currentState() != InvIncoming {
		return fmt.Errorf("%w: call %s cannot be answered in state %s", ErrInvalidState, callID, leg.currentState())
	}
	if statusCode < 200 || statusCode > 699 {
		return fmt.Errorf("invalid answer status %d", statusCode)
	}

	select {
	case leg.decision <- statusCode:
		return nil
	default:
		return fmt.Errorf("%w: call %s already answered", ErrInvalidState, callID)
	}
}

// Hangup ends a call: CANCEL or BYE as the caller, a final response or BYE as the callee.
// statusCode is the rejection code for unanswered incoming calls (603 when zero).
func (e *SIPEngine) Hangup(callID string, statusCode int) error {
	leg := e.call(callID)
	if leg == nil {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}

	if !leg.answered() {
		if leg.role == RoleCaller {
			// runInvite sends CANCEL and reports DISCONNECTED
			leg.cancelInvite()
			return nil
		}
		if statusCode < 300 {
			statusCode = 603
		}
		select {
		case leg.decision <- statusCode:
		default:
		}
		return nil
	}

	e.transition(leg, InvDisconnected, 200, "Normal call clearing")
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sendBye(leg)
	}()
	return nil
}

// ============================================================================
// Outgoing calls
// ============================================================================

func (e *SIPEngine) runInvite(ctx context.Context, leg *callLeg, acc *registration) {
	defer e.wg.Done()

	e.transition(leg, InvCalling, 0, "")
	e.emitLog("Calling %s", leg.remoteURI)

	req := leg.invite
	authorized := false
	for {
		res, err := e.inviteTransaction(ctx, leg, req)
		if err != nil {
			code, reason := 408, "Request Timeout"
			if ctx.Err() != nil {
				code, reason = 487, "Request Terminated"
			}
			e.emitLog("Call %s failed: %v", leg.id, err)
			e.transition(leg, InvDisconnected, code, reason)
			return
		}

		code := int(res.StatusCode)
		switch {
		case (code == 401 || code == 407) && !authorized:
			next, err := authorize(req, res, acc.cfg)
			if err != nil {
				e.emitLog("Call %s authentication failed: %v", leg.id, err)
				e.transition(leg, InvDisconnected, code, res.Reason)
				return
			}
			leg.mu.Lock()
			leg.invite = next
			leg.nextCSeq = next.CSeq().SeqNo + 1
			leg.mu.Unlock()
			req, authorized = next, true

		case res.IsSuccess():
			e.confirmOutgoing(ctx, leg, req, res)
			return

		default:
			e.transition(leg, InvDisconnected, code, res.Reason)
			return
		}
	}
}

// inviteTransaction sends one INVITE and relays provisional responses as EARLY.
// Cancelling ctx sends CANCEL and keeps waiting for the final response.
func (e *SIPEngine) inviteTransaction(ctx context.Context, leg *callLeg, req *sip.Request) (*sip.Response, error) {
	e.mu.RLock()
	client := e.client
	e.mu.RUnlock()
	if client == nil {
		return nil, fmt.Errorf("%w: no transport", ErrInvalidState)
	}

	tx, err := client.TransactionRequest(context.WithoutCancel(ctx), req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, fmt.Errorf("failed to send INVITE: %w", err)
	}
	defer tx.Terminate()

	cancelled := ctx.Done()
	var deadline <-chan time.Time
	provisional := false
	for {
		select {
		case <-cancelled:
			cancelled = nil
			if !provisional {
				// CANCEL is only allowed after a provisional response
				return nil, context.Canceled
			}
			e.sendCancel(req)
			deadline = time.After(cancelTimeout)
		case <-deadline:
			return nil, context.Canceled
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("INVITE transaction ended without a final response")
		case res := <-tx.Responses():
			if res == nil {
				continue
			}
			if res.IsProvisional() {
				provisional = true
				if res.StatusCode != 100 && ctx.Err() == nil {
					e.transition(leg, InvEarly, int(res.StatusCode), res.Reason)
				}
				continue
			}
			return res, nil
		}
	}
}

func (e *SIPEngine) sendCancel(invite *sip.Request) {
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancel)
	sip.CopyHeaders("From", invite, cancel)
	sip.CopyHeaders("To", invite, cancel)
	sip.CopyHeaders("Call-ID", invite, cancel)
	sip.CopyHeaders("Route", invite, cancel)
	cancel.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo, MethodName: sip.CANCEL})
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	ctx, stop := context.WithTimeout(context.Background(), cancelTimeout)
	defer stop()
	if _, err := e.roundTrip(ctx, cancel); err != nil {
		e.log.Warn().Err(err).Str("call_id", invite.CallID().Value()).Msg("CANCEL failed")
	}
}

func (e *SIPEngine) confirmOutgoing(ctx context.Context, leg *callLeg, req *sip.Request, res *sip.Response) {
	leg.mu.Lock()
	leg.response = res
	leg.mu.Unlock()

	e.mu.RLock()
	client := e.client
	e.mu.RUnlock()
	if client != nil {
		if err := client.WriteRequest(sip.NewAckRequest(req, res, nil), sipgo.ClientRequestBuild); err != nil {
			e.log.Warn().Err(err).Str("call_id", leg.id).Msg("Failed to send ACK")
		}
	}

	if ctx.Err() != nil {
		// answered after we gave up
		e.transition(leg, InvDisconnected, 487, "Request Terminated")
		e.sendBye(leg)
		return
	}

	e.transition(leg, InvConnecting, int(res.StatusCode), res.Reason)

	n, err := negotiate(res.Body(), e.codecs)
	if err != nil {
		e.emitLog("Call %s media negotiation failed: %v", leg.id, err)
		if n != nil {
			leg.mu.Lock()
			leg.media = n.media
			leg.mu.Unlock()
		}
		leg.setMediaError()
	} else {
		leg.applyMedia(n)
	}

	e.transition(leg, InvConfirmed, int(res.StatusCode), res.Reason)
	e.mediaChanged(leg)
}

// sendBye ends an established dialog from either side
func (e *SIPEngine) sendBye(leg *callLeg) {
	leg.mu.Lock()
	invite, response := leg.invite, leg.response
	leg.mu.Unlock()
	if invite == nil || response == nil {
		return
	}

	var bye *sip.Request
	if leg.role == RoleCaller {
		bye = e.callerBye(leg, invite, response)
	} else {
		bye = e.calleeBye(leg, invite)
	}

	ctx, stop := context.WithTimeout(context.Background(), byeTimeout)
	defer stop()
	res, err := e.roundTrip(ctx, bye)
	if err != nil {
		e.log.Warn().Err(err).Str("call_id", leg.id).Msg("BYE failed")
		return
	}
	e.log.Debug().Str("call_id", leg.id).Int("status", int(res.StatusCode)).Msg("BYE answered")
}

// callerBye builds a BYE for a dialog we established: the 2xx Contact is the
// target, the 2xx To carries the remote tag and the reversed Record-Route
// becomes the route set.
func (e *SIPEngine) callerBye(leg *callLeg, invite *sip.Request, response *sip.Response) *sip.Request {
	target := invite.Recipient
	if c := response.Contact(); c != nil {
		target = c.Address
	}

	bye := sip.NewRequest(sip.BYE, *target.Clone())

	local := invite.From()
	from := &sip.FromHeader{DisplayName: local.DisplayName, Address: local.Address, Params: local.Params.Clone()}
	to := &sip.ToHeader{Params: sip.NewParams()}
	if remote := response.To(); remote != nil {
		to.DisplayName, to.Address, to.Params = remote.DisplayName, remote.Address, remote.Params.Clone()
	}

	bye.AppendHeader(from)
	bye.AppendHeader(to)
	cid := sip.CallIDHeader(leg.id)
	bye.AppendHeader(&cid)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: leg.takeCSeq(), MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	rr := response.GetHeaders("Record-Route")
	for i := len(rr) - 1; i >= 0; i-- {
		bye.AppendHeader(sip.NewHeader("Route", rr[i].Value()))
	}
	return bye
}

// calleeBye builds a BYE for a dialog we accepted: the remote's Contact is the
// target, the tags swap sides and Record-Route becomes the route set.
func (e *SIPEngine) calleeBye(leg *callLeg, invite *sip.Request) *sip.Request {
	target := invite.From().Address
	if c := invite.Contact(); c != nil {
		target = c.Address
	}

	bye := sip.NewRequest(sip.BYE, target)

	remote := invite.From()
	to := &sip.ToHeader{DisplayName: remote.DisplayName, Address: remote.Address, Params: sip.NewParams()}
	if tag, ok := remote.Params.Get("tag"); ok {
		to.Params.Add("tag", tag)
	}
	local := invite.To()
	from := &sip.FromHeader{DisplayName: local.DisplayName, Address: local.Address, Params: sip.NewParams()}
	from.Params.Add("tag", leg.localTag)

	bye.AppendHeader(from)
	bye.AppendHeader(to)
	cid := sip.CallIDHeader(leg.id)
	bye.AppendHeader(&cid)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: leg.takeCSeq(), MethodName: sip.BYE})
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	for _, rr := range invite.GetHeaders("Record-Route") {
		bye.AppendHeader(sip.NewHeader("Route", rr.Value()))
	}
	return bye
}

// ============================================================================
// Incoming calls
// ============================================================================

// handleInvite blocks for the lifetime of the INVITE server transaction so the
// final response can be sent from here once the user decides.
func (e *SIPEngine) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	if leg := e.call(callID); leg != nil {
		e.handleReinvite(leg, req, tx)
		return
	}

	e.mu.RLock()
	state, host, endpoint, stop := e.state, e.host, e.endpoint, e.stop
	e.mu.RUnlock()

	if state != StateRunning {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil))
		return
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, 100, "Trying", nil)); err != nil {
		e.log.Warn().Err(err).Str("call_id", callID).Msg("Failed to send 100 Trying")
	}

	offer, err := negotiate(req.Body(), e.codecs)
	if err != nil {
		e.emitLog("Incoming call %s rejected: %v", callID, err)
		_ = tx.Respond(sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
		return
	}

	port, err := allocateMediaPort("", endpoint.RTPPortMin, endpoint.RTPPortMax, e.log)
	if err != nil {
		e.emitLog("Incoming call %s rejected: %v", callID, err)
		_ = tx.Respond(sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil))
		return
	}

	leg := newCallLeg(callID, RoleCallee, req.To().Address.String(), nameAddr(req.From()), port)
	leg.invite = req
	leg.offer = offer
	leg.media = offer.media
	leg.audioIndex = offer.audioIndex
	leg.setState(InvIncoming, 0, "")
	e.addCall(leg)

	// the transaction layer answers a matching CANCEL with 200 and the INVITE with 487
	if stx, ok := tx.(*sip.ServerTx); ok {
		stx.OnCancel(func(*sip.Request) { leg.markCancelled() })
	}

	if err := tx.Respond(e.calleeResponse(leg, req, 180, "Ringing", nil)); err != nil {
		e.log.Warn().Err(err).Str("call_id", callID).Msg("Failed to send 180 Ringing")
	}

	e.emitLog("Incoming call from %s", leg.remoteURI)
	info := leg.info()
	e.notify(func(o Observer) { o.OnIncomingCall(info) })

	select {
	case code := <-leg.decision:
		if code >= 300 {
			if err := tx.Respond(e.calleeResponse(leg, req, code, reasonPhrase(code), nil)); err != nil {
				e.log.Warn().Err(err).Str("call_id", callID).Int("status", code).Msg("Failed to reject call")
			}
			e.transition(leg, InvDisconnected, code, reasonPhrase(code))
			return
		}
		e.acceptIncoming(leg, req, tx, host, stop)

	case <-leg.cancelled:
		e.emitLog("Call %s cancelled by caller", callID)
		e.transition(leg, InvDisconnected, 487, "Request Terminated")

	case <-tx.Done():
		select {
		case <-leg.cancelled:
			e.transition(leg, InvDisconnected, 487, "Request Terminated")
		default:
			e.transition(leg, InvDisconnected, 408, "Request Timeout")
		}

	case <-leg.done:

	case <-stop:
		_ = tx.Respond(e.calleeResponse(leg, req, 503, "Service Unavailable", nil))
		e.transition(leg, InvDisconnected, 503, "Service Unavailable")
	}
}

func (e *SIPEngine) acceptIncoming(leg *callLeg, req *sip.Request, tx sip.ServerTransaction, host string, stop <-chan struct{}) {
	answer, err := buildAnswer(host, leg.port.Port(), leg.sessionID, leg.offer)
	if err != nil {
		_ = tx.Respond(e.calleeResponse(leg, req, 500, "Server Internal Error", nil))
		e.transition(leg, InvDisconnected, 500, "Server Internal Error")
		return
	}

	res := e.calleeResponse(leg, req, 200, "OK", answer)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if contact, err := e.contactHeader(req.To().Address.User); err == nil {
		res.AppendHeader(contact)
	}

	if err := tx.Respond(res); err != nil {
		e.emitLog("Call %s: failed to send 200 OK: %v", leg.id, err)
		e.transition(leg, InvDisconnected, 500, "Server Internal Error")
		return
	}

	leg.mu.Lock()
	leg.response = res
	leg.mu.Unlock()

	e.transition(leg, InvConnecting, 200, "OK")
	leg.applyMedia(leg.offer)
	e.mediaChanged(leg)

	select {
	case <-leg.acked:
		e.transition(leg, InvConfirmed, 200, "OK")
	case <-time.After(ackTimeout):
		e.emitLog("Call %s: no ACK received", leg.id)
		e.transition(leg, InvDisconnected, 408, "ACK Timeout")
		e.sendBye(leg)
	case <-leg.done:
	case <-stop:
	}
}

// calleeResponse builds a response to the initial INVITE carrying our dialog tag
func (e *SIPEngine) calleeResponse(leg *callLeg, req *sip.Request, code int, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(req, sip.StatusCode(code), reason, body)
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params.Add("tag", leg.localTag)
	}
	return res
}

// handleReinvite answers an in-dialog INVITE (hold, resume, codec change)
func (e *SIPEngine) handleReinvite(leg *callLeg, req *sip.Request, tx sip.ServerTransaction) {
	e.mu.RLock()
	host := e.host
	e.mu.RUnlock()

	n, err := negotiate(req.Body(), e.codecs)
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
		return
	}

	answer, err := buildAnswer(host, leg.port.Port(), leg.sessionID+1, n)
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil))
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", answer)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		e.log.Warn().Err(err).Str("call_id", leg.id).Msg("Failed to answer re-INVITE")
		return
	}

	changed := leg.applyMedia(n)
	e.mediaChanged(leg)
	if changed {
		info := leg.info()
		ev := MediaEvent{CallID: leg.id, MediaIndex: n.audioIndex, Type: MediaEventFormatChanged}
		e.notify(func(o Observer) { o.OnCallMediaEvent(info, ev) })
	}
}

func nameAddr(h *sip.FromHeader) string {
	if h == nil {
		return ""
	}
	if h.DisplayName == "" {
		return "<" + h.Address.String() + ">"
	}
	return fmt.Sprintf("%q <%s>", h.DisplayName, h.Address.String())
}
