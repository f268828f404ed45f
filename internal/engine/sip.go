package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/fexe-co/softphone/internal/routing"
	"github.com/rs/zerolog"
)

const allowedMethods = "INVITE, ACK, CANCEL, BYE, OPTIONS"

// SIPEngine implements Engine on top of sipgo
type SIPEngine struct {
	log zerolog.Logger

	// lifeMu orders Start against Destroy
	lifeMu sync.Mutex

	mu       sync.RWMutex
	state    State
	observer Observer
	endpoint EndpointConfig
	codecs   *codecTable

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	host       string // advertised in Contact and SDP
	port       int    // primary transport port
	network    string
	transports []io.Closer

	account *registration
	calls   map[string]*callLeg

	stop    chan struct{}
	wg      sync.WaitGroup
	serving sync.WaitGroup
}

// NewSIPEngine creates an engine in the NULL state
func NewSIPEngine(log zerolog.Logger) *SIPEngine {
	return &SIPEngine{
		log:    log,
		codecs: newCodecTable(),
		calls:  make(map[string]*callLeg),
	}
}

// SetObserver installs the callback receiver
func (e *SIPEngine) SetObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = o
}

// State returns the library state
func (e *SIPEngine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func invalidState(op string, s State) error {
	return fmt.Errorf("%w: %s in state %s", ErrInvalidState, op, s)
}

// Create moves the library from NULL to CREATED
func (e *SIPEngine) Create() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateNull {
		return invalidState("create", e.state)
	}
	e.stop = make(chan struct{})
	e.state = StateCreated
	return nil
}

// Init builds the user agent and registers request handlers
func (e *SIPEngine) Init(cfg EndpointConfig) error {
	e.mu.Lock()
	if e.state != StateCreated {
		s := e.state
		e.mu.Unlock()
		return invalidState("init", s)
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to create user agent: %w", err)
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		e.mu.Unlock()
		return fmt.Errorf("failed to create SIP server: %w", err)
	}

	e.ua = ua
	e.server = server
	e.endpoint = cfg
	e.host = cfg.PublicHost
	if e.host == "" {
		e.host = localIP()
	}
	e.registerHandlers()
	e.state = StateInit
	e.mu.Unlock()

	e.emitLog("SIP endpoint initialized (%s)", cfg.UserAgent)
	return nil
}

func (e *SIPEngine) registerHandlers() {
	e.server.OnInvite(e.handleInvite)
	e.server.OnAck(e.handleAck)
	e.server.OnBye(e.handleBye)
	e.server.OnCancel(e.handleCancel)
	e.server.OnOptions(e.handleOptions)
}

// CreateTransport binds a listening socket. The first transport also carries
// outgoing requests.
func (e *SIPEngine) CreateTransport(cfg TransportConfig) error {
	e.mu.Lock()
	if e.state != StateInit {
		s := e.state
		e.mu.Unlock()
		return invalidState("create transport", s)
	}

	network := strings.ToLower(cfg.Network)
	if network == "" {
		network = "udp"
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	srv := e.server

	var (
		closer io.Closer
		port   int
		serve  func() error
	)
	switch network {
	case "udp":
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			e.mu.Unlock()
			return fmt.Errorf("failed to listen on udp %s: %w", addr, err)
		}
		closer, port = conn, conn.LocalAddr().(*net.UDPAddr).Port
		serve = func() error { return srv.ServeUDP(conn) }
	case "tcp":
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			e.mu.Unlock()
			return fmt.Errorf("failed to listen on tcp %s: %w", addr, err)
		}
		closer, port = ln, ln.Addr().(*net.TCPAddr).Port
		serve = func() error { return srv.ServeTCP(ln) }
	default:
		e.mu.Unlock()
		return fmt.Errorf("unsupported transport %q", cfg.Network)
	}

	if e.client == nil {
		client, err := sipgo.NewClient(e.ua,
			sipgo.WithClientHostname(e.host),
			sipgo.WithClientPort(port),
		)
		if err != nil {
			_ = closer.Close()
			e.mu.Unlock()
			return fmt.Errorf("failed to create SIP client: %w", err)
		}
		e.client = client
		e.port = port
		e.network = network
	}
	e.transports = append(e.transports, closer)
	e.serving.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.serving.Done()
		if err := serve(); err != nil && !errors.Is(err, net.ErrClosed) {
			e.log.Error().Err(err).Str("network", network).Int("port", port).Msg("SIP transport stopped")
		}
	}()

	e.emitLog("SIP %s transport listening on port %d", strings.ToUpper(network), port)
	return nil
}

// CreateAccount configures the account; registration starts with the library
// or immediately when it is already running.
func (e *SIPEngine) CreateAccount(ctx context.Context, cfg AccountConfig) error {
	acc, err := newRegistration(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.state != StateInit && e.state != StateRunning {
		s := e.state
		e.mu.Unlock()
		return invalidState("create account", s)
	}
	if e.account != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: account already exists", ErrInvalidState)
	}
	e.account = acc
	running := e.state == StateRunning
	e.mu.Unlock()

	e.emitLog("Account created: %s", cfg.IDURI)
	if running {
		e.startRegistration(ctx, acc)
	}
	return nil
}

// Start moves the library through STARTING to RUNNING. Registration begins
// while the library is STARTING.
func (e *SIPEngine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	e.mu.Lock()
	if e.state != StateInit {
		s := e.state
		e.mu.Unlock()
		return invalidState("start", s)
	}
	if e.client == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: no transport", ErrInvalidState)
	}
	e.state = StateStarting
	acc := e.account
	e.mu.Unlock()

	if acc != nil {
		e.startRegistration(ctx, acc)
	}

	e.mu.Lock()
	e.state = StateRunning
	e.mu.Unlock()

	e.emitLog("SIP library started")
	return nil
}

// Destroy hangs up all calls, unregisters and releases every resource
func (e *SIPEngine) Destroy() error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	e.mu.Lock()
	if e.state == StateNull || e.state == StateClosing {
		s := e.state
		e.mu.Unlock()
		return invalidState("destroy", s)
	}
	e.state = StateClosing
	e.mu.Unlock()

	_ = e.HangupAll()

	e.mu.Lock()
	acc := e.account
	e.mu.Unlock()
	if acc != nil {
		e.stopRegistration(acc)
	}

	e.mu.Lock()
	close(e.stop)
	client, ua, transports := e.client, e.ua, e.transports
	e.mu.Unlock()

	e.wg.Wait()

	if client != nil {
		_ = client.Close()
	}
	for _, t := range transports {
		_ = t.Close()
	}
	if ua != nil {
		_ = ua.Close()
	}
	e.serving.Wait()

	e.mu.Lock()
	e.ua, e.server, e.client = nil, nil, nil
	e.transports = nil
	e.account = nil
	e.calls = make(map[string]*callLeg)
	e.port, e.network = 0, ""
	e.state = StateNull
	e.mu.Unlock()

	e.emitLog("SIP library destroyed")
	return nil
}

// SetCodecPriority sets the priority of codecs whose ID starts with codecID.
// Priority 0 disables the codec.
func (e *SIPEngine) SetCodecPriority(codecID string, priority int) error {
	if s := e.State(); s == StateNull {
		return invalidState("set codec priority", s)
	}
	return e.codecs.setPriority(codecID, priority)
}

// HangupAll ends every call
func (e *SIPEngine) HangupAll() error {
	e.mu.RLock()
	ids := make([]string, 0, len(e.calls))
	for id := range e.calls {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := e.Hangup(id, 0); err != nil && !errors.Is(err, ErrCallNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CallInfo returns a snapshot of a call
func (e *SIPEngine) CallInfo(callID string) (CallInfo, error) {
	leg := e.call(callID)
	if leg == nil {
		return CallInfo{}, fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	return leg.info(), nil
}

// SetTransmit starts or stops sending audio on a media line
func (e *SIPEngine) SetTransmit(callID string, mediaIndex int, enabled bool) error {
	leg := e.call(callID)
	if leg == nil {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	return leg.setTransmit(mediaIndex, enabled)
}

// ============================================================================
// Handlers
// ============================================================================

func (e *SIPEngine) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	ok := sip.NewResponseFromRequest(req, 200, "OK", nil)
	ok.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	ok.AppendHeader(sip.NewHeader("Accept", "application/sdp"))

	if err := tx.Respond(ok); err != nil {
		e.log.Warn().Err(err).Msg("Failed to send OPTIONS response")
	}
}

func (e *SIPEngine) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	leg := e.call(callID)
	if leg == nil {
		e.log.Debug().Str("call_id", callID).Msg("ACK for unknown call")
		return
	}
	leg.markAcked()
}

func (e *SIPEngine) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	leg := e.call(callID)
	if leg == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		e.log.Warn().Err(err).Str("call_id", callID).Msg("Failed to send 200 OK for BYE")
	}
	e.emitLog("Call %s: BYE received", callID)
	e.transition(leg, InvDisconnected, 200, "Normal call clearing")
}

func (e *SIPEngine) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	leg := e.call(callID)
	if leg == nil || leg.role != RoleCallee {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		e.log.Warn().Err(err).Str("call_id", callID).Msg("Failed to send 200 OK for CANCEL")
	}
	leg.markCancelled()
}

// ============================================================================
// Helpers
// ============================================================================

func (e *SIPEngine) call(callID string) *callLeg {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.calls[callID]
}

func (e *SIPEngine) addCall(leg *callLeg) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[leg.id] = leg
}

func (e *SIPEngine) removeCall(leg *callLeg) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.calls[leg.id] == leg {
		delete(e.calls, leg.id)
	}
}

func (e *SIPEngine) notify(fn func(o Observer)) {
	e.mu.RLock()
	o := e.observer
	e.mu.RUnlock()
	if o != nil {
		fn(o)
	}
}

// emitLog writes to the component log and forwards the line to the observer
func (e *SIPEngine) emitLog(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.log.Info().Msg(msg)
	e.notify(func(o Observer) { o.OnLog(msg) })
}

// transition applies a call state change and reports it. DISCONNECTED is
// terminal: the call is removed before observers hear about it.
func (e *SIPEngine) transition(leg *callLeg, s InvState, code int, reason string) {
	if !leg.setState(s, code, reason) {
		return
	}
	info := leg.info()
	if s == InvDisconnected {
		e.removeCall(leg)
		leg.close()
	}
	e.notify(func(o Observer) { o.OnCallState(info) })
}

func (e *SIPEngine) mediaChanged(leg *callLeg) {
	info := leg.info()
	e.notify(func(o Observer) { o.OnCallMediaState(info) })
}

// contactHeader is the local Contact for the given user
func (e *SIPEngine) contactHeader(user string) (*sip.ContactHeader, error) {
	e.mu.RLock()
	host, port, network := e.host, e.port, e.network
	e.mu.RUnlock()

	raw := fmt.Sprintf("sip:%s@%s", user, net.JoinHostPort(host, strconv.Itoa(port)))
	if network == "tcp" {
		raw += ";transport=tcp"
	}
	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		return nil, fmt.Errorf("failed to build contact: %w", err)
	}
	return &sip.ContactHeader{Address: uri}, nil
}

// parseAddress parses a name-addr or bare SIP URI
func parseAddress(s string) (string, sip.Uri, error) {
	display, raw, err := routing.ParseNameAddr(s)
	if err != nil {
		return "", sip.Uri{}, err
	}
	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		return "", sip.Uri{}, fmt.Errorf("invalid SIP URI %q: %w", raw, err)
	}
	return display, uri, nil
}

// reasonPhrase covers the final responses the engine sends itself
func reasonPhrase(code int) string {
	switch code {
	case 200:
		return "OK"
	case 404:
		return "Not Found"
	case 480:
		return "Temporarily Unavailable"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 500:
		return "Server Internal Error"
	case 503:
		return "Service Unavailable"
	case 603:
		return "Decline"
	default:
		return "Unknown"
	}
}
