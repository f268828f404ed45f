// Package call drives the telephony engine on behalf of the user
package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fexe-co/softphone/internal/engine"
	"github.com/fexe-co/softphone/internal/metrics"
	"github.com/fexe-co/softphone/internal/models"
	"github.com/fexe-co/softphone/internal/routing"
	"github.com/fexe-co/softphone/internal/state"
	"github.com/rs/zerolog"
)

var (
	ErrNotInitialized  = errors.New("sip library is not initialized")
	ErrNotRunning      = errors.New("sip library is not running")
	ErrCallInProgress  = errors.New("a call is already in progress")
	ErrNoCall          = errors.New("no active call")
	ErrCredentialsLock = errors.New("library already started with other credentials")
)

// Status codes sent by the controller
const (
	statusOK       = 200
	statusBusyHere = 486
	statusDecline  = 603
)

// View receives the projected state
type View interface {
	SetLibrary(st models.LibraryState, status string)
	AppendLog(line string)
	SetMuted(muted bool)
	IncomingCall(info engine.CallInfo)
	CallState(info engine.CallInfo)
	MediaState(info engine.CallInfo)
	MediaEvent(info engine.CallInfo, ev engine.MediaEvent)
}

// Recorder persists call history. Nil disables recording.
type Recorder interface {
	CallStarted(info engine.CallInfo)
	CallStateChanged(info engine.CallInfo)
}

// Options configures the engine as the controller starts it
type Options struct {
	UserAgent      string
	PublicHost     string
	SIPHost        string
	SIPPort        int
	SIPTransport   string
	RTPPortMin     int
	RTPPortMax     int
	Registrar      string
	RegisterExpiry time.Duration
	CodecPriority  map[string]int
}

// Controller owns the engine lifecycle and the single active call.
// Commands are serialized; engine callbacks may arrive concurrently.
type Controller struct {
	eng      engine.Engine
	view     View
	recorder Recorder
	dialPlan *routing.DialPlan
	opts     Options
	log      zerolog.Logger

	cmdMu sync.Mutex

	mu           sync.Mutex
	creds        *models.Credentials
	activeCallID string
	lastEndedID  string
	muted        bool
}

// NewController wires the controller as the engine's observer
func NewController(eng engine.Engine, view View, dialPlan *routing.DialPlan, opts Options, log zerolog.Logger) *Controller {
	if opts.SIPTransport == "" {
		opts.SIPTransport = "udp"
	}
	c := &Controller{
		eng:      eng,
		view:     view,
		dialPlan: dialPlan,
		opts:     opts,
		log:      log,
	}
	eng.SetObserver(c)
	return c
}

// SetRecorder enables call history recording
func (c *Controller) SetRecorder(r Recorder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorder = r
}

// ActiveCallID returns the current call, or "" when idle
func (c *Controller) ActiveCallID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeCallID
}

// LibraryState reports the engine lifecycle as the presentation sees it
func (c *Controller) LibraryState() engine.State {
	return c.eng.State()
}

// CurrentCall returns engine information for the active call
func (c *Controller) CurrentCall() (engine.CallInfo, error) {
	id := c.ActiveCallID()
	if id == "" {
		return engine.CallInfo{}, ErrNoCall
	}
	return c.eng.CallInfo(id)
}

// Initialize creates the library and starts it with creds. An existing
// library is only started, and stays bound to the credentials it runs with.
func (c *Controller) Initialize(ctx context.Context, creds models.Credentials) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if c.eng.State() > engine.StateNull {
		return c.start(ctx, creds)
	}

	if err := c.eng.Create(); err != nil {
		return c.fail("initialize", "Failed to create SIP library", err)
	}
	err := c.eng.Init(engine.EndpointConfig{
		UserAgent:  c.opts.UserAgent,
		RTPPortMin: c.opts.RTPPortMin,
		RTPPortMax: c.opts.RTPPortMax,
		PublicHost: c.opts.PublicHost,
	})
	if err != nil {
		return c.fail("initialize", "Failed to initialize SIP library", err)
	}
	c.view.SetLibrary(models.LibraryInitialized, "")
	metrics.CallCommands.WithLabelValues("initialize", "ok").Inc()

	return c.start(ctx, creds)
}

// Start creates the transports and account, then starts the library
func (c *Controller) Start(ctx context.Context, creds models.Credentials) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.start(ctx, creds)
}

func (c *Controller) start(ctx context.Context, creds models.Credentials) error {
	c.mu.Lock()
	current := c.creds
	c.mu.Unlock()

	switch st := c.eng.State(); {
	case st == engine.StateRunning && current != nil:
		if *current != creds {
			return c.reject("start", ErrCredentialsLock)
		}
		return nil
	case st != engine.StateInit:
		return c.reject("start", ErrNotInitialized)
	}

	err := c.eng.CreateTransport(engine.TransportConfig{
		Network: c.opts.SIPTransport,
		Host:    c.opts.SIPHost,
		Port:    c.opts.SIPPort,
	})
	if err != nil {
		c.warn("Failed to create SIP transport", err)
	}
	if err := c.eng.CreateTransport(engine.TransportConfig{Network: "udp", Host: c.opts.SIPHost}); err != nil {
		c.warn("Failed to create ephemeral SIP transport", err)
	}

	err = c.eng.CreateAccount(ctx, engine.AccountConfig{
		IDURI:          creds.IDURI,
		RegistrarURI:   c.opts.Registrar,
		Username:       creds.User,
		Password:       creds.Secret,
		Realm:          "*",
		RegisterExpiry: c.opts.RegisterExpiry,
		ICEEnabled:     true,
	})
	if err != nil {
		c.warn("Failed to create SIP account", err)
	}

	if err := c.eng.Start(ctx); err != nil {
		return c.fail("start", "Failed to start SIP library", err)
	}

	c.mu.Lock()
	stored := creds
	c.creds = &stored
	c.mu.Unlock()

	c.view.SetLibrary(models.LibraryRunning, "SIP library started")
	metrics.CallCommands.WithLabelValues("start", "ok").Inc()

	c.applyCodecPriorities()
	return nil
}

// applyCodecPriorities sets codec priorities highest first. Failures only log.
func (c *Controller) applyCodecPriorities() {
	codecs := make([]string, 0, len(c.opts.CodecPriority))
	for name := range c.opts.CodecPriority {
		codecs = append(codecs, name)
	}
	sort.Slice(codecs, func(i, j int) bool {
		pi, pj := c.opts.CodecPriority[codecs[i]], c.opts.CodecPriority[codecs[j]]
		if pi != pj {
			return pi > pj
		}
		return codecs[i] < codecs[j]
	})

	for _, name := range codecs {
		if err := c.eng.SetCodecPriority(name, c.opts.CodecPriority[name]); err != nil {
			c.warn("Failed to set priority of codec "+name, err)
		}
	}
}

// Stop hangs up every call and destroys the library
func (c *Controller) Stop() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.stop()
}

func (c *Controller) stop() error {
	if c.eng.State() == engine.StateNull {
		return c.reject("stop", ErrNotRunning)
	}

	if err := c.eng.HangupAll(); err != nil {
		c.warn("Failed to hang up calls", err)
	}
	if err := c.eng.Destroy(); err != nil {
		return c.fail("stop", "Failed to destroy SIP library", err)
	}

	c.mu.Lock()
	c.creds = nil
	c.activeCallID = ""
	c.muted = false
	c.mu.Unlock()
	metrics.ActiveCalls.Set(0)

	c.view.SetLibrary(models.LibraryStopped, "SIP library stopped")
	metrics.CallCommands.WithLabelValues("stop", "ok").Inc()
	return nil
}

// Dial calls an extension through the dial plan
func (c *Controller) Dial(ctx context.Context, extension string) (string, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.dial(ctx, extension)
}

func (c *Controller) dial(ctx context.Context, extension string) (string, error) {
	if c.eng.State() != engine.StateRunning {
		return "", c.reject("dial", ErrNotRunning)
	}
	if c.ActiveCallID() != "" {
		return "", c.reject("dial", ErrCallInProgress)
	}

	target, err := c.dialPlan.Target(extension)
	if err != nil {
		return "", c.fail("dial", "Invalid extension", err)
	}

	id, err := c.eng.MakeCall(ctx, target)
	if err != nil {
		return "", c.fail("dial", "Failed to make call to "+target, err)
	}

	c.mu.Lock()
	// callbacks may already have adopted or ended the call
	if c.activeCallID == "" && c.lastEndedID != id {
		c.activeCallID = id
		metrics.ActiveCalls.Set(1)
	}
	c.mu.Unlock()

	metrics.CallCommands.WithLabelValues("dial", "ok").Inc()
	c.log.Info().Str("call_id", id).Str("target", target).Msg("Outgoing call placed")
	return id, nil
}

// Answer accepts the incoming call with 200 OK
func (c *Controller) Answer() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	id := c.ActiveCallID()
	if id == "" {
		return c.reject("answer", ErrNoCall)
	}
	if err := c.eng.Answer(id, statusOK); err != nil {
		return c.fail("answer", "Failed to answer call", err)
	}
	metrics.CallCommands.WithLabelValues("answer", "ok").Inc()
	return nil
}

// Decline rejects the call with 603, falling back to hanging up everything
func (c *Controller) Decline() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	id := c.ActiveCallID()
	if id == "" {
		return c.reject("decline", ErrNoCall)
	}
	if err := c.eng.Hangup(id, statusDecline); err != nil {
		c.warn("Failed to decline call", err)
		if err := c.eng.HangupAll(); err != nil {
			return c.fail("decline", "Failed to hang up calls", err)
		}
	}
	metrics.CallCommands.WithLabelValues("decline", "ok").Inc()
	return nil
}

// Hangup terminates every call
func (c *Controller) Hangup() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.hangup()
}

func (c *Controller) hangup() error {
	if c.eng.State() != engine.StateRunning {
		return c.reject("hangup", ErrNotRunning)
	}
	if err := c.eng.HangupAll(); err != nil {
		return c.fail("hangup", "Failed to hang up calls", err)
	}
	metrics.CallCommands.WithLabelValues("hangup", "ok").Inc()
	return nil
}

// Toggle dials when idle and hangs up when a call exists
func (c *Controller) Toggle(ctx context.Context, extension string) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if c.ActiveCallID() != "" {
		return c.hangup()
	}
	_, err := c.dial(ctx, extension)
	return err
}

// ToggleMute flips microphone transmission on every flowing audio line and
// returns the new mute state
func (c *Controller) ToggleMute() (bool, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	id, muted := c.activeCallID, c.muted
	c.mu.Unlock()
	if id == "" {
		return muted, c.reject("mute", ErrNoCall)
	}

	info, err := c.eng.CallInfo(id)
	if err != nil {
		return muted, c.fail("mute", "Failed to toggle mute", err)
	}

	next := !muted
	for _, m := range info.Media {
		if !flowingAudio(m) {
			continue
		}
		if err := c.eng.SetTransmit(id, m.Index, !next); err != nil {
			return muted, c.fail("mute", "Failed to toggle mute", err)
		}
	}

	c.mu.Lock()
	c.muted = next
	c.mu.Unlock()
	c.view.SetMuted(next)
	metrics.CallCommands.WithLabelValues("mute", "ok").Inc()
	return next, nil
}

// Close tears the library down if it exists
func (c *Controller) Close() {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if c.eng.State() == engine.StateNull {
		return
	}
	_ = c.stop()
}

// OnIncomingCall adopts the call, or rejects it as busy when one is active
func (c *Controller) OnIncomingCall(info engine.CallInfo) {
	metrics.EngineCallbacks.WithLabelValues("incoming_call").Inc()

	c.mu.Lock()
	if c.activeCallID != "" {
		c.mu.Unlock()
		metrics.BusyRejects.Inc()
		c.log.Info().Str("call_id", info.ID).Str("remote", info.RemoteURI).Msg("Rejecting incoming call, busy")
		if err := c.eng.Answer(info.ID, statusBusyHere); err != nil {
			c.warn("Failed to reject incoming call", err)
		}
		return
	}
	c.activeCallID = info.ID
	c.muted = false
	rec := c.recorder
	c.mu.Unlock()
	metrics.ActiveCalls.Set(1)

	c.view.IncomingCall(info)
	if rec != nil {
		rec.CallStarted(info)
	}
}

// OnCallState forwards state changes of the active call
func (c *Controller) OnCallState(info engine.CallInfo) {
	metrics.EngineCallbacks.WithLabelValues("call_state").Inc()

	c.mu.Lock()
	adopted := false
	if info.ID != c.activeCallID {
		// an outgoing call may report before MakeCall returns
		if c.activeCallID != "" || info.Role != engine.RoleCaller ||
			info.State == engine.InvDisconnected || info.ID == c.lastEndedID {
			c.mu.Unlock()
			return
		}
		c.activeCallID = info.ID
		adopted = true
	}
	if info.State == engine.InvDisconnected {
		c.activeCallID = ""
		c.lastEndedID = info.ID
		c.muted = false
	}
	active := c.activeCallID != ""
	rec := c.recorder
	c.mu.Unlock()

	if active {
		metrics.ActiveCalls.Set(1)
	} else {
		metrics.ActiveCalls.Set(0)
	}

	c.view.CallState(info)
	if rec != nil {
		if adopted || (info.Role == engine.RoleCaller && info.State == engine.InvCalling) {
			rec.CallStarted(info)
		}
		rec.CallStateChanged(info)
	}
}

// OnCallMediaState connects the microphone to every flowing audio line
func (c *Controller) OnCallMediaState(info engine.CallInfo) {
	metrics.EngineCallbacks.WithLabelValues("media_state").Inc()
	if !c.isActive(info.ID) {
		return
	}

	for _, m := range info.Media {
		if !flowingAudio(m) {
			continue
		}
		if err := c.eng.SetTransmit(info.ID, m.Index, true); err != nil {
			c.warn("Failed to connect call media", err)
		}
	}
	if state.AudioFlowing(info) {
		c.mu.Lock()
		c.muted = false
		c.mu.Unlock()
	}

	c.view.MediaState(info)
}

// OnCallMediaEvent forwards media events of the active call
func (c *Controller) OnCallMediaEvent(info engine.CallInfo, ev engine.MediaEvent) {
	metrics.EngineCallbacks.WithLabelValues("media_event").Inc()
	if !c.isActive(info.ID) {
		return
	}
	c.view.MediaEvent(info, ev)
}

// OnLog appends engine log lines to the event log
func (c *Controller) OnLog(msg string) {
	c.view.AppendLog(msg)
}

func (c *Controller) isActive(callID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return callID != "" && callID == c.activeCallID
}

func flowingAudio(m engine.CallMediaInfo) bool {
	return m.Type == engine.MediaAudio &&
		(m.Status == engine.MediaStatusActive || m.Status == engine.MediaStatusRemoteHold)
}

// reject records a command refused in the current state
func (c *Controller) reject(command string, err error) error {
	metrics.CallCommands.WithLabelValues(command, "rejected").Inc()
	c.log.Debug().Str("command", command).Err(err).Msg("Command rejected")
	return err
}

// fail logs an engine error and surfaces it in the event log
func (c *Controller) fail(command, msg string, err error) error {
	metrics.CallCommands.WithLabelValues(command, "error").Inc()
	c.warn(msg, err)
	return fmt.Errorf("%s: %w", command, err)
}

func (c *Controller) warn(msg string, err error) {
	c.log.Error().Err(err).Msg(msg)
	c.view.AppendLog(fmt.Sprintf("%s: %v", msg, err))
}
