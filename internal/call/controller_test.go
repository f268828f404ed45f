package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/fexe-co/softphone/internal/engine"
	"github.com/fexe-co/softphone/internal/models"
	"github.com/fexe-co/softphone/internal/routing"
	"github.com/fexe-co/softphone/internal/state"
	"github.com/rs/zerolog"
)

type answer struct {
	callID string
	code   int
}

type transmit struct {
	callID  string
	index   int
	enabled bool
}

// fakeEngine records commands and lets tests drive callbacks directly
type fakeEngine struct {
	mu        sync.Mutex
	st        engine.State
	observer  engine.Observer
	calls     map[string]engine.CallInfo
	nextID    int
	dialed    []string
	answers   []answer
	hangups   []answer
	hangupAll int
	transmits []transmit
	codecs    []string
	accounts  []engine.AccountConfig

	hangupErr  error
	codecErr   error
	makeErr    error
	onMakeCall func(id string)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{calls: make(map[string]engine.CallInfo)}
}

func (f *fakeEngine) SetObserver(o engine.Observer) { f.observer = o }

func (f *fakeEngine) State() engine.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func (f *fakeEngine) setState(s engine.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.st = s
}

func (f *fakeEngine) Create() error {
	f.setState(engine.StateCreated)
	return nil
}

func (f *fakeEngine) Init(engine.EndpointConfig) error {
	f.setState(engine.StateInit)
	return nil
}

func (f *fakeEngine) CreateTransport(engine.TransportConfig) error { return nil }

func (f *fakeEngine) CreateAccount(ctx context.Context, cfg engine.AccountConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts = append(f.accounts, cfg)
	return nil
}

func (f *fakeEngine) Start(ctx context.Context) error {
	f.setState(engine.StateRunning)
	return nil
}

func (f *fakeEngine) Destroy() error {
	f.setState(engine.StateNull)
	return nil
}

func (f *fakeEngine) SetCodecPriority(codecID string, priority int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codecs = append(f.codecs, codecID)
	return f.codecErr
}

func (f *fakeEngine) MakeCall(ctx context.Context, dst string) (string, error) {
	f.mu.Lock()
	if f.makeErr != nil {
		f.mu.Unlock()
		return "", f.makeErr
	}
	f.nextID++
	id := "out-" + string(rune('0'+f.nextID))
	f.dialed = append(f.dialed, dst)
	f.calls[id] = engine.CallInfo{ID: id, Role: engine.RoleCaller, RemoteURI: dst, State: engine.InvCalling, StateText: "CALLING"}
	hook := f.onMakeCall
	f.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return id, nil
}

func (f *fakeEngine) Answer(callID string, code int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, answer{callID, code})
	return nil
}

func (f *fakeEngine) Hangup(callID string, code int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, answer{callID, code})
	return f.hangupErr
}

func (f *fakeEngine) HangupAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangupAll++
	return nil
}

func (f *fakeEngine) SetTransmit(callID string, index int, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transmits = append(f.transmits, transmit{callID, index, enabled})
	return nil
}

func (f *fakeEngine) CallInfo(callID string) (engine.CallInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.calls[callID]
	if !ok {
		return engine.CallInfo{}, engine.ErrCallNotFound
	}
	return info, nil
}

func (f *fakeEngine) setCall(info engine.CallInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[info.ID] = info
}

type fakeRecorder struct {
	mu      sync.Mutex
	started []string
	states  []engine.InvState
}

func (r *fakeRecorder) CallStarted(info engine.CallInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, info.ID)
}

func (r *fakeRecorder) CallStateChanged(info engine.CallInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, info.State)
}

var testCreds = models.Credentials{
	Domain: "pbx2.fexe.co",
	User:   "100",
	Secret: "secret",
	IDURI:  "Kotlin <sip:100@pbx2.fexe.co>",
}

func newTestController(t *testing.T) (*Controller, *fakeEngine, *state.Projector) {
	t.Helper()
	eng := newFakeEngine()
	view := state.NewProjector(0)
	opts := Options{
		SIPPort:       8089,
		Registrar:     "sip:pbx2.fexe.co;transport=udp",
		CodecPriority: map[string]int{"PCMU/8000": 255, "PCMA/8000": 254},
	}
	c := NewController(eng, view, routing.NewDialPlan("pbx2.fexe.co", "MicroSIP"), opts, zerolog.Nop())
	return c, eng, view
}

func startedController(t *testing.T) (*Controller, *fakeEngine, *state.Projector) {
	t.Helper()
	c, eng, view := newTestController(t)
	if err := c.Initialize(context.Background(), testCreds); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return c, eng, view
}

func incoming(id string) engine.CallInfo {
	return engine.CallInfo{
		ID:        id,
		Role:      engine.RoleCallee,
		RemoteURI: "MicroSIP <sip:200@pbx2.fexe.co>",
		State:     engine.InvIncoming,
		StateText: "INCOMING",
	}
}

func TestController_InitializeStartsLibrary(t *testing.T) {
	c, eng, view := startedController(t)

	if eng.State() != engine.StateRunning {
		t.Fatalf("expected RUNNING, got %s", eng.State())
	}
	s := view.Snapshot()
	if s.LibraryState != models.LibraryRunning || s.LibraryStatus != "SIP library started" {
		t.Fatalf("unexpected library state %+v", s)
	}
	if len(eng.accounts) != 1 || eng.accounts[0].IDURI != testCreds.IDURI || eng.accounts[0].Realm != "*" || !eng.accounts[0].ICEEnabled {
		t.Fatalf("unexpected account %+v", eng.accounts)
	}
	if len(eng.codecs) != 2 || eng.codecs[0] != "PCMU/8000" {
		t.Fatalf("expected codecs applied highest first, got %v", eng.codecs)
	}

	// a second Initialize is a no-op
	if err := c.Initialize(context.Background(), testCreds); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if len(eng.accounts) != 1 {
		t.Fatal("second Initialize must not create another account")
	}
}

func TestController_CodecFailureOnlyLogs(t *testing.T) {
	c, eng, view := newTestController(t)
	eng.codecErr = engine.ErrCodecNotFound

	if err := c.Initialize(context.Background(), testCreds); err != nil {
		t.Fatalf("Initialize must succeed despite codec errors: %v", err)
	}
	if !strings.Contains(strings.Join(view.Snapshot().Logs, "\n"), "Failed to set priority of codec") {
		t.Fatalf("expected codec failure in the event log, got %v", view.Snapshot().Logs)
	}
}

func TestController_CommandsRequireState(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	if _, err := c.Dial(ctx, "200"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Dial before start: expected ErrNotRunning, got %v", err)
	}
	if err := c.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop before start: expected ErrNotRunning, got %v", err)
	}
	if err := c.Start(ctx, testCreds); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Start before init: expected ErrNotInitialized, got %v", err)
	}
	if err := c.Answer(); !errors.Is(err, ErrNoCall) {
		t.Fatalf("Answer without call: expected ErrNoCall, got %v", err)
	}
	if _, err := c.ToggleMute(); !errors.Is(err, ErrNoCall) {
		t.Fatalf("ToggleMute without call: expected ErrNoCall, got %v", err)
	}
}

func TestController_StartRefusesOtherCredentials(t *testing.T) {
	c, _, _ := startedController(t)

	other := testCreds
	other.User = "101"
	if err := c.Start(context.Background(), other); !errors.Is(err, ErrCredentialsLock) {
		t.Fatalf("expected ErrCredentialsLock, got %v", err)
	}
	if err := c.Initialize(context.Background(), other); !errors.Is(err, ErrCredentialsLock) {
		t.Fatalf("Initialize with other credentials: expected ErrCredentialsLock, got %v", err)
	}
}

func TestController_StartWhileRunningIsNoop(t *testing.T) {
	c, eng, _ := startedController(t)

	if err := c.Start(context.Background(), testCreds); err != nil {
		t.Fatalf("Start with the running credentials: %v", err)
	}
	if len(eng.accounts) != 1 {
		t.Fatalf("Start while running must not create another account, got %d", len(eng.accounts))
	}
	if eng.State() != engine.StateRunning {
		t.Fatalf("expected RUNNING, got %s", eng.State())
	}
}

func TestController_DialUsesDialPlan(t *testing.T) {
	c, eng, _ := startedController(t)

	id, err := c.Dial(context.Background(), "200")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if eng.dialed[0] != "MicroSIP <sip:200@pbx2.fexe.co>" {
		t.Fatalf("unexpected target %q", eng.dialed[0])
	}
	if c.ActiveCallID() != id {
		t.Fatalf("expected active call %s, got %s", id, c.ActiveCallID())
	}

	if _, err := c.Dial(context.Background(), "201"); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("second Dial: expected ErrCallInProgress, got %v", err)
	}
	if _, err := c.Dial(context.Background(), ""); err == nil {
		t.Fatal("expected an error for an empty extension")
	}
}

func TestController_DialFailureIsLogged(t *testing.T) {
	c, eng, view := startedController(t)
	eng.makeErr = errors.New("no route")

	if _, err := c.Dial(context.Background(), "200"); err == nil {
		t.Fatal("expected dial error")
	}
	if c.ActiveCallID() != "" {
		t.Fatal("failed dial must not leave an active call")
	}
	if !strings.Contains(strings.Join(view.Snapshot().Logs, "\n"), "no route") {
		t.Fatalf("expected failure in event log, got %v", view.Snapshot().Logs)
	}
}

func TestController_CallEndingBeforeDialReturns(t *testing.T) {
	c, eng, _ := startedController(t)
	eng.onMakeCall = func(id string) {
		c.OnCallState(engine.CallInfo{ID: id, Role: engine.RoleCaller, State: engine.InvCalling, StateText: "CALLING"})
		c.OnCallState(engine.CallInfo{ID: id, Role: engine.RoleCaller, State: engine.InvDisconnected, StateText: "DISCONNCTD", LastStatusCode: 404})
	}

	if _, err := c.Dial(context.Background(), "999"); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if id := c.ActiveCallID(); id != "" {
		t.Fatalf("ended call must not stay active, got %s", id)
	}
}

func TestController_IncomingCallWhileBusyIsRejected(t *testing.T) {
	c, eng, view := startedController(t)

	c.OnIncomingCall(incoming("in-1"))
	if c.ActiveCallID() != "in-1" {
		t.Fatalf("expected first call adopted, got %q", c.ActiveCallID())
	}

	c.OnIncomingCall(incoming("in-2"))
	if c.ActiveCallID() != "in-1" {
		t.Fatalf("busy call replaced the active one: %q", c.ActiveCallID())
	}
	if len(eng.answers) != 1 || eng.answers[0] != (answer{"in-2", 486}) {
		t.Fatalf("expected 486 for the second call, got %+v", eng.answers)
	}
	if s := view.Snapshot(); s.Call == nil || s.Call.CallID != "in-1" {
		t.Fatalf("projected call changed: %+v", s.Call)
	}

	// callbacks of the rejected call never reach the view
	c.OnCallState(engine.CallInfo{ID: "in-2", Role: engine.RoleCallee, State: engine.InvDisconnected, StateText: "DISCONNCTD", LastStatusCode: 486})
	if s := view.Snapshot(); s.Call == nil || s.Call.CallID != "in-1" {
		t.Fatalf("rejected call leaked into the view: %+v", s.Call)
	}
}

func TestController_AnswerAndDisconnect(t *testing.T) {
	c, eng, view := startedController(t)
	rec := &fakeRecorder{}
	c.SetRecorder(rec)

	c.OnIncomingCall(incoming("in-1"))
	if err := c.Answer(); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if eng.answers[0] != (answer{"in-1", 200}) {
		t.Fatalf("expected 200 answer, got %+v", eng.answers)
	}

	confirmed := incoming("in-1")
	confirmed.State, confirmed.StateText = engine.InvConfirmed, "CONFIRMED"
	confirmed.Media = []engine.CallMediaInfo{{Index: 0, Type: engine.MediaAudio, Status: engine.MediaStatusActive, VideoIncomingWindowID: engine.InvalidID}}
	c.OnCallState(confirmed)
	c.OnCallMediaState(confirmed)

	if len(eng.transmits) != 1 || !eng.transmits[0].enabled {
		t.Fatalf("expected audio connected, got %+v", eng.transmits)
	}
	if s := view.Snapshot(); !s.Speaker || s.Call.State != models.CallStateActive {
		t.Fatalf("unexpected view %+v", s)
	}

	ended := incoming("in-1")
	ended.State, ended.StateText, ended.LastStatusCode = engine.InvDisconnected, "DISCONNCTD", 200
	c.OnCallState(ended)

	if c.ActiveCallID() != "" {
		t.Fatal("expected no active call after disconnect")
	}
	if s := view.Snapshot(); s.Call != nil || s.Speaker {
		t.Fatalf("expected cleared call and speaker off, got %+v", s)
	}
	if len(rec.started) != 1 || rec.states[len(rec.states)-1] != engine.InvDisconnected {
		t.Fatalf("unexpected history %+v", rec)
	}
}

func TestController_DeclineFallsBackToHangupAll(t *testing.T) {
	c, eng, _ := startedController(t)
	c.OnIncomingCall(incoming("in-1"))

	eng.hangupErr = errors.New("transaction gone")
	if err := c.Decline(); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if len(eng.hangups) != 1 || eng.hangups[0].code != 603 {
		t.Fatalf("expected 603 hangup, got %+v", eng.hangups)
	}
	if eng.hangupAll != 1 {
		t.Fatalf("expected hangup-all fallback, got %d", eng.hangupAll)
	}
}

func TestController_ToggleMute(t *testing.T) {
	c, eng, view := startedController(t)
	c.OnIncomingCall(incoming("in-1"))
	eng.setCall(engine.CallInfo{
		ID:    "in-1",
		Role:  engine.RoleCallee,
		State: engine.InvConfirmed,
		Media: []engine.CallMediaInfo{
			{Index: 0, Type: engine.MediaAudio, Status: engine.MediaStatusActive},
			{Index: 1, Type: engine.MediaVideo, Status: engine.MediaStatusNone},
		},
	})

	muted, err := c.ToggleMute()
	if err != nil || !muted {
		t.Fatalf("ToggleMute: muted=%v err=%v", muted, err)
	}
	if len(eng.transmits) != 1 || eng.transmits[0] != (transmit{"in-1", 0, false}) {
		t.Fatalf("expected audio line muted, got %+v", eng.transmits)
	}
	if !view.Snapshot().Muted {
		t.Fatal("expected muted view")
	}

	muted, err = c.ToggleMute()
	if err != nil || muted {
		t.Fatalf("second ToggleMute: muted=%v err=%v", muted, err)
	}
	if eng.transmits[1] != (transmit{"in-1", 0, true}) {
		t.Fatalf("expected audio line unmuted, got %+v", eng.transmits)
	}
}

func TestController_ToggleDialsThenHangsUp(t *testing.T) {
	c, eng, _ := startedController(t)
	ctx := context.Background()

	if err := c.Toggle(ctx, "200"); err != nil {
		t.Fatalf("Toggle dial: %v", err)
	}
	if len(eng.dialed) != 1 {
		t.Fatal("expected a dial")
	}
	if err := c.Toggle(ctx, "200"); err != nil {
		t.Fatalf("Toggle hangup: %v", err)
	}
	if eng.hangupAll != 1 || len(eng.dialed) != 1 {
		t.Fatalf("expected hangup-all on the second toggle, dialed=%d hangupAll=%d", len(eng.dialed), eng.hangupAll)
	}
}

func TestController_StopDestroysLibrary(t *testing.T) {
	c, eng, view := startedController(t)
	c.OnIncomingCall(incoming("in-1"))

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if eng.State() != engine.StateNull || eng.hangupAll != 1 {
		t.Fatalf("expected destroyed library after hangup-all, state=%s hangupAll=%d", eng.State(), eng.hangupAll)
	}
	if c.ActiveCallID() != "" {
		t.Fatal("expected active call cleared")
	}
	s := view.Snapshot()
	if s.LibraryState != models.LibraryStopped || s.LibraryStatus != "SIP library stopped" {
		t.Fatalf("unexpected library state %+v", s)
	}

	c.Close()
}

func TestController_EngineLogReachesView(t *testing.T) {
	c, _, view := newTestController(t)
	c.OnLog("Registration successful (200)")
	if logs := view.Snapshot().Logs; len(logs) != 1 || logs[0] != "Registration successful (200)" {
		t.Fatalf("unexpected logs %v", logs)
	}
}
