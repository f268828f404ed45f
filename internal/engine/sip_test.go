package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
)

type recordingObserver struct {
	mu   sync.Mutex
	logs []string
}

func (r *recordingObserver) OnIncomingCall(CallInfo)               {}
func (r *recordingObserver) OnCallState(CallInfo)                  {}
func (r *recordingObserver) OnCallMediaState(CallInfo)             {}
func (r *recordingObserver) OnCallMediaEvent(CallInfo, MediaEvent) {}
func (r *recordingObserver) OnLog(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, msg)
}

func TestSIPEngine_LifecycleGuards(t *testing.T) {
	e := NewSIPEngine(zerolog.Nop())
	obs := &recordingObserver{}
	e.SetObserver(obs)
	ctx := context.Background()

	if err := e.Init(EndpointConfig{UserAgent: "test"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Init before Create: expected ErrInvalidState, got %v", err)
	}
	if err := e.Destroy(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Destroy in NULL: expected ErrInvalidState, got %v", err)
	}
	if _, err := e.MakeCall(ctx, "sip:200@example.com"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("MakeCall in NULL: expected ErrInvalidState, got %v", err)
	}

	if err := e.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.Create(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second Create: expected ErrInvalidState, got %v", err)
	}
	if err := e.Init(EndpointConfig{UserAgent: "test", PublicHost: "127.0.0.1"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if e.State() != StateInit {
		t.Fatalf("expected INIT, got %s", e.State())
	}

	if err := e.Start(ctx); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Start without transport: expected ErrInvalidState, got %v", err)
	}
	if err := e.CreateTransport(TransportConfig{Network: "sctp"}); err == nil {
		t.Fatal("expected unsupported transport error")
	}
	if err := e.CreateTransport(TransportConfig{Network: "udp", Host: "127.0.0.1"}); err != nil {
		t.Fatalf("CreateTransport: %v", err)
	}

	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if e.State() != StateRunning {
		t.Fatalf("expected RUNNING, got %s", e.State())
	}
	if _, err := e.MakeCall(ctx, "sip:200@example.com"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("MakeCall without account: expected ErrInvalidState, got %v", err)
	}
	if err := e.Answer("missing", 200); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("Answer unknown call: expected ErrCallNotFound, got %v", err)
	}
	if err := e.SetCodecPriority("PCMA/8000", 255); err != nil {
		t.Fatalf("SetCodecPriority: %v", err)
	}

	if err := e.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if e.State() != StateNull {
		t.Fatalf("expected NULL after Destroy, got %s", e.State())
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	joined := strings.Join(obs.logs, "\n")
	if !strings.Contains(joined, "SIP library started") || !strings.Contains(joined, "SIP library destroyed") {
		t.Fatalf("unexpected engine log:\n%s", joined)
	}
}

func TestNewRegistration(t *testing.T) {
	acc, err := newRegistration(AccountConfig{
		IDURI:        "Kotlin <sip:100@pbx2.fexe.co>",
		RegistrarURI: "sip:pbx2.fexe.co;transport=udp",
		Password:     "secret",
	})
	if err != nil {
		t.Fatalf("newRegistration: %v", err)
	}
	if acc.display != "Kotlin" || acc.aor.User != "100" || acc.aor.Host != "pbx2.fexe.co" {
		t.Fatalf("unexpected identity %q %s", acc.display, acc.aor.String())
	}
	if acc.cfg.Username != "100" {
		t.Fatalf("expected username from ID URI, got %q", acc.cfg.Username)
	}
	if acc.cfg.RegisterExpiry != defaultRegisterExpiry {
		t.Fatalf("expected default expiry, got %s", acc.cfg.RegisterExpiry)
	}

	if _, err := newRegistration(AccountConfig{IDURI: "nobody", RegistrarURI: "sip:x"}); err == nil {
		t.Fatal("expected invalid ID URI error")
	}
}

func TestAuthorize_AnswersChallenge(t *testing.T) {
	var uri sip.Uri
	if err := sip.ParseUri("sip:pbx2.fexe.co", &uri); err != nil {
		t.Fatalf("ParseUri: %v", err)
	}
	req := registerRequest(uri)
	req.AppendHeader(sip.NewHeader("Via", "SIP/2.0/UDP 127.0.0.1:5060;branch=z9hG4bK1"))

	res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="asterisk", nonce="abc123", algorithm=MD5`))

	cfg := AccountConfig{Username: "100", Password: "secret", Realm: "*"}
	next, err := authorize(req, res, cfg)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	h := next.GetHeader("Authorization")
	if h == nil || !strings.Contains(h.Value(), `username="100"`) || !strings.Contains(h.Value(), `realm="asterisk"`) {
		t.Fatalf("unexpected Authorization header: %v", h)
	}
	if next.CSeq().SeqNo != 2 {
		t.Fatalf("expected CSeq 2, got %d", next.CSeq().SeqNo)
	}
	if next.GetHeader("Via") != nil {
		t.Fatal("expected Via removed for a new transaction")
	}
	if req.CSeq().SeqNo != 1 {
		t.Fatal("original request must not change")
	}

	cfg.Realm = "other"
	if _, err := authorize(req, res, cfg); err == nil {
		t.Fatal("expected realm mismatch error")
	}

	cfg = AccountConfig{Username: "100"}
	if _, err := authorize(req, res, cfg); err == nil {
		t.Fatal("expected missing password error")
	}
}

func TestGrantedExpiry(t *testing.T) {
	var uri sip.Uri
	_ = sip.ParseUri("sip:pbx2.fexe.co", &uri)
	req := registerRequest(uri)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if got := grantedExpiry(res, time.Minute); got != time.Minute {
		t.Fatalf("expected requested expiry, got %s", got)
	}

	res.AppendHeader(sip.NewHeader("Expires", "120"))
	if got := grantedExpiry(res, time.Minute); got != 2*time.Minute {
		t.Fatalf("expected 2m, got %s", got)
	}
}

func registerRequest(uri sip.Uri) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, uri)
	from := &sip.FromHeader{Address: uri, Params: sip.NewParams()}
	from.Params.Add("tag", "abc")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: uri, Params: sip.NewParams()})
	callID := sip.CallIDHeader("test-call")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})
	return req
}
