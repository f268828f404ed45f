package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
)

const (
	defaultRegisterExpiry = 300 * time.Second
	unregisterTimeout     = 2 * time.Second
	requestTimeout        = 32 * time.Second
)

var errNoChallenge = errors.New("no authentication challenge in response")

// registration is the configured account and its REGISTER dialog
type registration struct {
	cfg       AccountConfig
	display   string
	aor       sip.Uri
	registrar sip.Uri
	callID    string
	fromTag   string

	mu         sync.Mutex
	cseq       uint32
	registered bool
	cancel     context.CancelFunc
	done       chan struct{}
}

func newRegistration(cfg AccountConfig) (*registration, error) {
	display, aor, err := parseAddress(cfg.IDURI)
	if err != nil {
		return nil, fmt.Errorf("invalid account ID URI: %w", err)
	}

	var registrar sip.Uri
	if err := sip.ParseUri(cfg.RegistrarURI, &registrar); err != nil {
		return nil, fmt.Errorf("invalid registrar URI %q: %w", cfg.RegistrarURI, err)
	}

	if cfg.Username == "" {
		cfg.Username = aor.User
	}
	if cfg.RegisterExpiry <= 0 {
		cfg.RegisterExpiry = defaultRegisterExpiry
	}

	return &registration{
		cfg:       cfg,
		display:   display,
		aor:       aor,
		registrar: registrar,
		callID:    uuid.NewString(),
		fromTag:   newTag(),
	}, nil
}

func (r *registration) nextCSeq() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cseq++
	return r.cseq
}

func (r *registration) setCSeq(n uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.cseq {
		r.cseq = n
	}
}

func (r *registration) setRegistered(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = v
}

func (r *registration) isRegistered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}

// fromHeader is the account identity with a fresh tag
func (r *registration) fromHeader(tag string) *sip.FromHeader {
	from := &sip.FromHeader{
		DisplayName: r.display,
		Address:     r.aor,
		Params:      sip.NewParams(),
	}
	from.Params.Add("tag", tag)
	return from
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// startRegistration runs the REGISTER refresh loop until the account is stopped
func (e *SIPEngine) startRegistration(ctx context.Context, acc *registration) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	acc.mu.Lock()
	if acc.cancel != nil {
		acc.mu.Unlock()
		cancel()
		return
	}
	acc.cancel = cancel
	acc.done = make(chan struct{})
	done := acc.done
	acc.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(done)
		e.keepRegistered(ctx, acc)
	}()
}

func (e *SIPEngine) keepRegistered(ctx context.Context, acc *registration) {
	for {
		granted, err := e.register(ctx, acc, acc.cfg.RegisterExpiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			acc.setRegistered(false)
			e.emitLog("Registration failed: %v", err)
			return
		}
		acc.setRegistered(true)
		e.emitLog("Registration successful (%s), expires in %s", acc.aor.String(), granted)

		refresh := granted * 9 / 10
		if refresh < time.Second {
			refresh = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(refresh):
		}
	}
}

// stopRegistration ends the refresh loop and removes the binding
func (e *SIPEngine) stopRegistration(acc *registration) {
	acc.mu.Lock()
	cancel, done := acc.cancel, acc.done
	acc.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	if !acc.isRegistered() {
		return
	}
	ctx, stop := context.WithTimeout(context.Background(), unregisterTimeout)
	defer stop()
	if _, err := e.register(ctx, acc, 0); err != nil {
		e.log.Warn().Err(err).Msg("Unregister failed")
		return
	}
	acc.setRegistered(false)
	e.emitLog("Unregistered %s", acc.aor.String())
}

// register sends one REGISTER, answering a digest challenge once, and returns the granted expiry
func (e *SIPEngine) register(ctx context.Context, acc *registration, expiry time.Duration) (time.Duration, error) {
	contact, err := e.contactHeader(acc.cfg.Username)
	if err != nil {
		return 0, err
	}

	req := sip.NewRequest(sip.REGISTER, acc.registrar)
	req.AppendHeader(acc.fromHeader(acc.fromTag))
	req.AppendHeader(&sip.ToHeader{DisplayName: acc.display, Address: acc.aor, Params: sip.NewParams()})
	callID := sip.CallIDHeader(acc.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: acc.nextCSeq(), MethodName: sip.REGISTER})
	req.AppendHeader(contact)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(expiry/time.Second))))
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	res, err := e.roundTrip(ctx, req)
	if err != nil {
		return 0, err
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		next, err := authorize(req, res, acc.cfg)
		if err != nil {
			return 0, err
		}
		acc.setCSeq(next.CSeq().SeqNo)
		if res, err = e.roundTrip(ctx, next); err != nil {
			return 0, err
		}
	}

	if !res.IsSuccess() {
		return 0, fmt.Errorf("registrar answered %d %s", int(res.StatusCode), res.Reason)
	}
	return grantedExpiry(res, expiry), nil
}

// roundTrip sends a request in a client transaction and waits for the final response
func (e *SIPEngine) roundTrip(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	e.mu.RLock()
	client := e.client
	e.mu.RUnlock()
	if client == nil {
		return nil, fmt.Errorf("%w: no transport", ErrInvalidState)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	tx, err := client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, fmt.Errorf("%s transaction failed: %w", req.Method, err)
			}
			return nil, fmt.Errorf("%s transaction ended without a final response", req.Method)
		case res := <-tx.Responses():
			if res == nil || res.IsProvisional() {
				continue
			}
			return res, nil
		}
	}
}

// authorize answers a 401/407 challenge with a copy of req carrying digest credentials
func authorize(req *sip.Request, res *sip.Response, cfg AccountConfig) (*sip.Request, error) {
	challengeHeader, credentialsHeader := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		challengeHeader, credentialsHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}

	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("server required auth, but no username or password was provided")
	}

	h := res.GetHeader(challengeHeader)
	if h == nil {
		return nil, errNoChallenge
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("failed to parse challenge: %w", err)
	}
	if cfg.Realm != "" && cfg.Realm != "*" && cfg.Realm != chal.Realm {
		return nil, fmt.Errorf("no credentials for realm %q", chal.Realm)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute digest: %w", err)
	}

	next := req.Clone()
	next.RemoveHeader("Via")
	next.RemoveHeader(credentialsHeader)
	if cseq := next.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	next.AppendHeader(sip.NewHeader(credentialsHeader, cred.String()))
	return next, nil
}

// grantedExpiry reads the binding lifetime the registrar granted
func grantedExpiry(res *sip.Response, requested time.Duration) time.Duration {
	if c := res.Contact(); c != nil && c.Params != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	if h := res.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return requested
}
