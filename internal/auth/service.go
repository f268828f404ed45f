package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/fexe-co/softphone/internal/metrics"
	"github.com/fexe-co/softphone/internal/models"
	"github.com/fexe-co/softphone/internal/store"
	"github.com/rs/zerolog"
)

// ErrLoginInProgress is returned when Login is called while another attempt runs
var ErrLoginInProgress = errors.New("login already in progress")

// Authenticator performs the network exchange
type Authenticator interface {
	Login(ctx context.Context, username, secret string) (*models.LoginResponse, error)
}

// PrefsStore persists the last-used login pair
type PrefsStore interface {
	Load(ctx context.Context) (models.Preferences, error)
	Save(ctx context.Context, prefs models.Preferences) error
}

// Snapshot is the login screen state
type Snapshot struct {
	Username    string                 `json:"username"`
	HasPassword bool                   `json:"has_password"`
	State       models.LoginState      `json:"state"`
	Error       string                 `json:"error,omitempty"`
	SipData     *models.SipData        `json:"sip_data,omitempty"`
	Server      *models.AsteriskServer `json:"server,omitempty"`
	TokenExpiry *time.Time             `json:"token_expiry,omitempty"`
}

// Service holds the login form and the outcome of the last attempt
type Service struct {
	client      Authenticator
	prefs       PrefsStore
	domain      string
	displayName string
	log         zerolog.Logger

	mu       sync.RWMutex
	username string
	password string
	state    models.LoginState
	errMsg   string
	result   *models.LoginResponse
}

// NewService creates the login service and prefills the form from prefs
func NewService(ctx context.Context, client Authenticator, prefs PrefsStore, domain, displayName string, log zerolog.Logger) *Service {
	s := &Service{
		client:      client,
		prefs:       prefs,
		domain:      domain,
		displayName: displayName,
		log:         log,
		state:       models.LoginStateIdle,
	}

	if prefs != nil {
		p, err := prefs.Load(ctx)
		switch {
		case errors.Is(err, store.ErrSealedPassword):
			// the username survives a key change
			log.Warn().Err(err).Msg("saved password dropped")
			s.username = p.Username
		case err != nil:
			log.Warn().Err(err).Msg("failed to load saved credentials")
		default:
			s.username = p.Username
			s.password = p.Password
		}
	}

	return s
}

// SetUsername updates the username field
func (s *Service) SetUsername(v string) {
	s.mu.Lock()
	s.username = v
	s.mu.Unlock()
}

// SetPassword updates the password field
func (s *Service) SetPassword(v string) {
	s.mu.Lock()
	s.password = v
	s.mu.Unlock()
}

// Login validates the form, performs the exchange and records the outcome
func (s *Service) Login(ctx context.Context) error {
	s.mu.Lock()
	user, pass := s.username, s.password

	if strings.TrimSpace(user) == "" || strings.TrimSpace(pass) == "" {
		s.errMsg = "Username and password cannot be empty"
		s.mu.Unlock()
		metrics.LoginAttempts.WithLabelValues("invalid").Inc()
		return ErrEmptyCredentials
	}
	if s.state == models.LoginStateLoading {
		s.mu.Unlock()
		return ErrLoginInProgress
	}

	s.state = models.LoginStateLoading
	s.errMsg = ""
	s.mu.Unlock()

	resp, err := s.client.Login(ctx, user, pass)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.state = models.LoginStateError
		s.errMsg = err.Error()
		s.result = nil
		metrics.LoginAttempts.WithLabelValues(resultLabel(err)).Inc()
		s.log.Warn().Err(err).Str("username", user).Msg("login failed")
		return err
	}

	if s.prefs != nil {
		if err := s.prefs.Save(ctx, models.Preferences{Username: user, Password: pass}); err != nil {
			s.log.Warn().Err(err).Msg("failed to save credentials")
		}
	}

	s.result = resp
	s.state = models.LoginStateSuccess
	metrics.LoginAttempts.WithLabelValues("success").Inc()

	ev := s.log.Info().Str("username", user).Str("extension", resp.SipData.Extension)
	if exp, ok := TokenExpiry(resp.Token); ok {
		ev = ev.Time("token_expiry", exp)
	}
	ev.Msg("login succeeded")

	return nil
}

// Reset returns the screen to idle and drops the last result
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = models.LoginStateIdle
	s.errMsg = ""
	s.result = nil
}

// Credentials returns the SIP identity from the last successful login
func (s *Service) Credentials() (models.Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != models.LoginStateSuccess || s.result == nil {
		return models.Credentials{}, false
	}
	return CredentialsFrom(s.result, s.domain, s.displayName), true
}

// Snapshot returns the current login screen state
func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Username:    s.username,
		HasPassword: s.password != "",
		State:       s.state,
		Error:       s.errMsg,
	}
	if s.result != nil {
		sd := s.result.SipData
		sd.Password = ""
		srv := s.result.AsteriskServer
		snap.SipData = &sd
		snap.Server = &srv
		if exp, ok := TokenExpiry(s.result.Token); ok {
			snap.TokenExpiry = &exp
		}
	}
	return snap
}

func resultLabel(err error) string {
	var statusErr *StatusError
	switch {
	case errors.Is(err, ErrBadCredentials):
		return "bad_credentials"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrEmptyResponse), errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.As(err, &statusErr):
		return "status"
	default:
		return "error"
	}
}
