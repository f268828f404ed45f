package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/fexe-co/softphone/internal/models"
	"github.com/fexe-co/softphone/internal/store"
	"github.com/rs/zerolog"
)

type fakeAuthenticator struct {
	calls int
	resp  *models.LoginResponse
	err   error
}

func (f *fakeAuthenticator) Login(ctx context.Context, username, secret string) (*models.LoginResponse, error) {
	f.calls++
	return f.resp, f.err
}

type memPrefs struct {
	p       models.Preferences
	loadErr error
	saves   int
}

func (m *memPrefs) Load(ctx context.Context) (models.Preferences, error) { return m.p, m.loadErr }
func (m *memPrefs) Save(ctx context.Context, p models.Preferences) error {
	m.p = p
	m.saves++
	return nil
}

func newTestService(a Authenticator, p PrefsStore) *Service {
	return NewService(context.Background(), a, p, "pbx.example.com", "Kotlin", zerolog.Nop())
}

func TestService_PrefillsFromPrefs(t *testing.T) {
	prefs := &memPrefs{p: models.Preferences{Username: "bob", Password: "pw"}}
	s := newTestService(&fakeAuthenticator{}, prefs)

	snap := s.Snapshot()
	if snap.Username != "bob" || !snap.HasPassword {
		t.Fatalf("expected prefilled form, got %+v", snap)
	}
	if snap.State != models.LoginStateIdle {
		t.Fatalf("expected idle, got %s", snap.State)
	}
}

func TestService_SealedPasswordKeepsUsername(t *testing.T) {
	prefs := &memPrefs{p: models.Preferences{Username: "bob"}, loadErr: store.ErrSealedPassword}
	s := newTestService(&fakeAuthenticator{}, prefs)

	snap := s.Snapshot()
	if snap.Username != "bob" || snap.HasPassword {
		t.Fatalf("expected username only, got %+v", snap)
	}

	prefs = &memPrefs{p: models.Preferences{Username: "bob", Password: "pw"}, loadErr: errors.New("disk gone")}
	if snap := newTestService(&fakeAuthenticator{}, prefs).Snapshot(); snap.Username != "" || snap.HasPassword {
		t.Fatalf("expected empty form on load failure, got %+v", snap)
	}
}

func TestService_EmptyFieldsRejectedWithoutNetwork(t *testing.T) {
	a := &fakeAuthenticator{}
	s := newTestService(a, &memPrefs{})
	s.SetUsername("bob")

	if err := s.Login(context.Background()); !errors.Is(err, ErrEmptyCredentials) {
		t.Fatalf("expected ErrEmptyCredentials, got %v", err)
	}
	if a.calls != 0 {
		t.Fatalf("expected no network calls, got %d", a.calls)
	}
	if s.Snapshot().Error != "Username and password cannot be empty" {
		t.Fatalf("unexpected error message %q", s.Snapshot().Error)
	}
}

func TestService_SuccessPersistsAndExposesCredentials(t *testing.T) {
	a := &fakeAuthenticator{resp: &models.LoginResponse{
		Token:   "t",
		SipData: models.SipData{Account: "acc", Password: "sip", Extension: "100"},
	}}
	prefs := &memPrefs{}
	s := newTestService(a, prefs)
	s.SetUsername("bob")
	s.SetPassword("pw")

	if err := s.Login(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prefs.saves != 1 || prefs.p.Username != "bob" || prefs.p.Password != "pw" {
		t.Fatalf("expected credentials saved, got %+v (%d saves)", prefs.p, prefs.saves)
	}

	snap := s.Snapshot()
	if snap.State != models.LoginStateSuccess {
		t.Fatalf("expected success, got %s", snap.State)
	}
	if snap.SipData == nil || snap.SipData.Password != "" {
		t.Fatalf("expected sip data without secret, got %+v", snap.SipData)
	}

	creds, ok := s.Credentials()
	if !ok || creds.IDURI != "Kotlin <sip:acc@pbx.example.com>" || creds.Secret != "sip" {
		t.Fatalf("unexpected credentials %+v (ok=%v)", creds, ok)
	}

	s.Reset()
	if _, ok := s.Credentials(); ok {
		t.Fatalf("expected no credentials after reset")
	}
	if s.Snapshot().State != models.LoginStateIdle {
		t.Fatalf("expected idle after reset")
	}
}

func TestService_FailureRecordsMessage(t *testing.T) {
	a := &fakeAuthenticator{err: ErrBadCredentials}
	prefs := &memPrefs{}
	s := newTestService(a, prefs)
	s.SetUsername("bob")
	s.SetPassword("bad")

	if err := s.Login(context.Background()); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected ErrBadCredentials, got %v", err)
	}
	snap := s.Snapshot()
	if snap.State != models.LoginStateError || snap.Error != ErrBadCredentials.Error() {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if prefs.saves != 0 {
		t.Fatalf("expected nothing saved on failure")
	}
}
