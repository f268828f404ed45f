package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fexe-co/softphone/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

const okBody = `{
	"token": "opaque",
	"sipData": {"account": "acc100", "password": "sippass", "extension": "100"},
	"asteriskServer": {"notificatorName": "n", "serverName": "pbx", "serverPort": 5060, "serverWeb": "https://pbx"}
}`

func TestLogin_EmptyFieldsNeverHitNetwork(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	cases := []struct{ user, pass string }{
		{"", "secret"},
		{"user", ""},
		{"  ", "secret"},
		{"", ""},
	}
	for _, tc := range cases {
		_, err := c.Login(context.Background(), tc.user, tc.pass)
		if !errors.Is(err, ErrEmptyCredentials) {
			t.Fatalf("Login(%q,%q): expected ErrEmptyCredentials, got %v", tc.user, tc.pass, err)
		}
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("expected no requests, got %d", hits)
	}
}

func TestLogin_SendsBasicAuthAndJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != LoginPath {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		want := "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:pw"))
		if got := r.Header.Get("Authorization"); got != want {
			t.Errorf("expected auth header %q, got %q", want, got)
		}
		var body models.LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Username != "alice" || body.Password != "pw" {
			t.Errorf("unexpected body: %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(okBody))
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL+"/", time.Second).Login(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.SipData.Account != "acc100" || resp.SipData.Extension != "100" {
		t.Fatalf("unexpected sip data: %+v", resp.SipData)
	}
	if resp.AsteriskServer.ServerPort != 5060 {
		t.Fatalf("unexpected server: %+v", resp.AsteriskServer)
	}
}

func TestLogin_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"unauthorized", http.StatusUnauthorized, "", func(err error) bool { return errors.Is(err, ErrBadCredentials) }},
		{"forbidden", http.StatusForbidden, "", func(err error) bool { return errors.Is(err, ErrBadCredentials) }},
		{"server error", http.StatusInternalServerError, "", func(err error) bool {
			var se *StatusError
			return errors.As(err, &se) && se.Code == 500 && strings.Contains(err.Error(), "login failed: 500")
		}},
		{"empty body", http.StatusOK, "", func(err error) bool { return errors.Is(err, ErrEmptyResponse) }},
		{"bad json", http.StatusOK, "{not json", func(err error) bool { return errors.Is(err, ErrMalformedResponse) }},
		{"missing account", http.StatusOK, `{"token":"t","sipData":{}}`, func(err error) bool { return errors.Is(err, ErrMalformedResponse) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, time.Second).Login(context.Background(), "u", "p")
			if err == nil || !tt.check(err) {
				t.Fatalf("unexpected error classification: %v", err)
			}
		})
	}
}

func TestLogin_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, time.Second).Login(context.Background(), "u", "p")
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	got, ok := TokenExpiry(tok)
	if !ok || !got.Equal(exp) {
		t.Fatalf("expected %v, got %v (ok=%v)", exp, got, ok)
	}

	if _, ok := TokenExpiry("opaque"); ok {
		t.Fatalf("expected opaque token to have no expiry")
	}
}

func TestCredentialsFrom(t *testing.T) {
	resp := &models.LoginResponse{SipData: models.SipData{Account: "acc", Password: "pw", Extension: "101"}}
	c := CredentialsFrom(resp, "pbx.example.com", "Kotlin")
	if c.IDURI != "Kotlin <sip:acc@pbx.example.com>" {
		t.Fatalf("unexpected id uri %q", c.IDURI)
	}
	if c.User != "acc" || c.Secret != "pw" || c.Extension != "101" || c.Domain != "pbx.example.com" {
		t.Fatalf("unexpected credentials %+v", c)
	}
}
