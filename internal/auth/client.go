// Package auth exchanges a username/password for SIP account credentials
package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fexe-co/softphone/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

// LoginPath is the endpoint exchanging credentials for SIP data
const LoginPath = "/api/v1/login_cloud"

var (
	// ErrEmptyCredentials is returned before any network call when a field is blank
	ErrEmptyCredentials = errors.New("username and password cannot be empty")
	// ErrBadCredentials is returned when the server rejects the pair
	ErrBadCredentials = errors.New("invalid username or password")
	// ErrNetwork wraps transport failures
	ErrNetwork = errors.New("login server unreachable")
	// ErrEmptyResponse is returned for a 2xx without a body
	ErrEmptyResponse = errors.New("empty response body")
	// ErrMalformedResponse is returned when the body cannot be understood
	ErrMalformedResponse = errors.New("malformed login response")
)

// StatusError is returned for unexpected HTTP statuses
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("login failed: %d %s", e.Code, e.Status)
}

// Doer is the subset of *http.Client used by Client
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client performs the login exchange
type Client struct {
	baseURL string
	http    Doer
}

// NewClient creates a login client for the given base URL
func NewClient(baseURL string, timeout time.Duration) *Client {
	return NewClientWithDoer(baseURL, &http.Client{Timeout: timeout})
}

// NewClientWithDoer creates a login client with a custom HTTP doer
func NewClientWithDoer(baseURL string, doer Doer) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    doer,
	}
}

// Login exchanges username/secret for SIP credentials. There is no retry.
func (c *Client) Login(ctx context.Context, username, secret string) (*models.LoginResponse, error) {
	if strings.TrimSpace(username) == "" || strings.TrimSpace(secret) == "" {
		return nil, ErrEmptyCredentials
	}

	body, err := json.Marshal(models.LoginRequest{Username: username, Password: secret})
	if err != nil {
		return nil, fmt.Errorf("failed to encode login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+LoginPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Authorization", basicAuth(username, secret))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrBadCredentials
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{Code: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyResponse
	}

	var out models.LoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if out.SipData.Account == "" {
		return nil, fmt.Errorf("%w: missing sipData.account", ErrMalformedResponse)
	}

	return &out, nil
}

// TokenExpiry returns the exp claim of a JWT token without verifying it.
// ok is false for opaque tokens or tokens without an expiry.
func TokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func basicAuth(username, secret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+secret))
}
