package config

import (
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		LoginBaseURL:  "https://pbx.example.com",
		LoginTimeout:  5 * time.Second,
		SIPDomain:     "pbx.example.com",
		SIPPort:       8089,
		SIPTransport:  "udp",
		RTPPortMin:    10000,
		RTPPortMax:    10100,
		APIPort:       8080,
		MaxLogEntries: 100,
	}
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_RejectsBadRTPRange(t *testing.T) {
	c := validConfig()
	c.RTPPortMin, c.RTPPortMax = 20000, 10000
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for inverted RTP range")
	}
}

func TestValidate_AuthNeedsCredentials(t *testing.T) {
	c := validConfig()
	c.APIAuthEnabled = true
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error when auth enabled without credentials")
	}
	c.APIUsername, c.APIPassword = "admin", "secret"
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestParsePriorities(t *testing.T) {
	got, err := ParsePriorities("PCMA/8000=200, PCMU/8000 = 255,")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["PCMU/8000"] != 255 || got["PCMA/8000"] != 200 {
		t.Fatalf("unexpected priorities: %v", got)
	}

	if _, err := ParsePriorities("PCMU/8000"); err == nil {
		t.Fatalf("expected error for missing '='")
	}
	if _, err := ParsePriorities("PCMU/8000=300"); err == nil {
		t.Fatalf("expected error for out of range priority")
	}
}

func TestLoad_ReadsEnvironment(t *testing.T) {
	t.Setenv("SIP_DOMAIN", "sip.example.org")
	t.Setenv("SIP_PORT", "5070")
	t.Setenv("LOGIN_BASE_URL", "https://login.example.org/")
	t.Setenv("CODEC_PRIORITY", "PCMA/8000=255")

	c := Load()
	if c.SIPDomain != "sip.example.org" {
		t.Fatalf("expected domain from env, got %q", c.SIPDomain)
	}
	if c.SIPRegistrar != "sip:sip.example.org;transport=udp" {
		t.Fatalf("expected registrar derived from domain, got %q", c.SIPRegistrar)
	}
	if c.SIPPort != 5070 {
		t.Fatalf("expected port 5070, got %d", c.SIPPort)
	}
	if c.LoginBaseURL != "https://login.example.org" {
		t.Fatalf("expected trailing slash trimmed, got %q", c.LoginBaseURL)
	}
	if c.CodecPriority["PCMA/8000"] != 255 || len(c.CodecPriority) != 1 {
		t.Fatalf("unexpected codec priority: %v", c.CodecPriority)
	}
}
