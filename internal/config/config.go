// Package config handles configuration loading for the softphone
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the softphone
type Config struct {
	// Login API
	LoginBaseURL string
	LoginTimeout time.Duration

	// SIP account
	SIPDomain          string
	SIPRegistrar       string
	SIPDisplayName     string
	SIPDialDisplayName string
	SIPRegisterExpiry  time.Duration

	// SIP transport
	SIPHost      string
	SIPPort      int
	SIPTransport string
	RTPPortMin   int
	RTPPortMax   int

	// Codec priorities, highest first (name=priority)
	CodecPriority map[string]int

	// REST API
	APIHost string
	APIPort int
	GinMode string

	// Security
	APIAuthEnabled bool
	APIUsername    string
	APIPassword    string

	// Preferences
	PrefsPath string
	PrefsKey  string

	// Cache
	ValkeyURL      string
	ValkeyPassword string
	ValkeyDB       int

	// Database (call history)
	DatabaseURL string

	// Logging
	LogLevel      string
	LogFormat     string
	MaxLogEntries int

	// Metrics
	MetricsEnabled bool
	MetricsPath    string
}

// Load loads configuration from environment variables
func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	domain := getEnv("SIP_DOMAIN", "pbx2.fexe.co")

	return &Config{
		// Login API
		LoginBaseURL: strings.TrimRight(getEnv("LOGIN_BASE_URL", "https://pbx2.fexe.co"), "/"),
		LoginTimeout: getEnvDuration("LOGIN_TIMEOUT", 15*time.Second),

		// SIP account
		SIPDomain:          domain,
		SIPRegistrar:       getEnv("SIP_REGISTRAR", "sip:"+domain+";transport=udp"),
		SIPDisplayName:     getEnv("SIP_DISPLAY_NAME", "Kotlin"),
		SIPDialDisplayName: getEnv("SIP_DIAL_DISPLAY_NAME", "MicroSIP"),
		SIPRegisterExpiry:  getEnvDuration("SIP_REGISTER_EXPIRY", 300*time.Second),

		// SIP transport
		SIPHost:      getEnv("SIP_HOST", "0.0.0.0"),
		SIPPort:      getEnvInt("SIP_PORT", 8089),
		SIPTransport: getEnv("SIP_TRANSPORT", "udp"),
		RTPPortMin:   getEnvInt("RTP_PORT_MIN", 10000),
		RTPPortMax:   getEnvInt("RTP_PORT_MAX", 10100),

		CodecPriority: getEnvPriorities("CODEC_PRIORITY", map[string]int{
			"PCMU/8000": 255,
			"PCMA/8000": 254,
		}),

		// REST API
		APIHost: getEnv("API_HOST", "127.0.0.1"),
		APIPort: getEnvInt("API_PORT", 8080),
		GinMode: getEnv("GIN_MODE", "release"),

		// Security
		APIAuthEnabled: getEnvBool("API_AUTH_ENABLED", false),
		APIUsername:    getEnv("API_USERNAME", ""),
		APIPassword:    getEnv("API_PASSWORD", ""),

		// Preferences
		PrefsPath: getEnv("PREFS_PATH", defaultPrefsPath()),
		PrefsKey:  getEnv("PREFS_KEY", ""),

		// Cache
		ValkeyURL:      getEnv("VALKEY_URL", ""),
		ValkeyPassword: getEnv("VALKEY_PASSWORD", ""),
		ValkeyDB:       getEnvInt("VALKEY_DB", 0),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),

		// Logging
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "text"),
		MaxLogEntries: getEnvInt("MAX_LOG_ENTRIES", 500),

		// Metrics
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		MetricsPath:    getEnv("METRICS_PATH", "/metrics"),
	}
}

// Validate reports configuration values the softphone cannot run with
func (c *Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.LoginBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("LOGIN_BASE_URL must be an absolute URL, got %q", c.LoginBaseURL))
	}
	if c.SIPDomain == "" {
		errs = append(errs, errors.New("SIP_DOMAIN is required"))
	}
	if !validPort(c.SIPPort) {
		errs = append(errs, fmt.Errorf("SIP_PORT out of range: %d", c.SIPPort))
	}
	if !validPort(c.APIPort) {
		errs = append(errs, fmt.Errorf("API_PORT out of range: %d", c.APIPort))
	}
	switch c.SIPTransport {
	case "udp", "tcp":
	default:
		errs = append(errs, fmt.Errorf("SIP_TRANSPORT must be udp or tcp, got %q", c.SIPTransport))
	}
	if !validPort(c.RTPPortMin) || !validPort(c.RTPPortMax) || c.RTPPortMin > c.RTPPortMax {
		errs = append(errs, fmt.Errorf("invalid RTP port range %d-%d", c.RTPPortMin, c.RTPPortMax))
	}
	if c.APIAuthEnabled && (c.APIUsername == "" || c.APIPassword == "") {
		errs = append(errs, errors.New("API_USERNAME and API_PASSWORD are required when API_AUTH_ENABLED"))
	}
	if c.MaxLogEntries <= 0 {
		errs = append(errs, fmt.Errorf("MAX_LOG_ENTRIES must be positive, got %d", c.MaxLogEntries))
	}

	return errors.Join(errs...)
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}

func defaultPrefsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "prefs.json"
	}
	return filepath.Join(home, ".softphone", "prefs.json")
}

// getEnv returns environment variable or default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns environment variable as int or default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns environment variable as bool or default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns environment variable as duration or default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvPriorities parses "PCMU/8000=255,PCMA/8000=254" or returns the default
func getEnvPriorities(key string, defaultValue map[string]int) map[string]int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	out, err := ParsePriorities(value)
	if err != nil || len(out) == 0 {
		return defaultValue
	}
	return out
}

// ParsePriorities parses a comma separated list of codec=priority pairs
func ParsePriorities(s string) (map[string]int, error) {
	out := make(map[string]int)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, prio, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("codec priority %q: missing '='", part)
		}
		p, err := strconv.Atoi(strings.TrimSpace(prio))
		if err != nil || p < 0 || p > 255 {
			return nil, fmt.Errorf("codec priority %q: priority must be 0-255", part)
		}
		out[strings.TrimSpace(name)] = p
	}
	return out, nil
}
