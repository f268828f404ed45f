// Package routing turns dialed extensions into SIP destinations
package routing

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyExtension is returned when nothing was dialed
	ErrEmptyExtension = errors.New("extension is empty")
	// ErrInvalidExtension is returned for extensions with characters a dialpad cannot produce
	ErrInvalidExtension = errors.New("invalid extension")
	// ErrInvalidAddress is returned for malformed name-addr values
	ErrInvalidAddress = errors.New("invalid SIP address")
)

// DialPlan builds destination addresses on the account's domain
type DialPlan struct {
	domain  string
	display string
}

// NewDialPlan creates a dial plan for the given domain. display is the
// name shown for the callee in the outgoing To header.
func NewDialPlan(domain, display string) *DialPlan {
	return &DialPlan{domain: domain, display: display}
}

// Domain returns the SIP domain calls are placed on
func (p *DialPlan) Domain() string {
	return p.domain
}

// Target returns the destination for an extension, e.g. "MicroSIP <sip:200@pbx2.fexe.co>".
// Full SIP URIs and name-addr values are accepted as is.
func (p *DialPlan) Target(extension string) (string, error) {
	ext := strings.TrimSpace(extension)
	if ext == "" {
		return "", ErrEmptyExtension
	}

	if strings.Contains(ext, "<") || hasSIPScheme(ext) {
		display, uri, err := ParseNameAddr(ext)
		if err != nil {
			return "", err
		}
		return FormatNameAddr(display, uri), nil
	}

	for _, r := range ext {
		if !dialable(r) {
			return "", fmt.Errorf("%w: %q", ErrInvalidExtension, ext)
		}
	}

	return FormatNameAddr(p.display, fmt.Sprintf("sip:%s@%s", ext, p.domain)), nil
}

func dialable(r rune) bool {
	switch {
	case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		return true
	}
	return strings.ContainsRune("*#+._-", r)
}

func hasSIPScheme(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "sip:") || strings.HasPrefix(l, "sips:")
}

// ParseNameAddr splits `Display <sip:user@host>` into its display name and URI.
// A bare URI yields an empty display name.
func ParseNameAddr(s string) (display, uri string, err error) {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '<')
	if open < 0 {
		if !hasSIPScheme(s) || len(s) <= len("sip:") {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		return "", s, nil
	}

	end := strings.LastIndexByte(s, '>')
	if end < open {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}

	uri = strings.TrimSpace(s[open+1 : end])
	if !hasSIPScheme(uri) || len(uri) <= len("sip:") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}

	display = strings.TrimSpace(s[:open])
	display = strings.Trim(display, `"`)
	return display, uri, nil
}

// FormatNameAddr is the inverse of ParseNameAddr
func FormatNameAddr(display, uri string) string {
	if display == "" {
		return "<" + uri + ">"
	}
	return display + " <" + uri + ">"
}

// UserPart returns the user portion of a SIP URI or name-addr, or "" if there is none
func UserPart(addr string) string {
	_, uri, err := ParseNameAddr(addr)
	if err != nil {
		return ""
	}
	rest := uri[strings.IndexByte(uri, ':')+1:]
	at := strings.IndexByte(rest, '@')
	if at < 0 {
		return ""
	}
	return rest[:at]
}
