package auth

import (
	"fmt"

	"github.com/fexe-co/softphone/internal/models"
)

// CredentialsFrom builds the SIP identity for the engine from a login response
func CredentialsFrom(resp *models.LoginResponse, domain, displayName string) models.Credentials {
	return models.Credentials{
		Domain:    domain,
		User:      resp.SipData.Account,
		Secret:    resp.SipData.Password,
		IDURI:     IdentityURI(displayName, resp.SipData.Account, domain),
		Extension: resp.SipData.Extension,
	}
}

// IdentityURI formats `Display <sip:user@domain>`
func IdentityURI(displayName, user, domain string) string {
	if displayName == "" {
		return fmt.Sprintf("<sip:%s@%s>", user, domain)
	}
	return fmt.Sprintf("%s <sip:%s@%s>", displayName, user, domain)
}
