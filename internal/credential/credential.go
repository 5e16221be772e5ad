// Package credential implements the per-account credential model, the file
// store with atomic persistence, and the OAuth refresh flows for the two Kiro
// provider families.
package credential

import (
	"fmt"
	"strings"
	"time"
)

// Auth methods accepted in credential files.
const (
	AuthMethodSocial = "social"
	AuthMethodIdC    = "IdC"
)

// Known identity providers.
const (
	ProviderGoogle    = "Google"
	ProviderGithub    = "Github"
	ProviderBuilderID = "BuilderId"
	ProviderAWSIdC    = "AWSIdC"
	ProviderInternal  = "Internal"
)

// refreshSkew is how close to expiry a token must be before it is refreshed
// eagerly.
const refreshSkew = 60 * time.Second

// Credential is the on-disk credential record for one account.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ProfileArn   string `json:"profile_arn,omitempty"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	AuthMethod   string `json:"auth_method"`
	Provider     string `json:"provider,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	Region       string `json:"region,omitempty"`
}

// Validate checks the structural invariants of a loaded credential.
func (c *Credential) Validate() error {
	if c.RefreshToken == "" {
		return fmt.Errorf("refresh_token is required")
	}
	switch {
	case c.IsIdC():
		if c.ClientID == "" || c.ClientSecret == "" {
			return fmt.Errorf("client_id and client_secret are required for IdC auth")
		}
	case c.AuthMethod == "" || strings.EqualFold(c.AuthMethod, AuthMethodSocial):
	default:
		return fmt.Errorf("unknown auth_method %q", c.AuthMethod)
	}
	return nil
}

// IsIdC reports whether the credential uses the AWS Identity Center flow.
func (c *Credential) IsIdC() bool {
	return strings.EqualFold(c.AuthMethod, AuthMethodIdC)
}

// RegionOrDefault returns the credential's region, falling back to the given
// default.
func (c *Credential) RegionOrDefault(def string) string {
	if c.Region != "" {
		return c.Region
	}
	return def
}

// ExpiresWithin reports whether the access token expires within d of now. A
// missing or unparseable expiry is treated as expired so the next request
// refreshes it.
func (c *Credential) ExpiresWithin(d time.Duration) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.ExpiresAt == "" {
		return true
	}
	expiry, err := time.Parse(time.RFC3339, c.ExpiresAt)
	if err != nil {
		return true
	}
	return time.Until(expiry) <= d
}

// NeedsRefresh reports whether the token should be refreshed eagerly before
// use.
func (c *Credential) NeedsRefresh() bool {
	return c.ExpiresWithin(refreshSkew)
}
