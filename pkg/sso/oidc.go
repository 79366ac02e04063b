// Package sso verifies OpenID Connect bearer tokens so requests from an
// identity provider can authenticate without a local session. Verified
// subjects are matched to local users by email; SSO never creates users.
package sso

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/funnelworks/crm-core/pkg/apierr"
)

// Identity is the outcome of a successful token verification.
type Identity struct {
	Subject string
	Email   string
	Name    string
	Issuer  string
}

// Verifier checks ID tokens against a discovered OIDC provider.
type Verifier struct {
	issuerURL string
	verifier  *oidc.IDTokenVerifier
}

// NewVerifier discovers the provider's keys and configuration from the
// issuer URL.
func NewVerifier(ctx context.Context, issuerURL, clientID string) (*Verifier, error) {
	if issuerURL == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}
	if clientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}

	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	return &Verifier{
		issuerURL: issuerURL,
		verifier:  provider.Verifier(&oidc.Config{ClientID: clientID}),
	}, nil
}

// Verify checks a raw ID token's signature, audience, issuer, and expiry and
// extracts the identity claims. Any verification failure is an
// authentication error, never a 500.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	if rawToken == "" {
		return nil, apierr.NewAuth("missing bearer token")
	}

	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, apierr.NewAuth("invalid or expired token")
	}

	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, apierr.NewAuth("malformed token claims")
	}
	if claims.Email == "" {
		return nil, apierr.NewAuth("token is missing the email claim")
	}

	return &Identity{
		Subject: idToken.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
		Issuer:  v.issuerURL,
	}, nil
}
