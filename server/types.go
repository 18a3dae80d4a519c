package server

import (
	"context"

	"github.com/tokensmith/tokensmith/identity"
	"github.com/tokensmith/tokensmith/storage"
)

// Grant type parameter values accepted at the token endpoint
const (
	GrantTypePassword          = "password"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeAssertion         = "assertion"
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// TokenRequest carries the form parameters of a token endpoint request
type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	Scope        string `json:"scope,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	Code         string `json:"code,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Assertion    string `json:"assertion,omitempty"`
}

// TokenResponse is the success response of the token endpoint
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ValidatedRequest is the outcome of request validation: the resolved grant
// type, the requesting client, and the approved scope names.
type ValidatedRequest struct {
	GrantType string
	Client    *storage.Client
	Scopes    []string
}

// ResourceOwnerValidator checks resource-owner credentials for the password
// grant and returns the claims describing the authenticated user.
type ResourceOwnerValidator interface {
	ValidateResourceOwner(ctx context.Context, username, password string) (identity.Identity, error)
}

// AssertionValidator checks an assertion for the assertion grant and returns
// the claims it vouches for.
type AssertionValidator interface {
	ValidateAssertion(ctx context.Context, assertionType, assertion string) (identity.Identity, error)
}
