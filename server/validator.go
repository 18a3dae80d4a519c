package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tokensmith/tokensmith/identity"
	"github.com/tokensmith/tokensmith/storage"
)

// Validator authenticates the requesting client and runs the grant-type
// state machine over a token request. It decides whether the client may use
// the requested grant type and whether the requested scopes are authorized;
// it does not touch stored grants, which the server resolves afterwards.
type Validator struct {
	clientStore storage.ClientStore
	timeout     time.Duration
	logger      *slog.Logger
}

// NewValidator creates a request validator backed by the given client store.
// Client store calls are bounded by the given timeout so a hung external
// store cannot pin the request.
func NewValidator(clientStore storage.ClientStore, timeout time.Duration, logger *slog.Logger) (*Validator, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{clientStore: clientStore, timeout: timeout, logger: logger}, nil
}

// Validate checks a token request against the application and the client
// principal. On success it returns the resolved grant type, the
// authenticated client, and the approved scope names. On failure it returns
// a *Error carrying the OAuth error code; infrastructure failures (store
// unavailability) are returned as server_error instead.
func (v *Validator) Validate(ctx context.Context, app *storage.Application, req *TokenRequest, principal identity.Identity) (*ValidatedRequest, error) {
	client, err := v.authenticateClient(ctx, principal)
	if err != nil {
		return nil, err
	}

	grantType, err := v.resolveGrantType(client, req)
	if err != nil {
		return nil, err
	}

	var scopes []string
	if grantTypeCarriesScope(grantType) {
		scopes, err = v.validateScopes(app, client, req.Scope)
		if err != nil {
			return nil, err
		}
	}

	v.logger.Debug("Token request validated",
		"client_id", client.ClientID,
		"grant_type", grantType,
		"scopes", scopes)

	return &ValidatedRequest{
		GrantType: grantType,
		Client:    client,
		Scopes:    scopes,
	}, nil
}

// authenticateClient extracts the client credentials from the principal and
// verifies them. All credential failures collapse into unauthorized_client
// so callers cannot probe which client identifiers exist.
func (v *Validator) authenticateClient(ctx context.Context, principal identity.Identity) (*storage.Client, error) {
	clientID := principal.Value(identity.ClaimClientID)
	secret := principal.Value(identity.ClaimSecret)
	if clientID == "" {
		return nil, ErrUnauthorizedClient("client authentication is missing")
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	// The secret check runs before the existence check is surfaced; the
	// store performs a dummy comparison for unknown clients so both paths
	// cost the same.
	if err := v.clientStore.ValidateClientSecret(ctx, clientID, secret); err != nil {
		if errors.Is(err, storage.ErrInvalidClientSecret) {
			v.logger.Warn("Client authentication failed", "client_id", clientID)
			return nil, ErrUnauthorizedClient("invalid client credentials")
		}
		return nil, ErrServerError("client credential check failed")
	}

	client, err := v.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrUnauthorizedClient("invalid client credentials")
		}
		return nil, ErrServerError("client lookup failed")
	}
	return client, nil
}

// resolveGrantType maps the requested grant type onto the client's
// configured flow. Each client is bound to exactly one flow; requesting any
// other recognized grant type is an authorization failure, while a missing
// or unrecognized grant type is unsupported_grant_type.
//
// An assertion request that omits the grant_type field or the assertion
// value is also reported as unsupported_grant_type. That mapping is
// inherited behavior kept for compatibility with existing clients.
func (v *Validator) resolveGrantType(client *storage.Client, req *TokenRequest) (string, error) {
	switch req.GrantType {
	case "":
		return "", ErrUnsupportedGrantType("grant_type is missing")

	case GrantTypePassword:
		if client.Flow != storage.FlowResourceOwner {
			return "", ErrUnauthorizedClient("client is not authorized for the resource owner flow")
		}
		return GrantTypePassword, nil

	case GrantTypeClientCredentials:
		if client.Flow != storage.FlowClient {
			return "", ErrUnauthorizedClient("client is not authorized for the client credentials flow")
		}
		return GrantTypeClientCredentials, nil

	case GrantTypeAssertion:
		if client.Flow != storage.FlowAssertion {
			return "", ErrUnauthorizedClient("client is not authorized for the assertion flow")
		}
		if req.Assertion == "" {
			return "", ErrUnsupportedGrantType("assertion value is missing")
		}
		return GrantTypeAssertion, nil

	case GrantTypeAuthorizationCode:
		if client.Flow != storage.FlowAuthorizationCode {
			return "", ErrUnauthorizedClient("client is not authorized for the authorization code flow")
		}
		return GrantTypeAuthorizationCode, nil

	case GrantTypeRefreshToken:
		if !client.AllowRefreshToken {
			return "", ErrUnauthorizedClient("client is not allowed to use refresh tokens")
		}
		return GrantTypeRefreshToken, nil

	default:
		return "", ErrUnsupportedGrantType(fmt.Sprintf("unrecognized grant type: %s", req.GrantType))
	}
}

// validateScopes checks every requested scope name against the application's
// scope set and each scope's client allow-list. Authorization is
// all-or-nothing: one unauthorized name fails the whole request.
func (v *Validator) validateScopes(app *storage.Application, client *storage.Client, scopeParam string) ([]string, error) {
	requested := strings.Fields(scopeParam)
	if len(requested) == 0 {
		return nil, ErrInvalidScope("scope is missing")
	}

	for _, name := range requested {
		scope := app.FindScope(name)
		if scope == nil {
			return nil, ErrInvalidScope(fmt.Sprintf("unknown scope: %s", name))
		}
		if !scope.AllowsClient(client.ClientID) {
			return nil, ErrInvalidScope(fmt.Sprintf("client is not allowed to request scope: %s", name))
		}
	}
	return requested, nil
}

// grantTypeCarriesScope reports whether a grant type takes a scope
// parameter. Code and refresh grants inherit their scopes from the stored
// grant being redeemed.
func grantTypeCarriesScope(grantType string) bool {
	switch grantType {
	case GrantTypePassword, GrantTypeClientCredentials, GrantTypeAssertion:
		return true
	}
	return false
}
