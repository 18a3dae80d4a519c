package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tokensmith/tokensmith/identity"
	"github.com/tokensmith/tokensmith/instrumentation"
	"github.com/tokensmith/tokensmith/storage"
)

// IssueToken handles a token endpoint request for the named application.
// It validates the request, runs the grant-specific flow, mints the access
// token, and persists or rotates grant state as the flow requires. Failures
// are returned as *Error; the caller reports the code verbatim.
func (s *Server) IssueToken(ctx context.Context, applicationName string, req *TokenRequest, principal identity.Identity) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "server.issue_token",
		attribute.String(instrumentation.AttrApplication, applicationName),
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
	)
	defer span.End()

	app, err := s.findApplication(ctx, applicationName)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	validated, err := s.validator.Validate(ctx, app, req, principal)
	if err != nil {
		s.recordFailure(ctx, applicationName, principal.Value(identity.ClaimClientID), err)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	var resp *TokenResponse
	switch validated.GrantType {
	case GrantTypePassword:
		resp, err = s.handlePasswordGrant(ctx, app, req, validated)
	case GrantTypeClientCredentials:
		resp, err = s.handleClientCredentialsGrant(ctx, app, validated)
	case GrantTypeAssertion:
		resp, err = s.handleAssertionGrant(ctx, app, req, validated)
	case GrantTypeRefreshToken:
		resp, err = s.handleRefreshTokenGrant(ctx, app, req, validated)
	case GrantTypeAuthorizationCode:
		resp, err = s.handleAuthorizationCodeGrant(ctx, app, req, validated)
	default:
		err = ErrUnsupportedGrantType("unrecognized grant type")
	}

	if err != nil {
		s.recordFailure(ctx, applicationName, validated.Client.ClientID, err)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

// handlePasswordGrant verifies the resource owner's credentials through the
// external validator and issues tokens for the resulting identity.
func (s *Server) handlePasswordGrant(ctx context.Context, app *storage.Application, req *TokenRequest, validated *ValidatedRequest) (*TokenResponse, error) {
	if s.resourceOwners == nil {
		return nil, ErrServerError("resource owner validation is not configured")
	}

	cctx, cancel := s.collaboratorContext(ctx)
	defer cancel()

	owner, err := s.resourceOwners.ValidateResourceOwner(cctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.Logger.Error("Resource owner validation timed out", "username_prefix", safeTruncate(req.Username, 3))
			return nil, ErrServerError("credential validation timed out")
		}
		s.Auditor.LogAuthFailure(validated.Client.ClientID, app.Name, "", "resource owner credentials rejected")
		return nil, ErrInvalidGrant("resource owner credentials are invalid")
	}

	return s.issueTokens(ctx, app, validated, owner, validated.Scopes)
}

// handleClientCredentialsGrant issues a token for the client's own identity.
// No resource owner is involved, so no refresh token is ever issued; there
// is nobody to re-authenticate later.
func (s *Server) handleClientCredentialsGrant(ctx context.Context, app *storage.Application, validated *ValidatedRequest) (*TokenResponse, error) {
	owner := identity.ForClient(validated.Client.ClientID)

	accessToken, err := s.tokens.CreateAccessToken(owner, app.Audience, app.TokenLifetime, app.SigningKey)
	if err != nil {
		s.Logger.Error("Failed to mint access token", "error", err, "client_id", validated.Client.ClientID)
		return nil, ErrServerError("failed to create access token")
	}

	s.recordIssued(ctx, app.Name, validated, owner, false)

	return &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(app.TokenLifetime.Seconds()),
		Scope:       strings.Join(validated.Scopes, " "),
	}, nil
}

// handleAssertionGrant exchanges an externally validated assertion for
// tokens, proceeding like the password grant once an identity is
// established.
func (s *Server) handleAssertionGrant(ctx context.Context, app *storage.Application, req *TokenRequest, validated *ValidatedRequest) (*TokenResponse, error) {
	if s.assertions == nil {
		return nil, ErrServerError("assertion validation is not configured")
	}

	cctx, cancel := s.collaboratorContext(ctx)
	defer cancel()

	owner, err := s.assertions.ValidateAssertion(cctx, req.GrantType, req.Assertion)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.Logger.Error("Assertion validation timed out", "client_id", validated.Client.ClientID)
			return nil, ErrServerError("assertion validation timed out")
		}
		s.Auditor.LogAuthFailure(validated.Client.ClientID, app.Name, "", "assertion rejected")
		return nil, ErrInvalidGrant("assertion is invalid")
	}

	return s.issueTokens(ctx, app, validated, owner, validated.Scopes)
}

// handleRefreshTokenGrant redeems a refresh token grant. Grants flagged for
// rotation are consumed atomically and replaced under a fresh identifier;
// only one of two concurrent redemptions can win the consume. Grants not
// flagged for rotation are reused unchanged and only a new access token is
// minted.
func (s *Server) handleRefreshTokenGrant(ctx context.Context, app *storage.Application, req *TokenRequest, validated *ValidatedRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidGrant("refresh_token is missing")
	}

	grant, err := s.grantStore.Get(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrGrantNotFound) {
			s.Auditor.LogAuthFailure(validated.Client.ClientID, app.Name, "", "unknown or expired refresh token")
			return nil, ErrInvalidGrant("refresh token is invalid or expired")
		}
		return nil, ErrServerError("grant lookup failed")
	}

	if err := s.checkGrantBinding(grant, storage.GrantTypeRefreshToken, app, validated.Client); err != nil {
		return nil, err
	}

	owner := grant.ResourceOwner
	accessToken, err := s.tokens.CreateAccessToken(owner, app.Audience, app.TokenLifetime, app.SigningKey)
	if err != nil {
		s.Logger.Error("Failed to mint access token", "error", err, "client_id", validated.Client.ClientID)
		return nil, ErrServerError("failed to create access token")
	}

	resp := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(app.TokenLifetime.Seconds()),
	}

	if grant.CreateRefreshToken {
		// Consume before rotating: exactly one concurrent redemption
		// observes the grant, everyone else sees it as already used.
		if _, err := s.grantStore.Consume(ctx, grant.GrantID); err != nil {
			if errors.Is(err, storage.ErrGrantNotFound) {
				return nil, ErrInvalidGrant("refresh token has already been used")
			}
			return nil, ErrServerError("grant consumption failed")
		}

		newGrant := s.newRefreshGrant(app, validated.Client, owner, grant.Scopes)
		if err := s.grantStore.Rotate(ctx, grant.GrantID, newGrant); err != nil {
			s.Logger.Error("Failed to rotate refresh grant", "error", err, "client_id", validated.Client.ClientID)
			return nil, ErrServerError("grant rotation failed")
		}
		resp.RefreshToken = newGrant.GrantID

		s.Auditor.LogTokenRefreshed(owner.Subject(), validated.Client.ClientID, app.Name, true)
	} else {
		s.Auditor.LogTokenRefreshed(owner.Subject(), validated.Client.ClientID, app.Name, false)
	}

	s.recordRefreshed(ctx, app.Name, validated)
	return resp, nil
}

// handleAuthorizationCodeGrant redeems an authorization code. The code is
// consumed atomically so it is single use even under concurrent redemption.
func (s *Server) handleAuthorizationCodeGrant(ctx context.Context, app *storage.Application, req *TokenRequest, validated *ValidatedRequest) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, ErrInvalidGrant("code is missing")
	}

	grant, err := s.grantStore.Consume(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrGrantNotFound) {
			s.Auditor.LogAuthFailure(validated.Client.ClientID, app.Name, "", "unknown, expired, or already redeemed authorization code")
			return nil, ErrInvalidGrant("authorization code is invalid or expired")
		}
		return nil, ErrServerError("grant lookup failed")
	}

	if err := s.checkGrantBinding(grant, storage.GrantTypeAuthorizationCode, app, validated.Client); err != nil {
		return nil, err
	}
	if grant.RedirectURI != req.RedirectURI {
		s.Auditor.LogAuthFailure(validated.Client.ClientID, app.Name, "", "redirect URI mismatch on code redemption")
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	scoped := *validated
	scoped.Scopes = grant.Scopes
	return s.issueTokens(ctx, app, &scoped, grant.ResourceOwner, grant.Scopes)
}

// CreateAuthorizationCodeGrant stores an authorization code on behalf of
// the hosting application's authorization endpoint and returns the code.
// The code expires after Config.AuthorizationCodeTTL and is redeemable
// exactly once through the authorization_code grant.
func (s *Server) CreateAuthorizationCodeGrant(ctx context.Context, applicationName, clientID, redirectURI string, owner identity.Identity, scopes []string) (string, error) {
	app, err := s.findApplication(ctx, applicationName)
	if err != nil {
		return "", err
	}

	cctx, cancel := s.collaboratorContext(ctx)
	client, err := s.clientStore.GetClient(cctx, clientID)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return "", ErrUnauthorizedClient("unknown client")
		}
		return "", ErrServerError("client lookup failed")
	}
	if client.Flow != storage.FlowAuthorizationCode {
		return "", ErrUnauthorizedClient("client is not authorized for the authorization code flow")
	}

	grant := &storage.StoredGrant{
		GrantID:            generateGrantID(),
		Type:               storage.GrantTypeAuthorizationCode,
		ClientID:           client.ClientID,
		Application:        app.Name,
		RedirectURI:        redirectURI,
		ResourceOwner:      owner.Clone(),
		Scopes:             scopes,
		CreateRefreshToken: client.AllowRefreshToken && app.AllowRefreshToken,
		Expiration:         time.Now().Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
		CreatedAt:          time.Now(),
	}
	if err := s.grantStore.Create(ctx, grant); err != nil {
		s.Logger.Error("Failed to store authorization code grant", "error", err, "client_id", client.ClientID)
		return "", ErrServerError("failed to store authorization code")
	}
	return grant.GrantID, nil
}

// RevokeGrant removes a stored grant presented by its owning client. Per
// RFC 7009, revoking an unknown identifier succeeds; the desired end state
// (grant gone) already holds.
func (s *Server) RevokeGrant(ctx context.Context, applicationName, grantID string, principal identity.Identity) error {
	ctx, span := s.startSpan(ctx, "server.revoke_grant",
		attribute.String(instrumentation.AttrApplication, applicationName),
	)
	defer span.End()

	app, err := s.findApplication(ctx, applicationName)
	if err != nil {
		instrumentation.RecordError(span, err)
		return err
	}

	client, err := s.validator.authenticateClient(ctx, principal)
	if err != nil {
		instrumentation.RecordError(span, err)
		return err
	}

	grant, err := s.grantStore.Get(ctx, grantID)
	if err != nil {
		if errors.Is(err, storage.ErrGrantNotFound) {
			instrumentation.SetSpanSuccess(span)
			return nil
		}
		instrumentation.RecordError(span, err)
		return ErrServerError("grant lookup failed")
	}

	// A client may only revoke its own grants. Report success anyway so
	// revocation cannot be used to probe other clients' identifiers.
	if grant.ClientID != client.ClientID || grant.Application != app.Name {
		s.Auditor.LogAuthFailure(client.ClientID, app.Name, "", "revocation attempted on a foreign grant")
		instrumentation.SetSpanSuccess(span)
		return nil
	}

	if err := s.grantStore.Delete(ctx, grantID); err != nil {
		instrumentation.RecordError(span, err)
		return ErrServerError("grant deletion failed")
	}

	s.Auditor.LogGrantRevoked(client.ClientID, app.Name, "")
	if s.inst != nil {
		s.inst.Metrics().GrantsRevoked.Add(ctx, 1, metric.WithAttributes(
			attribute.String(instrumentation.AttrApplication, app.Name),
		))
	}
	instrumentation.SetSpanSuccess(span)
	return nil
}

// issueTokens mints the access token for an established identity and, when
// client and application both allow it, creates a refresh grant.
func (s *Server) issueTokens(ctx context.Context, app *storage.Application, validated *ValidatedRequest, owner identity.Identity, scopes []string) (*TokenResponse, error) {
	accessToken, err := s.tokens.CreateAccessToken(owner, app.Audience, app.TokenLifetime, app.SigningKey)
	if err != nil {
		s.Logger.Error("Failed to mint access token", "error", err, "client_id", validated.Client.ClientID)
		return nil, ErrServerError("failed to create access token")
	}

	resp := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(app.TokenLifetime.Seconds()),
		Scope:       strings.Join(scopes, " "),
	}

	withRefresh := false
	if validated.Client.AllowRefreshToken && app.AllowRefreshToken {
		grant := s.newRefreshGrant(app, validated.Client, owner, scopes)
		if err := s.grantStore.Create(ctx, grant); err != nil {
			s.Logger.Error("Failed to create refresh grant", "error", err, "client_id", validated.Client.ClientID)
			return nil, ErrServerError("failed to create refresh grant")
		}
		resp.RefreshToken = grant.GrantID
		withRefresh = true
	}

	s.recordIssued(ctx, app.Name, validated, owner, withRefresh)
	return resp, nil
}

// newRefreshGrant builds a refresh token grant for the given identity. The
// application's refresh lifetime wins over the server default when set.
func (s *Server) newRefreshGrant(app *storage.Application, client *storage.Client, owner identity.Identity, scopes []string) *storage.StoredGrant {
	lifetime := time.Duration(s.Config.RefreshTokenTTL) * time.Second
	if app.RefreshTokenLifetime > 0 {
		lifetime = app.RefreshTokenLifetime
	}
	now := time.Now()

	return &storage.StoredGrant{
		GrantID:                generateGrantID(),
		Type:                   storage.GrantTypeRefreshToken,
		ClientID:               client.ClientID,
		Application:            app.Name,
		ResourceOwner:          owner.Clone(),
		Scopes:                 scopes,
		CreateRefreshToken:     true,
		Expiration:             now.Add(lifetime),
		RefreshTokenExpiration: now.Add(lifetime),
		CreatedAt:              now,
	}
}

// checkGrantBinding verifies that a redeemed grant has the expected type and
// belongs to the requesting client and application. Every mismatch collapses
// into invalid_grant so redemption cannot probe foreign grants.
func (s *Server) checkGrantBinding(grant *storage.StoredGrant, wantType storage.GrantType, app *storage.Application, client *storage.Client) error {
	if grant.Type != wantType {
		return ErrInvalidGrant("grant type mismatch")
	}
	if grant.ClientID != client.ClientID {
		s.Auditor.LogAuthFailure(client.ClientID, app.Name, "", "grant redemption attempted by a different client")
		return ErrInvalidGrant("grant was issued to a different client")
	}
	if grant.Application != app.Name {
		return ErrInvalidGrant("grant was issued for a different application")
	}
	return nil
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, storage.ErrApplicationNotFound)
}

func (s *Server) recordIssued(ctx context.Context, appName string, validated *ValidatedRequest, owner identity.Identity, withRefresh bool) {
	s.Auditor.LogTokenIssued(owner.Subject(), validated.Client.ClientID, appName, validated.GrantType, validated.Scopes)

	if s.inst == nil {
		return
	}
	s.inst.Metrics().TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String(instrumentation.AttrApplication, appName),
		attribute.String(instrumentation.AttrGrantType, validated.GrantType),
		attribute.Bool("oauth.refresh_token_issued", withRefresh),
	))
}

func (s *Server) recordRefreshed(ctx context.Context, appName string, validated *ValidatedRequest) {
	if s.inst == nil {
		return
	}
	s.inst.Metrics().TokensRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String(instrumentation.AttrApplication, appName),
	))
}

func (s *Server) recordFailure(ctx context.Context, appName, clientID string, err error) {
	var oauthErr *Error
	code := ErrorCodeServerError
	if errors.As(err, &oauthErr) {
		code = oauthErr.Code
	}

	s.Auditor.LogValidationFailure(clientID, appName, code)

	if s.inst == nil {
		return
	}
	s.inst.Metrics().ValidationFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String(instrumentation.AttrApplication, appName),
		attribute.String(instrumentation.AttrError, code),
	))
}
