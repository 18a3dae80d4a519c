// Package tokensmith exposes the HTTP surface of the token server: the
// form-encoded token endpoint, the revocation endpoint, and the wire types
// they exchange. The issuance logic itself lives in the server package; this
// package re-exports its entry points so most callers only import one
// package.
package tokensmith

import (
	"log/slog"

	"github.com/tokensmith/tokensmith/server"
	"github.com/tokensmith/tokensmith/storage"
)

// Re-exported core types so callers can wire a server without importing the
// server package directly.
type (
	Server                 = server.Server
	Config                 = server.Config
	TokenRequest           = server.TokenRequest
	TokenResponse          = server.TokenResponse
	ResourceOwnerValidator = server.ResourceOwnerValidator
	AssertionValidator     = server.AssertionValidator
)

// OAuth error codes, mirrored from the server package
const (
	ErrorCodeInvalidRequest       = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidGrant         = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient        = server.ErrorCodeInvalidClient
	ErrorCodeInvalidScope         = server.ErrorCodeInvalidScope
	ErrorCodeUnauthorizedClient   = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType = server.ErrorCodeUnsupportedGrantType
	ErrorCodeServerError          = server.ErrorCodeServerError
	ErrorCodeRateLimitExceeded    = server.ErrorCodeRateLimitExceeded
)

// NewServer creates a token server from its storage backends.
func NewServer(
	grantStore storage.GrantStore,
	clientStore storage.ClientStore,
	applicationStore storage.ApplicationStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	return server.New(grantStore, clientStore, applicationStore, config, logger)
}

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}
