// Package server implements the token issuance core: request validation,
// the per-grant-type state machine, stored grant lifecycle, and response
// assembly. It is transport-agnostic; the HTTP layer lives in the root
// package.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/tokensmith/tokensmith/instrumentation"
	"github.com/tokensmith/tokensmith/security"
	"github.com/tokensmith/tokensmith/storage"
	"github.com/tokensmith/tokensmith/token"
)

// safeTruncate safely truncates a string to maxLen characters without panicking.
// Returns the original string if it's shorter than maxLen, otherwise returns
// the first maxLen characters.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Server orchestrates token issuance. It wires the request validator, the
// token service, the grant store, and the external credential validators
// together per request.
type Server struct {
	grantStore       storage.GrantStore
	clientStore      storage.ClientStore
	applicationStore storage.ApplicationStore
	validator        *Validator
	tokens           *token.Service

	resourceOwners ResourceOwnerValidator
	assertions     AssertionValidator

	Auditor     *security.Auditor
	RateLimiter *security.RateLimiter // IP-based rate limiter
	Logger      *slog.Logger
	Config      *Config

	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
}

// New creates a token server.
func New(
	grantStore storage.GrantStore,
	clientStore storage.ClientStore,
	applicationStore storage.ApplicationStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if grantStore == nil {
		return nil, fmt.Errorf("grant store is required")
	}
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if applicationStore == nil {
		return nil, fmt.Errorf("application store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	validator, err := NewValidator(clientStore, time.Duration(config.CollaboratorTimeout)*time.Second, logger)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		grantStore:       grantStore,
		clientStore:      clientStore,
		applicationStore: applicationStore,
		validator:        validator,
		tokens:           token.NewService(config.Issuer),
		Config:           config,
		Logger:           logger,
	}

	if config.RateLimitRequestsPerSecond > 0 {
		srv.RateLimiter = security.NewRateLimiter(config.RateLimitRequestsPerSecond, config.RateLimitBurst, logger)
	}

	type clockSkewSetter interface {
		SetClockSkewGracePeriod(time.Duration)
	}
	if setter, ok := grantStore.(clockSkewSetter); ok {
		setter.SetClockSkewGracePeriod(time.Duration(config.ClockSkewGracePeriod) * time.Second)
	}

	return srv, nil
}

// SetResourceOwnerValidator sets the credential validator used by the
// password grant. Password grants fail with server_error while unset.
func (s *Server) SetResourceOwnerValidator(v ResourceOwnerValidator) {
	s.resourceOwners = v
}

// SetAssertionValidator sets the validator used by the assertion grant.
func (s *Server) SetAssertionValidator(v AssertionValidator) {
	s.assertions = v
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetInstrumentation enables metrics and tracing for issuance operations,
// propagating to the grant store when it supports it.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
	s.tracer = inst.Tracer("server")

	type instrumentationSetter interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}
	if setter, ok := s.grantStore.(instrumentationSetter); ok {
		setter.SetInstrumentation(inst)
	}
}

// Validator exposes the request validator, mainly for tests that exercise
// validation without issuance.
func (s *Server) Validator() *Validator {
	return s.validator
}

// Instrumentation returns the configured instrumentation, or nil when
// disabled.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.inst
}

// generateGrantID generates a cryptographically secure random grant
// identifier. This is an alias for oauth2.GenerateVerifier() which produces
// a URL-safe, base64-encoded random string with enough entropy that a
// collision is an integrity error rather than a policy concern.
func generateGrantID() string {
	return oauth2.GenerateVerifier()
}

// collaboratorContext bounds calls to external collaborators so a hung
// credential backend cannot pin the request forever.
func (s *Server) collaboratorContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(s.Config.CollaboratorTimeout)*time.Second)
}

// findApplication resolves the application routing key. An unknown name is
// a request error with a not-found status; anything else from the store is
// an infrastructure failure.
func (s *Server) findApplication(ctx context.Context, name string) (*storage.Application, error) {
	cctx, cancel := s.collaboratorContext(ctx)
	defer cancel()

	app, err := s.applicationStore.FindApplication(cctx, name)
	if err != nil {
		if errorsIsNotFound(err) {
			return nil, NewError(ErrorCodeInvalidRequest, "unknown application", http.StatusNotFound)
		}
		return nil, ErrServerError("application lookup failed")
	}
	return app, nil
}

func (s *Server) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
