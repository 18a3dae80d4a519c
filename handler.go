package tokensmith

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokensmith/tokensmith/identity"
	"github.com/tokensmith/tokensmith/instrumentation"
	"github.com/tokensmith/tokensmith/security"
	"github.com/tokensmith/tokensmith/server"
)

const tokenTypeBearer = "Bearer"

// Handler exposes the token and revocation endpoints over HTTP
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for HTTP layer
}

// NewHandler creates an HTTP handler for a token server
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: server,
		logger: logger,
	}

	if server.Instrumentation() != nil {
		h.tracer = server.Instrumentation().Tracer("http")
	}

	return h
}

// RegisterRoutes registers the token endpoints on the given mux. The
// application name is a path segment so one server can front several
// protected resources.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /{application}/token", h.ServeToken)
	mux.HandleFunc("POST /{application}/revoke", h.ServeTokenRevocation)
}

// ServeToken handles POST /{application}/token
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token")
		defer span.End()
	}

	applicationName := r.PathValue("application")
	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	if h.checkIPRateLimit(w, clientIP) {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusTooManyRequests, startTime)
		h.recordRateLimitExceeded(ctx, clientIP, "token")
		instrumentation.SetSpanError(span, "rate limit exceeded")
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	req := &TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Scope:        r.PostFormValue("scope"),
		Username:     r.PostFormValue("username"),
		Password:     r.PostFormValue("password"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Assertion:    r.PostFormValue("assertion"),
	}
	principal := h.clientPrincipal(r)

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrApplication, applicationName),
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
		attribute.String(instrumentation.AttrClientID, principal.Value(identity.ClaimClientID)),
	)

	resp, err := h.server.IssueToken(ctx, applicationName, req, principal)
	if err != nil {
		status := h.writeOAuthError(w, err)
		h.recordHTTPMetrics("token", http.MethodPost, status, startTime)
		instrumentation.RecordError(span, err)
		return
	}

	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, resp)
}

// ServeTokenRevocation handles POST /{application}/revoke
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_revocation")
		defer span.End()
	}

	applicationName := r.PathValue("application")
	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	if h.checkIPRateLimit(w, clientIP) {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusTooManyRequests, startTime)
		h.recordRateLimitExceeded(ctx, clientIP, "revoke")
		instrumentation.SetSpanError(span, "rate limit exceeded")
		return
	}

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	grantID := r.PostFormValue("token")
	if grantID == "" {
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}

	if err := h.server.RevokeGrant(ctx, applicationName, grantID, h.clientPrincipal(r)); err != nil {
		// Authentication and routing failures are reported; a failed
		// deletion of a valid request still returns 200 per RFC 7009.
		var oauthErr *server.Error
		if errors.As(err, &oauthErr) && oauthErr.Code != ErrorCodeServerError {
			status := h.writeOAuthError(w, err)
			h.recordHTTPMetrics("revoke", http.MethodPost, status, startTime)
			instrumentation.RecordError(span, err)
			return
		}
		h.logger.Error("Failed to revoke grant", "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
	}

	h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// clientPrincipal builds the client principal from HTTP basic auth,
// falling back to client_id/client_secret form fields.
func (h *Handler) clientPrincipal(r *http.Request) identity.Identity {
	clientID, secret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostFormValue("client_id")
		secret = r.PostFormValue("client_secret")
	}
	if clientID == "" {
		return nil
	}
	return identity.New(
		identity.Claim{Type: identity.ClaimClientID, Value: clientID},
		identity.Claim{Type: identity.ClaimSecret, Value: secret},
	)
}

// checkIPRateLimit returns true when the request was rejected.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, clientIP string) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP)
	h.server.Auditor.LogRateLimitExceeded(clientIP)
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

func (h *Handler) recordRateLimitExceeded(ctx context.Context, clientIP, endpoint string) {
	if h.server.Instrumentation() == nil {
		return
	}
	h.server.Instrumentation().Metrics().RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String(instrumentation.AttrHTTPEndpoint, endpoint),
	))
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, resp *TokenResponse) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// writeOAuthError maps an issuance error onto the wire and returns the HTTP
// status used. Anything that is not a *server.Error is an internal failure
// and must not leak details to the client.
func (h *Handler) writeOAuthError(w http.ResponseWriter, err error) int {
	var oauthErr *server.Error
	if errors.As(err, &oauthErr) {
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return oauthErr.Status
	}

	h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation() == nil {
		return
	}

	metrics := h.server.Instrumentation().Metrics()
	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	metrics.RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}
