package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. Resource-owner
// subjects are hashed before they reach the log stream; client identifiers
// are not PII and are logged verbatim.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event represents a security audit event.
type Event struct {
	Type        string
	Subject     string // resource-owner subject, hashed before logging
	ClientID    string
	Application string
	IPAddress   string
	Details     map[string]any
	Timestamp   time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.Subject),
		"client_id", event.ClientID,
		"application", event.Application,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs a successful access-token issuance.
func (a *Auditor) LogTokenIssued(subject, clientID, application, grantType string, scopes []string) {
	a.LogEvent(Event{
		Type:        "token_issued",
		Subject:     subject,
		ClientID:    clientID,
		Application: application,
		Details: map[string]any{
			"grant_type": grantType,
			"scopes":     scopes,
		},
	})
}

// LogTokenRefreshed logs a refresh-token redemption.
func (a *Auditor) LogTokenRefreshed(subject, clientID, application string, rotated bool) {
	a.LogEvent(Event{
		Type:        "token_refreshed",
		Subject:     subject,
		ClientID:    clientID,
		Application: application,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogGrantRevoked logs an explicit grant revocation.
func (a *Auditor) LogGrantRevoked(clientID, application, ipAddress string) {
	a.LogEvent(Event{
		Type:        "grant_revoked",
		ClientID:    clientID,
		Application: application,
		IPAddress:   ipAddress,
	})
}

// LogAuthFailure logs a client or resource-owner authentication failure.
func (a *Auditor) LogAuthFailure(clientID, application, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:        "auth_failure",
		ClientID:    clientID,
		Application: application,
		IPAddress:   ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogValidationFailure logs a token-request validation failure with its
// OAuth error code.
func (a *Auditor) LogValidationFailure(clientID, application, errorCode string) {
	a.LogEvent(Event{
		Type:        "validation_failure",
		ClientID:    clientID,
		Application: application,
		Details: map[string]any{
			"error": errorCode,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(ipAddress string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		IPAddress: ipAddress,
	})
}

// hashForLogging produces a short stable hash so events for the same
// subject correlate without exposing the subject itself.
func hashForLogging(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}
