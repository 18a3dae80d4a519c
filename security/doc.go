// Package security provides the security plumbing around token issuance:
// claim encryption at rest, constant-time expiry checks, rate limiting,
// audit logging with PII hashing, and secure HTTP response headers.
package security
