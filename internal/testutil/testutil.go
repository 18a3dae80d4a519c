// Package testutil provides testing utilities and fixtures for the
// tokensmith library.
package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/tokensmith/tokensmith/identity"
	"github.com/tokensmith/tokensmith/storage"
)

// SecretHash is the bcrypt hash of "secret", precomputed so tests do not
// pay the hashing cost on every fixture.
const SecretHash = "$2a$10$JnahCGPpi2bTMFFEsMM4iOKnwyZQfd9Jhuz642tHWps7ibWsuPx9a"

// SigningKey is a fixed 32-byte HMAC key for test tokens.
var SigningKey = []byte("0123456789abcdef0123456789abcdef")

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// NewTestClient creates a client fixture bound to the given flow. The
// stored secret is "secret".
func NewTestClient(clientID string, flow storage.Flow, allowRefresh bool) *storage.Client {
	return &storage.Client{
		ClientID:          clientID,
		AuthMethod:        storage.AuthMethodSharedSecret,
		SecretHash:        SecretHash,
		Flow:              flow,
		AllowRefreshToken: allowRefresh,
		CreatedAt:         time.Now(),
	}
}

// NewTestApplication creates an application fixture with "read" and
// "delete" scopes. The "read" scope allows the given clients; "delete"
// allows nobody.
func NewTestApplication(name string, readClients ...string) *storage.Application {
	return &storage.Application{
		Name:                 name,
		Audience:             "urn:" + name,
		SigningKey:           SigningKey,
		TokenLifetime:        time.Hour,
		AllowRefreshToken:    true,
		RefreshTokenLifetime: 24 * time.Hour,
		Scopes: []storage.Scope{
			{Name: "read", Description: "Read access", AllowedClients: readClients},
			{Name: "delete", Description: "Delete access"},
		},
	}
}

// NewTestGrant creates a stored grant fixture expiring one hour out.
func NewTestGrant(grantID string, grantType storage.GrantType, clientID, application string) *storage.StoredGrant {
	now := time.Now()
	return &storage.StoredGrant{
		GrantID:     grantID,
		Type:        grantType,
		ClientID:    clientID,
		Application: application,
		ResourceOwner: identity.New(
			identity.Claim{Type: identity.ClaimSubject, Value: "user-1"},
			identity.Claim{Type: identity.ClaimUsername, Value: "alice"},
		),
		Scopes:                 []string{"read"},
		CreateRefreshToken:     true,
		Expiration:             now.Add(time.Hour),
		RefreshTokenExpiration: now.Add(time.Hour),
		CreatedAt:              now,
	}
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertTrue fails the test if condition is false
func AssertTrue(t *testing.T, condition bool, message string) {
	t.Helper()
	if !condition {
		t.Errorf("assertion failed: %s", message)
	}
}

// AssertTimeEqual asserts two times are equal within a tolerance
func AssertTimeEqual(t *testing.T, got, want time.Time, tolerance time.Duration) {
	t.Helper()
	diff := got.Sub(want)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("time mismatch: got %v, want %v (tolerance: %v, diff: %v)", got, want, tolerance, diff)
	}
}
