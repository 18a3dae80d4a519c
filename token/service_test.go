package token

import (
	"strings"
	"testing"
	"time"

	"github.com/tokensmith/tokensmith/identity"
	"github.com/tokensmith/tokensmith/internal/testutil"
)

const (
	testIssuer   = "https://auth.example.com"
	testAudience = "urn:shop"
)

func TestService_RoundTrip(t *testing.T) {
	svc := NewService(testIssuer)

	claims := identity.New(
		identity.Claim{Type: identity.ClaimSubject, Value: "user-1"},
		identity.Claim{Type: identity.ClaimUsername, Value: "alice"},
	)

	signed, err := svc.CreateAccessToken(claims, testAudience, time.Hour, testutil.SigningKey)
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, strings.Count(signed, ".") == 2, "expected a compact JWS")

	parsed, err := svc.ParseAccessToken(signed, testAudience, testutil.SigningKey)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, parsed.Value(identity.ClaimSubject), "user-1")
	testutil.AssertEqual(t, parsed.Value(identity.ClaimUsername), "alice")
}

func TestService_ExpiryWindow(t *testing.T) {
	svc := NewService(testIssuer)
	lifetime := 30 * time.Minute

	before := time.Now()
	signed, err := svc.CreateAccessToken(identity.ForClient("client-1"), testAudience, lifetime, testutil.SigningKey)
	testutil.AssertNoError(t, err)

	exp, err := svc.Expiry(signed, testutil.SigningKey)
	testutil.AssertNoError(t, err)
	testutil.AssertTimeEqual(t, exp, before.Add(lifetime), 2*time.Second)
}

func TestService_ParseRejections(t *testing.T) {
	svc := NewService(testIssuer)

	signed, err := svc.CreateAccessToken(identity.ForClient("client-1"), testAudience, time.Hour, testutil.SigningKey)
	testutil.AssertNoError(t, err)

	tests := []struct {
		name     string
		token    string
		audience string
		key      []byte
	}{
		{name: "wrong audience", token: signed, audience: "urn:other", key: testutil.SigningKey},
		{name: "wrong key", token: signed, audience: testAudience, key: []byte("ffffffffffffffffffffffffffffffff")},
		{name: "tampered token", token: signed + "x", audience: testAudience, key: testutil.SigningKey},
		{name: "garbage", token: "not-a-token", audience: testAudience, key: testutil.SigningKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ParseAccessToken(tt.token, tt.audience, tt.key)
			testutil.AssertError(t, err)
		})
	}
}

func TestService_ReservedClaimsAreNotOverridable(t *testing.T) {
	svc := NewService(testIssuer)

	claims := identity.New(
		identity.Claim{Type: "iss", Value: "https://evil.example.com"},
		identity.Claim{Type: identity.ClaimSubject, Value: "user-1"},
	)

	signed, err := svc.CreateAccessToken(claims, testAudience, time.Hour, testutil.SigningKey)
	testutil.AssertNoError(t, err)

	// Still parses under the configured issuer, so the claim was ignored.
	parsed, err := svc.ParseAccessToken(signed, testAudience, testutil.SigningKey)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, parsed.Value(identity.ClaimSubject), "user-1")
}

func TestService_CreateAccessToken_InputValidation(t *testing.T) {
	svc := NewService(testIssuer)

	if _, err := svc.CreateAccessToken(nil, testAudience, time.Hour, nil); err == nil {
		t.Fatal("expected error for missing signing key")
	}
	if _, err := svc.CreateAccessToken(nil, testAudience, 0, testutil.SigningKey); err == nil {
		t.Fatal("expected error for zero lifetime")
	}
}

func TestService_ExpiredTokenIsRejected(t *testing.T) {
	svc := NewService(testIssuer)
	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	signed, err := svc.CreateAccessToken(identity.ForClient("client-1"), testAudience, time.Hour, testutil.SigningKey)
	testutil.AssertNoError(t, err)

	fresh := NewService(testIssuer)
	_, err = fresh.ParseAccessToken(signed, testAudience, testutil.SigningKey)
	testutil.AssertError(t, err)
}
