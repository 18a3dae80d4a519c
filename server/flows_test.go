package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tokensmith/tokensmith/identity"
	"github.com/tokensmith/tokensmith/internal/testutil"
	"github.com/tokensmith/tokensmith/storage"
	"github.com/tokensmith/tokensmith/storage/memory"
)

// newTestStore provisions a memory store with one client per flow, all
// sharing the secret "secret".
func newTestStore(t *testing.T) *memory.Store {
	t.Helper()

	store := memory.New()
	t.Cleanup(func() { store.Stop() })

	ctx := context.Background()
	clients := []*storage.Client{
		testutil.NewTestClient(testClientID, storage.FlowClient, false),
		testutil.NewTestClient(testAssertionClient, storage.FlowAssertion, false),
		testutil.NewTestClient(testROClient, storage.FlowResourceOwner, true),
		testutil.NewTestClient(testCodeClient, storage.FlowAuthorizationCode, true),
	}
	for _, c := range clients {
		if err := store.SaveClient(ctx, c, ""); err != nil {
			t.Fatalf("SaveClient(%s) error = %v", c.ClientID, err)
		}
	}
	if err := store.SaveApplication(ctx, testApplication()); err != nil {
		t.Fatalf("SaveApplication() error = %v", err)
	}
	return store
}

// fakeResourceOwnerValidator accepts exactly alice/abc.
type fakeResourceOwnerValidator struct{}

func (fakeResourceOwnerValidator) ValidateResourceOwner(_ context.Context, username, password string) (identity.Identity, error) {
	if username != "alice" || password != "abc" {
		return nil, fmt.Errorf("credentials rejected")
	}
	return identity.New(
		identity.Claim{Type: identity.ClaimSubject, Value: "user-1"},
		identity.Claim{Type: identity.ClaimUsername, Value: username},
	), nil
}

// fakeAssertionValidator accepts exactly "a-valid-assertion".
type fakeAssertionValidator struct{}

func (fakeAssertionValidator) ValidateAssertion(_ context.Context, _, assertion string) (identity.Identity, error) {
	if assertion != "a-valid-assertion" {
		return nil, fmt.Errorf("assertion rejected")
	}
	return identity.New(
		identity.Claim{Type: identity.ClaimSubject, Value: "asserted-user"},
	), nil
}

func setupIssuanceTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()

	store := newTestStore(t)
	srv, err := New(store, store, store, &Config{
		Issuer: "https://auth.example.com",
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.SetResourceOwnerValidator(fakeResourceOwnerValidator{})
	srv.SetAssertionValidator(fakeAssertionValidator{})
	return srv, store
}

func TestServer_PasswordGrant(t *testing.T) {
	ctx := context.Background()
	srv, _ := setupIssuanceTestServer(t)

	tests := []struct {
		name     string
		username string
		password string
		wantCode string
	}{
		{name: "valid credentials", username: "alice", password: "abc"},
		{name: "wrong password", username: "alice", password: "nope", wantCode: ErrorCodeInvalidGrant},
		{name: "unknown user", username: "bob", password: "abc", wantCode: ErrorCodeInvalidGrant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &TokenRequest{
				GrantType: GrantTypePassword,
				Username:  tt.username,
				Password:  tt.password,
				Scope:     "read",
			}
			resp, err := srv.IssueToken(ctx, "shop", req, testPrincipal(testROClient, testSecret))

			if tt.wantCode != "" {
				if got := errorCode(err); got != tt.wantCode {
					t.Fatalf("IssueToken() error code = %q, want %q (err: %v)", got, tt.wantCode, err)
				}
				return
			}

			testutil.AssertNoError(t, err)
			testutil.AssertTrue(t, resp.AccessToken != "", "access token must not be empty")
			testutil.AssertTrue(t, resp.RefreshToken != "", "refresh token must be issued for this client")
			testutil.AssertEqual(t, resp.TokenType, "Bearer")
			testutil.AssertEqual(t, resp.ExpiresIn, int64(3600))
			testutil.AssertEqual(t, resp.Scope, "read")
		})
	}
}

func TestServer_PasswordGrant_ValidatorNotConfigured(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	srv, err := New(store, store, store, &Config{Issuer: "https://auth.example.com"}, nil)
	testutil.AssertNoError(t, err)

	req := &TokenRequest{GrantType: GrantTypePassword, Username: "alice", Password: "abc", Scope: "read"}
	_, err = srv.IssueToken(ctx, "shop", req, testPrincipal(testROClient, testSecret))
	if got := errorCode(err); got != ErrorCodeServerError {
		t.Fatalf("IssueToken() error code = %q, want %q", got, ErrorCodeServerError)
	}
}

func TestServer_ClientCredentialsGrant(t *testing.T) {
	ctx := context.Background()
	srv, _ := setupIssuanceTestServer(t)

	req := &TokenRequest{GrantType: GrantTypeClientCredentials, Scope: "read"}
	resp, err := srv.IssueToken(ctx, "shop", req, testPrincipal(testClientID, testSecret))

	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, resp.AccessToken != "", "access token must not be empty")
	testutil.AssertTrue(t, resp.RefreshToken == "", "client credentials grant must not issue a refresh token")
}

func TestServer_AssertionGrant(t *testing.T) {
	ctx := context.Background()
	srv, _ := setupIssuanceTestServer(t)

	t.Run("valid assertion", func(t *testing.T) {
		req := &TokenRequest{GrantType: GrantTypeAssertion, Assertion: "a-valid-assertion", Scope: "read"}
		resp, err := srv.IssueToken(ctx, "shop", req, testPrincipal(testAssertionClient, testSecret))
		testutil.AssertNoError(t, err)
		testutil.AssertTrue(t, resp.AccessToken != "", "access token must not be empty")
	})

	t.Run("rejected assertion", func(t *testing.T) {
		req := &TokenRequest{GrantType: GrantTypeAssertion, Assertion: "bogus", Scope: "read"}
		_, err := srv.IssueToken(ctx, "shop", req, testPrincipal(testAssertionClient, testSecret))
		if got := errorCode(err); got != ErrorCodeInvalidGrant {
			t.Fatalf("IssueToken() error code = %q, want %q", got, ErrorCodeInvalidGrant)
		}
	})
}

func TestServer_RefreshTokenGrant_Rotation(t *testing.T) {
	ctx := context.Background()
	srv, store := setupIssuanceTestServer(t)

	grant := testutil.NewTestGrant("refresh-1", storage.GrantTypeRefreshToken, testROClient, "shop")
	testutil.AssertNoError(t, store.Create(ctx, grant))

	req := &TokenRequest{GrantType: GrantTypeRefreshToken, RefreshToken: "refresh-1"}
	resp, err := srv.IssueToken(ctx, "shop", req, testPrincipal(testROClient, testSecret))
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, resp.AccessToken != "", "access token must not be empty")
	testutil.AssertTrue(t, resp.RefreshToken != "", "rotation must yield a new refresh token")
	testutil.AssertTrue(t, resp.RefreshToken != "refresh-1", "rotation must change the identifier")

	// The consumed identifier is permanently unusable.
	_, err = srv.IssueToken(ctx, "shop", req, testPrincipal(testROClient, testSecret))
	if got := errorCode(err); got != ErrorCodeInvalidGrant {
		t.Fatalf("second redemption error code = %q, want %q", got, ErrorCodeInvalidGrant)
	}

	// The rotated identifier works.
	rotated := &TokenRequest{GrantType: GrantTypeRefreshToken, RefreshToken: resp.RefreshToken}
	_, err = srv.IssueToken(ctx, "shop", rotated, testPrincipal(testROClient, testSecret))
	testutil.AssertNoError(t, err)
}

func TestServer_RefreshTokenGrant_NoRotation(t *testing.T) {
	ctx := context.Background()
	srv, store := setupIssuanceTestServer(t)

	grant := testutil.NewTestGrant("refresh-static", storage.GrantTypeRefreshToken, testROClient, "shop")
	grant.CreateRefreshToken = false
	testutil.AssertNoError(t, store.Create(ctx, grant))

	req := &TokenRequest{GrantType: GrantTypeRefreshToken, RefreshToken: "refresh-static"}
	resp, err := srv.IssueToken(ctx, "shop", req, testPrincipal(testROClient, testSecret))
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, resp.AccessToken != "", "access token must not be empty")
	testutil.AssertTrue(t, resp.RefreshToken == "", "no new refresh token without rotation")

	// The identifier stays redeemable.
	resp, err = srv.IssueToken(ctx, "shop", req, testPrincipal(testROClient, testSecret))
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, resp.AccessToken != "", "identifier must remain usable")
}

func TestServer_RefreshTokenGrant_ConcurrentRedemption(t *testing.T) {
	ctx := context.Background()
	srv, store := setupIssuanceTestServer(t)

	grant := testutil.NewTestGrant("refresh-race", storage.GrantTypeRefreshToken, testROClient, "shop")
	testutil.AssertNoError(t, store.Create(ctx, grant))

	const attempts = 10
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := &TokenRequest{GrantType: GrantTypeRefreshToken, RefreshToken: "refresh-race"}
			_, err := srv.IssueToken(ctx, "shop", req, testPrincipal(testROClient, testSecret))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		} else if got := errorCode(err); got != ErrorCodeInvalidGrant {
			t.Errorf("loser error code = %q, want %q (err: %v)", got, ErrorCodeInvalidGrant, err)
		}
	}
	testutil.AssertEqual(t, successes, 1)
}

func TestServer_RefreshTokenGrant_WrongClient(t *testing.T) {
	ctx := context.Background()
	srv, store := setupIssuanceTestServer(t)

	grant := testutil.NewTestGrant("refresh-foreign", storage.GrantTypeRefreshToken, testCodeClient, "shop")
	testutil.AssertNoError(t, store.Create(ctx, grant))

	req := &TokenRequest{GrantType: GrantTypeRefreshToken, RefreshToken: "refresh-foreign"}
	_, err := srv.IssueToken(ctx, "shop", req, testPrincipal(testROClient, testSecret))
	if got := errorCode(err); got != ErrorCodeInvalidGrant {
		t.Fatalf("IssueToken() error code = %q, want %q", got, ErrorCodeInvalidGrant)
	}
}

func TestServer_AuthorizationCodeGrant(t *testing.T) {
	ctx := context.Background()
	srv, store := setupIssuanceTestServer(t)

	newCode := func(t *testing.T, id string) *storage.StoredGrant {
		t.Helper()
		grant := testutil.NewTestGrant(id, storage.GrantTypeAuthorizationCode, testCodeClient, "shop")
		grant.RedirectURI = "https://example.com/cb"
		grant.Expiration = time.Now().Add(10 * time.Minute)
		testutil.AssertNoError(t, store.Create(ctx, grant))
		return grant
	}

	t.Run("valid redemption is single use", func(t *testing.T) {
		newCode(t, "code-1")
		req := &TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: "code-1", RedirectURI: "https://example.com/cb"}

		resp, err := srv.IssueToken(ctx, "shop", req, testPrincipal(testCodeClient, testSecret))
		testutil.AssertNoError(t, err)
		testutil.AssertTrue(t, resp.AccessToken != "", "access token must not be empty")
		testutil.AssertTrue(t, resp.RefreshToken != "", "code redemption should mint a refresh token here")

		_, err = srv.IssueToken(ctx, "shop", req, testPrincipal(testCodeClient, testSecret))
		if got := errorCode(err); got != ErrorCodeInvalidGrant {
			t.Fatalf("second redemption error code = %q, want %q", got, ErrorCodeInvalidGrant)
		}
	})

	t.Run("redirect URI mismatch", func(t *testing.T) {
		newCode(t, "code-2")
		req := &TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: "code-2", RedirectURI: "https://evil.example.com/cb"}
		_, err := srv.IssueToken(ctx, "shop", req, testPrincipal(testCodeClient, testSecret))
		if got := errorCode(err); got != ErrorCodeInvalidGrant {
			t.Fatalf("IssueToken() error code = %q, want %q", got, ErrorCodeInvalidGrant)
		}
	})

	t.Run("unknown code", func(t *testing.T) {
		req := &TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: "never-issued", RedirectURI: "https://example.com/cb"}
		_, err := srv.IssueToken(ctx, "shop", req, testPrincipal(testCodeClient, testSecret))
		if got := errorCode(err); got != ErrorCodeInvalidGrant {
			t.Fatalf("IssueToken() error code = %q, want %q", got, ErrorCodeInvalidGrant)
		}
	})
}

func TestServer_UnknownApplication(t *testing.T) {
	ctx := context.Background()
	srv, _ := setupIssuanceTestServer(t)

	req := &TokenRequest{GrantType: GrantTypeClientCredentials, Scope: "read"}
	_, err := srv.IssueToken(ctx, "no-such-app", req, testPrincipal(testClientID, testSecret))
	if got := errorCode(err); got != ErrorCodeInvalidRequest {
		t.Fatalf("IssueToken() error code = %q, want %q", got, ErrorCodeInvalidRequest)
	}
}

func TestServer_RevokeGrant(t *testing.T) {
	ctx := context.Background()
	srv, store := setupIssuanceTestServer(t)

	t.Run("own grant is removed", func(t *testing.T) {
		grant := testutil.NewTestGrant("revoke-me", storage.GrantTypeRefreshToken, testROClient, "shop")
		testutil.AssertNoError(t, store.Create(ctx, grant))

		testutil.AssertNoError(t, srv.RevokeGrant(ctx, "shop", "revoke-me", testPrincipal(testROClient, testSecret)))

		_, err := store.Get(ctx, "revoke-me")
		testutil.AssertError(t, err)
	})

	t.Run("unknown identifier succeeds", func(t *testing.T) {
		testutil.AssertNoError(t, srv.RevokeGrant(ctx, "shop", "never-issued", testPrincipal(testROClient, testSecret)))
	})

	t.Run("foreign grant is kept but reported as success", func(t *testing.T) {
		grant := testutil.NewTestGrant("keep-me", storage.GrantTypeRefreshToken, testCodeClient, "shop")
		testutil.AssertNoError(t, store.Create(ctx, grant))

		testutil.AssertNoError(t, srv.RevokeGrant(ctx, "shop", "keep-me", testPrincipal(testROClient, testSecret)))

		_, err := store.Get(ctx, "keep-me")
		testutil.AssertNoError(t, err)
	})
}

// stalledResourceOwnerValidator blocks until the caller's context expires.
type stalledResourceOwnerValidator struct{}

func (stalledResourceOwnerValidator) ValidateResourceOwner(ctx context.Context, _, _ string) (identity.Identity, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestServer_PasswordGrant_CollaboratorTimeout(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	srv, err := New(store, store, store, &Config{
		Issuer:              "https://auth.example.com",
		CollaboratorTimeout: 1,
	}, nil)
	testutil.AssertNoError(t, err)
	srv.SetResourceOwnerValidator(stalledResourceOwnerValidator{})

	req := &TokenRequest{GrantType: GrantTypePassword, Scope: "read", Username: "alice", Password: "abc"}
	_, err = srv.IssueToken(ctx, "shop", req, testPrincipal(testROClient, testSecret))
	if got := errorCode(err); got != ErrorCodeServerError {
		t.Fatalf("IssueToken() error code = %q, want %q", got, ErrorCodeServerError)
	}
}

// deadlineRecordingStore wraps the memory store and records whether lookups
// arrive with a context deadline.
type deadlineRecordingStore struct {
	*memory.Store
	findApplicationBounded      bool
	validateClientSecretBounded bool
	getClientBounded            bool
}

func (d *deadlineRecordingStore) FindApplication(ctx context.Context, name string) (*storage.Application, error) {
	_, d.findApplicationBounded = ctx.Deadline()
	return d.Store.FindApplication(ctx, name)
}

func (d *deadlineRecordingStore) ValidateClientSecret(ctx context.Context, clientID, secret string) error {
	_, d.validateClientSecretBounded = ctx.Deadline()
	return d.Store.ValidateClientSecret(ctx, clientID, secret)
}

func (d *deadlineRecordingStore) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	_, d.getClientBounded = ctx.Deadline()
	return d.Store.GetClient(ctx, clientID)
}

func TestServer_StoreLookupsAreBounded(t *testing.T) {
	ctx := context.Background()
	wrapped := &deadlineRecordingStore{Store: newTestStore(t)}
	srv, err := New(wrapped, wrapped, wrapped, &Config{Issuer: "https://auth.example.com"}, nil)
	testutil.AssertNoError(t, err)

	req := &TokenRequest{GrantType: GrantTypeClientCredentials, Scope: "read"}
	_, err = srv.IssueToken(ctx, "shop", req, testPrincipal(testClientID, testSecret))
	testutil.AssertNoError(t, err)

	testutil.AssertTrue(t, wrapped.findApplicationBounded, "application lookup must carry a deadline")
	testutil.AssertTrue(t, wrapped.validateClientSecretBounded, "client secret check must carry a deadline")
	testutil.AssertTrue(t, wrapped.getClientBounded, "client lookup must carry a deadline")
}

func TestServer_CreateAuthorizationCodeGrant(t *testing.T) {
	ctx := context.Background()
	srv, store := setupIssuanceTestServer(t)
	owner := identity.New(identity.Claim{Type: identity.ClaimSubject, Value: "user-9"})

	t.Run("issued code follows the configured lifetime and redeems once", func(t *testing.T) {
		code, err := srv.CreateAuthorizationCodeGrant(ctx, "shop", testCodeClient, "https://example.com/cb", owner, []string{"read"})
		testutil.AssertNoError(t, err)
		testutil.AssertTrue(t, code != "", "code must not be empty")

		stored, err := store.Get(ctx, code)
		testutil.AssertNoError(t, err)
		testutil.AssertTimeEqual(t, time.Now().Add(10*time.Minute), stored.Expiration, 5*time.Second)

		req := &TokenRequest{GrantType: GrantTypeAuthorizationCode, Code: code, RedirectURI: "https://example.com/cb"}
		resp, err := srv.IssueToken(ctx, "shop", req, testPrincipal(testCodeClient, testSecret))
		testutil.AssertNoError(t, err)
		testutil.AssertTrue(t, resp.AccessToken != "", "access token must not be empty")

		_, err = srv.IssueToken(ctx, "shop", req, testPrincipal(testCodeClient, testSecret))
		if got := errorCode(err); got != ErrorCodeInvalidGrant {
			t.Fatalf("second redemption error code = %q, want %q", got, ErrorCodeInvalidGrant)
		}
	})

	t.Run("client outside the authorization code flow is refused", func(t *testing.T) {
		_, err := srv.CreateAuthorizationCodeGrant(ctx, "shop", testClientID, "https://example.com/cb", owner, []string{"read"})
		if got := errorCode(err); got != ErrorCodeUnauthorizedClient {
			t.Fatalf("CreateAuthorizationCodeGrant() error code = %q, want %q", got, ErrorCodeUnauthorizedClient)
		}
	})

	t.Run("unknown client is refused", func(t *testing.T) {
		_, err := srv.CreateAuthorizationCodeGrant(ctx, "shop", "no-such-client", "https://example.com/cb", owner, []string{"read"})
		if got := errorCode(err); got != ErrorCodeUnauthorizedClient {
			t.Fatalf("CreateAuthorizationCodeGrant() error code = %q, want %q", got, ErrorCodeUnauthorizedClient)
		}
	})
}

func TestNew_PropagatesClockSkewGracePeriod(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := New(store, store, store, &Config{
		Issuer:               "https://auth.example.com",
		ClockSkewGracePeriod: 30,
	}, nil)
	testutil.AssertNoError(t, err)

	grant := testutil.NewTestGrant("skewed", storage.GrantTypeRefreshToken, testROClient, "shop")
	grant.Expiration = time.Now().Add(-10 * time.Second)
	testutil.AssertNoError(t, store.Create(ctx, grant))

	// Ten seconds past expiry exceeds the store's own default grace but
	// stays within the configured thirty seconds.
	_, err = store.Get(ctx, "skewed")
	testutil.AssertNoError(t, err)
}
