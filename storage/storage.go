package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tokensmith/tokensmith/identity"
)

// Sentinel errors returned by storage implementations. Callers match these
// with errors.Is to distinguish not-found conditions from transient backend
// failures.
var (
	// ErrGrantNotFound is returned for a grant identifier that is absent,
	// already consumed, or expired. The three cases are deliberately
	// indistinguishable so lookups do not leak grant existence.
	ErrGrantNotFound = errors.New("grant not found")

	// ErrGrantExists is returned by Create when the grant identifier is
	// already in use. Identifiers carry enough entropy that a collision is
	// an integrity fault, not a policy path.
	ErrGrantExists = errors.New("grant identifier already exists")

	// ErrClientNotFound is returned for an unknown client identifier.
	ErrClientNotFound = errors.New("client not found")

	// ErrApplicationNotFound is returned for an unknown application name.
	ErrApplicationNotFound = errors.New("application not found")

	// ErrInvalidClientSecret is returned when client secret verification fails.
	ErrInvalidClientSecret = errors.New("invalid client credentials")
)

// Flow is the single OAuth grant type a client is configured to use.
type Flow string

const (
	FlowResourceOwner     Flow = "resource_owner"
	FlowClient            Flow = "client"
	FlowAssertion         Flow = "assertion"
	FlowAuthorizationCode Flow = "authorization_code"
)

// AuthMethodSharedSecret is the only client authentication method supported
// today. The field exists so additional methods (private_key_jwt, mTLS) can
// be added without a schema change.
const AuthMethodSharedSecret = "shared_secret"

// Client is an identity allowed to request tokens. A client is bound to
// exactly one flow and may only be validated against that flow.
type Client struct {
	ClientID          string
	AuthMethod        string // AuthMethodSharedSecret
	SecretHash        string // bcrypt hash, never logged
	Flow              Flow
	AllowRefreshToken bool
	CreatedAt         time.Time
}

// Scope is a named permission an application exposes. AllowedClients is a
// strict allow-list of client identifiers; an empty list denies all clients.
type Scope struct {
	Name           string
	Description    string
	AllowedClients []string
}

// Application is a protected-resource boundary. Its name is the routing key
// of the token endpoint, its audience the intended token recipient.
type Application struct {
	Name                 string
	Audience             string
	SigningKey           []byte // symmetric key for access-token signatures
	TokenLifetime        time.Duration
	AllowRefreshToken    bool
	RefreshTokenLifetime time.Duration
	Scopes               []Scope
}

// FindScope returns the named scope definition, or nil.
func (a *Application) FindScope(name string) *Scope {
	for i := range a.Scopes {
		if a.Scopes[i].Name == name {
			return &a.Scopes[i]
		}
	}
	return nil
}

// AllowsClient reports whether the client is on this scope's allow-list.
func (s *Scope) AllowsClient(clientID string) bool {
	for _, id := range s.AllowedClients {
		if id == clientID {
			return true
		}
	}
	return false
}

// GrantType distinguishes the two kinds of persisted grants.
type GrantType string

const (
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeRefreshToken      GrantType = "refresh_token"
)

// StoredGrant is a persisted authorization artifact. Its identifier doubles
// as the wire value of the refresh token or authorization code it backs.
type StoredGrant struct {
	GrantID     string
	Type        GrantType
	ClientID    string
	Application string
	RedirectURI string // authorization codes only

	// ResourceOwner is the identity the grant was issued for. Empty for
	// grants derived from client credentials.
	ResourceOwner identity.Identity

	Scopes []string

	// CreateRefreshToken controls rotation: when true, redeeming this grant
	// consumes it and mints a replacement under a new identifier.
	CreateRefreshToken bool

	Expiration             time.Time
	RefreshTokenExpiration time.Time
	CreatedAt              time.Time
}

// Expired reports whether the grant is past its expiration.
func (g *StoredGrant) Expired(now time.Time) bool {
	return !g.Expiration.IsZero() && now.After(g.Expiration)
}

// GrantStore owns persisted grants. An expired grant is indistinguishable
// from an absent one on every read path.
//
// Implementations must serialize read-modify-write sequences per grant
// identifier: of two concurrent Consume calls for the same identifier,
// exactly one succeeds and the other observes ErrGrantNotFound. This is the
// contract that prevents refresh-token and authorization-code replay races.
// All methods accept context.Context for tracing and cancellation.
type GrantStore interface {
	// Get retrieves a grant by identifier without consuming it.
	Get(ctx context.Context, grantID string) (*StoredGrant, error)

	// Create inserts a new grant. Fails with ErrGrantExists on identifier
	// collision.
	Create(ctx context.Context, grant *StoredGrant) error

	// Delete removes a grant. Idempotent: deleting an absent identifier
	// succeeds.
	Delete(ctx context.Context, grantID string) error

	// Consume atomically retrieves and deletes a grant. Only one concurrent
	// caller can succeed for a given identifier; all others receive
	// ErrGrantNotFound as if the grant had already been redeemed.
	Consume(ctx context.Context, grantID string) (*StoredGrant, error)

	// Rotate atomically replaces the grant stored under oldID with newGrant.
	// A missing oldID is a no-op success: the caller has already validated
	// existence, so the old identifier being gone means another step of the
	// same redemption removed it.
	Rotate(ctx context.Context, oldID string, newGrant *StoredGrant) error
}

// ClientStore resolves client identifiers to client records and verifies
// shared secrets. Client records are read-only to the issuance core.
type ClientStore interface {
	// GetClient retrieves a client by identifier.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret verifies a client's shared secret in constant
	// time against the protected-at-rest hash. Returns
	// ErrInvalidClientSecret on mismatch or unknown client.
	ValidateClientSecret(ctx context.Context, clientID, secret string) error
}

// ApplicationStore resolves application names to application records.
// Application records are read-only to the issuance core.
type ApplicationStore interface {
	// FindApplication retrieves an application by name.
	FindApplication(ctx context.Context, name string) (*Application, error)
}
