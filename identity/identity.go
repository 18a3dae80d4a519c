// Package identity represents authenticated principals as ordered claim sets.
// A claim set is built once per request and passed through the token pipeline
// unchanged; nothing in the core mutates a claim set after construction.
package identity

// Well-known claim types used by the token-issuance core.
const (
	ClaimClientID = "client_id"
	ClaimSecret   = "secret"
	ClaimSubject  = "sub"
	ClaimUsername = "username"
)

// Claim is a single (type, value) pair.
type Claim struct {
	Type  string
	Value string
}

// Identity is an ordered set of claims describing an authenticated principal:
// either a resource owner or a client acting on its own behalf.
type Identity []Claim

// New builds an identity from the given claims, preserving order.
func New(claims ...Claim) Identity {
	out := make(Identity, len(claims))
	copy(out, claims)
	return out
}

// ForClient builds the identity used for client-credentials issuance:
// the client is its own subject.
func ForClient(clientID string) Identity {
	return Identity{
		{Type: ClaimClientID, Value: clientID},
		{Type: ClaimSubject, Value: clientID},
	}
}

// Value returns the value of the first claim with the given type, or "".
func (i Identity) Value(claimType string) string {
	for _, c := range i {
		if c.Type == claimType {
			return c.Value
		}
	}
	return ""
}

// Values returns all values for the given claim type, in order.
func (i Identity) Values(claimType string) []string {
	var out []string
	for _, c := range i {
		if c.Type == claimType {
			out = append(out, c.Value)
		}
	}
	return out
}

// Has reports whether a claim with the given type is present.
func (i Identity) Has(claimType string) bool {
	for _, c := range i {
		if c.Type == claimType {
			return true
		}
	}
	return false
}

// Subject returns the sub claim, falling back to username when absent.
func (i Identity) Subject() string {
	if sub := i.Value(ClaimSubject); sub != "" {
		return sub
	}
	return i.Value(ClaimUsername)
}

// Clone returns an independent copy of the identity.
func (i Identity) Clone() Identity {
	if i == nil {
		return nil
	}
	out := make(Identity, len(i))
	copy(out, i)
	return out
}
