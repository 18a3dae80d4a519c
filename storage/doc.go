// Package storage provides interfaces and domain types for persisting the
// state behind token issuance: clients, applications, and stored grants.
//
// The storage package defines the core interfaces used throughout tokensmith:
//   - ClientStore: resolves and authenticates registered clients
//   - ApplicationStore: resolves protected-resource applications
//   - GrantStore: owns the stored-grant lifecycle (authorization codes and
//     refresh tokens)
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development, testing, and
//     single-instance deployments
package storage
