// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/tokensmith/tokensmith/instrumentation"
	"github.com/tokensmith/tokensmith/security"
	"github.com/tokensmith/tokensmith/storage"
)

// dummySecretHash is a pre-computed bcrypt hash compared against when a
// client does not exist, so secret validation costs the same whether or not
// the client identifier is known.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Store is an in-memory implementation of storage.GrantStore,
// storage.ClientStore, and storage.ApplicationStore.
type Store struct {
	mu sync.RWMutex

	grants       map[string]*storage.StoredGrant
	clients      map[string]*storage.Client
	applications map[string]*storage.Application

	// encryptor protects resource-owner claim values at rest (optional)
	encryptor *security.Encryptor

	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	cleanupInterval time.Duration
	clockSkewGrace  time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var (
	_ storage.GrantStore       = (*Store)(nil)
	_ storage.ClientStore      = (*Store)(nil)
	_ storage.ApplicationStore = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval
// (one minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a store with a custom cleanup interval. An
// interval of zero disables the cleanup goroutine; expired grants are then
// only filtered at read time.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	s := &Store{
		grants:          make(map[string]*storage.StoredGrant),
		clients:         make(map[string]*storage.Client),
		applications:    make(map[string]*storage.Application),
		cleanupInterval: cleanupInterval,
		clockSkewGrace:  security.DefaultClockSkewGracePeriod,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	if cleanupInterval > 0 {
		go s.cleanupLoop()
	}

	return s
}

// SetLogger sets the logger used for storage diagnostics.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClockSkewGracePeriod overrides the grace period applied to grant
// expiry checks. Negative values are ignored.
func (s *Store) SetClockSkewGracePeriod(grace time.Duration) {
	if grace >= 0 {
		s.clockSkewGrace = grace
	}
}

// SetEncryptor enables encryption of stored resource-owner claims.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptor = enc
}

// SetInstrumentation enables storage-operation metrics and tracing.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
	s.tracer = inst.Tracer("storage")
	s.meter = inst.Meter("storage")
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) expired(expiration time.Time) bool {
	return security.IsExpiredWithGracePeriod(expiration, s.clockSkewGrace)
}

// Get retrieves a grant by identifier. Absent and expired identifiers are
// both reported as storage.ErrGrantNotFound.
func (s *Store) Get(ctx context.Context, grantID string) (*storage.StoredGrant, error) {
	ctx, span := s.startSpan(ctx, "grant_get")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "grant_get", err, start) }()

	s.mu.RLock()
	grant, ok := s.grants[grantID]
	s.mu.RUnlock()

	if !ok || s.expired(grant.Expiration) {
		err = storage.ErrGrantNotFound
		return nil, err
	}

	out, decErr := s.decryptGrant(grant)
	if decErr != nil {
		err = decErr
		return nil, err
	}
	return out, nil
}

// Create inserts a new grant. Identifier collision is an integrity error.
func (s *Store) Create(ctx context.Context, grant *storage.StoredGrant) error {
	ctx, span := s.startSpan(ctx, "grant_create")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "grant_create", err, start) }()

	stored, encErr := s.encryptGrant(grant)
	if encErr != nil {
		err = encErr
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[grant.GrantID]; exists {
		err = fmt.Errorf("%w: %s", storage.ErrGrantExists, grant.GrantID)
		return err
	}
	s.grants[grant.GrantID] = stored

	s.logger.Debug("Stored grant created", "type", string(grant.Type), "client_id", grant.ClientID)
	return nil
}

// Delete removes a grant. Deleting an absent identifier succeeds.
func (s *Store) Delete(ctx context.Context, grantID string) error {
	ctx, span := s.startSpan(ctx, "grant_delete")
	defer span.End()

	start := time.Now()
	defer func() { s.recordOperation(ctx, span, "grant_delete", nil, start) }()

	s.mu.Lock()
	delete(s.grants, grantID)
	s.mu.Unlock()

	return nil
}

// Consume atomically retrieves and deletes a grant. The write lock is held
// across the lookup and the delete so only one concurrent redemption of a
// given identifier can succeed; every other caller observes
// storage.ErrGrantNotFound as if the grant had already been used.
func (s *Store) Consume(ctx context.Context, grantID string) (*storage.StoredGrant, error) {
	ctx, span := s.startSpan(ctx, "grant_consume")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "grant_consume", err, start) }()

	s.mu.Lock()
	grant, ok := s.grants[grantID]
	if ok {
		delete(s.grants, grantID)
	}
	s.mu.Unlock()

	if !ok {
		err = fmt.Errorf("%w: absent or already consumed", storage.ErrGrantNotFound)
		return nil, err
	}
	if s.expired(grant.Expiration) {
		// Consumed-and-expired collapses into not-found; the entry is
		// already gone, which is what expiry means anyway.
		err = fmt.Errorf("%w: expired", storage.ErrGrantNotFound)
		return nil, err
	}

	out, decErr := s.decryptGrant(grant)
	if decErr != nil {
		err = decErr
		return nil, err
	}
	return out, nil
}

// Rotate atomically replaces the grant stored under oldID with newGrant.
// A missing oldID is a no-op success; the insert still happens.
func (s *Store) Rotate(ctx context.Context, oldID string, newGrant *storage.StoredGrant) error {
	ctx, span := s.startSpan(ctx, "grant_rotate")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "grant_rotate", err, start) }()

	stored, encErr := s.encryptGrant(newGrant)
	if encErr != nil {
		err = encErr
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[newGrant.GrantID]; exists {
		err = fmt.Errorf("%w: %s", storage.ErrGrantExists, newGrant.GrantID)
		return err
	}
	delete(s.grants, oldID)
	s.grants[newGrant.GrantID] = stored

	s.logger.Debug("Stored grant rotated", "client_id", newGrant.ClientID)
	return nil
}

// GetClient retrieves a client by identifier.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startSpan(ctx, "client_get")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "client_get", err, start) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}
	return client, nil
}

// ValidateClientSecret verifies a client's shared secret using bcrypt.
// A bcrypt comparison runs whether or not the client exists, so the
// response time does not reveal which client identifiers are registered.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, secret string) error {
	hashToCompare := dummySecretHash

	client, err := s.GetClient(ctx, clientID)
	if err == nil && client.SecretHash != "" {
		hashToCompare = client.SecretHash
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(secret))

	if err != nil || bcryptErr != nil {
		return storage.ErrInvalidClientSecret
	}
	return nil
}

// FindApplication retrieves an application by name.
func (s *Store) FindApplication(ctx context.Context, name string) (*storage.Application, error) {
	ctx, span := s.startSpan(ctx, "application_find")
	defer span.End()

	start := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "application_find", err, start) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.applications[name]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrApplicationNotFound, name)
		return nil, err
	}
	return app, nil
}

// SaveClient stores a client record with its secret hashed at rest. The
// plaintext secret is not retained.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client, secret string) error {
	if client.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}

	stored := *client
	if secret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash client secret: %w", err)
		}
		stored.SecretHash = string(hash)
	}
	if stored.AuthMethod == "" {
		stored.AuthMethod = storage.AuthMethodSharedSecret
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	s.mu.Lock()
	s.clients[client.ClientID] = &stored
	s.mu.Unlock()

	return nil
}

// SaveApplication stores an application record.
func (s *Store) SaveApplication(ctx context.Context, app *storage.Application) error {
	if app.Name == "" {
		return fmt.Errorf("application name is required")
	}

	s.mu.Lock()
	s.applications[app.Name] = app
	s.mu.Unlock()

	return nil
}

// GrantCount returns the number of live grants (for tests and diagnostics).
func (s *Store) GrantCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.grants)
}

// encryptGrant returns a copy of the grant with resource-owner claim values
// encrypted, or the grant itself when encryption is disabled.
func (s *Store) encryptGrant(grant *storage.StoredGrant) (*storage.StoredGrant, error) {
	if s.encryptor == nil || !s.encryptor.IsEnabled() || len(grant.ResourceOwner) == 0 {
		return grant, nil
	}

	out := *grant
	out.ResourceOwner = grant.ResourceOwner.Clone()
	for idx := range out.ResourceOwner {
		enc, err := s.encryptor.Encrypt(out.ResourceOwner[idx].Value)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt resource-owner claim: %w", err)
		}
		out.ResourceOwner[idx].Value = enc
	}
	return &out, nil
}

// decryptGrant reverses encryptGrant.
func (s *Store) decryptGrant(grant *storage.StoredGrant) (*storage.StoredGrant, error) {
	if s.encryptor == nil || !s.encryptor.IsEnabled() || len(grant.ResourceOwner) == 0 {
		return grant, nil
	}

	out := *grant
	out.ResourceOwner = grant.ResourceOwner.Clone()
	for idx := range out.ResourceOwner {
		dec, err := s.encryptor.Decrypt(out.ResourceOwner[idx].Value)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt resource-owner claim: %w", err)
		}
		out.ResourceOwner[idx].Value = dec
	}
	return &out, nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup purges expired grants. Read paths already treat expired grants as
// absent; this just reclaims the memory.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, grant := range s.grants {
		if s.expired(grant.Expiration) {
			delete(s.grants, id)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Expired grants purged", "removed", removed, "remaining", len(s.grants))
	}
}

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "storage."+operation)
}

func (s *Store) recordOperation(ctx context.Context, span trace.Span, operation string, err error, start time.Time) {
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	if s.inst == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String(instrumentation.AttrStorageOperation, operation),
		attribute.String(instrumentation.AttrStorageResult, result),
	)
	s.inst.Metrics().StorageOperationTotal.Add(ctx, 1, attrs)
	s.inst.Metrics().StorageOperationDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
}
