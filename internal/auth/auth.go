// Package auth provides API-key authentication.
//
// Keys are issued to a user at signup and carry the user's tenant, so every
// authenticated request is scoped to exactly one tenant.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pricewatch/pricewatch/internal/idgen"
	"github.com/pricewatch/pricewatch/internal/logging"
)

var (
	ErrNoAPIKey      = errors.New("auth: API key required")
	ErrInvalidAPIKey = errors.New("auth: invalid or expired API key")
	ErrKeyNotFound   = errors.New("auth: API key not found")
)

const (
	keyPrefix = "pw_"
	keyBytes  = 32

	// touchInterval limits last-used writes to one per key per interval.
	touchInterval = time.Minute
)

// APIKey is the stored form of a key. The raw key is never persisted.
type APIKey struct {
	ID          string     `json:"id"`
	Hash        string     `json:"-"`
	UserID      string     `json:"userId"`
	TenantID    string     `json:"tenantId"`
	IsSuperuser bool       `json:"isSuperuser"`
	Name        string     `json:"name"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastUsed    *time.Time `json:"lastUsed,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Revoked     bool       `json:"revoked"`
}

// Usable reports whether the key may authenticate a request at now.
func (k *APIKey) Usable(now time.Time) bool {
	if k.Revoked {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

func (k *APIKey) needsTouch(now time.Time) bool {
	return k.LastUsed == nil || now.Sub(*k.LastUsed) >= touchInterval
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*APIKey, error)
	Revoke(ctx context.Context, tenantID, id string) error
	Touch(ctx context.Context, id string, at time.Time) error
}

// IssueRequest describes who a new key acts for.
type IssueRequest struct {
	UserID      string
	TenantID    string
	IsSuperuser bool
	Name        string
	TTL         time.Duration // zero means no expiry
}

// Manager issues and validates keys.
type Manager struct {
	store Store
	now   func() time.Time
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// GenerateKey creates a key. The raw key is returned once; only its hash
// is stored.
func (m *Manager) GenerateKey(ctx context.Context, req IssueRequest) (string, *APIKey, error) {
	secret := make([]byte, keyBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, err
	}
	raw := keyPrefix + base64.RawURLEncoding.EncodeToString(secret)

	now := m.now().UTC()
	key := &APIKey{
		ID:          idgen.WithPrefix("ak_"),
		Hash:        digest(raw),
		UserID:      req.UserID,
		TenantID:    req.TenantID,
		IsSuperuser: req.IsSuperuser,
		Name:        req.Name,
		CreatedAt:   now,
	}
	if req.TTL > 0 {
		exp := now.Add(req.TTL)
		key.ExpiresAt = &exp
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// ValidateKey resolves a raw key or an "Authorization" header value.
func (m *Manager) ValidateKey(ctx context.Context, credential string) (*APIKey, error) {
	raw := bearer(credential)
	if raw == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(raw, keyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, digest(raw))
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			logging.L(ctx).Warn("api key lookup failed", zap.Error(err))
		}
		return nil, ErrInvalidAPIKey
	}

	now := m.now()
	if !key.Usable(now) {
		return nil, ErrInvalidAPIKey
	}
	if key.needsTouch(now) {
		if err := m.store.Touch(ctx, key.ID, now.UTC()); err != nil {
			logging.L(ctx).Debug("failed to record key use", zap.String("key_id", key.ID), zap.Error(err))
		}
	}
	return key, nil
}

func (m *Manager) ListKeys(ctx context.Context, tenantID string) ([]*APIKey, error) {
	return m.store.ListByTenant(ctx, tenantID)
}

// RevokeKey revokes one of the tenant's keys. Keys of other tenants are
// reported as not found.
func (m *Manager) RevokeKey(ctx context.Context, tenantID, keyID string) error {
	return m.store.Revoke(ctx, tenantID, keyID)
}

// bearer strips an optional case-insensitive "Bearer" scheme.
func bearer(v string) string {
	v = strings.TrimSpace(v)
	if scheme, rest, ok := strings.Cut(v, " "); ok && strings.EqualFold(scheme, "bearer") {
		v = strings.TrimSpace(rest)
	}
	return v
}

func digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
