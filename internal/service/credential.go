package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/prospectly/courier/internal/core"
	"github.com/prospectly/courier/internal/data/cryptoutil"
)

const credentialKeyPrefix = "credential:"

// CredentialServiceOptions bundles dependencies for NewCredentialService.
type CredentialServiceOptions struct {
	Cache     core.CacheRepository // Required: backing key-value store
	Encryptor cryptoutil.Encryptor // Required: at-rest encryption for tokens
	TTL       time.Duration        // Optional: fallback lifetime when a token has no expiry, defaults to 15 minutes
	TTLBuffer time.Duration        // Optional: safety margin subtracted from token expiry, defaults to 30 seconds
	Logger    *slog.Logger         // Optional: structured logger
}

// CredentialService caches provider OAuth tokens in the shared cache, keyed
// by provider and subject. Tokens are encrypted before they leave process
// memory; the plaintext only ever exists in the marshal buffer inside Set and
// Get.
type CredentialService struct {
	cache     core.CacheRepository
	encryptor cryptoutil.Encryptor
	ttl       time.Duration
	ttlBuffer time.Duration
	logger    *slog.Logger
}

const (
	defaultCredentialTTL       = 15 * time.Minute
	defaultCredentialTTLBuffer = 30 * time.Second
)

// NewCredentialService creates a new CredentialService.
func NewCredentialService(opts CredentialServiceOptions) (*CredentialService, error) {
	if opts.Cache == nil {
		return nil, errors.New("CacheRepository is required")
	}
	if opts.Encryptor == nil {
		return nil, errors.New("Encryptor is required")
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultCredentialTTL
	}
	ttlBuffer := opts.TTLBuffer
	if ttlBuffer <= 0 {
		ttlBuffer = defaultCredentialTTLBuffer
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "credential_service")
	}

	return &CredentialService{
		cache:     opts.Cache,
		encryptor: opts.Encryptor,
		ttl:       ttl,
		ttlBuffer: ttlBuffer,
		logger:    logger,
	}, nil
}

func credentialKey(provider, subject string) string {
	return credentialKeyPrefix + provider + ":" + subject
}

// Set encrypts and caches the token for the provider and subject. The cache
// lifetime is derived from the token's own expiry minus a safety buffer;
// tokens without an expiry use the configured fallback TTL. An explicit
// ttlOverride replaces the fallback, but the token's remaining lifetime
// still caps it so the cache never outlives the token.
func (s *CredentialService) Set(ctx context.Context, provider, subject string, token *oauth2.Token, ttlOverride ...time.Duration) error {
	if provider == "" || subject == "" {
		return errors.New("provider and subject are required")
	}
	if token == nil {
		return errors.New("token is required")
	}

	ttl := s.ttl
	if len(ttlOverride) > 0 {
		if len(ttlOverride) > 1 {
			return errors.New("at most one ttl override is allowed")
		}
		if ttlOverride[0] <= 0 {
			return errors.New("ttl override must be positive")
		}
		ttl = ttlOverride[0]
	}
	if !token.Expiry.IsZero() {
		remaining := time.Until(token.Expiry) - s.ttlBuffer
		if remaining <= 0 {
			return errors.New("token is expired or expires within the safety buffer")
		}
		if remaining < ttl {
			ttl = remaining
		}
	}

	plaintext, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	ciphertext, err := s.encryptor.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt token: %w", err)
	}

	if err := s.cache.Set(ctx, credentialKey(provider, subject), []byte(ciphertext), ttl); err != nil {
		return fmt.Errorf("cache token: %w", err)
	}
	return nil
}

// Get returns the cached token for the provider and subject, or nil on a
// miss. An entry that fails to decrypt is treated as a miss and evicted so a
// fresh token gets fetched instead of failing repeatedly.
func (s *CredentialService) Get(ctx context.Context, provider, subject string) (*oauth2.Token, error) {
	if provider == "" || subject == "" {
		return nil, errors.New("provider and subject are required")
	}

	key := credentialKey(provider, subject)
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	plaintext, err := s.encryptor.Decrypt(string(raw))
	if err != nil {
		s.evictUnreadable(ctx, key, provider, err)
		return nil, nil
	}

	var token oauth2.Token
	if err := json.Unmarshal(plaintext, &token); err != nil {
		s.evictUnreadable(ctx, key, provider, err)
		return nil, nil
	}

	return &token, nil
}

// Delete removes the cached token for the provider and subject.
func (s *CredentialService) Delete(ctx context.Context, provider, subject string) error {
	if provider == "" || subject == "" {
		return errors.New("provider and subject are required")
	}
	_, err := s.cache.Delete(ctx, credentialKey(provider, subject))
	return err
}

// Exists reports whether a token is cached for the provider and subject.
// It does not attempt decryption.
func (s *CredentialService) Exists(ctx context.Context, provider, subject string) (bool, error) {
	if provider == "" || subject == "" {
		return false, errors.New("provider and subject are required")
	}
	return s.cache.Exists(ctx, credentialKey(provider, subject))
}

func (s *CredentialService) evictUnreadable(ctx context.Context, key, provider string, cause error) {
	if _, err := s.cache.Delete(ctx, key); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "failed to evict unreadable credential", "provider", provider, "error", err)
		return
	}
	if s.logger != nil {
		s.logger.WarnContext(ctx, "evicted unreadable credential", "provider", provider, "error", cause)
	}
}
