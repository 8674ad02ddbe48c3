package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/prospectly/courier/internal/data/cryptoutil"
)

func newTestCredentialService(t *testing.T, cache *memCache) *CredentialService {
	t.Helper()
	svc, err := NewCredentialService(CredentialServiceOptions{
		Cache:     cache,
		Encryptor: cryptoutil.NoopEncryptor{},
		TTL:       time.Minute,
		TTLBuffer: 30 * time.Second,
	})
	require.NoError(t, err)
	return svc
}

func TestNewCredentialService(t *testing.T) {
	t.Run("missing cache", func(t *testing.T) {
		_, err := NewCredentialService(CredentialServiceOptions{Encryptor: cryptoutil.NoopEncryptor{}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CacheRepository is required")
	})

	t.Run("missing encryptor", func(t *testing.T) {
		_, err := NewCredentialService(CredentialServiceOptions{Cache: newMemCache()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Encryptor is required")
	})

	t.Run("defaults", func(t *testing.T) {
		svc, err := NewCredentialService(CredentialServiceOptions{
			Cache:     newMemCache(),
			Encryptor: cryptoutil.NoopEncryptor{},
		})
		require.NoError(t, err)
		assert.Equal(t, defaultCredentialTTL, svc.ttl)
		assert.Equal(t, defaultCredentialTTLBuffer, svc.ttlBuffer)
	})
}

func TestCredentialRoundTrip(t *testing.T) {
	cache := newMemCache()
	svc := newTestCredentialService(t, cache)
	ctx := context.Background()

	token := &oauth2.Token{
		AccessToken:  "at-123",
		RefreshToken: "rt-456",
		TokenType:    "Bearer",
	}
	require.NoError(t, svc.Set(ctx, "linkedin", "acct-1", token))

	got, err := svc.Get(ctx, "linkedin", "acct-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "at-123", got.AccessToken)
	assert.Equal(t, "rt-456", got.RefreshToken)
	assert.Equal(t, "Bearer", got.TokenType)
}

func TestCredentialSetStoresCiphertextOnly(t *testing.T) {
	cache := newMemCache()

	key, err := cryptoutil.NewAESGCMEncryptor([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	svc, err := NewCredentialService(CredentialServiceOptions{
		Cache:     cache,
		Encryptor: key,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, svc.Set(ctx, "sendgrid", "acct-2", &oauth2.Token{AccessToken: "plaintext-secret"}))

	raw, err := cache.Get(ctx, "credential:sendgrid:acct-2")
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.NotContains(t, string(raw), "plaintext-secret")

	got, err := svc.Get(ctx, "sendgrid", "acct-2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "plaintext-secret", got.AccessToken)
}

func TestCredentialTTLDerivedFromExpiry(t *testing.T) {
	cache := newMemCache()
	svc, err := NewCredentialService(CredentialServiceOptions{
		Cache:     cache,
		Encryptor: cryptoutil.NoopEncryptor{},
		TTL:       time.Hour,
		TTLBuffer: 30 * time.Second,
	})
	require.NoError(t, err)

	token := &oauth2.Token{
		AccessToken: "at",
		Expiry:      time.Now().Add(10 * time.Minute),
	}
	require.NoError(t, svc.Set(context.Background(), "linkedin", "acct-3", token))

	// TTL is the remaining lifetime minus the buffer, not the fallback.
	ttl := cache.ttlOf("credential:linkedin:acct-3")
	assert.Greater(t, ttl, 9*time.Minute)
	assert.Less(t, ttl, 10*time.Minute)
}

func TestCredentialSetTTLOverride(t *testing.T) {
	ctx := context.Background()

	t.Run("override replaces the fallback TTL", func(t *testing.T) {
		cache := newMemCache()
		svc := newTestCredentialService(t, cache) // fallback TTL is one minute

		token := &oauth2.Token{AccessToken: "at"}
		require.NoError(t, svc.Set(ctx, "linkedin", "acct-7", token, 5*time.Minute))

		assert.Equal(t, 5*time.Minute, cache.ttlOf("credential:linkedin:acct-7"))
	})

	t.Run("token expiry still caps the override", func(t *testing.T) {
		cache := newMemCache()
		svc := newTestCredentialService(t, cache)

		token := &oauth2.Token{
			AccessToken: "at",
			Expiry:      time.Now().Add(2 * time.Minute),
		}
		require.NoError(t, svc.Set(ctx, "linkedin", "acct-8", token, time.Hour))

		ttl := cache.ttlOf("credential:linkedin:acct-8")
		assert.Greater(t, ttl, time.Minute)
		assert.Less(t, ttl, 2*time.Minute)
	})

	t.Run("non-positive override rejected", func(t *testing.T) {
		svc := newTestCredentialService(t, newMemCache())

		err := svc.Set(ctx, "linkedin", "acct-9", &oauth2.Token{AccessToken: "at"}, 0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be positive")
	})

	t.Run("multiple overrides rejected", func(t *testing.T) {
		svc := newTestCredentialService(t, newMemCache())

		err := svc.Set(ctx, "linkedin", "acct-10", &oauth2.Token{AccessToken: "at"}, time.Minute, time.Hour)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at most one")
	})
}

func TestCredentialSetRejectsNearlyExpiredToken(t *testing.T) {
	svc := newTestCredentialService(t, newMemCache())

	token := &oauth2.Token{
		AccessToken: "at",
		Expiry:      time.Now().Add(10 * time.Second), // inside the 30s buffer
	}
	err := svc.Set(context.Background(), "linkedin", "acct-4", token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expire")
}

func TestCredentialGetMiss(t *testing.T) {
	svc := newTestCredentialService(t, newMemCache())

	got, err := svc.Get(context.Background(), "linkedin", "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCredentialTamperedEntryTreatedAsMissAndEvicted(t *testing.T) {
	cache := newMemCache()

	key, err := cryptoutil.NewAESGCMEncryptor([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	svc, err := NewCredentialService(CredentialServiceOptions{Cache: cache, Encryptor: key})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, svc.Set(ctx, "linkedin", "acct-5", &oauth2.Token{AccessToken: "at"}))

	// Corrupt the stored ciphertext.
	require.NoError(t, cache.Set(ctx, "credential:linkedin:acct-5", []byte("v1:garbage"), time.Minute))

	got, err := svc.Get(ctx, "linkedin", "acct-5")
	require.NoError(t, err)
	assert.Nil(t, got)

	exists, err := cache.Exists(ctx, "credential:linkedin:acct-5")
	require.NoError(t, err)
	assert.False(t, exists, "unreadable entry should be evicted")
}

func TestCredentialValidation(t *testing.T) {
	svc := newTestCredentialService(t, newMemCache())
	ctx := context.Background()

	require.Error(t, svc.Set(ctx, "", "s", &oauth2.Token{}))
	require.Error(t, svc.Set(ctx, "p", "", &oauth2.Token{}))
	require.Error(t, svc.Set(ctx, "p", "s", nil))

	_, err := svc.Get(ctx, "", "s")
	require.Error(t, err)
	_, err = svc.Exists(ctx, "p", "")
	require.Error(t, err)
	require.Error(t, svc.Delete(ctx, "", ""))
}

func TestCredentialDeleteAndExists(t *testing.T) {
	cache := newMemCache()
	svc := newTestCredentialService(t, cache)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "linkedin", "acct-6", &oauth2.Token{AccessToken: "at"}))

	exists, err := svc.Exists(ctx, "linkedin", "acct-6")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, svc.Delete(ctx, "linkedin", "acct-6"))

	exists, err = svc.Exists(ctx, "linkedin", "acct-6")
	require.NoError(t, err)
	assert.False(t, exists)
}
