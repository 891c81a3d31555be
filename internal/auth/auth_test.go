package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-os/veritas/internal/model"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	encoded, err := HashAPIKey("sk-veritas-test")
	require.NoError(t, err)
	require.Contains(t, encoded, "$")

	ok, err := VerifyAPIKey("sk-veritas-test", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey("sk-veritas-wrong", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyAPIKeyRejectsMalformedHash(t *testing.T) {
	_, err := VerifyAPIKey("key", "not-a-valid-hash")
	assert.Error(t, err)

	_, err = VerifyAPIKey("key", "!!!$???")
	assert.Error(t, err)
}

func TestHashAPIKeyUniqueSalts(t *testing.T) {
	a, err := HashAPIKey("same-key")
	require.NoError(t, err)
	b, err := HashAPIKey("same-key")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestTokenMintAndVerify(t *testing.T) {
	m := NewTokenMinter("stream-secret", 0)
	require.NotNil(t, m)

	token, expires, err := m.Mint("alice")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(DefaultStreamTokenTTL), expires, time.Minute)

	principal, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", principal)
}

func TestTokenVerifyRejectsWrongSecret(t *testing.T) {
	token, _, err := NewTokenMinter("secret-a", 0).Mint("alice")
	require.NoError(t, err)

	_, err = NewTokenMinter("secret-b", 0).Verify(token)
	require.Error(t, err)
	assert.Equal(t, model.KindUnauthorized, model.KindOf(err))
}

func TestTokenVerifyRejectsExpired(t *testing.T) {
	m := NewTokenMinter("secret", time.Minute)
	m.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	token, _, err := m.Mint("alice")
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.Verify(token)
	require.Error(t, err)
	assert.Equal(t, model.KindUnauthorized, model.KindOf(err))
}

func TestNilMinterRefuses(t *testing.T) {
	m := NewTokenMinter("", 0)
	require.Nil(t, m)

	_, _, err := m.Mint("alice")
	require.Error(t, err)
	assert.Equal(t, model.KindCapabilityUnavailable, model.KindOf(err))

	_, err = m.Verify("anything")
	require.Error(t, err)
	assert.Equal(t, model.KindUnauthorized, model.KindOf(err))
}
