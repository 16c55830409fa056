package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	j := New("test-secret")

	tok, err := j.Sign("user-1", time.Hour)
	require.NoError(t, err)

	uid, err := j.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", uid)
}

func TestSignEmptyUID(t *testing.T) {
	_, err := New("s").Sign("", time.Hour)
	assert.Error(t, err)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	tok, err := New("secret-a").Sign("user-1", time.Hour)
	require.NoError(t, err)

	_, err = New("secret-b").Verify(tok)
	assert.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	j := New("s")
	tok, err := j.Sign("user-1", -time.Minute)
	require.NoError(t, err)

	_, err = j.Verify(tok)
	assert.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	_, err := New("s").Verify("not.a.token")
	assert.Error(t, err)
}

func TestUserContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "anon", UserID(ctx))

	ctx = WithUser(ctx, "user-9")
	assert.Equal(t, "user-9", UserID(ctx))
}
