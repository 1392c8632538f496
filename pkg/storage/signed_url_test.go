package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignedURLSignerSignAndVerify(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, expiresAt, err := signer.Sign("doc", "coi/abc/gl/policy.pdf")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.False(t, expiresAt.IsZero())

	claims, err := signer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "doc", claims.Subject)
	require.Equal(t, "coi/abc/gl/policy.pdf", claims.Key)
	require.WithinDuration(t, expiresAt, claims.ExpiresAt, time.Second)
}

func TestSignedURLSignerExpired(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, _, err := signer.Sign("doc", "coi/abc/gl/policy.pdf")
	require.NoError(t, err)

	signer.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = signer.Verify(token)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestSignedURLSignerRejectsTampering(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, _, err := signer.Sign("doc", "coi/abc/gl/policy.pdf")
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	other, _, err := signer.Sign("doc", "coi/other/gl/policy.pdf")
	require.NoError(t, err)
	parts[2] = strings.Split(other, ".")[2]
	_, err = signer.Verify(strings.Join(parts, "."))
	require.ErrorIs(t, err, ErrTokenSignature)

	_, err = NewSignedURLSigner("different", time.Hour).Verify(token)
	require.ErrorIs(t, err, ErrTokenSignature)

	_, err = signer.Verify("not-a-token")
	require.ErrorIs(t, err, ErrTokenMalformed)
}
