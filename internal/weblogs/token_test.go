// ABOUTME: Tests for signed transcript links.
// ABOUTME: Covers round trips, expiry, wrong secrets, and malformed tokens.

package weblogs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkSigner_RoundTrip(t *testing.T) {
	signer := NewLinkSigner([]byte("test-secret"), time.Hour)

	token, err := signer.Sign("thread-1")
	require.NoError(t, err)

	threadID, err := signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "thread-1", threadID)
}

func TestLinkSigner_Expired(t *testing.T) {
	signer := NewLinkSigner([]byte("test-secret"), -time.Minute)

	token, err := signer.Sign("thread-1")
	require.NoError(t, err)

	_, err = signer.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestLinkSigner_WrongSecret(t *testing.T) {
	signer := NewLinkSigner([]byte("test-secret"), time.Hour)
	other := NewLinkSigner([]byte("other-secret"), time.Hour)

	token, err := signer.Sign("thread-1")
	require.NoError(t, err)

	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLinkSigner_Malformed(t *testing.T) {
	signer := NewLinkSigner([]byte("test-secret"), time.Hour)

	_, err := signer.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
