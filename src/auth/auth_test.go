package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	iss := NewIssuer("test-secret", 0)

	tok, err := iss.Issue("owner-42")
	require.NoError(t, err)

	ownerID, err := iss.verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "owner-42", ownerID)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	iss := NewIssuer("test-secret", 0)
	other := NewIssuer("different-secret", 0)

	tok, err := iss.Issue("owner-42")
	require.NoError(t, err)

	_, err = other.verify(tok)
	assert.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	iss := NewIssuer("test-secret", 0)
	_, err := iss.verify("not-a-jwt")
	assert.Error(t, err)
}
