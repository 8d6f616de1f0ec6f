package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func TestIssueVerifyRoundTrip(t *testing.T) {
	b := NewBroker("secret", time.Hour)

	token, err := b.Issue("principal-1", "admin", testNow)
	require.NoError(t, err)
	assert.Contains(t, token, ".")

	claims, err := b.Verify(token, testNow.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "principal-1", claims.PrincipalID)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, "civicsafe-core", claims.Issuer)
	assert.NotEmpty(t, claims.TokenID)
	assert.Equal(t, testNow.Add(time.Hour).Unix(), claims.ExpiresAt)
}

func TestVerifyRejectsTampering(t *testing.T) {
	b := NewBroker("secret", time.Hour)
	token, err := b.Issue("principal-1", "admin", testNow)
	require.NoError(t, err)

	body, sig, _ := strings.Cut(token, ".")

	cases := []struct {
		name  string
		token string
	}{
		{"no separator", body},
		{"modified body", "x" + body + "." + sig},
		{"modified signature", body + "." + sig[:len(sig)-2]},
		{"empty", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := b.Verify(tc.token, testNow)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	token, err := NewBroker("secret-a", time.Hour).Issue("principal-1", "admin", testNow)
	require.NoError(t, err)

	_, err = NewBroker("secret-b", time.Hour).Verify(token, testNow)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyExpiry(t *testing.T) {
	b := NewBroker("secret", time.Hour)
	token, err := b.Issue("principal-1", "admin", testNow)
	require.NoError(t, err)

	_, err = b.Verify(token, testNow.Add(time.Hour-time.Second))
	assert.NoError(t, err)

	// The expiry instant itself is already too late.
	_, err = b.Verify(token, testNow.Add(time.Hour))
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestBrokerDefaults(t *testing.T) {
	b := NewBroker("", 0)
	token, err := b.Issue("principal-1", "admin", testNow)
	require.NoError(t, err)

	_, err = b.Verify(token, testNow.Add(12*time.Hour-time.Second))
	assert.NoError(t, err)
	_, err = b.Verify(token, testNow.Add(12*time.Hour))
	assert.ErrorIs(t, err, ErrTokenExpired)
}
