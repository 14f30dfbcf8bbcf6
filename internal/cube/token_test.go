package cube

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func parseToken(t *testing.T, token, secret string) jwt.MapClaims {
	t.Helper()

	parsed, err := jwt.Parse(token, func(tok *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claims, ok := parsed.Claims.(jwt.MapClaims)
	require.True(t, ok)
	return claims
}

func TestSignTokenIsDeterministic(t *testing.T) {
	t.Parallel()

	claims := map[string]any{"tenant": "acme", "role": "reader"}
	first, err := SignToken(claims, "s3cret")
	require.NoError(t, err)
	second, err := SignToken(claims, "s3cret")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	got := parseToken(t, first, "s3cret")
	assert.Equal(t, "acme", got["tenant"])
	assert.Equal(t, "reader", got["role"])
}

func TestSignTokenRequiresSecret(t *testing.T) {
	t.Parallel()

	_, err := SignToken(map[string]any{}, "")
	require.Error(t, err)
}

func TestParseClaims(t *testing.T) {
	t.Parallel()

	claims, err := ParseClaims(`{"tenant":"acme"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tenant": "acme"}, claims)

	claims, err = ParseClaims("  ")
	require.NoError(t, err)
	assert.Empty(t, claims)

	claims, err = ParseClaims("null")
	require.NoError(t, err)
	assert.NotNil(t, claims)

	_, err = ParseClaims("{not json")
	require.Error(t, err)
}

func TestNewStaticTokenFallsBackToEmptyClaims(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	token, err := NewStaticToken("{broken", "s3cret", zap.New(core))
	require.NoError(t, err)

	assert.Equal(t, 1, logs.FilterMessage("failed to parse token payload").Len())
	assert.Empty(t, parseToken(t, token.CurrentToken(), "s3cret"))
}

func TestNewStaticTokenKeepsClaims(t *testing.T) {
	t.Parallel()

	token, err := NewStaticToken(`{"sub":"agent"}`, "s3cret", nil)
	require.NoError(t, err)

	claims := parseToken(t, token.CurrentToken(), "s3cret")
	assert.Equal(t, "agent", claims["sub"])
	assert.Equal(t, token.CurrentToken(), token.CurrentToken())
}
