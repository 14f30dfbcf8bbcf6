package cube

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// TokenProvider supplies the credential attached to every engine request.
type TokenProvider interface {
	CurrentToken() string
}

// StaticToken is signed once and held for the life of the process.
// It is never refreshed; an expired token surfaces as a request error.
type StaticToken struct {
	token string
}

func NewStaticToken(payload, secret string, logger *zap.Logger) (*StaticToken, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	claims, err := ParseClaims(payload)
	if err != nil {
		logger.Error("failed to parse token payload", zap.Error(err))
		claims = map[string]any{}
	}

	token, err := SignToken(claims, secret)
	if err != nil {
		return nil, err
	}

	return &StaticToken{token: token}, nil
}

func (s *StaticToken) CurrentToken() string {
	if s == nil {
		return ""
	}
	return s.token
}

func ParseClaims(payload string) (map[string]any, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return map[string]any{}, nil
	}

	var claims map[string]any
	if err := json.Unmarshal([]byte(payload), &claims); err != nil {
		return nil, fmt.Errorf("parse claims: %w", err)
	}
	if claims == nil {
		claims = map[string]any{}
	}
	return claims, nil
}

// SignToken produces an HS256 JWT over claims.
func SignToken(claims map[string]any, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("missing signing secret")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(claims))
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
