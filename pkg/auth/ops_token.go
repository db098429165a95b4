package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

type OpsTokenClaims struct {
	jwt.RegisteredClaims
	Client string `json:"client"`
	Scope  string `json:"scope"`
}

// OpsTokenManager issues and validates tokens for the operations API.
type OpsTokenManager struct {
	signingKey []byte
	ttl        time.Duration
}

func NewOpsTokenManager(signingKey []byte, ttl time.Duration) *OpsTokenManager {
	return &OpsTokenManager{signingKey: signingKey, ttl: ttl}
}

func (m *OpsTokenManager) GenerateOpsToken(client, scope string) (string, error) {
	claims := OpsTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   client,
			Issuer:    "llmgate",
		},
		Client: client,
		Scope:  scope,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

func (m *OpsTokenManager) ValidateOpsToken(tokenString string) (*OpsTokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OpsTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	})

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*OpsTokenClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

func (c *OpsTokenClaims) HasScope(required string) bool {
	scopes := strings.Split(c.Scope, ",")
	for _, scope := range scopes {
		if scope == required {
			return true
		}
	}
	return false
}
