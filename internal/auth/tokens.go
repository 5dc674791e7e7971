package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims identifies the admin API operator a token was issued to.
type OperatorClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// OperatorID returns the operator id from the Subject claim.
func (c *OperatorClaims) OperatorID() string {
	return c.Subject
}

// TokenService issues and validates the admin API's operator bearer tokens.
// Unlike the webapp's access/refresh pair, operators re-authenticate with
// their password when a token expires; there is no refresh flow to revoke.
type TokenService struct {
	secret string
	expiry time.Duration
	issuer string
}

type TokenServiceConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

func NewTokenService(cfg TokenServiceConfig) *TokenService {
	return &TokenService{secret: cfg.Secret, expiry: cfg.Expiry, issuer: cfg.Issuer}
}

// GenerateToken issues a signed token for the given operator.
func (s *TokenService) GenerateToken(operatorID, username string) (string, error) {
	now := time.Now()
	claims := OperatorClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   operatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.secret))
}

// ValidateToken parses and verifies a bearer token, returning its claims.
func (s *TokenService) ValidateToken(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
