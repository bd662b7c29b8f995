package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const RoleAdmin = "admin"

// Claims identify the caller of a custody operation.
type Claims struct {
	UserID    string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (c Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

type custodyJWTClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// HMACSigner signs and validates HS256 bearer tokens. The subject is the user id.
type HMACSigner struct {
	secret []byte
	nowFn  func() time.Time
}

func NewHMACSigner(secret string) (*HMACSigner, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	return &HMACSigner{secret: []byte(secret), nowFn: time.Now}, nil
}

func (s *HMACSigner) Sign(userID, role string, ttl time.Duration) (string, error) {
	now := s.nowFn().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, custodyJWTClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(s.secret)
}

func (s *HMACSigner) ParseAndValidate(raw string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &custodyJWTClaims{}, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(30*time.Second), jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*custodyJWTClaims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return Claims{}, errors.New("token has no subject")
	}

	out := Claims{UserID: claims.Subject, Role: claims.Role}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return out, nil
}
