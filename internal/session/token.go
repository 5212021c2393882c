package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors.
var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpiredToken = errors.New("session token expired")
)

const tokenIssuer = "sensorhub"

// Signer issues and verifies HS256 tokens carrying a session id.
type Signer struct {
	now    func() time.Time
	secret []byte
}

// NewSigner creates a Signer. The secret must not be empty.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("session secret cannot be empty")
	}
	return &Signer{secret: secret, now: time.Now}, nil
}

// Sign returns a token for the session.
func (s *Signer) Sign(sess *Session) (string, error) {
	claims := jwt.RegisteredClaims{
		ID:        sess.ID,
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(sess.CreatedAt),
		ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry and returns the session id.
func (s *Signer) Verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.ID == "" {
		return "", fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}
	return claims.ID, nil
}
