// ABOUTME: Signed capability links for transcript access
// ABOUTME: HS256 JWTs with the thread id as subject and a configurable TTL

package weblogs

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Link errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// LinkSigner mints and verifies transcript access tokens. A token grants
// read access to exactly one thread, named by the "sub" claim.
type LinkSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewLinkSigner creates a signer with the given secret and link lifetime.
func NewLinkSigner(secret []byte, ttl time.Duration) *LinkSigner {
	return &LinkSigner{secret: secret, ttl: ttl}
}

// Sign creates a token granting access to threadID.
func (s *LinkSigner) Sign(threadID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": threadID,
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify validates the token and returns the thread id from the "sub" claim.
func (s *LinkSigner) Verify(tokenString string) (threadID string, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})

	if err != nil {
		// Check if it's specifically an expiration error
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return sub, nil
}
