// Package auth issues and inspects bearer tokens and locates the client's stored token.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthorized is returned when a server rejects the session's credentials
	ErrUnauthorized = errors.New("not authenticated")
	ErrNoToken      = errors.New("no authentication token")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Claims carries the user identifier. Tokens issued by the main platform use
// "identifiant"; tokens issued by the relay use "user_id".
type Claims struct {
	UserID      string `json:"user_id,omitempty"`
	Identifiant string `json:"identifiant,omitempty"`
	jwt.RegisteredClaims
}

// Subject returns the user identifier carried by the token
func (c *Claims) Subject() string {
	if c.UserID != "" {
		return c.UserID
	}
	if c.Identifiant != "" {
		return c.Identifiant
	}
	return c.RegisteredClaims.Subject
}

// Issue signs an HS256 token for userID
func Issue(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and validity window of tokenString
func Verify(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject() == "" {
		return nil, fmt.Errorf("%w: missing user claim", ErrInvalidToken)
	}
	return claims, nil
}

// Inspect reads the claims without verifying the signature. The client cannot
// verify tokens; it only needs the local user id and to notice expiry early.
func Inspect(tokenString string, now time.Time) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, ErrNoToken
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return nil, ErrTokenExpired
	}
	if claims.Subject() == "" {
		return nil, fmt.Errorf("%w: missing user claim", ErrInvalidToken)
	}
	return claims, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header value
func BearerToken(header string) (string, error) {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", fmt.Errorf("%w: invalid authorization header format", ErrInvalidToken)
	}
	return parts[1], nil
}

// TokenSource yields the bearer token for the current session
type TokenSource interface {
	Token() (string, error)
}

// Store looks for a token in a persistent file first and falls back to a
// process-scoped value, mirroring local storage before session storage.
type Store struct {
	File    string
	Session string
}

func (s Store) Token() (string, error) {
	if s.File != "" {
		data, err := os.ReadFile(s.File)
		switch {
		case err == nil:
			if token := strings.TrimSpace(string(data)); token != "" {
				return token, nil
			}
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("read token file: %w", err)
		}
	}
	if token := strings.TrimSpace(s.Session); token != "" {
		return token, nil
	}
	return "", ErrNoToken
}

// Static is a fixed token, used by tests and callers that already hold one
type Static string

func (s Static) Token() (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}
