// Package auth provides authentication context and authorization functions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// =============================================================================
// Context Key
// =============================================================================

type contextKey string

const authContextKey contextKey = "auth"

// =============================================================================
// Types
// =============================================================================

// Method records how a request was authenticated.
type Method string

const (
	MethodNone   Method = ""
	MethodHeader Method = "header"
	MethodJWT    Method = "jwt"
	MethodDev    Method = "dev"
)

// Context represents the authentication context for a request.
type Context struct {
	// UserID is the users table primary key of the caller.
	UserID string

	// Method is the mechanism that produced UserID.
	Method Method

	// Authenticated indicates whether the request is authenticated
	Authenticated bool
}

// =============================================================================
// Header Constants
// =============================================================================

const (
	// HeaderUserID is the header containing the authenticated user's ID,
	// injected by a trusted proxy.
	HeaderUserID = "X-User-ID"

	// HeaderProxySecret carries the shared secret proving the request came
	// through the trusted proxy.
	HeaderProxySecret = "X-Proxy-Secret"

	// HeaderAuthorization carries a Bearer token.
	HeaderAuthorization = "Authorization"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// =============================================================================
// Context Extraction
// =============================================================================

// HeaderGetter is an interface for getting header values.
// This allows testing without requiring an http.Request.
type HeaderGetter interface {
	Get(key string) string
}

// ExtractFromRequest extracts a header-mode auth context from an HTTP request.
func ExtractFromRequest(r *http.Request, sharedSecret string) Context {
	return ExtractFromHeaders(r.Header, sharedSecret)
}

// ExtractFromHeaders reads the caller from X-User-ID. When sharedSecret is
// set, the request must also carry a matching X-Proxy-Secret.
func ExtractFromHeaders(headers HeaderGetter, sharedSecret string) Context {
	userID := strings.TrimSpace(headers.Get(HeaderUserID))
	if userID == "" {
		return Context{Authenticated: false}
	}
	if sharedSecret != "" && headers.Get(HeaderProxySecret) != sharedSecret {
		return Context{Authenticated: false}
	}
	return Context{UserID: userID, Method: MethodHeader, Authenticated: true}
}

// BearerToken returns the token from an "Authorization: Bearer ..." header.
func BearerToken(headers HeaderGetter) (string, error) {
	value := headers.Get(HeaderAuthorization)
	if !strings.HasPrefix(value, "Bearer ") {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(value[len("Bearer "):])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// ParseToken verifies an HS256 token signed with secret and returns an
// authenticated context for its subject.
func ParseToken(tokenString string, secret []byte) (Context, error) {
	if len(secret) == 0 {
		return Context{}, fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Context{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Context{}, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	return Context{UserID: claims.Subject, Method: MethodJWT, Authenticated: true}, nil
}

// IssueToken signs a token for userID. Used by the seed command and tests.
func IssueToken(userID string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// =============================================================================
// Context Storage
// =============================================================================

// WithContext stores the auth context in the request context.
func WithContext(ctx context.Context, authCtx Context) context.Context {
	return context.WithValue(ctx, authContextKey, authCtx)
}

// FromContext retrieves the auth context from the request context.
// If no auth context is found, returns an unauthenticated context.
func FromContext(ctx context.Context) Context {
	if authCtx, ok := ctx.Value(authContextKey).(Context); ok {
		return authCtx
	}
	return Context{Authenticated: false}
}

// =============================================================================
// Helper Types for Testing
// =============================================================================

// MapHeaderGetter wraps a map to implement HeaderGetter interface.
type MapHeaderGetter map[string]string

func (m MapHeaderGetter) Get(key string) string {
	return m[key]
}
