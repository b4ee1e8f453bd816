// Package middleware provides HTTP middleware for the DeployForge API.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/artpar/deployforge/internal/core/auth"
	"github.com/artpar/deployforge/internal/core/domain"
)

// =============================================================================
// Auth Configuration
// =============================================================================

// Auth modes.
const (
	ModeHeader = "header"
	ModeJWT    = "jwt"
	ModeDev    = "dev"
)

// DevUserResolver supplies the caller in dev mode. The store implements it.
type DevUserResolver interface {
	FirstUser(ctx context.Context) (*domain.User, error)
}

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	// Mode is one of header, jwt or dev.
	Mode string

	// SharedSecret, in header mode, must match X-Proxy-Secret.
	// If empty, secret validation is skipped.
	SharedSecret string

	// JWTSecret verifies HS256 bearer tokens in jwt mode.
	JWTSecret []byte

	// DevUsers resolves the implicit caller in dev mode.
	DevUsers DevUserResolver

	// Logger for auth middleware logging.
	Logger *slog.Logger
}

// Validate checks that the mode has what it needs.
func (c AuthConfig) Validate() error {
	switch c.Mode {
	case ModeHeader:
		return nil
	case ModeJWT:
		if len(c.JWTSecret) == 0 {
			return errors.New("jwt auth mode requires a secret")
		}
		return nil
	case ModeDev:
		if c.DevUsers == nil {
			return errors.New("dev auth mode requires a user resolver")
		}
		return nil
	default:
		return fmt.Errorf("unknown auth mode %q", c.Mode)
	}
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware resolves the caller and stores it in the request context.
type AuthMiddleware struct {
	config AuthConfig
}

// NewAuthMiddleware creates a new auth middleware with the given config.
func NewAuthMiddleware(cfg AuthConfig) *AuthMiddleware {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeHeader
	}
	return &AuthMiddleware{config: cfg}
}

// Handler returns the middleware handler function. Requests without
// credentials pass through unauthenticated; RequireAuth rejects them where
// needed. Bad credentials are rejected here.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ctx auth.Context

		switch m.config.Mode {
		case ModeJWT:
			token, err := auth.BearerToken(r.Header)
			if errors.Is(err, auth.ErrMissingToken) {
				// Browsers cannot set headers on websocket upgrades.
				token = r.URL.Query().Get("token")
			}
			if token != "" {
				ctx, err = auth.ParseToken(token, m.config.JWTSecret)
				if err != nil {
					m.config.Logger.Warn("invalid bearer token",
						"remote_addr", r.RemoteAddr,
						"path", r.URL.Path,
						"error", err,
					)
					WriteJSONError(w, http.StatusUnauthorized, "invalid token", "unauthorized")
					return
				}
			}

		case ModeDev:
			user, err := m.config.DevUsers.FirstUser(r.Context())
			if err == nil {
				ctx = auth.Context{UserID: user.ID, Method: auth.MethodDev, Authenticated: true}
			}

		default:
			if m.config.SharedSecret != "" && r.Header.Get(auth.HeaderUserID) != "" &&
				r.Header.Get(auth.HeaderProxySecret) != m.config.SharedSecret {
				m.config.Logger.Warn("invalid proxy secret",
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path,
				)
				WriteJSONError(w, http.StatusForbidden, "invalid proxy secret", "forbidden")
				return
			}
			ctx = auth.ExtractFromRequest(r, m.config.SharedSecret)
		}

		r = r.WithContext(auth.WithContext(r.Context(), ctx))
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Require Auth Middleware
// =============================================================================

// RequireAuth is a middleware that requires authentication.
// Must be used AFTER AuthMiddleware.
func RequireAuth(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.FromContext(r.Context())

			if !ctx.Authenticated {
				logger.Warn("unauthenticated request to protected endpoint",
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path,
					"method", r.Method,
				)
				WriteJSONError(w, http.StatusUnauthorized, "authentication required", "unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// JSON Error Response
// =============================================================================

// ErrorResponse is the error body of every API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WriteJSONError writes an error response.
func WriteJSONError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}
