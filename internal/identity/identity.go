// Package identity verifies bearer tokens and carries the authenticated user
// through request contexts.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/livelink/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
)

// Claims are the token claims issued by the account service. Tokens carry
// the user id either in "id" or in the registered subject.
type Claims struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the id claim, falling back to the subject.
func (c *Claims) UserID() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Subject
}

// Verifier validates HMAC-signed tokens against a primary secret and then an
// optional fallback secret.
type Verifier struct {
	secrets [][]byte
	parser  *jwt.Parser
}

// NewVerifier creates a verifier. An empty fallback is ignored.
func NewVerifier(primary, fallback string) *Verifier {
	v := &Verifier{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS512.Alg()}),
			jwt.WithLeeway(5*time.Second),
		),
	}
	for _, s := range []string{primary, fallback} {
		if s != "" {
			v.secrets = append(v.secrets, []byte(s))
		}
	}
	return v
}

// Verify parses token and returns its claims. Failures are *domain.AuthError
// wrapping ErrMissingToken, ErrInvalidToken or ErrInvalidUser.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, &domain.AuthError{Err: domain.ErrMissingToken}
	}
	if len(v.secrets) == 0 {
		return nil, &domain.AuthError{Err: fmt.Errorf("%w: no secrets configured", domain.ErrInvalidToken)}
	}

	var lastErr error
	for _, secret := range v.secrets {
		if err := ctx.Err(); err != nil {
			return nil, &domain.AuthError{Err: err}
		}
		claims := &Claims{}
		_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return secret, nil
		})
		if err == nil {
			if claims.UserID() == "" {
				return nil, &domain.AuthError{Err: domain.ErrInvalidUser}
			}
			return claims, nil
		}
		lastErr = err
		// An expired or malformed token will not verify under another secret.
		if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			break
		}
	}
	return nil, &domain.AuthError{Err: fmt.Errorf("%w: %v", domain.ErrInvalidToken, lastErr)}
}

// IssueToken signs an HS256 token for userID. The server never issues tokens
// to clients; this is for development tooling and tests.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		ID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// TokenSource records where a request carried its token.
type TokenSource int

const (
	TokenNone TokenSource = iota
	TokenQuery
	TokenHeader
	TokenSubprotocol
)

// TokenFromRequest extracts the bearer credential from the token query
// parameter, the Authorization header, or the Sec-WebSocket-Protocol header,
// in that order.
func TokenFromRequest(r *http.Request) (string, TokenSource) {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t, TokenQuery
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok && strings.TrimSpace(t) != "" {
			return strings.TrimSpace(t), TokenHeader
		}
	}
	if p := r.Header.Get("Sec-WebSocket-Protocol"); p != "" {
		first, _, _ := strings.Cut(p, ",")
		if t := strings.TrimSpace(first); t != "" {
			return t, TokenSubprotocol
		}
	}
	return "", TokenNone
}

// WithUser returns ctx carrying the authenticated user.
func WithUser(ctx context.Context, userID, username string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, usernameKey, username)
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// Middleware rejects requests without a valid token and injects the user.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, _ := TokenFromRequest(r)
			claims, err := v.Verify(r.Context(), token)
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), claims.UserID(), claims.Username)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
