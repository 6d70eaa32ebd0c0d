// internal/auth/tenant.go
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTenantClaim is the token claim holding the tenant id.
	DefaultTenantClaim = "client_id"
	appMetadataClaim   = "app_metadata"
)

var (
	ErrMissingToken = errors.New("authentication required")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Caller is the authenticated principal of a request.
type Caller struct {
	Subject  string
	TenantID string
}

type callerKey struct{}

// ContextWithCaller stores c in ctx.
func ContextWithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext returns the caller stored by the middleware.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// TenantResolver turns a bearer token into a Caller.
type TenantResolver struct {
	secret   []byte
	claim    string
	disabled bool
}

// NewTenantResolver validates HS256 tokens signed with secret and reads the
// tenant from claim. A disabled resolver accepts every request as an
// anonymous caller without tenant.
func NewTenantResolver(secret, claim string, disabled bool) *TenantResolver {
	if claim == "" {
		claim = DefaultTenantClaim
	}
	return &TenantResolver{secret: []byte(secret), claim: claim, disabled: disabled}
}

// Resolve authenticates r. A valid token without the tenant claim yields a
// caller with an empty TenantID.
func (t *TenantResolver) Resolve(r *http.Request) (Caller, error) {
	if t.disabled {
		return Caller{}, nil
	}
	raw := extractBearerToken(r)
	if raw == "" {
		return Caller{}, ErrMissingToken
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return Caller{}, ErrInvalidToken
	}

	subject, _ := claims.GetSubject()
	return Caller{Subject: subject, TenantID: t.tenantFrom(claims)}, nil
}

func (t *TenantResolver) tenantFrom(claims jwt.MapClaims) string {
	if v, ok := claims[t.claim].(string); ok && v != "" {
		return v
	}
	if meta, ok := claims[appMetadataClaim].(map[string]any); ok {
		if v, ok := meta[t.claim].(string); ok {
			return v
		}
	}
	return ""
}

// Middleware rejects unauthenticated requests with 401 and stores the Caller
// in the request context.
func (t *TenantResolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := t.Resolve(r)
		if err != nil {
			msg := "Invalid or expired token"
			if errors.Is(err, ErrMissingToken) {
				msg = "Authentication required"
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithCaller(r.Context(), caller)))
	})
}

// IssueToken signs a token for subject scoped to tenantID. It is used by the
// CLI to mint development tokens.
func (t *TenantResolver) IssueToken(subject, tenantID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(ttl)),
	}
	if tenantID != "" {
		claims[t.claim] = tenantID
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
