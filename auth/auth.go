package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Context keys for storing authenticated user information.
type contextKey string

const (
	contextKeyClaims contextKey = "jwt_claims"
	contextKeyUserID contextKey = "user_id"
)

// Role represents an authorized persona on the platform.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

var allowedRoles = map[Role]struct{}{
	RoleUser:  {},
	RoleAdmin: {},
}

// Claims represents identity data extracted from the inbound request.
type Claims struct {
	UserID     uuid.UUID
	Role       Role
	Token      *jwt.Token
	Attributes jwt.MapClaims
}

// Options controls signature verification and claim handling.
type Options struct {
	Secret         string
	Issuer         string
	Audience       string
	MaxSkewSeconds int
	Now            func() time.Time
}

// Verifier validates bearer tokens and extracts platform identities.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// NewVerifier constructs a verifier for HS256-signed tokens.
func NewVerifier(opts Options) (*Verifier, error) {
	secret := strings.TrimSpace(opts.Secret)
	if secret == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	leeway := time.Duration(opts.MaxSkewSeconds) * time.Second
	if opts.MaxSkewSeconds <= 0 {
		leeway = 30 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: strings.TrimSpace(opts.Audience),
		leeway:   leeway,
		now:      now,
	}, nil
}

// Verify parses and validates a bearer token, returning the claims it carries.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if v == nil {
		return nil, errors.New("auth: verifier not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("auth: token validation failed")
	}

	subject := ""
	if sub, ok := claims["sub"].(string); ok {
		subject = strings.TrimSpace(sub)
	}
	if subject == "" {
		return nil, errors.New("auth: token subject missing")
	}
	userID, err := uuid.Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("auth: token subject is not a user id: %w", err)
	}

	role := RoleUser
	if raw, ok := claims["role"].(string); ok {
		candidate := Role(strings.ToLower(strings.TrimSpace(raw)))
		if _, allowed := allowedRoles[candidate]; !allowed {
			return nil, fmt.Errorf("auth: role %q is not permitted", raw)
		}
		role = candidate
	}

	return &Claims{
		UserID:     userID,
		Role:       role,
		Token:      parsed,
		Attributes: claims,
	}, nil
}

// Authenticate enforces a valid bearer token before invoking the next handler.
func (v *Verifier) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
			return
		}
		token := strings.TrimSpace(parts[1])
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		claims, err := v.Verify(token)
		if err != nil {
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), claims)))
	})
}

// WithIdentity returns a context carrying the authenticated claims. It is the
// context Authenticate hands to downstream handlers.
func WithIdentity(ctx context.Context, claims *Claims) context.Context {
	ctx = context.WithValue(ctx, contextKeyClaims, claims)
	return context.WithValue(ctx, contextKeyUserID, claims.UserID)
}

// RequireRole ensures the authenticated user has one of the allowed roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				http.Error(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// FromContext extracts the Claims previously attached by Authenticate.
func FromContext(ctx context.Context) (*Claims, error) {
	if ctx == nil {
		return nil, errors.New("auth: missing context")
	}
	if claims, ok := ctx.Value(contextKeyClaims).(*Claims); ok && claims != nil {
		return claims, nil
	}
	return nil, errors.New("auth: missing identity in context")
}

// UserID is a convenience accessor for the authenticated user's identifier.
func UserID(ctx context.Context) (uuid.UUID, error) {
	claims, err := FromContext(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	return claims.UserID, nil
}

// Sign mints an HS256 token for the given user. Intended for tests and
// local tooling; production tokens come from the identity service.
func Sign(secret, issuer, audience string, userID uuid.UUID, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  userID.String(),
		"iss":  issuer,
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if strings.TrimSpace(audience) != "" {
		claims["aud"] = audience
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
