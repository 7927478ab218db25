// Package identity turns connection credentials into relay identities.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatrelay/pkg/types"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidRole  = errors.New("token role must be visitor or owner")
	ErrEmptySecret  = errors.New("signing secret cannot be empty")
)

// Claims is the payload the auth service signs for a participant.
type Claims struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTResolver validates HS256 tokens issued by the auth service.
type JWTResolver struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTResolver creates a resolver for tokens signed with secret by issuer.
func NewJWTResolver(secret, issuer string) (*JWTResolver, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &JWTResolver{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Resolve reads the token from the "token" query parameter or the
// Authorization header and returns the identity it vouches for.
func (r *JWTResolver) Resolve(req *http.Request) (types.Identity, error) {
	raw := tokenFromRequest(req)
	if raw == "" {
		return types.Identity{}, fmt.Errorf("%w: %w", types.ErrUnauthenticated, ErrMissingToken)
	}
	return r.Parse(raw)
}

// Parse validates a raw token string.
func (r *JWTResolver) Parse(raw string) (types.Identity, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(r.now),
		jwt.WithExpirationRequired(),
	}
	if r.issuer != "" {
		options = append(options, jwt.WithIssuer(r.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, options...)
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: %w", types.ErrUnauthenticated, err)
	}
	if !token.Valid {
		return types.Identity{}, fmt.Errorf("%w: %w", types.ErrUnauthenticated, jwt.ErrSignatureInvalid)
	}

	kind := types.IdentityKind(claims.Role)
	if kind != types.KindVisitor && kind != types.KindOwner {
		return types.Identity{}, fmt.Errorf("%w: %w", types.ErrUnauthenticated, ErrInvalidRole)
	}
	if !types.IsValidID(claims.Subject) {
		return types.Identity{}, fmt.Errorf("%w: invalid subject", types.ErrUnauthenticated)
	}

	return types.Identity{Kind: kind, ID: claims.Subject, DisplayName: claims.Name}, nil
}

// Issue signs a token for an identity. The relay only uses it for development
// tooling and tests; production tokens come from the auth service.
func (r *JWTResolver) Issue(identity types.Identity, ttl time.Duration) (string, error) {
	now := r.now()
	claims := &Claims{
		Role: string(identity.Kind),
		Name: identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			Issuer:    r.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

func tokenFromRequest(req *http.Request) string {
	if token := req.URL.Query().Get("token"); token != "" {
		return token
	}
	header := req.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}
