package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
)

// JWTService handles token signing and verification.
type JWTService struct {
	secret []byte
	issuer string
	expiry time.Duration
}

// NewJWTService builds a JWT helper with the given secret and expiry.
func NewJWTService(secret, issuer string, expiry time.Duration) *JWTService {
	return &JWTService{secret: []byte(secret), issuer: issuer, expiry: expiry}
}

// Claims is the token payload carrying the caller's organization scope.
type Claims struct {
	Email  string   `json:"email,omitempty"`
	Name   string   `json:"name,omitempty"`
	Role   Role     `json:"role,omitempty"`
	Scope  Scope    `json:"scope,omitempty"`
	OrgID  string   `json:"org_id,omitempty"`
	OrgIDs []string `json:"org_ids,omitempty"`
	jwt.RegisteredClaims
}

// Generate issues a signed token for the given caller.
func (s *JWTService) Generate(a *Context) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if a == nil || strings.TrimSpace(a.UserID) == "" {
		return "", errors.New("user id required")
	}

	now := time.Now()
	claims := Claims{
		Email:  strings.TrimSpace(a.Email),
		Name:   strings.TrimSpace(a.Name),
		Role:   a.Role,
		Scope:  a.Scope,
		OrgID:  a.OrgID,
		OrgIDs: a.OrgIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.UserID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}
	if s.expiry <= 0 {
		claims.ExpiresAt = nil
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses a JWT and returns the authorization context embedded in it.
func (s *JWTService) Validate(token string) (*Context, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrAuthDisabled
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}

	scope := claims.Scope
	if scope == "" {
		scope = ScopeOrganization
	}
	role := claims.Role
	if role == "" {
		role = RoleViewer
	}
	return &Context{
		UserID: claims.Subject,
		Email:  strings.TrimSpace(claims.Email),
		Name:   strings.TrimSpace(claims.Name),
		Role:   role,
		Scope:  scope,
		OrgID:  claims.OrgID,
		OrgIDs: claims.OrgIDs,
	}, nil
}
