package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"sciencebuddy/internal/util"
)

const (
	defaultIssuer = "sciencebuddy"
	defaultLeeway = 30 * time.Second
)

// Token roles.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
)

// Claims carried by a session token. Subject is the identity for students and
// the teacher id for teachers.
type Claims struct {
	Role   string `json:"role"`
	Handle string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and validates HS256 session tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	leeway time.Duration
}

// NewIssuer builds a token issuer.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, issuer: defaultIssuer, leeway: defaultLeeway}, nil
}

// Issue signs a token for subject in role, bound to handle.
func (i *Issuer) Issue(role, subject, handle string) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("token subject required")
	}
	now := time.Now().UTC()
	claims := Claims{
		Role:   role,
		Handle: handle,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        util.NewID(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Parse validates a token and returns its claims.
func (i *Issuer) Parse(token string) (Claims, error) {
	claims := Claims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, errors.New("invalid token format")
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(i.leeway),
	)
	if err != nil {
		return claims, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return claims, errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return claims, errors.New("token subject missing")
	}
	return claims, nil
}
