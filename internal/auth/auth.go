// Package auth resolves API callers from bearer JWTs or static API keys.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when a credential is missing or invalid.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator maps a presented credential to a caller id.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (string, error)
}

// Claims is the token payload; the subject is the caller id.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// JWTVerifier validates HS256 tokens.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

// MinSecretLen is the shortest accepted HMAC secret.
const MinSecretLen = 32

// NewJWTVerifier constructs a verifier. Issuer and audience are only checked when set.
func NewJWTVerifier(secret []byte, issuer, audience string, leeway time.Duration) (*JWTVerifier, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLen)
	}
	return &JWTVerifier{secret: secret, issuer: issuer, audience: audience, leeway: leeway}, nil
}

// Authenticate parses the token and returns its subject.
func (v *JWTVerifier) Authenticate(_ context.Context, credential string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// IssueToken signs an HS256 token for subject valid for ttl, scoped to the
// optional audiences.
func IssueToken(
	secret []byte,
	issuer, subject string,
	ttl time.Duration,
	now time.Time,
	audience ...string,
) (string, error) {
	if len(secret) < MinSecretLen {
		return "", fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLen)
	}
	if subject == "" {
		return "", errors.New("subject required")
	}
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	if len(audience) > 0 {
		claims.Audience = jwt.ClaimStrings(audience)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// StaticKeys maps fixed API keys to caller ids.
type StaticKeys struct {
	keys map[string]string
}

// NewStaticKeys constructs a key table keyed by API key.
func NewStaticKeys(keys map[string]string) (*StaticKeys, error) {
	if len(keys) == 0 {
		return nil, errors.New("at least one api key required")
	}
	cp := make(map[string]string, len(keys))
	for key, caller := range keys {
		if key == "" || caller == "" {
			return nil, errors.New("api keys and caller ids must be non-empty")
		}
		cp[key] = caller
	}
	return &StaticKeys{keys: cp}, nil
}

// Authenticate compares the credential against every key in constant time.
func (s *StaticKeys) Authenticate(_ context.Context, credential string) (string, error) {
	caller := ""
	for key, id := range s.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(credential)) == 1 {
			caller = id
		}
	}
	if caller == "" {
		return "", ErrUnauthenticated
	}
	return caller, nil
}

// Anonymous admits every request as one fixed caller.
type Anonymous struct {
	CallerID string
}

// Authenticate always succeeds.
func (a Anonymous) Authenticate(context.Context, string) (string, error) {
	if a.CallerID == "" {
		return "anonymous", nil
	}
	return a.CallerID, nil
}

type callerKey struct{}

// WithCaller stores the caller id on the context.
func WithCaller(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, callerKey{}, callerID)
}

// CallerFromContext returns the caller id placed by Middleware.
func CallerFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(callerKey{}).(string)
	return id, ok && id != ""
}
