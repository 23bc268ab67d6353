package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte(strings.Repeat("s", MinSecretLen))

func TestJWTVerifierRoundTrip(t *testing.T) {
	t.Parallel()

	v, err := NewJWTVerifier(testSecret, "siteboost", "", time.Second)
	require.NoError(t, err)

	token, err := IssueToken(testSecret, "siteboost", "user-1", time.Hour, time.Now())
	require.NoError(t, err)

	caller, err := v.Authenticate(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "user-1", caller)
}

func TestJWTVerifierAudience(t *testing.T) {
	t.Parallel()

	v, err := NewJWTVerifier(testSecret, "siteboost", "dashboard", time.Second)
	require.NoError(t, err)

	scoped, err := IssueToken(testSecret, "siteboost", "user-1", time.Hour, time.Now(), "dashboard")
	require.NoError(t, err)
	caller, err := v.Authenticate(context.Background(), scoped)
	require.NoError(t, err)
	require.Equal(t, "user-1", caller)

	unscoped, err := IssueToken(testSecret, "siteboost", "user-1", time.Hour, time.Now())
	require.NoError(t, err)
	_, err = v.Authenticate(context.Background(), unscoped)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestJWTVerifierRejects(t *testing.T) {
	t.Parallel()

	v, err := NewJWTVerifier(testSecret, "siteboost", "", 0)
	require.NoError(t, err)

	expired, err := IssueToken(testSecret, "siteboost", "user-1", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	otherSecret, err := IssueToken([]byte(strings.Repeat("x", MinSecretLen)), "siteboost", "user-1", time.Hour, time.Now())
	require.NoError(t, err)
	wrongIssuer, err := IssueToken(testSecret, "elsewhere", "user-1", time.Hour, time.Now())
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "user-1", Issuer: "siteboost"}).SignedString(testSecret)
	require.NoError(t, err)
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    "siteboost",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(testSecret)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"expired":      expired,
		"other secret": otherSecret,
		"wrong issuer": wrongIssuer,
		"no expiry":    noExpiry,
		"hs512":        hs512,
		"garbage":      "not-a-token",
	} {
		_, err := v.Authenticate(context.Background(), token)
		require.ErrorIs(t, err, ErrUnauthenticated, name)
	}
}

func TestNewJWTVerifierRequiresLongSecret(t *testing.T) {
	t.Parallel()

	_, err := NewJWTVerifier([]byte("short"), "", "", 0)
	require.Error(t, err)
	_, err = IssueToken([]byte("short"), "", "user", time.Hour, time.Now())
	require.Error(t, err)
}

func TestStaticKeys(t *testing.T) {
	t.Parallel()

	_, err := NewStaticKeys(nil)
	require.Error(t, err)
	_, err = NewStaticKeys(map[string]string{"key": ""})
	require.Error(t, err)

	keys, err := NewStaticKeys(map[string]string{"key-a": "alice", "key-b": "bob"})
	require.NoError(t, err)
	caller, err := keys.Authenticate(context.Background(), "key-b")
	require.NoError(t, err)
	require.Equal(t, "bob", caller)
	_, err = keys.Authenticate(context.Background(), "key-c")
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	keys, err := NewStaticKeys(map[string]string{"key-a": "alice"})
	require.NoError(t, err)
	var seen string
	handler := Middleware(keys, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header http.Header
		status int
		caller string
	}{
		{name: "bearer", header: http.Header{"Authorization": {"Bearer key-a"}}, status: http.StatusNoContent, caller: "alice"},
		{name: "api key header", header: http.Header{"X-Api-Key": {"key-a"}}, status: http.StatusNoContent, caller: "alice"},
		{name: "missing", header: http.Header{}, status: http.StatusUnauthorized},
		{name: "wrong key", header: http.Header{"Authorization": {"Bearer nope"}}, status: http.StatusUnauthorized},
	}
	for _, tc := range tests {
		seen = ""
		req := httptest.NewRequest(http.MethodGet, "/analysis/x", nil)
		req.Header = tc.header
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, tc.status, rec.Code, tc.name)
		require.Equal(t, tc.caller, seen, tc.name)
		if tc.status == http.StatusUnauthorized {
			require.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
		}
	}
}

func TestMiddlewareAnonymous(t *testing.T) {
	t.Parallel()

	var seen string
	handler := Middleware(Anonymous{CallerID: "dev"}, nil)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen, _ = CallerFromContext(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, "dev", seen)
}
