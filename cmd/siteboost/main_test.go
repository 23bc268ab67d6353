package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/siteboost/internal/auth"
	pgstore "github.com/JakeFAU/siteboost/internal/storage/postgres"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	secret := strings.Repeat("k", auth.MinSecretLen)
	t.Setenv("SITEBOOST_AUTH_MODE", "jwt")
	t.Setenv("SITEBOOST_AUTH_JWT_SECRET", secret)
	t.Setenv("SITEBOOST_AUTH_JWT_ISSUER", "siteboost-test")

	out, err := execute(t, "token", "--subject", "alice", "--ttl", "1h")
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier([]byte(secret), "siteboost-test", "", 0)
	require.NoError(t, err)
	caller, err := verifier.Authenticate(context.Background(), strings.TrimSpace(out))
	require.NoError(t, err)
	require.Equal(t, "alice", caller)
}

func TestTokenCommandRequiresSubject(t *testing.T) {
	t.Setenv("SITEBOOST_AUTH_MODE", "jwt")
	t.Setenv("SITEBOOST_AUTH_JWT_SECRET", strings.Repeat("k", auth.MinSecretLen))

	_, err := execute(t, "token")
	require.ErrorContains(t, err, "--subject")
}

func TestMigratePrint(t *testing.T) {
	t.Setenv("SITEBOOST_AUTH_MODE", "none")

	out, err := execute(t, "migrate", "--print")
	require.NoError(t, err)
	require.Equal(t, pgstore.Schema(), out)
}

func TestMigrateRequiresDSN(t *testing.T) {
	t.Setenv("SITEBOOST_AUTH_MODE", "none")

	_, err := execute(t, "migrate")
	require.ErrorContains(t, err, "database.dsn")
}

func TestInvalidConfigFails(t *testing.T) {
	t.Setenv("SITEBOOST_AUTH_MODE", "oauth")

	_, err := execute(t, "migrate", "--print")
	require.ErrorContains(t, err, "load config")
}
