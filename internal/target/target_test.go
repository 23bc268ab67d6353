package target

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"HTTPS://Example.COM:443/Path":       "https://example.com/Path",
		"http://example.com:80/":             "http://example.com/",
		"https://example.com/a?b=2&a=1#frag": "https://example.com/a?a=1&b=2",
		"  https://example.com  ":            "https://example.com",
		"https://example.com:8443/":          "https://example.com:8443/",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			t.Parallel()
			u, err := Normalize(in)
			require.NoError(t, err)
			require.Equal(t, want, u.String())
		})
	}

	_, err := Normalize("http://[::1")
	require.Error(t, err)
}

func TestBlocklist(t *testing.T) {
	t.Parallel()

	t.Run("exact match", func(t *testing.T) {
		t.Parallel()
		bl := NewBlocklist([]string{"Example.org"})
		require.NotNil(t, bl)
		require.True(t, bl.IsBlocked("example.org"))
		require.True(t, bl.IsBlocked("example.org:8080"))
		require.False(t, bl.IsBlocked("sub.example.org"))
	})

	t.Run("wildcard suffix", func(t *testing.T) {
		t.Parallel()
		bl := NewBlocklist([]string{"*.internal", ".local", "*.internal"})
		require.NotNil(t, bl)
		cases := map[string]bool{
			"api.internal":    true,
			"a.b.internal":    true,
			"internal":        true,
			"printer.local":   true,
			"example.com":     false,
			"notinternal.com": false,
		}
		for host, blocked := range cases {
			require.Equal(t, blocked, bl.IsBlocked(host), host)
		}
	})

	t.Run("empty patterns", func(t *testing.T) {
		t.Parallel()
		require.Nil(t, NewBlocklist([]string{"", "  ", "*."}))
	})

	t.Run("nil blocklist", func(t *testing.T) {
		t.Parallel()
		var bl *Blocklist
		require.False(t, bl.IsBlocked("anything"))
	})
}
