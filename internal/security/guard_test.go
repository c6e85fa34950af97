package security_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"dpswallet/internal/security"
)

func TestNewFromEnvDefaults(t *testing.T) {
	g := security.NewFromEnv()
	require.True(t, g.Enabled())
	require.Equal(t, int64(64<<10), g.MaxBodyBytes())
}

func TestNewFromEnvOverrides(t *testing.T) {
	t.Setenv("SECURITY_ENABLED", "0")
	t.Setenv("SECURITY_MAX_BODY_BYTES", "1024")
	g := security.NewFromEnv()
	require.False(t, g.Enabled())
	require.Equal(t, int64(1024), g.MaxBodyBytes())
}

func TestNilGuardDisabled(t *testing.T) {
	var g *security.Guard
	require.False(t, g.Enabled())
}

func TestClientIP(t *testing.T) {
	g := security.NewFromEnv()

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	require.Equal(t, "10.0.0.1", g.ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "203.0.113.9", g.ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	require.Equal(t, "203.0.113.9", g.ClientIP(r))
}

func TestRateLimitWindows(t *testing.T) {
	t.Setenv("SECURITY_CLAIM_USER_PER_MIN", "3")
	g := security.NewFromEnv()

	for i := 0; i < 3; i++ {
		require.True(t, g.AllowClaimUser(42), "request %d", i)
	}
	require.False(t, g.AllowClaimUser(42))

	// Other users and other limiters are independent.
	require.True(t, g.AllowClaimUser(43))
	require.True(t, g.AllowClaimIP("1.2.3.4"))
	require.True(t, g.AllowAPI("1.2.3.4"))
	require.True(t, g.AllowPublic("1.2.3.4"))
}

func TestZeroLimitMeansUnlimited(t *testing.T) {
	t.Setenv("SECURITY_API_PER_MIN", "0")
	g := security.NewFromEnv()
	for i := 0; i < 1000; i++ {
		require.True(t, g.AllowAPI("1.2.3.4"))
	}
}

func TestBanAfterAuthFailures(t *testing.T) {
	t.Setenv("SECURITY_BAN_AFTER_FAILS", "3")
	g := security.NewFromEnv()

	require.False(t, g.IsBanned("1.2.3.4"))
	g.RecordAuthFail("1.2.3.4")
	g.RecordAuthFail("1.2.3.4")
	require.False(t, g.IsBanned("1.2.3.4"))
	g.RecordAuthFail("1.2.3.4")
	require.True(t, g.IsBanned("1.2.3.4"))
	require.False(t, g.IsBanned("5.6.7.8"))
}
