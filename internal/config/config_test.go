package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dpswallet/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"DATABASE_URL", "REDIS_URL", "PORT", "BOT_TOKEN", "ADMIN_ID",
		"TOTAL_SUPPLY", "NEW_USER_BONUS", "REFERRER_BONUS",
		"OFFER_TTL_HOURS", "CLAIM_SECRET", "CORS_ORIGINS", "RUN_API",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, int64(1_000_000_000), cfg.TotalSupply)
	require.Equal(t, int64(50), cfg.NewUserBonus)
	require.Equal(t, int64(200), cfg.ReferrerBonus)
	require.Equal(t, 24*time.Hour, cfg.OfferTTL)
	require.True(t, cfg.AdminTreasuryBacked)
	require.True(t, cfg.RunAPI)
	require.Empty(t, cfg.CORSOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ADMIN_ID", "42")
	t.Setenv("NEW_USER_BONUS", "75")
	t.Setenv("OFFER_TTL_HOURS", "1")
	t.Setenv("ADMIN_TREASURY_BACKED", "false")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("RUN_API", "0")

	cfg := config.Load()
	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, int64(42), cfg.AdminID)
	require.Equal(t, int64(75), cfg.NewUserBonus)
	require.Equal(t, time.Hour, cfg.OfferTTL)
	require.False(t, cfg.AdminTreasuryBacked)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	require.False(t, cfg.RunAPI)
}

func TestClaimSecretFallsBackToBotToken(t *testing.T) {
	t.Setenv("CLAIM_SECRET", "")
	t.Setenv("BOT_TOKEN", "123:abc")
	cfg := config.Load()
	require.Equal(t, "123:abc", cfg.ClaimSecret)

	t.Setenv("CLAIM_SECRET", "own-secret")
	cfg = config.Load()
	require.Equal(t, "own-secret", cfg.ClaimSecret)
}
