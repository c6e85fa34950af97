package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is loaded from the environment once at startup. Bonus amounts are
// deployment inputs: they were retuned often enough in production that no
// literal belongs in the business logic.
type Config struct {
	DatabaseURL   string
	RedisURL      string
	Port          string
	PublicBaseURL string
	CORSOrigins   []string

	BotToken string
	AdminID  int64
	// AdminTreasuryBacked grants the admin account the treasury-backed
	// spending capability at boot.
	AdminTreasuryBacked bool

	TotalSupply   int64
	NewUserBonus  int64
	ReferrerBonus int64

	OfferTTL    time.Duration
	ClaimSecret string

	TasksFile string

	TreasuryAlertThreshold int64
	AlertInterval          time.Duration

	RunAPI    bool
	RunAlerts bool
}

func Load() Config {
	cfg := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		Port:          envStr("PORT", "8080"),
		PublicBaseURL: os.Getenv("PUBLIC_BASE_URL"),
		CORSOrigins:   splitList(os.Getenv("CORS_ORIGINS")),

		BotToken:            os.Getenv("BOT_TOKEN"),
		AdminID:             envInt64("ADMIN_ID", 0),
		AdminTreasuryBacked: envBool("ADMIN_TREASURY_BACKED", true),

		TotalSupply:   envInt64("TOTAL_SUPPLY", 1_000_000_000),
		NewUserBonus:  envInt64("NEW_USER_BONUS", 50),
		ReferrerBonus: envInt64("REFERRER_BONUS", 200),

		OfferTTL:    time.Duration(envInt64("OFFER_TTL_HOURS", 24)) * time.Hour,
		ClaimSecret: os.Getenv("CLAIM_SECRET"),

		TasksFile: os.Getenv("TASKS_FILE"),

		TreasuryAlertThreshold: envInt64("TREASURY_ALERT_THRESHOLD", 0),
		AlertInterval:          time.Duration(envInt64("ALERT_INTERVAL_SEC", 300)) * time.Second,

		RunAPI:    envBool("RUN_API", true),
		RunAlerts: envBool("RUN_ALERTS", true),
	}
	if cfg.ClaimSecret == "" {
		// Claim tokens must verify across restarts; the bot token is the
		// only stable secret guaranteed to exist in a bot deployment.
		cfg.ClaimSecret = cfg.BotToken
	}
	return cfg
}

func envStr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	switch strings.TrimSpace(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
