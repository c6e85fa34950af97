package telegram_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"dpswallet/internal/telegram"
)

const testBotToken = "12345:TEST-TOKEN"

// signInitData builds initData the way Telegram does: hash over the sorted
// key=value pairs joined with newlines, keyed by HMAC("WebAppData", botToken).
func signInitData(t *testing.T, botToken string, fields map[string]string) string {
	t.Helper()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+fields[k])
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(pairs, "\n")))

	q := url.Values{}
	for k, v := range fields {
		q.Set(k, v)
	}
	q.Set("hash", hex.EncodeToString(mac.Sum(nil)))
	return q.Encode()
}

func TestVerifyWebAppInitData(t *testing.T) {
	initData := signInitData(t, testBotToken, map[string]string{
		"auth_date": "1700000000",
		"query_id":  "AAH",
		"user":      `{"id":42,"username":"alice","first_name":"Alice"}`,
	})

	user, ok := telegram.VerifyWebAppInitData(initData, testBotToken)
	require.True(t, ok)
	require.Equal(t, int64(42), user.ID)
	require.Equal(t, "alice", user.Username)
	require.Equal(t, "Alice", user.FirstName)
}

func TestVerifyWebAppInitDataRejects(t *testing.T) {
	good := signInitData(t, testBotToken, map[string]string{
		"auth_date": "1700000000",
		"user":      `{"id":42,"username":"alice"}`,
	})

	t.Run("wrong token", func(t *testing.T) {
		_, ok := telegram.VerifyWebAppInitData(good, "999:OTHER")
		require.False(t, ok)
	})
	t.Run("tampered field", func(t *testing.T) {
		tampered := strings.Replace(good, "1700000000", "1700000001", 1)
		_, ok := telegram.VerifyWebAppInitData(tampered, testBotToken)
		require.False(t, ok)
	})
	t.Run("missing hash", func(t *testing.T) {
		_, ok := telegram.VerifyWebAppInitData("auth_date=1&user=%7B%22id%22%3A42%7D", testBotToken)
		require.False(t, ok)
	})
	t.Run("empty", func(t *testing.T) {
		_, ok := telegram.VerifyWebAppInitData("", testBotToken)
		require.False(t, ok)
	})
	t.Run("no user id", func(t *testing.T) {
		noUser := signInitData(t, testBotToken, map[string]string{"auth_date": "1700000000"})
		_, ok := telegram.VerifyWebAppInitData(noUser, testBotToken)
		require.False(t, ok)
	})
}
