// Package telegram verifies Telegram WebApp initData so API calls carry an
// authenticated user identity without any bot transport in this service.
package telegram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
)

type AuthUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// VerifyWebAppInitData checks the HMAC Telegram attaches to WebApp init data.
// The secret key is HMAC-SHA256(botToken) keyed with "WebAppData"; the hash
// covers every field except "hash" itself, sorted, joined with newlines.
func VerifyWebAppInitData(initData, botToken string) (AuthUser, bool) {
	if strings.TrimSpace(initData) == "" || botToken == "" {
		return AuthUser{}, false
	}
	values, err := url.ParseQuery(initData)
	if err != nil {
		return AuthUser{}, false
	}
	gotHash := values.Get("hash")
	if gotHash == "" {
		return AuthUser{}, false
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+values.Get(k))
	}
	checkString := strings.Join(pairs, "\n")

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(checkString))
	want := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(want), []byte(gotHash)) {
		return AuthUser{}, false
	}

	var user AuthUser
	if raw := values.Get("user"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &user); err != nil {
			return AuthUser{}, false
		}
	}
	if user.ID == 0 {
		return AuthUser{}, false
	}
	return user, true
}
