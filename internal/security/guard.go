// Package security is the in-process request guard: sliding-window rate
// limits per IP and per user, short bans after repeated auth failures, and a
// body-size cap. It protects the claim endpoint in particular, which is the
// one action spammable from shared chat messages.
package security

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Guard struct {
	enabled      bool
	maxBodyBytes int64

	apiPerMin       int
	publicPerMin    int
	claimIPPerMin   int
	claimUserPerMin int

	banAfterFails int
	banFor        time.Duration

	mu       sync.Mutex
	windows  map[string][]time.Time
	failures map[string][]time.Time
	bans     map[string]time.Time
}

// NewFromEnv builds a guard from SECURITY_* env vars; unset values get
// defaults sized for a small bot deployment.
func NewFromEnv() *Guard {
	return &Guard{
		enabled:         envInt("SECURITY_ENABLED", 1) == 1,
		maxBodyBytes:    int64(envInt("SECURITY_MAX_BODY_BYTES", 64<<10)),
		apiPerMin:       envInt("SECURITY_API_PER_MIN", 120),
		publicPerMin:    envInt("SECURITY_PUBLIC_PER_MIN", 60),
		claimIPPerMin:   envInt("SECURITY_CLAIM_IP_PER_MIN", 20),
		claimUserPerMin: envInt("SECURITY_CLAIM_USER_PER_MIN", 10),
		banAfterFails:   envInt("SECURITY_BAN_AFTER_FAILS", 10),
		banFor:          time.Duration(envInt("SECURITY_BAN_MINUTES", 15)) * time.Minute,
		windows:         make(map[string][]time.Time),
		failures:        make(map[string][]time.Time),
		bans:            make(map[string]time.Time),
	}
}

func (g *Guard) Enabled() bool {
	return g != nil && g.enabled
}

func (g *Guard) MaxBodyBytes() int64 {
	return g.maxBodyBytes
}

func (g *Guard) ClientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (g *Guard) AllowAPI(ip string) bool {
	return g.allow("api:"+ip, g.apiPerMin)
}

func (g *Guard) AllowPublic(ip string) bool {
	return g.allow("pub:"+ip, g.publicPerMin)
}

func (g *Guard) AllowClaimIP(ip string) bool {
	return g.allow("claim:"+ip, g.claimIPPerMin)
}

func (g *Guard) AllowClaimUser(userID int64) bool {
	return g.allow("claimu:"+strconv.FormatInt(userID, 10), g.claimUserPerMin)
}

func (g *Guard) IsBanned(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.bans[ip]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(g.bans, ip)
		return false
	}
	return true
}

// RecordAuthFail counts a 401; enough of them inside the window bans the IP.
func (g *Guard) RecordAuthFail(ip string) {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := prune(g.failures[ip], now.Add(-time.Minute))
	kept = append(kept, now)
	g.failures[ip] = kept
	if len(kept) >= g.banAfterFails {
		g.bans[ip] = now.Add(g.banFor)
		delete(g.failures, ip)
	}
}

func (g *Guard) allow(key string, perMin int) bool {
	if perMin <= 0 {
		return true
	}
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := prune(g.windows[key], now.Add(-time.Minute))
	if len(kept) >= perMin {
		g.windows[key] = kept
		return false
	}
	g.windows[key] = append(kept, now)
	return true
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return append([]time.Time(nil), ts[i:]...)
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
