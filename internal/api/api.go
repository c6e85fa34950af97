package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dpswallet/internal/claim"
	"dpswallet/internal/config"
	"dpswallet/internal/events"
	"dpswallet/internal/ledger"
	"dpswallet/internal/security"
	"dpswallet/internal/telegram"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

type API struct {
	Cfg    config.Config
	Engine *ledger.Engine
	Claims *claim.Protocol
	Hub    *events.Hub
	Guard  *security.Guard
}

type envelope struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

type stateRequest struct {
	InitData string `json:"init_data"`
}

type transferRequest struct {
	InitData string `json:"init_data"`
	To       string `json:"to"`
	Amount   int64  `json:"amount"`
}

type offerCreateRequest struct {
	InitData string `json:"init_data"`
	Amount   int64  `json:"amount"`
}

type offerClaimRequest struct {
	InitData string `json:"init_data"`
	Token    string `json:"token"`
}

type tasksListRequest struct {
	InitData string `json:"init_data"`
}

type taskCompleteRequest struct {
	InitData string `json:"init_data"`
	TaskID   string `json:"task_id"`
}

type adminTreasurySendRequest struct {
	InitData string `json:"init_data"`
	ToUserID int64  `json:"to_user_id"`
	Amount   int64  `json:"amount"`
}

type adminAccountResetRequest struct {
	InitData string `json:"init_data"`
	UserID   int64  `json:"user_id"`
}

type adminTaskCreateRequest struct {
	InitData string `json:"init_data"`
	ID       string `json:"id"`
	Title    string `json:"title"`
	Payout   int64  `json:"payout"`
	URL      string `json:"url"`
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(a.corsMiddleware)
	r.Use(a.securityMiddleware)

	r.Get("/health", a.health)
	r.Get("/supply", a.supply)
	// WebApp
	r.Post("/state", a.state)
	r.Post("/transfer", a.transfer)
	// Claim offers
	r.Post("/offer/create", a.offerCreate)
	r.Post("/offer/claim", a.offerClaim)
	// Tasks
	r.Post("/tasks/list", a.tasksList)
	r.Post("/tasks/complete", a.taskComplete)
	// Events
	r.Get("/events/ws", a.eventsWS)
	// Admin
	r.Post("/admin/treasury/send", a.adminTreasurySend)
	r.Post("/admin/account/reset", a.adminAccountReset)
	r.Post("/admin/tasks/create", a.adminTaskCreate)

	return r
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Hijack keeps the websocket upgrade working behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (a *API) securityMiddleware(next http.Handler) http.Handler {
	if a.Guard == nil || !a.Guard.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := a.Guard.ClientIP(r)
		if a.Guard.IsBanned(ip) {
			writeJSON(w, http.StatusTooManyRequests, envelope{OK: false, Error: "too many requests"})
			return
		}

		// Body size guard for JSON endpoints (keeps memory stable under spam).
		if r.Method == http.MethodPost {
			if n := a.Guard.MaxBodyBytes(); n > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
		}

		path := strings.ToLower(strings.TrimSpace(r.URL.Path))
		isPublic := strings.HasSuffix(path, "/health") || strings.HasSuffix(path, "/supply")
		if isPublic {
			if !a.Guard.AllowPublic(ip) {
				writeJSON(w, http.StatusTooManyRequests, envelope{OK: false, Error: "rate limited"})
				return
			}
		} else {
			if !a.Guard.AllowAPI(ip) {
				writeJSON(w, http.StatusTooManyRequests, envelope{OK: false, Error: "rate limited"})
				return
			}
			if strings.HasSuffix(path, "/offer/claim") && !a.Guard.AllowClaimIP(ip) {
				writeJSON(w, http.StatusTooManyRequests, envelope{OK: false, Error: "claim rate limited"})
				return
			}
		}

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status == http.StatusUnauthorized {
			a.Guard.RecordAuthFail(ip)
		}
	})
}

func (a *API) corsMiddleware(next http.Handler) http.Handler {
	allowed := map[string]struct{}{}
	for _, origin := range a.Cfg.CORSOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		allowed[origin] = struct{}{}
	}
	if strings.TrimSpace(a.Cfg.PublicBaseURL) != "" {
		allowed[strings.TrimRight(strings.TrimSpace(a.Cfg.PublicBaseURL), "/")] = struct{}{}
	}
	_, allowAll := allowed["*"]

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/")
		if origin != "" && (allowAll || hasOrigin(allowed, origin)) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "600")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hasOrigin(allowed map[string]struct{}, origin string) bool {
	_, ok := allowed[origin]
	return ok
}

func writeJSON(w http.ResponseWriter, status int, v envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}

func (a *API) authUserFrom(initData string) (telegram.AuthUser, bool) {
	return telegram.VerifyWebAppInitData(initData, a.Cfg.BotToken)
}

// businessError maps ledger sentinels to a 4xx status and a stable error
// string; anything else is an internal failure.
func businessError(err error) (int, string, bool) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusBadRequest, "not enough balance", true
	case errors.Is(err, ledger.ErrSelfTransfer):
		return http.StatusBadRequest, "cannot transfer to yourself", true
	case errors.Is(err, ledger.ErrSelfClaim):
		return http.StatusBadRequest, "cannot claim your own transfer", true
	case errors.Is(err, ledger.ErrAlreadyClaimed):
		return http.StatusConflict, "already claimed", true
	case errors.Is(err, ledger.ErrAlreadyCompleted):
		return http.StatusConflict, "already completed", true
	case errors.Is(err, ledger.ErrUnknownTask):
		return http.StatusNotFound, "unknown task", true
	case errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound, "account not found", true
	case errors.Is(err, ledger.ErrTreasuryDepleted):
		return http.StatusBadRequest, "not enough treasury", true
	case errors.Is(err, ledger.ErrOfferExpired):
		return http.StatusGone, "offer expired", true
	case errors.Is(err, ledger.ErrInvalidOffer):
		return http.StatusBadRequest, "invalid offer token", true
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "amount must be > 0", true
	}
	return 0, "", false
}

func (a *API) writeBusinessOr500(w http.ResponseWriter, err error, fallback string) {
	if status, msg, ok := businessError(err); ok {
		writeJSON(w, status, envelope{OK: false, Error: msg})
		return
	}
	log.Printf("api: %s: %v", fallback, err)
	writeJSON(w, http.StatusInternalServerError, envelope{OK: false, Error: fallback})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Engine.Supply(r.Context())
	dbOK := err == nil

	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	data := map[string]any{
		"service": "dpswallet",
		"ts":      time.Now().Unix(),
		"db_ok":   dbOK,
	}
	if dbOK {
		data["conserved"] = stats.Conserved
	}
	writeJSON(w, status, envelope{OK: dbOK, Data: data})
}

func (a *API) supply(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Engine.Supply(r.Context())
	if err != nil {
		a.writeBusinessOr500(w, err, "supply failed")
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: stats})
}

func (a *API) buildAccountState(r *http.Request, user telegram.AuthUser) (map[string]any, error) {
	ctx := r.Context()
	acc, _, err := a.Engine.GetOrCreate(ctx, user.ID, user.Username, user.FirstName)
	if err != nil {
		return nil, err
	}
	completed, err := a.Engine.CompletedTasks(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"user_id":         acc.ID,
		"username":        acc.Username,
		"first_name":      acc.FirstName,
		"is_admin":        user.ID == a.Cfg.AdminID,
		"address":         fmtAddress(acc.ID),
		"balance":         acc.Balance,
		"referrals":       acc.ReferralsCount,
		"ref_bonus_total": acc.ReferralBonusTotal,
		"completed_tasks": completed,
		"bonuses": map[string]any{
			"new_user": a.Cfg.NewUserBonus,
			"referrer": a.Cfg.ReferrerBonus,
		},
		"ts": time.Now().Unix(),
	}

	// Hide treasury totals from regular users.
	if user.ID == a.Cfg.AdminID {
		if stats, err := a.Engine.Supply(ctx); err == nil {
			data["supply"] = stats
		}
	}
	return data, nil
}

func (a *API) state(w http.ResponseWriter, r *http.Request) {
	var req stateRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{OK: false, Error: "bad json"})
		return
	}
	user, ok := a.authUserFrom(req.InitData)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, envelope{OK: false, Error: "unauthorized"})
		return
	}
	data, err := a.buildAccountState(r, user)
	if err != nil {
		a.writeBusinessOr500(w, err, "server error")
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: data})
}

func (a *API) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{OK: false, Error: "bad json"})
		return
	}
	user, ok := a.authUserFrom(req.InitData)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, envelope{OK: false, Error: "unauthorized"})
		return
	}
	toID, err := parseUserID(req.To)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{OK: false, Error: "invalid recipient"})
		return
	}

	ctx := r.Context()
	if _, _, err := a.Engine.GetOrCreate(ctx, user.ID, user.Username, user.FirstName); err != nil {
		a.writeBusinessOr500(w, err, "db error")
		return
	}
	res, err := a.Engine.Transfer(ctx, user.ID, toID, req.Amount)
	if err != nil {
		a.writeBusinessOr500(w, err, "transfer failed")
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: res})
}

func (a *API) offerCreate(w http.ResponseWriter, r *http.Request) {
	var req offerCreateRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{OK: false, Error: "bad json"})
		return
	}
	user, ok := a.authUserFrom(req.InitData)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, envelope{OK: false, Error: "unauthorized"})
		return
	}
	if _, _, err := a.Engine.GetOrCreate(r.Context(), user.ID, user.Username, user.FirstName); err != nil {
		a.writeBusinessOr500(w, err, "db error")
		return
	}

	token, offer, err := a.Claims.CreateOffer(user.ID, req.Amount)
	if err != nil {
		a.writeBusinessOr500(w, err, "offer failed")
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: map[string]any{
		"token":      token,
		"amount":     offer.Amount,
		"created_at": offer.CreatedAt,
		"expires_in": int64(a.Cfg.OfferTTL.Seconds()),
	}})
}

func (a *API) offerClaim(w http.ResponseWriter, r *http.Request) {
	var req offerClaimRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{OK: false, Error: "bad json"})
		return
	}
	user, ok := a.authUserFrom(req.InitData)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, envelope{OK: false, Error: "unauthorized"})
		return
	}
	if a.Guard != nil && a.Guard.Enabled() && !a.Guard.AllowClaimUser(user.ID) {
		writeJSON(w, http.StatusTooManyRequests, envelope{OK: false, Error: "claim rate limited"})
		return
	}

	ctx := r.Context()
	if _, _, err := a.Engine.GetOrCreate(ctx, user.ID, user.Username, user.FirstName); err != nil {
		a.writeBusinessOr500(w, err, "db error")
		return
	}
	res, offer, err := a.Claims.Claim(ctx, user.ID, req.Token)
	if err != nil {
		a.writeBusinessOr500(w, err, "claim failed")
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: map[string]any{
		"amount":   offer.Amount,
		"sender":   offer.SenderID,
		"transfer": res,
	}})
}

func (a *API) tasksList(w http.ResponseWriter, r *http.Request) {
	var req tasksListRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{OK: false, Error: "bad json"})
		return
	}
	user, ok := a.authUserFrom(req.InitData)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, envelope{OK: false, Error: "unauthorized"})
		return
	}

	ctx := r.Context()
	tasks, err := a.Engine.Tasks(ctx)
	if err != nil {
		a.writeBusinessOr500(w, err, "tasks failed")
		return
	}
	completed, err := a.Engine.CompletedTasks(ctx, user.ID)
	if err != nil {
		a.writeBusinessOr500(w, err, "tasks failed")
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: map[string]any{
		"tasks":     tasks,
		"completed": completed,
	}})
}

func (a *API) taskComplete(w http.ResponseWriter, r *http.Request) {
	var req taskCompleteRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{OK: false, Error: "bad json"})
		return
	}
	user, ok := a.authUserFrom(req.InitData)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, envelope{OK: false, Error: "unauthorized"})
		return
	}

	task, err := a.Engine.CompleteTask(r.Context(), user.ID, strings.TrimSpace(req.TaskID))
	if err != nil {
		a.writeBusinessOr500(w, err, "task failed")
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: map[string]any{
		"task_id": task.ID,
		"payout":  task.Payout,
	}})
}

func (a *API) adminTreasurySend(w http.ResponseWriter, r *http.Request) {
	var req adminTreasurySendRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{OK: false, Error: "bad json"})
		return
	}
	user, ok := a.requireAdmin(w, req.InitData)
	if !ok {
		return
	}

	err := a.Engine.CreditFromTreasury(r.Context(), req.ToUserID, req.Amount, ledger.KindTreasurySend, map[string]any{"by": user.ID})
	if err != nil {
		a.writeBusinessOr500(w, err, "treasury send failed")
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true})
}

func (a *API) adminAccountReset(w http.ResponseWriter, r *http.Request) {
	var req adminAccountResetRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{OK: false, Error: "bad json"})
		return
	}
	if _, ok := a.requireAdmin(w, req.InitData); !ok {
		return
	}

	returned, err := a.Engine.ResetAccount(r.Context(), req.UserID)
	if err != nil {
		a.writeBusinessOr500(w, err, "reset failed")
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: map[string]any{"returned": returned}})
}

func (a *API) adminTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req adminTaskCreateRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{OK: false, Error: "bad json"})
		return
	}
	if _, ok := a.requireAdmin(w, req.InitData); !ok {
		return
	}

	task := &ledger.RewardTask{
		ID:     strings.TrimSpace(req.ID),
		Title:  strings.TrimSpace(req.Title),
		Payout: req.Payout,
		URL:    strings.TrimSpace(req.URL),
		Active: true,
	}
	if err := a.Engine.PutTask(r.Context(), task); err != nil {
		a.writeBusinessOr500(w, err, "task create failed")
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true})
}

func (a *API) requireAdmin(w http.ResponseWriter, initData string) (telegram.AuthUser, bool) {
	user, ok := a.authUserFrom(initData)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, envelope{OK: false, Error: "unauthorized"})
		return telegram.AuthUser{}, false
	}
	if a.Cfg.AdminID == 0 || user.ID != a.Cfg.AdminID {
		writeJSON(w, http.StatusForbidden, envelope{OK: false, Error: "forbidden"})
		return telegram.AuthUser{}, false
	}
	return user, true
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The stream is read-only public journal data; origins were already
	// filtered by the CORS middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventsWS streams committed journal entries as JSON frames.
func (a *API) eventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	entries, cancel := a.Hub.Subscribe()
	defer cancel()

	// Reader goroutine notices client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case e, ok := <-entries:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}

// parseUserID accepts a bare numeric id or the DPS-<id> address form shown in
// the wallet UI.
func parseUserID(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(strings.ToUpper(s), "DPS-")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, errors.New("api: user id must be positive")
	}
	return id, nil
}

func fmtAddress(id int64) string {
	return "DPS-" + strconv.FormatInt(id, 10)
}
