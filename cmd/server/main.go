package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dpswallet/internal/api"
	"dpswallet/internal/cache"
	"dpswallet/internal/claim"
	"dpswallet/internal/config"
	"dpswallet/internal/db"
	"dpswallet/internal/events"
	"dpswallet/internal/ledger"
	"dpswallet/internal/notify"
	"dpswallet/internal/security"
	"dpswallet/internal/store/memory"

	"github.com/go-chi/chi/v5"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store: postgres when configured, in-process otherwise (dev mode).
	var store ledger.Store
	if cfg.DatabaseURL != "" {
		database, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer database.Close()

		if err := database.Migrate(ctx); err != nil {
			log.Fatalf("db migrate: %v", err)
		}
		if err := database.EnsureSystemState(ctx, cfg.TotalSupply); err != nil {
			log.Fatalf("ensure system: %v", err)
		}
		store = database
	} else {
		log.Printf("no DATABASE_URL, using in-memory store")
		store = memory.New(cfg.TotalSupply)
	}

	hub := events.NewHub()
	engine := ledger.NewEngine(store, ledger.Config{
		NewUserBonus:  cfg.NewUserBonus,
		ReferrerBonus: cfg.ReferrerBonus,
	}, hub)

	if cfg.AdminID != 0 && cfg.AdminTreasuryBacked {
		if err := ensureAdminAccount(ctx, store, cfg.AdminID); err != nil {
			log.Fatalf("ensure admin account: %v", err)
		}
	}
	if cfg.TasksFile != "" {
		if err := seedTasks(ctx, engine, cfg.TasksFile); err != nil {
			log.Fatalf("seed tasks: %v", err)
		}
	}

	// Optional redis fast path for claim replay rejection.
	var guard claim.Guard
	if cfg.RedisURL != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connect: %v", err)
		}
		defer func() { _ = rdb.Close() }()
		guard = cache.NewClaimGuard(rdb, cfg.OfferTTL)
		log.Printf("claim guard enabled (redis)")
	}

	claims := claim.NewProtocol(claim.NewCodec(cfg.ClaimSecret), engine, cfg.OfferTTL, guard)

	// Outbound admin alerts (optional by env).
	notifier, err := notify.New(cfg.BotToken, cfg.AdminID)
	if err != nil {
		log.Printf("notify init: %v", err)
	}
	if cfg.RunAlerts && notifier != nil && cfg.TreasuryAlertThreshold > 0 {
		go watchTreasury(ctx, engine, notifier, cfg.TreasuryAlertThreshold, cfg.AlertInterval)
	}

	// HTTP server
	reqGuard := security.NewFromEnv()
	apiSrv := &api.API{Cfg: cfg, Engine: engine, Claims: claims, Hub: hub, Guard: reqGuard}
	root := chi.NewRouter()
	root.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":      true,
			"run_api": cfg.RunAPI,
			"ts":      time.Now().Unix(),
		})
	})
	if cfg.RunAPI {
		root.Mount("/api/v1", apiSrv.Router())
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("http listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http: %v", err)
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()

	ctxShut, cancelShut := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShut()
	_ = srv.Shutdown(ctxShut)
}

// ensureAdminAccount grants the configured admin the treasury-backed
// spending capability. The flag lives on the account row so every privileged
// debit is auditable.
func ensureAdminAccount(ctx context.Context, store ledger.Store, adminID int64) error {
	return store.Update(ctx, func(tx ledger.Tx) error {
		acc, err := tx.Account(adminID)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return tx.CreateAccount(&ledger.Account{
				ID:             adminID,
				Username:       "admin",
				FirstName:      "Admin",
				TreasuryBacked: true,
				CreatedAt:      time.Now().UTC(),
			})
		}
		if err != nil {
			return err
		}
		if acc.TreasuryBacked {
			return nil
		}
		acc.TreasuryBacked = true
		return tx.SaveAccount(acc)
	})
}

func seedTasks(ctx context.Context, engine *ledger.Engine, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var tasks []ledger.RewardTask
	if err := json.Unmarshal(raw, &tasks); err != nil {
		return err
	}
	for i := range tasks {
		tasks[i].Active = true
		if err := engine.PutTask(ctx, &tasks[i]); err != nil {
			return err
		}
	}
	log.Printf("seeded %d tasks from %s", len(tasks), path)
	return nil
}

// watchTreasury alerts the admin once each time the treasury drops under the
// threshold, and re-arms after it recovers.
func watchTreasury(ctx context.Context, engine *ledger.Engine, notifier *notify.Notifier, threshold int64, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	alerted := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := engine.Supply(ctx)
			if err != nil {
				log.Printf("treasury watch: %v", err)
				continue
			}
			if stats.TreasurySupply < threshold {
				if !alerted {
					if err := notifier.TreasuryLow(stats.TreasurySupply, threshold); err != nil {
						log.Printf("treasury alert: %v", err)
					}
					alerted = true
				}
			} else {
				alerted = false
			}
		}
	}
}
