// Package db is the postgres ledger.Store. Every Update runs in one pgx
// transaction; account and system rows are locked FOR UPDATE, and the unique
// constraint on claimed_offers enforces single-use claim markers.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dpswallet/internal/ledger"
)

const pgUniqueViolation = "23505"

type DB struct {
	Pool *pgxpool.Pool
}

func Connect(ctx context.Context, url string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("db parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return &DB{Pool: pool}, nil
}

func (d *DB) Close() {
	d.Pool.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		user_id BIGINT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		first_name TEXT NOT NULL DEFAULT '',
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		referrals_count BIGINT NOT NULL DEFAULT 0,
		referral_bonus_total BIGINT NOT NULL DEFAULT 0,
		treasury_backed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS system_state (
		id SMALLINT PRIMARY KEY,
		total_supply BIGINT NOT NULL,
		treasury_supply BIGINT NOT NULL CHECK (treasury_supply >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS reward_tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		payout BIGINT NOT NULL CHECK (payout > 0),
		url TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS completed_tasks (
		user_id BIGINT NOT NULL,
		task_id TEXT NOT NULL,
		completed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, task_id)
	)`,
	`CREATE TABLE IF NOT EXISTS claimed_offers (
		offer_id TEXT PRIMARY KEY,
		sender_id BIGINT NOT NULL,
		receiver_id BIGINT NOT NULL,
		amount BIGINT NOT NULL,
		claimed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS ledger (
		id BIGSERIAL PRIMARY KEY,
		kind TEXT NOT NULL,
		from_id BIGINT,
		to_id BIGINT,
		amount BIGINT NOT NULL,
		meta JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_kind_idx ON ledger (kind)`,
	`CREATE INDEX IF NOT EXISTS ledger_to_idx ON ledger (to_id)`,
}

func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := d.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("db migrate: %w", err)
		}
	}
	return nil
}

// EnsureSystemState seeds the supply row on first boot: the whole supply
// starts in the treasury.
func (d *DB) EnsureSystemState(ctx context.Context, totalSupply int64) error {
	_, err := d.Pool.Exec(ctx, `
INSERT INTO system_state (id, total_supply, treasury_supply)
VALUES (1, $1, $1)
ON CONFLICT (id) DO NOTHING
`, totalSupply)
	return err
}

func (d *DB) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := d.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("db begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("db commit: %w", err)
	}
	return nil
}

func (d *DB) GetAccount(ctx context.Context, id int64) (*ledger.Account, error) {
	return scanAccount(d.Pool.QueryRow(ctx, accountSelect+` WHERE user_id=$1`, id))
}

func (d *DB) System(ctx context.Context) (*ledger.SystemState, error) {
	var sys ledger.SystemState
	err := d.Pool.QueryRow(ctx, `SELECT total_supply, treasury_supply, updated_at FROM system_state WHERE id=1`).
		Scan(&sys.TotalSupply, &sys.TreasurySupply, &sys.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("db system: %w", err)
	}
	return &sys, nil
}

func (d *DB) Tasks(ctx context.Context) ([]ledger.RewardTask, error) {
	rows, err := d.Pool.Query(ctx, `SELECT id, title, payout, url, active FROM reward_tasks WHERE active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.RewardTask
	for rows.Next() {
		var t ledger.RewardTask
		if err := rows.Scan(&t.ID, &t.Title, &t.Payout, &t.URL, &t.Active); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (d *DB) CompletedTasks(ctx context.Context, accountID int64) ([]string, error) {
	rows, err := d.Pool.Query(ctx, `SELECT task_id FROM completed_tasks WHERE user_id=$1 ORDER BY task_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (d *DB) SumBalances(ctx context.Context) (int64, int64, error) {
	var total, accounts int64
	err := d.Pool.QueryRow(ctx, `SELECT COALESCE(SUM(balance),0), COUNT(*) FROM accounts`).Scan(&total, &accounts)
	return total, accounts, err
}

func (d *DB) JournalSize(ctx context.Context) (int64, error) {
	var n int64
	err := d.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger`).Scan(&n)
	return n, err
}

const accountSelect = `
SELECT user_id, username, first_name, balance, referrals_count, referral_bonus_total, treasury_backed, created_at
FROM accounts`

func scanAccount(row pgx.Row) (*ledger.Account, error) {
	var a ledger.Account
	err := row.Scan(&a.ID, &a.Username, &a.FirstName, &a.Balance, &a.ReferralsCount, &a.ReferralBonusTotal, &a.TreasuryBacked, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db account: %w", err)
	}
	return &a, nil
}

type pgTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *pgTx) Account(id int64) (*ledger.Account, error) {
	return scanAccount(t.tx.QueryRow(t.ctx, accountSelect+` WHERE user_id=$1 FOR UPDATE`, id))
}

func (t *pgTx) CreateAccount(a *ledger.Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	tag, err := t.tx.Exec(t.ctx, `
INSERT INTO accounts (user_id, username, first_name, balance, referrals_count, referral_bonus_total, treasury_backed, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (user_id) DO NOTHING
`, a.ID, a.Username, a.FirstName, a.Balance, a.ReferralsCount, a.ReferralBonusTotal, a.TreasuryBacked, a.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Lost a create race with a concurrent transaction; adopt the
		// committed row.
		existing, err := t.Account(a.ID)
		if err != nil {
			return err
		}
		*a = *existing
	}
	return nil
}

func (t *pgTx) SaveAccount(a *ledger.Account) error {
	_, err := t.tx.Exec(t.ctx, `
UPDATE accounts
SET username=$2, first_name=$3, balance=$4, referrals_count=$5, referral_bonus_total=$6, treasury_backed=$7
WHERE user_id=$1
`, a.ID, a.Username, a.FirstName, a.Balance, a.ReferralsCount, a.ReferralBonusTotal, a.TreasuryBacked)
	return err
}

func (t *pgTx) System() (*ledger.SystemState, error) {
	var sys ledger.SystemState
	err := t.tx.QueryRow(t.ctx, `SELECT total_supply, treasury_supply, updated_at FROM system_state WHERE id=1 FOR UPDATE`).
		Scan(&sys.TotalSupply, &sys.TreasurySupply, &sys.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("db system: %w", err)
	}
	return &sys, nil
}

func (t *pgTx) SaveSystem(s *ledger.SystemState) error {
	_, err := t.tx.Exec(t.ctx, `UPDATE system_state SET treasury_supply=$1, updated_at=now() WHERE id=1`, s.TreasurySupply)
	return err
}

func (t *pgTx) Task(id string) (*ledger.RewardTask, error) {
	var task ledger.RewardTask
	err := t.tx.QueryRow(t.ctx, `SELECT id, title, payout, url, active FROM reward_tasks WHERE id=$1`, id).
		Scan(&task.ID, &task.Title, &task.Payout, &task.URL, &task.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrUnknownTask
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (t *pgTx) PutTask(task *ledger.RewardTask) error {
	_, err := t.tx.Exec(t.ctx, `
INSERT INTO reward_tasks (id, title, payout, url, active)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET title=EXCLUDED.title, payout=EXCLUDED.payout, url=EXCLUDED.url, active=EXCLUDED.active
`, task.ID, task.Title, task.Payout, task.URL, task.Active)
	return err
}

func (t *pgTx) TaskCompleted(accountID int64, taskID string) (bool, error) {
	var done bool
	err := t.tx.QueryRow(t.ctx, `SELECT EXISTS (SELECT 1 FROM completed_tasks WHERE user_id=$1 AND task_id=$2)`, accountID, taskID).Scan(&done)
	return done, err
}

func (t *pgTx) MarkTaskCompleted(accountID int64, taskID string) error {
	_, err := t.tx.Exec(t.ctx, `INSERT INTO completed_tasks (user_id, task_id) VALUES ($1, $2)`, accountID, taskID)
	if isUniqueViolation(err) {
		return ledger.ErrAlreadyCompleted
	}
	return err
}

func (t *pgTx) MarkOfferClaimed(offerID string, senderID, receiverID, amount int64) error {
	_, err := t.tx.Exec(t.ctx, `
INSERT INTO claimed_offers (offer_id, sender_id, receiver_id, amount)
VALUES ($1, $2, $3, $4)
`, offerID, senderID, receiverID, amount)
	if isUniqueViolation(err) {
		return ledger.ErrAlreadyClaimed
	}
	return err
}

func (t *pgTx) AppendJournal(e *ledger.JournalEntry) error {
	meta := e.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return t.tx.QueryRow(t.ctx, `
INSERT INTO ledger (kind, from_id, to_id, amount, meta, created_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6)
RETURNING id
`, e.Kind, e.From, e.To, e.Amount, string(raw), e.CreatedAt).Scan(&e.ID)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
