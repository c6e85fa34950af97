package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config carries the bonus economics. The amounts are deployment inputs, not
// constants: they changed repeatedly in production and must stay tunable.
type Config struct {
	// NewUserBonus is credited to a receiver account created by an incoming
	// transfer. ReferrerBonus is credited to the sender of that transfer.
	// Both are funded from the treasury.
	NewUserBonus  int64
	ReferrerBonus int64
}

// Publisher receives committed journal entries. Implementations must not
// block; entries are delivered after the transaction commits.
type Publisher interface {
	Publish(e JournalEntry)
}

// Engine applies balance movements against a Store. All multi-account
// mutations run inside a single Store.Update so the conservation law
// (circulating + treasury == total supply) holds under concurrent requests.
type Engine struct {
	store Store
	cfg   Config
	pub   Publisher
}

func NewEngine(store Store, cfg Config, pub Publisher) *Engine {
	return &Engine{store: store, cfg: cfg, pub: pub}
}

// GetOrCreate returns the account, creating it with a zero balance on first
// contact. Display fields are refreshed on every call.
func (e *Engine) GetOrCreate(ctx context.Context, id int64, username, firstName string) (*Account, bool, error) {
	var (
		out     *Account
		created bool
	)
	err := e.store.Update(ctx, func(tx Tx) error {
		acc, err := tx.Account(id)
		if errors.Is(err, ErrAccountNotFound) {
			acc = &Account{ID: id, Username: username, FirstName: firstName, CreatedAt: time.Now().UTC()}
			if err := tx.CreateAccount(acc); err != nil {
				return err
			}
			created = true
			out = acc
			return nil
		}
		if err != nil {
			return err
		}
		if (username != "" && username != acc.Username) || (firstName != "" && firstName != acc.FirstName) {
			if username != "" {
				acc.Username = username
			}
			if firstName != "" {
				acc.FirstName = firstName
			}
			if err := tx.SaveAccount(acc); err != nil {
				return err
			}
		}
		out = acc
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (e *Engine) Get(ctx context.Context, id int64) (*Account, error) {
	return e.store.GetAccount(ctx, id)
}

// Transfer moves amount from one account to another. A missing receiver is
// created on the spot and the referral bonus policy runs for it. Treasury
// shortfall on the bonus is fail-soft: the transfer commits, the credits are
// skipped (BonusApplied reports which happened).
func (e *Engine) Transfer(ctx context.Context, fromID, toID, amount int64) (*TransferResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if fromID == toID {
		return nil, ErrSelfTransfer
	}

	var res *TransferResult
	err := e.store.Update(ctx, func(tx Tx) error {
		var err error
		res, err = e.transferLocked(tx, fromID, toID, amount, KindTransfer, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.publishPending(res)
	return res, nil
}

// ClaimTransfer settles a claim offer: the claimed-offer marker and the
// transfer commit in the same transaction, so a replayed or raced claim fails
// on the marker before any balance moves.
func (e *Engine) ClaimTransfer(ctx context.Context, offerID string, senderID, receiverID, amount int64) (*TransferResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if senderID == receiverID {
		return nil, ErrSelfClaim
	}

	var res *TransferResult
	err := e.store.Update(ctx, func(tx Tx) error {
		if err := tx.MarkOfferClaimed(offerID, senderID, receiverID, amount); err != nil {
			return err
		}
		var err error
		res, err = e.transferLocked(tx, senderID, receiverID, amount, KindClaim, map[string]any{"offer_id": offerID})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.publishPending(res)
	return res, nil
}

// transferLocked applies the debit/credit pair plus the new-account bonus
// policy. Lock order: system row first, then accounts by ascending id.
func (e *Engine) transferLocked(tx Tx, fromID, toID, amount int64, kind string, meta map[string]any) (*TransferResult, error) {
	sys, err := tx.System()
	if err != nil {
		return nil, err
	}

	sender, receiver, newAccount, err := lockPair(tx, fromID, toID)
	if err != nil {
		return nil, err
	}

	if sender.TreasuryBacked {
		if sys.TreasurySupply < amount {
			return nil, ErrTreasuryDepleted
		}
		sys.TreasurySupply -= amount
	} else {
		if sender.Balance < amount {
			return nil, ErrInsufficientFunds
		}
		sender.Balance -= amount
	}
	receiver.Balance += amount

	res := &TransferResult{NewAccount: newAccount}
	entries := []JournalEntry{journal(kind, &fromID, &toID, amount, meta)}

	if newAccount {
		// Referral fact is recorded regardless of whether the treasury can
		// fund the credits.
		sender.ReferralsCount++
		need := e.cfg.NewUserBonus + e.cfg.ReferrerBonus
		if need > 0 && sys.TreasurySupply >= need {
			sys.TreasurySupply -= need
			receiver.Balance += e.cfg.NewUserBonus
			sender.Balance += e.cfg.ReferrerBonus
			sender.ReferralBonusTotal += e.cfg.ReferrerBonus
			res.BonusApplied = true
			res.NewUserBonus = e.cfg.NewUserBonus
			res.ReferrerBonus = e.cfg.ReferrerBonus
			if e.cfg.NewUserBonus > 0 {
				entries = append(entries, journal(KindNewUserBonus, nil, &toID, e.cfg.NewUserBonus, nil))
			}
			if e.cfg.ReferrerBonus > 0 {
				entries = append(entries, journal(KindReferralBonus, nil, &fromID, e.cfg.ReferrerBonus, nil))
			}
		}
	}

	if err := tx.SaveAccount(sender); err != nil {
		return nil, err
	}
	if err := tx.SaveAccount(receiver); err != nil {
		return nil, err
	}
	if err := tx.SaveSystem(sys); err != nil {
		return nil, err
	}
	for i := range entries {
		if err := tx.AppendJournal(&entries[i]); err != nil {
			return nil, err
		}
	}

	res.SenderBalance = sender.Balance
	res.ReceiverBalance = receiver.Balance
	res.pending = entries
	return res, nil
}

// lockPair fetches sender and receiver in ascending id order, creating the
// receiver when absent. The sender must exist.
func lockPair(tx Tx, fromID, toID int64) (sender, receiver *Account, created bool, err error) {
	load := func(id int64) (*Account, error) { return tx.Account(id) }

	if fromID < toID {
		sender, err = load(fromID)
		if err != nil {
			return nil, nil, false, err
		}
		receiver, err = load(toID)
	} else {
		receiver, err = load(toID)
		if err == nil || errors.Is(err, ErrAccountNotFound) {
			var serr error
			sender, serr = load(fromID)
			if serr != nil {
				return nil, nil, false, serr
			}
		}
	}
	if errors.Is(err, ErrAccountNotFound) {
		receiver = &Account{ID: toID, CreatedAt: time.Now().UTC()}
		if cerr := tx.CreateAccount(receiver); cerr != nil {
			return nil, nil, false, cerr
		}
		return sender, receiver, true, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	return sender, receiver, false, nil
}

// CompleteTask credits the task payout from the treasury exactly once per
// (account, task). The payout is the whole point of the call, so a treasury
// shortfall fails the operation instead of skipping.
func (e *Engine) CompleteTask(ctx context.Context, accountID int64, taskID string) (*RewardTask, error) {
	var (
		task    *RewardTask
		pending JournalEntry
	)
	err := e.store.Update(ctx, func(tx Tx) error {
		var err error
		task, err = tx.Task(taskID)
		if err != nil {
			return err
		}
		if !task.Active {
			return ErrUnknownTask
		}
		done, err := tx.TaskCompleted(accountID, taskID)
		if err != nil {
			return err
		}
		if done {
			return ErrAlreadyCompleted
		}

		sys, err := tx.System()
		if err != nil {
			return err
		}
		if sys.TreasurySupply < task.Payout {
			return ErrTreasuryDepleted
		}

		acc, err := tx.Account(accountID)
		if errors.Is(err, ErrAccountNotFound) {
			acc = &Account{ID: accountID, CreatedAt: time.Now().UTC()}
			if err := tx.CreateAccount(acc); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		sys.TreasurySupply -= task.Payout
		acc.Balance += task.Payout
		if err := tx.SaveAccount(acc); err != nil {
			return err
		}
		if err := tx.SaveSystem(sys); err != nil {
			return err
		}
		if err := tx.MarkTaskCompleted(accountID, taskID); err != nil {
			return err
		}
		pending = journal(KindTaskReward, nil, &accountID, task.Payout, map[string]any{"task_id": taskID})
		return tx.AppendJournal(&pending)
	})
	if err != nil {
		return nil, err
	}
	e.publish(pending)
	return task, nil
}

// CreditFromTreasury is the administrative issuance path (admin sends,
// promotions). The receiver is created lazily.
func (e *Engine) CreditFromTreasury(ctx context.Context, toID, amount int64, kind string, meta map[string]any) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if kind == "" {
		kind = KindTreasurySend
	}
	var pending JournalEntry
	err := e.store.Update(ctx, func(tx Tx) error {
		sys, err := tx.System()
		if err != nil {
			return err
		}
		if sys.TreasurySupply < amount {
			return ErrTreasuryDepleted
		}
		acc, err := tx.Account(toID)
		if errors.Is(err, ErrAccountNotFound) {
			acc = &Account{ID: toID, CreatedAt: time.Now().UTC()}
			if err := tx.CreateAccount(acc); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		sys.TreasurySupply -= amount
		acc.Balance += amount
		if err := tx.SaveAccount(acc); err != nil {
			return err
		}
		if err := tx.SaveSystem(sys); err != nil {
			return err
		}
		pending = journal(kind, nil, &toID, amount, meta)
		return tx.AppendJournal(&pending)
	})
	if err != nil {
		return err
	}
	e.publish(pending)
	return nil
}

// ResetAccount returns an account's full balance to the treasury. The account
// row survives (administrative reset, not deletion).
func (e *Engine) ResetAccount(ctx context.Context, id int64) (int64, error) {
	var (
		returned int64
		pending  *JournalEntry
	)
	err := e.store.Update(ctx, func(tx Tx) error {
		sys, err := tx.System()
		if err != nil {
			return err
		}
		acc, err := tx.Account(id)
		if err != nil {
			return err
		}
		returned = acc.Balance
		if returned == 0 {
			return nil
		}
		sys.TreasurySupply += returned
		acc.Balance = 0
		if err := tx.SaveAccount(acc); err != nil {
			return err
		}
		if err := tx.SaveSystem(sys); err != nil {
			return err
		}
		entry := journal(KindAccountReset, &id, nil, returned, nil)
		if err := tx.AppendJournal(&entry); err != nil {
			return err
		}
		pending = &entry
		return nil
	})
	if err != nil {
		return 0, err
	}
	if pending != nil {
		e.publish(*pending)
	}
	return returned, nil
}

// Supply reports the public totals and mechanically verifies the conservation
// law.
func (e *Engine) Supply(ctx context.Context) (*SupplyStats, error) {
	sys, err := e.store.System(ctx)
	if err != nil {
		return nil, err
	}
	circulating, accounts, err := e.store.SumBalances(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := e.store.JournalSize(ctx)
	if err != nil {
		return nil, err
	}
	return &SupplyStats{
		TotalSupply:       sys.TotalSupply,
		TreasurySupply:    sys.TreasurySupply,
		CirculatingSupply: circulating,
		Accounts:          accounts,
		Entries:           entries,
		Conserved:         circulating+sys.TreasurySupply == sys.TotalSupply,
	}, nil
}

func (e *Engine) Tasks(ctx context.Context) ([]RewardTask, error) {
	return e.store.Tasks(ctx)
}

func (e *Engine) CompletedTasks(ctx context.Context, accountID int64) ([]string, error) {
	return e.store.CompletedTasks(ctx, accountID)
}

// PutTask creates or replaces a reward task (admin surface).
func (e *Engine) PutTask(ctx context.Context, t *RewardTask) error {
	if t.ID == "" || t.Payout <= 0 {
		return fmt.Errorf("ledger: task needs an id and a positive payout")
	}
	return e.store.Update(ctx, func(tx Tx) error {
		return tx.PutTask(t)
	})
}

func (e *Engine) publish(entry JournalEntry) {
	if e.pub != nil {
		e.pub.Publish(entry)
	}
}

func (e *Engine) publishPending(res *TransferResult) {
	if res == nil {
		return
	}
	for _, entry := range res.pending {
		e.publish(entry)
	}
	res.pending = nil
}

func journal(kind string, from, to *int64, amount int64, meta map[string]any) JournalEntry {
	return JournalEntry{Kind: kind, From: from, To: to, Amount: amount, Meta: meta, CreatedAt: time.Now().UTC()}
}
