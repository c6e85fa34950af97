package ledger

import "time"

// Account is a wallet row. Balance is whole DPS tokens.
//
// TreasuryBacked marks an account whose debits are covered by the treasury
// instead of its own balance (admin issuance accounts). It is an explicit,
// auditable capability: conservation still holds because every such debit is a
// treasury movement.
type Account struct {
	ID                 int64     `json:"id"`
	Username           string    `json:"username"`
	FirstName          string    `json:"first_name"`
	Balance            int64     `json:"balance"`
	ReferralsCount     int64     `json:"referrals"`
	ReferralBonusTotal int64     `json:"ref_bonus_total"`
	TreasuryBacked     bool      `json:"treasury_backed"`
	CreatedAt          time.Time `json:"created_at"`
}

// RewardTask is a one-shot task an account can complete for a treasury-funded
// payout. Completion is tracked per (account, task), never inline.
type RewardTask struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Payout int64  `json:"payout"`
	URL    string `json:"url"`
	Active bool   `json:"active"`
}

// SystemState is the single-row supply record. TreasurySupply is the balance
// of the distinguished treasury: every bonus or task payout debits it, every
// administrative claw-back credits it.
type SystemState struct {
	TotalSupply    int64     `json:"total_supply"`
	TreasurySupply int64     `json:"treasury_supply"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// JournalEntry is one committed balance movement. From is nil when the
// treasury is the source.
type JournalEntry struct {
	ID        int64          `json:"id"`
	Kind      string         `json:"kind"`
	From      *int64         `json:"from,omitempty"`
	To        *int64         `json:"to,omitempty"`
	Amount    int64          `json:"amount"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Journal kinds.
const (
	KindGenesis       = "genesis"
	KindTransfer      = "transfer"
	KindClaim         = "claim"
	KindNewUserBonus  = "new_user_bonus"
	KindReferralBonus = "referral_bonus"
	KindTaskReward    = "task_reward"
	KindTreasurySend  = "treasury_send"
	KindAccountReset  = "account_reset"
)

// TransferResult reports what a transfer did so the caller can render bonus
// messaging without re-reading state.
type TransferResult struct {
	NewAccount      bool  `json:"new_account"`
	BonusApplied    bool  `json:"bonus_applied"`
	NewUserBonus    int64 `json:"new_user_bonus,omitempty"`
	ReferrerBonus   int64 `json:"referrer_bonus,omitempty"`
	SenderBalance   int64 `json:"sender_balance"`
	ReceiverBalance int64 `json:"receiver_balance"`

	// Journal entries written by the transfer, published after commit.
	pending []JournalEntry
}

// SupplyStats is the public supply view. Conserved is the mechanical check of
// the conservation law: circulating + treasury == total.
type SupplyStats struct {
	TotalSupply       int64 `json:"total_supply"`
	TreasurySupply    int64 `json:"treasury_supply"`
	CirculatingSupply int64 `json:"circulating_supply"`
	Accounts          int64 `json:"accounts"`
	Entries           int64 `json:"entries"`
	Conserved         bool  `json:"conserved"`
}
