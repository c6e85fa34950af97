package ledger

import "context"

// Store is the persistence contract the engine runs on. Implementations must
// make Update a real transactional boundary: either every mutation made
// through the Tx commits, or none does. Postgres backs this with a single
// transaction and FOR UPDATE row locks; the memory store holds one mutex for
// the whole callback.
type Store interface {
	// Update runs fn inside a transaction. Any error from fn rolls the
	// transaction back and is returned unchanged.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// Read helpers outside a transaction.
	GetAccount(ctx context.Context, id int64) (*Account, error)
	System(ctx context.Context) (*SystemState, error)
	Tasks(ctx context.Context) ([]RewardTask, error)
	CompletedTasks(ctx context.Context, accountID int64) ([]string, error)
	SumBalances(ctx context.Context) (total int64, accounts int64, err error)
	JournalSize(ctx context.Context) (int64, error)
}

// Tx is the view handed to Update callbacks. Account and System lock the rows
// they return for the remainder of the transaction. Callers lock System first
// and accounts in ascending id order (avoids deadlocks between concurrent
// multi-account mutations).
type Tx interface {
	Account(id int64) (*Account, error)
	CreateAccount(a *Account) error
	SaveAccount(a *Account) error

	System() (*SystemState, error)
	SaveSystem(s *SystemState) error

	Task(id string) (*RewardTask, error)
	PutTask(t *RewardTask) error
	TaskCompleted(accountID int64, taskID string) (bool, error)
	MarkTaskCompleted(accountID int64, taskID string) error

	// MarkOfferClaimed persists the claimed-offer marker. Returns
	// ErrAlreadyClaimed when the offer id was marked before; the unique
	// constraint makes concurrent claims first-committer-wins.
	MarkOfferClaimed(offerID string, senderID, receiverID, amount int64) error

	AppendJournal(e *JournalEntry) error
}
