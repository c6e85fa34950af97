// Package memory is an in-process ledger.Store: one mutex is the
// transactional boundary. It backs dev mode (no DATABASE_URL) and the engine
// and API tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"dpswallet/internal/ledger"
)

type claimRecord struct {
	SenderID   int64
	ReceiverID int64
	Amount     int64
	ClaimedAt  time.Time
}

type state struct {
	accounts  map[int64]ledger.Account
	system    ledger.SystemState
	tasks     map[string]ledger.RewardTask
	completed map[int64]map[string]bool
	claimed   map[string]claimRecord
	journal   []ledger.JournalEntry
}

func (s *state) clone() *state {
	out := &state{
		accounts:  make(map[int64]ledger.Account, len(s.accounts)),
		system:    s.system,
		tasks:     make(map[string]ledger.RewardTask, len(s.tasks)),
		completed: make(map[int64]map[string]bool, len(s.completed)),
		claimed:   make(map[string]claimRecord, len(s.claimed)),
		journal:   append([]ledger.JournalEntry(nil), s.journal...),
	}
	for id, a := range s.accounts {
		out.accounts[id] = a
	}
	for id, t := range s.tasks {
		out.tasks[id] = t
	}
	for id, set := range s.completed {
		cp := make(map[string]bool, len(set))
		for k, v := range set {
			cp[k] = v
		}
		out.completed[id] = cp
	}
	for id, rec := range s.claimed {
		out.claimed[id] = rec
	}
	return out
}

// Store keeps everything behind one mutex. Update callbacks run against a
// staged copy that replaces the committed state only when the callback
// returns nil, so a failed operation leaves nothing behind.
type Store struct {
	mu sync.Mutex
	st *state
}

// New seeds the full supply into the treasury.
func New(totalSupply int64) *Store {
	return &Store{st: &state{
		accounts:  make(map[int64]ledger.Account),
		system:    ledger.SystemState{TotalSupply: totalSupply, TreasurySupply: totalSupply, UpdatedAt: time.Now().UTC()},
		tasks:     make(map[string]ledger.RewardTask),
		completed: make(map[int64]map[string]bool),
		claimed:   make(map[string]claimRecord),
	}}
}

func (s *Store) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.st.clone()
	if err := fn(&memTx{st: staged}); err != nil {
		return err
	}
	staged.system.UpdatedAt = time.Now().UTC()
	s.st = staged
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.st.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	out := acc
	return &out, nil
}

func (s *Store) System(ctx context.Context) (*ledger.SystemState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sys := s.st.system
	return &sys, nil
}

func (s *Store) Tasks(ctx context.Context) ([]ledger.RewardTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.RewardTask, 0, len(s.st.tasks))
	for _, t := range s.st.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CompletedTasks(ctx context.Context, accountID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.st.completed[accountID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) SumBalances(ctx context.Context) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, a := range s.st.accounts {
		total += a.Balance
	}
	return total, int64(len(s.st.accounts)), nil
}

func (s *Store) JournalSize(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.st.journal)), nil
}

type memTx struct {
	st *state
}

func (t *memTx) Account(id int64) (*ledger.Account, error) {
	acc, ok := t.st.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	out := acc
	return &out, nil
}

func (t *memTx) CreateAccount(a *ledger.Account) error {
	t.st.accounts[a.ID] = *a
	return nil
}

func (t *memTx) SaveAccount(a *ledger.Account) error {
	t.st.accounts[a.ID] = *a
	return nil
}

func (t *memTx) System() (*ledger.SystemState, error) {
	sys := t.st.system
	return &sys, nil
}

func (t *memTx) SaveSystem(s *ledger.SystemState) error {
	t.st.system = *s
	return nil
}

func (t *memTx) Task(id string) (*ledger.RewardTask, error) {
	task, ok := t.st.tasks[id]
	if !ok {
		return nil, ledger.ErrUnknownTask
	}
	out := task
	return &out, nil
}

func (t *memTx) PutTask(task *ledger.RewardTask) error {
	t.st.tasks[task.ID] = *task
	return nil
}

func (t *memTx) TaskCompleted(accountID int64, taskID string) (bool, error) {
	return t.st.completed[accountID][taskID], nil
}

func (t *memTx) MarkTaskCompleted(accountID int64, taskID string) error {
	set, ok := t.st.completed[accountID]
	if !ok {
		set = make(map[string]bool)
		t.st.completed[accountID] = set
	}
	set[taskID] = true
	return nil
}

func (t *memTx) MarkOfferClaimed(offerID string, senderID, receiverID, amount int64) error {
	if _, dup := t.st.claimed[offerID]; dup {
		return ledger.ErrAlreadyClaimed
	}
	t.st.claimed[offerID] = claimRecord{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Amount:     amount,
		ClaimedAt:  time.Now().UTC(),
	}
	return nil
}

func (t *memTx) AppendJournal(e *ledger.JournalEntry) error {
	e.ID = int64(len(t.st.journal)) + 1
	t.st.journal = append(t.st.journal, *e)
	return nil
}
