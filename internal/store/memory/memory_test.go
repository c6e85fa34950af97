package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"dpswallet/internal/ledger"
	"dpswallet/internal/store/memory"
)

func TestUpdateRollsBackOnError(t *testing.T) {
	s := memory.New(1000)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx ledger.Tx) error {
		if err := tx.CreateAccount(&ledger.Account{ID: 1, Balance: 100}); err != nil {
			return err
		}
		sys, err := tx.System()
		if err != nil {
			return err
		}
		sys.TreasurySupply -= 100
		if err := tx.SaveSystem(sys); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetAccount(ctx, 1)
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
	sys, err := s.System(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1000), sys.TreasurySupply)
	n, err := s.JournalSize(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestUpdateCommits(t *testing.T) {
	s := memory.New(1000)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
		if err := tx.CreateAccount(&ledger.Account{ID: 1, Balance: 40}); err != nil {
			return err
		}
		return tx.AppendJournal(&ledger.JournalEntry{Kind: ledger.KindGenesis, Amount: 40})
	}))

	acc, err := s.GetAccount(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(40), acc.Balance)
	n, err := s.JournalSize(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestMarkOfferClaimedOnce(t *testing.T) {
	s := memory.New(1000)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
		return tx.MarkOfferClaimed("1:abc", 1, 2, 50)
	}))
	err := s.Update(ctx, func(tx ledger.Tx) error {
		return tx.MarkOfferClaimed("1:abc", 1, 3, 50)
	})
	require.ErrorIs(t, err, ledger.ErrAlreadyClaimed)
}

func TestCompletedTasksSorted(t *testing.T) {
	s := memory.New(1000)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
		for _, id := range []string{"b", "a", "c"} {
			if err := tx.MarkTaskCompleted(9, id); err != nil {
				return err
			}
		}
		return nil
	}))

	done, err := s.CompletedTasks(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, done)

	ok := false
	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
		var err error
		ok, err = tx.TaskCompleted(9, "a")
		return err
	}))
	require.True(t, ok)
}

func TestConcurrentTransfersConserve(t *testing.T) {
	const supply = 10_000
	s := memory.New(supply)
	engine := ledger.NewEngine(s, ledger.Config{}, nil)
	ctx := context.Background()

	require.NoError(t, engine.CreditFromTreasury(ctx, 1, 4000, ledger.KindTreasurySend, nil))
	require.NoError(t, engine.CreditFromTreasury(ctx, 2, 4000, ledger.KindTreasurySend, nil))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = engine.Transfer(ctx, 1, 2, 10)
		}()
		go func() {
			defer wg.Done()
			_, _ = engine.Transfer(ctx, 2, 1, 10)
		}()
	}
	wg.Wait()

	stats, err := engine.Supply(ctx)
	require.NoError(t, err)
	require.True(t, stats.Conserved)
	require.Equal(t, int64(supply), stats.TotalSupply)

	for _, id := range []int64{1, 2} {
		acc, err := engine.Get(ctx, id)
		require.NoError(t, err)
		require.GreaterOrEqual(t, acc.Balance, int64(0))
	}
}

func TestCanceledContext(t *testing.T) {
	s := memory.New(1000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Update(ctx, func(tx ledger.Tx) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
