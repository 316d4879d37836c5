package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/siteledger/siteledger/internal/inventory"
	"github.com/siteledger/siteledger/internal/platform/lock"
)

type fakeInventory struct {
	mu       sync.Mutex
	ids      []int64
	drifted  map[int64]bool
	errs     map[int64]error
	replayed []int64
}

func (f *fakeInventory) AccountIDs(context.Context, int64) ([]int64, error) {
	return f.ids, nil
}

func (f *fakeInventory) RecomputeBalance(_ context.Context, id int64) (inventory.BalanceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replayed = append(f.replayed, id)
	if err := f.errs[id]; err != nil {
		return inventory.BalanceResult{}, err
	}
	result := inventory.BalanceResult{Account: inventory.Account{ID: id, GroupID: 1}}
	if f.drifted[id] {
		result.Changed = true
		result.Drift = decimal.NewFromInt(2)
	}
	return result, nil
}

func TestInventoryRecomputeGroup(t *testing.T) {
	svc := &fakeInventory{
		ids:     []int64{1, 2, 3, 4},
		drifted: map[int64]bool{2: true},
		errs:    map[int64]error{3: lock.ErrConcurrencyConflict, 4: inventory.ErrUnknownAccount},
	}
	job := NewInventoryRecomputeJob(svc, discardLogger(), nil, 2)

	summary, err := job.Run(context.Background(), InventoryRecomputePayload{GroupID: 1})
	require.NoError(t, err)
	require.Equal(t, RecomputeSummary{Accounts: 4, Drifted: 1, Skipped: 2}, summary)
	require.ElementsMatch(t, []int64{1, 2, 3, 4}, svc.replayed)
}

func TestInventoryRecomputeSingleAccountError(t *testing.T) {
	boom := errors.New("boom")
	svc := &fakeInventory{errs: map[int64]error{5: boom}}
	job := NewInventoryRecomputeJob(svc, discardLogger(), nil, 0)

	_, err := job.Run(context.Background(), InventoryRecomputePayload{AccountID: 5})
	require.ErrorIs(t, err, boom)
	require.Equal(t, []int64{5}, svc.replayed)
}
