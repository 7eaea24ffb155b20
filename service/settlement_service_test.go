package service

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/escrow-engine/settlement/model"
)

func TestSweepMovesFullBalance(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.createMilestone(t, "100.00")
	wallet, err := e.milestones.Fund(ctx, m.ID, m.ClientID)
	require.NoError(t, err)

	_, err = e.settlement.Sweep(ctx, wallet.ID)
	assert.ErrorIs(t, err, ErrNoFundsReceived)

	e.chain.setBalance(wallet.Address, decimal.RequireFromString("100.00"))
	res, err := e.settlement.Sweep(ctx, wallet.ID)
	require.NoError(t, err)
	assert.True(t, res.Amount.Equal(decimal.RequireFromString("100.00")))
	assert.NotEmpty(t, res.TxHash)

	require.Len(t, e.chain.transfers, 1)
	assert.Equal(t, e.settlement.MasterAddress(), e.chain.transfers[0].ToAddress)

	w, err := e.store.Wallets().Get(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WalletSwept, w.Status)
	assert.True(t, w.TotalReceived.Equal(res.Amount))

	row, err := e.store.Ledger().Get(ctx, wallet.LinkedEntityID)
	require.NoError(t, err)
	assert.Equal(t, model.TxSuccess, row.Status)
	require.NotNil(t, row.TxHash)
	assert.Equal(t, res.TxHash, *row.TxHash)
}

func TestConcurrentSweepBroadcastsOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.createMilestone(t, "100.00")
	wallet, err := e.milestones.Fund(ctx, m.ID, m.ClientID)
	require.NoError(t, err)
	e.chain.setBalance(wallet.Address, m.Amount)

	const n = 8
	results := make([]SweepResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.settlement.Sweep(ctx, wallet.ID)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, e.chain.transferCount())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].TxHash, results[i].TxHash)
		assert.True(t, results[0].Amount.Equal(results[i].Amount))
	}
}

func TestSweepResumesFromRecordedHash(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.createMilestone(t, "100.00")
	wallet, err := e.milestones.Fund(ctx, m.ID, m.ClientID)
	require.NoError(t, err)
	e.chain.setBalance(wallet.Address, m.Amount)

	// a previous attempt broadcast and died before settling
	require.NoError(t, e.store.Ledger().SetHash(ctx, wallet.LinkedEntityID, "0xorphan"))

	res, err := e.settlement.Sweep(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, "0xorphan", res.TxHash)
	assert.Equal(t, 0, e.chain.transferCount(), "no second broadcast")
}

func TestSweepPendingKeepsRowOpen(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.createMilestone(t, "100.00")
	wallet, err := e.milestones.Fund(ctx, m.ID, m.ClientID)
	require.NoError(t, err)
	e.chain.setBalance(wallet.Address, m.Amount)

	e.chain.setStatus("0xhash0001", TxAwaitingConfirmation)

	_, err = e.settlement.Sweep(ctx, wallet.ID)
	assert.ErrorIs(t, err, ErrSettlementPending)

	row, err := e.store.Ledger().Get(ctx, wallet.LinkedEntityID)
	require.NoError(t, err)
	assert.Equal(t, model.TxPending, row.Status)
	require.NotNil(t, row.TxHash)

	// confirmation lands; the retry resumes without rebroadcasting
	e.chain.setStatus("0xhash0001", TxConfirmed)
	res, err := e.settlement.Sweep(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, *row.TxHash, res.TxHash)
	assert.Equal(t, 1, e.chain.transferCount())
}

func TestPayoutIdempotentByOperation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.chain.setBalance(e.settlement.MasterAddress(), decimal.RequireFromString("500"))

	op := PayoutOp{
		OperationID: "release:m-1",
		Type:        model.TxTypeMilestonePayment,
		Network:     "ethereum",
		ToAddress:   "0xprovider",
		Amount:      decimal.RequireFromString("120"),
	}
	hash1, err := e.settlement.Payout(ctx, op, nil)
	require.NoError(t, err)
	hash2, err := e.settlement.Payout(ctx, op, nil)
	require.NoError(t, err)
	assert.Equal(t, hash1, hash2)
	assert.Equal(t, 1, e.chain.transferCount())
}

func TestPayoutInsufficientBalanceLeavesNoRow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.chain.setBalance(e.settlement.MasterAddress(), decimal.RequireFromString("50"))

	op := PayoutOp{
		OperationID: "release:m-2",
		Type:        model.TxTypeMilestonePayment,
		Network:     "ethereum",
		ToAddress:   "0xprovider",
		Amount:      decimal.RequireFromString("120"),
	}
	_, err := e.settlement.Payout(ctx, op, nil)
	assert.ErrorIs(t, err, ErrInsufficientMasterBalance)
	assert.Equal(t, 0, e.chain.transferCount())

	row, err := e.store.Ledger().FindByOperation(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Nil(t, row, "rejected payout must not open a ledger row")
}

func TestPayoutReservationBlocksConcurrentSpend(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.chain.setBalance(e.settlement.MasterAddress(), decimal.RequireFromString("100"))

	// first payout broadcasts but never confirms: its reservation must hold
	e.chain.setStatus("0xhash0001", TxAwaitingConfirmation)
	first := PayoutOp{
		OperationID: "release:m-3",
		Type:        model.TxTypeMilestonePayment,
		Network:     "ethereum",
		ToAddress:   "0xprovider",
		Amount:      decimal.RequireFromString("80"),
	}
	_, err := e.settlement.Payout(ctx, first, nil)
	assert.ErrorIs(t, err, ErrSettlementPending)

	second := PayoutOp{
		OperationID: "release:m-4",
		Type:        model.TxTypeMilestonePayment,
		Network:     "ethereum",
		ToAddress:   "0xother",
		Amount:      decimal.RequireFromString("80"),
	}
	_, err = e.settlement.Payout(ctx, second, nil)
	assert.ErrorIs(t, err, ErrInsufficientMasterBalance)

	// first settles, releasing the reservation
	e.chain.setStatus("0xhash0001", TxConfirmed)
	_, err = e.settlement.Payout(ctx, first, nil)
	require.NoError(t, err)
	_, err = e.settlement.Payout(ctx, second, nil)
	require.NoError(t, err)
}

func TestPayoutCancelledCallerKeepsRowPending(t *testing.T) {
	e := newEnv(t)
	e.chain.setBalance(e.settlement.MasterAddress(), decimal.RequireFromString("200"))
	e.chain.setStatus("0xhash0001", TxAwaitingConfirmation)

	op := PayoutOp{
		OperationID: "release:m-6",
		Type:        model.TxTypeMilestonePayment,
		Network:     "ethereum",
		ToAddress:   "0xprovider",
		Amount:      decimal.RequireFromString("60"),
	}

	// the HTTP client hangs up mid-wait; the broadcast is already out
	gone, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.settlement.Payout(gone, op, nil)
	assert.ErrorIs(t, err, ErrSettlementPending)

	ctx := context.Background()
	row, err := e.store.Ledger().FindByOperation(ctx, op.OperationID)
	require.NoError(t, err)
	require.NotNil(t, row, "row must stay visible to the operation")
	assert.Equal(t, model.TxPending, row.Status)
	require.NotNil(t, row.TxHash)

	// the transfer lands; the retry resumes the recorded hash, no second spend
	e.chain.setStatus("0xhash0001", TxConfirmed)
	hash, err := e.settlement.Payout(ctx, op, nil)
	require.NoError(t, err)
	assert.Equal(t, *row.TxHash, hash)
	assert.Equal(t, 1, e.chain.transferCount())
}

func TestResumedPayoutHoldsReservation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.chain.setBalance(e.settlement.MasterAddress(), decimal.RequireFromString("100"))

	// a broadcast left over from a crashed process: pending row with a hash
	from := e.settlement.MasterAddress()
	to := "0xprovider"
	now := e.nowFn()
	row := &model.PaymentTransaction{
		ID:          "tx-resume-1",
		Type:        model.TxTypeMilestonePayment,
		Direction:   model.DirectionOut,
		Status:      model.TxPending,
		Amount:      decimal.RequireFromString("80"),
		Network:     "ethereum",
		FromAddress: &from,
		ToAddress:   &to,
		OperationID: "release:m-7",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, e.store.Ledger().Open(ctx, row))
	require.NoError(t, e.store.Ledger().SetHash(ctx, row.ID, "0xcarried"))
	e.chain.setStatus("0xcarried", TxAwaitingConfirmation)

	first := PayoutOp{
		OperationID: "release:m-7",
		Type:        model.TxTypeMilestonePayment,
		Network:     "ethereum",
		ToAddress:   to,
		Amount:      decimal.RequireFromString("80"),
	}
	_, err := e.settlement.Payout(ctx, first, nil)
	assert.ErrorIs(t, err, ErrSettlementPending)
	assert.Equal(t, 0, e.chain.transferCount(), "resume must not rebroadcast")

	// the in-flight 80 must count against concurrent payouts
	second := PayoutOp{
		OperationID: "release:m-8",
		Type:        model.TxTypeMilestonePayment,
		Network:     "ethereum",
		ToAddress:   "0xother",
		Amount:      decimal.RequireFromString("80"),
	}
	_, err = e.settlement.Payout(ctx, second, nil)
	assert.ErrorIs(t, err, ErrInsufficientMasterBalance)

	e.chain.setStatus("0xcarried", TxConfirmed)
	hash, err := e.settlement.Payout(ctx, first, nil)
	require.NoError(t, err)
	assert.Equal(t, "0xcarried", hash)
	_, err = e.settlement.Payout(ctx, second, nil)
	require.NoError(t, err)
}

func TestPayoutRevertedOnChainFailsRow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.chain.setBalance(e.settlement.MasterAddress(), decimal.RequireFromString("200"))
	e.chain.setStatus("0xhash0001", TxFailedOnChain)

	op := PayoutOp{
		OperationID: "release:m-5",
		Type:        model.TxTypeMilestonePayment,
		Network:     "ethereum",
		ToAddress:   "0xprovider",
		Amount:      decimal.RequireFromString("60"),
	}
	_, err := e.settlement.Payout(ctx, op, nil)
	assert.ErrorIs(t, err, ErrBroadcastFailure)

	// the failed row does not satisfy the operation; a retry broadcasts anew
	row, err := e.store.Ledger().FindByOperation(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Nil(t, row)

	hash, err := e.settlement.Payout(ctx, op, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.Equal(t, 2, e.chain.transferCount())
}
