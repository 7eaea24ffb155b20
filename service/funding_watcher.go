package service

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/escrow-engine/settlement/model"
)

// FundingWatcher is the scan loop over active temp wallets: it polls each
// wallet's balance, sweeps once the expected amount has arrived, and expires
// wallets whose funding window passed with nothing received. Transient chain
// errors back a wallet off for a few ticks; they never change persisted
// state.
type FundingWatcher struct {
	store      Store
	observer   ChainObserver
	settlement *SettlementService
	wallets    *WalletService
	interval   time.Duration
	nowFn      func() time.Time

	mu      sync.Mutex
	backoff map[string]int // wallet id -> ticks to skip
}

func NewFundingWatcher(store Store, observer ChainObserver, settlement *SettlementService, wallets *WalletService, interval time.Duration) *FundingWatcher {
	return &FundingWatcher{
		store:      store,
		observer:   observer,
		settlement: settlement,
		wallets:    wallets,
		interval:   interval,
		nowFn:      time.Now,
		backoff:    make(map[string]int),
	}
}

func (w *FundingWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				log.Printf("funding watcher tick: %v", err)
			}
		}
	}
}

// Tick processes every active wallet once.
func (w *FundingWatcher) Tick(ctx context.Context) error {
	active, err := w.store.Wallets().ListActive(ctx)
	if err != nil {
		return err
	}
	for i := range active {
		wallet := &active[i]
		if w.skip(wallet.ID) {
			continue
		}
		if err := w.checkWallet(ctx, wallet); err != nil {
			log.Printf("wallet %s check: %v", wallet.ID, err)
			w.penalize(wallet.ID)
		} else {
			w.clear(wallet.ID)
		}
	}
	return nil
}

func (w *FundingWatcher) checkWallet(ctx context.Context, wallet *model.TempWallet) error {
	balance, err := w.observer.Balance(ctx, wallet.Network, wallet.Address)
	if err != nil {
		return err
	}
	now := w.nowFn()
	if uerr := w.store.Wallets().UpdateLastChecked(ctx, wallet.ID, now); uerr != nil {
		log.Printf("wallet %s: record check time: %v", wallet.ID, uerr)
	}

	if !balance.IsPositive() {
		if now.After(wallet.ExpiresAt) {
			return w.wallets.Expire(ctx, wallet.ID)
		}
		return nil
	}

	row, err := w.store.Ledger().Get(ctx, wallet.LinkedEntityID)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return nil
		}
		return err
	}
	// milestone funding waits for the full expected amount; charge wallets
	// sweep whatever arrived
	if wallet.Purpose == model.PurposeMilestoneFunding && balance.LessThan(row.Amount) {
		return nil
	}
	_, err = w.settlement.Sweep(ctx, wallet.ID)
	if err == ErrSettlementPending {
		return nil
	}
	return err
}

const maxBackoffTicks = 16

func (w *FundingWatcher) skip(walletID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n := w.backoff[walletID]; n > 0 {
		w.backoff[walletID] = n - 1
		return true
	}
	return false
}

func (w *FundingWatcher) penalize(walletID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.backoff[walletID]*2 + 1
	if n > maxBackoffTicks {
		n = maxBackoffTicks
	}
	w.backoff[walletID] = n
}

func (w *FundingWatcher) clear(walletID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.backoff, walletID)
}
