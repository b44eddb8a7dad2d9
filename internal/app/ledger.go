/**
 * @description
 * The Ledger is the single source of balance truth for the payout-service. All
 * balance-affecting state flows through it: other components request balance
 * changes here instead of computing balances independently. Entries are
 * append-only; the builders in this file encode the per-type balance invariant
 * (balance_after = balance_before +/- amount, release entries being neutral
 * because the hold already took the reduction).
 *
 * @notes
 * - A computed negative balance is clamped to zero for callers but logged at
 *   error level and counted, so an accounting bug surfaces in monitoring
 *   instead of silently hiding behind the clamp.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/finvela/payout-service/internal/domain"
	"github.com/finvela/payout-service/internal/store"
)

var ledgerNegativeBalance = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ledger_negative_balance_total",
	Help: "Times a merchant balance computed negative before clamping.",
})

// Ledger owns balance computation and the per-merchant critical section that
// serializes balance-check-then-hold for concurrent payout creations.
type Ledger struct {
	repo store.Repository

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewLedger creates a new ledger over the given repository.
func NewLedger(repo store.Repository) *Ledger {
	return &Ledger{
		repo:  repo,
		locks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// LockMerchant acquires the merchant's mutex and returns the unlock function.
// Two concurrent payout creations for the same merchant must not both observe
// a stale balance.
func (l *Ledger) LockMerchant(merchantID uuid.UUID) func() {
	l.mu.Lock()
	lock, ok := l.locks[merchantID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[merchantID] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// AvailableBalance returns the merchant's derived balance, clamped to zero.
func (l *Ledger) AvailableBalance(ctx context.Context, merchantID uuid.UUID) (int64, error) {
	balance, err := l.repo.ComputeBalance(ctx, merchantID)
	if err != nil {
		return 0, fmt.Errorf("compute balance: %w", err)
	}
	if balance < 0 {
		ledgerNegativeBalance.Inc()
		log.Printf("level=error component=ledger msg=\"negative balance computed; clamping to zero\" merchant_id=%s balance=%d", merchantID, balance)
		return 0, nil
	}
	return balance, nil
}

// RecordCredit appends a confirmed-income entry for a merchant.
func (l *Ledger) RecordCredit(ctx context.Context, merchantID uuid.UUID, amount int64, description string) (*domain.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	unlock := l.LockMerchant(merchantID)
	defer unlock()

	balance, err := l.AvailableBalance(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	entry := &domain.LedgerEntry{
		ID:            uuid.New(),
		MerchantID:    merchantID,
		Amount:        amount,
		EntryType:     domain.LedgerEntryCredit,
		BalanceBefore: balance,
		BalanceAfter:  balance + amount,
		Description:   description,
	}
	if err := l.repo.AppendLedgerEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("append credit entry: %w", err)
	}
	return entry, nil
}

// NewHoldEntry builds the entry reserving funds against a new payout.
func NewHoldEntry(merchantID, payoutID uuid.UUID, amount, balanceBefore int64, description string) *domain.LedgerEntry {
	return &domain.LedgerEntry{
		ID:            uuid.New(),
		MerchantID:    merchantID,
		PayoutID:      &payoutID,
		Amount:        amount,
		EntryType:     domain.LedgerEntryHold,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceBefore - amount,
		Description:   description,
	}
}

// NewReleaseEntry builds the entry finalizing a hold after confirmed
// settlement. The hold already reduced the balance, so release is neutral.
func NewReleaseEntry(merchantID, payoutID uuid.UUID, amount, balanceBefore int64, description string) *domain.LedgerEntry {
	return &domain.LedgerEntry{
		ID:            uuid.New(),
		MerchantID:    merchantID,
		PayoutID:      &payoutID,
		Amount:        amount,
		EntryType:     domain.LedgerEntryRelease,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceBefore,
		Description:   description,
	}
}

// NewReversalEntry builds the entry returning held funds after a failed payout.
func NewReversalEntry(merchantID, payoutID uuid.UUID, amount, balanceBefore int64, description string) *domain.LedgerEntry {
	return &domain.LedgerEntry{
		ID:            uuid.New(),
		MerchantID:    merchantID,
		PayoutID:      &payoutID,
		Amount:        amount,
		EntryType:     domain.LedgerEntryReversal,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceBefore + amount,
		Description:   description,
	}
}
