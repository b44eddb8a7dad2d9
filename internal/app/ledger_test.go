package app

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/finvela/payout-service/internal/domain"
	"github.com/finvela/payout-service/internal/store"
)

type ledgerRepoStub struct {
	store.Repository

	balance  int64
	appended []*domain.LedgerEntry
}

func (s *ledgerRepoStub) ComputeBalance(ctx context.Context, merchantID uuid.UUID) (int64, error) {
	return s.balance, nil
}

func (s *ledgerRepoStub) AppendLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	s.appended = append(s.appended, entry)
	return nil
}

func TestAvailableBalance_ClampsNegativeToZero(t *testing.T) {
	repo := &ledgerRepoStub{balance: -5000}
	ledger := NewLedger(repo)

	balance, err := ledger.AvailableBalance(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("expected clamped balance, got error %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected balance clamped to 0, got %d", balance)
	}
}

func TestRecordCredit_AppendsEntryWithBalanceInvariant(t *testing.T) {
	repo := &ledgerRepoStub{balance: 10000}
	ledger := NewLedger(repo)

	entry, err := ledger.RecordCredit(context.Background(), uuid.New(), 5000, "settlement batch 42")
	if err != nil {
		t.Fatalf("expected credit to be recorded, got %v", err)
	}
	if entry.EntryType != domain.LedgerEntryCredit {
		t.Fatalf("expected credit entry, got %s", entry.EntryType)
	}
	if entry.BalanceBefore != 10000 || entry.BalanceAfter != 15000 {
		t.Fatalf("expected before=10000 after=15000, got before=%d after=%d", entry.BalanceBefore, entry.BalanceAfter)
	}
	if len(repo.appended) != 1 {
		t.Fatalf("expected one appended entry, got %d", len(repo.appended))
	}
}

func TestRecordCredit_RejectsNonPositiveAmount(t *testing.T) {
	ledger := NewLedger(&ledgerRepoStub{})

	if _, err := ledger.RecordCredit(context.Background(), uuid.New(), 0, ""); err == nil {
		t.Fatal("expected zero amount to be rejected")
	}
	if _, err := ledger.RecordCredit(context.Background(), uuid.New(), -100, ""); err == nil {
		t.Fatal("expected negative amount to be rejected")
	}
}

func TestLedgerEntryBuilders(t *testing.T) {
	merchantID := uuid.New()
	payoutID := uuid.New()

	hold := NewHoldEntry(merchantID, payoutID, 100000, 500000, "hold")
	if hold.BalanceAfter != 400000 {
		t.Fatalf("hold must reduce the balance, got after=%d", hold.BalanceAfter)
	}

	release := NewReleaseEntry(merchantID, payoutID, 100000, 400000, "release")
	if release.BalanceAfter != release.BalanceBefore {
		t.Fatal("release must be balance-neutral")
	}

	reversal := NewReversalEntry(merchantID, payoutID, 100000, 400000, "reversal")
	if reversal.BalanceAfter != 500000 {
		t.Fatalf("reversal must return the held amount, got after=%d", reversal.BalanceAfter)
	}
}
