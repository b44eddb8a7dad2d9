package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/finvela/payout-service/internal/domain"
	"github.com/finvela/payout-service/internal/store"
	"github.com/finvela/payout-service/pkg/bankclient"
)

type serviceRepoStub struct {
	store.Repository

	balance int64
	payout  *domain.PayoutRequest

	createdPayout *domain.PayoutRequest
	createdHold   *domain.LedgerEntry

	requeueCalled   bool
	requeueCount    int
	requeueAt       time.Time
	completedCalled bool
	completedUTR    string
	completedEntry  *domain.LedgerEntry
	failedCalled    bool
	failedReason    string
	failedEntry     *domain.LedgerEntry
	markedProcessing bool
}

func (s *serviceRepoStub) ComputeBalance(ctx context.Context, merchantID uuid.UUID) (int64, error) {
	return s.balance, nil
}

func (s *serviceRepoStub) CreatePayoutWithHold(ctx context.Context, payout *domain.PayoutRequest, hold *domain.LedgerEntry) error {
	s.createdPayout = payout
	s.createdHold = hold
	return nil
}

func (s *serviceRepoStub) FindPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.PayoutRequest, error) {
	if s.payout == nil {
		return nil, store.ErrPayoutNotFound
	}
	return s.payout, nil
}

func (s *serviceRepoStub) MarkPayoutProcessing(ctx context.Context, payoutID uuid.UUID) error {
	s.markedProcessing = true
	return nil
}

func (s *serviceRepoStub) RequeuePayoutForRetry(ctx context.Context, payoutID uuid.UUID, retryCount int, nextAttemptAt time.Time, reason string) error {
	s.requeueCalled = true
	s.requeueCount = retryCount
	s.requeueAt = nextAttemptAt
	return nil
}

func (s *serviceRepoStub) FinalizePayoutCompleted(ctx context.Context, payoutID uuid.UUID, utrNumber string, release *domain.LedgerEntry) error {
	s.completedCalled = true
	s.completedUTR = utrNumber
	s.completedEntry = release
	return nil
}

func (s *serviceRepoStub) FinalizePayoutFailed(ctx context.Context, payoutID uuid.UUID, failureReason string, reversal *domain.LedgerEntry) error {
	s.failedCalled = true
	s.failedReason = failureReason
	s.failedEntry = reversal
	return nil
}

type bankStub struct {
	result *bankclient.TransferResult
	err    error

	statusResult *bankclient.StatusResult
	statusErr    error
	polledRef    string
}

func (b *bankStub) Transfer(ctx context.Context, req bankclient.TransferRequest) (*bankclient.TransferResult, error) {
	return b.result, b.err
}

func (b *bankStub) CheckStatus(ctx context.Context, externalRef string) (*bankclient.StatusResult, error) {
	b.polledRef = externalRef
	return b.statusResult, b.statusErr
}

func newTestService(repo *serviceRepoStub, bank BankGateway) *Service {
	return NewService(repo, NewLedger(repo), bank, &publisherStub{}, 3)
}

type publisherStub struct {
	published []string
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.published = append(p.published, routingKey)
	return nil
}

func (p *publisherStub) Close() {}

func TestComputeFees(t *testing.T) {
	tests := []struct {
		name    string
		amount  int64
		wantFee int64
		wantTax int64
		wantNet int64
	}{
		{name: "thousand rupees", amount: 100000, wantFee: 2000, wantTax: 360, wantNet: 97640},
		{name: "one rupee", amount: 100, wantFee: 2, wantTax: 0, wantNet: 98},
		{name: "rounds fee to nearest paisa", amount: 125, wantFee: 3, wantTax: 1, wantNet: 121},
		{name: "ten lakh", amount: 100000000, wantFee: 2000000, wantTax: 360000, wantNet: 97640000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fee, tax, net := ComputeFees(tt.amount)
			if fee != tt.wantFee || tax != tt.wantTax || net != tt.wantNet {
				t.Fatalf("expected fee=%d tax=%d net=%d, got fee=%d tax=%d net=%d",
					tt.wantFee, tt.wantTax, tt.wantNet, fee, tax, net)
			}
		})
	}
}

func TestCreatePayout_HoldsFundsAndStartsPending(t *testing.T) {
	repo := &serviceRepoStub{balance: 500000}
	svc := newTestService(repo, &bankStub{})

	payout, err := svc.CreatePayout(context.Background(), domain.CreatePayoutRequest{
		MerchantID:      uuid.New(),
		Amount:          100000,
		PayoutMethod:    domain.PayoutMethodBankTransfer,
		BeneficiaryName: "Asha Traders",
		AccountNumber:   "123456789012",
		IFSCCode:        "HDFC0000123",
	})
	if err != nil {
		t.Fatalf("expected payout to be created, got %v", err)
	}
	if payout.Status != domain.PayoutStatusPending {
		t.Fatalf("expected status=pending, got %s", payout.Status)
	}
	if payout.Fee != 2000 || payout.Tax != 360 || payout.NetAmount != 97640 {
		t.Fatalf("unexpected fee math: fee=%d tax=%d net=%d", payout.Fee, payout.Tax, payout.NetAmount)
	}
	if repo.createdHold == nil {
		t.Fatal("expected a hold ledger entry")
	}
	if repo.createdHold.EntryType != domain.LedgerEntryHold {
		t.Fatalf("expected hold entry, got %s", repo.createdHold.EntryType)
	}
	if repo.createdHold.BalanceAfter != 400000 {
		t.Fatalf("expected balance_after=400000, got %d", repo.createdHold.BalanceAfter)
	}
	if payout.NextAttemptAt == nil {
		t.Fatal("expected next_attempt_at to be set for the dispatcher")
	}
}

func TestCreatePayout_RejectsInsufficientBalance(t *testing.T) {
	repo := &serviceRepoStub{balance: 50000}
	svc := newTestService(repo, &bankStub{})

	_, err := svc.CreatePayout(context.Background(), domain.CreatePayoutRequest{
		MerchantID:      uuid.New(),
		Amount:          100000,
		PayoutMethod:    domain.PayoutMethodBankTransfer,
		BeneficiaryName: "Asha Traders",
		AccountNumber:   "123456789012",
		IFSCCode:        "HDFC0000123",
	})
	if err != ErrInsufficientBalance {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if repo.createdPayout != nil {
		t.Fatal("expected no payout to be created")
	}
}

func TestCreatePayout_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  domain.CreatePayoutRequest
	}{
		{
			name: "zero amount",
			req: domain.CreatePayoutRequest{
				MerchantID: uuid.New(), Amount: 0,
				PayoutMethod: domain.PayoutMethodUPI, UPIID: "asha@upi",
			},
		},
		{
			name: "negative amount",
			req: domain.CreatePayoutRequest{
				MerchantID: uuid.New(), Amount: -100,
				PayoutMethod: domain.PayoutMethodUPI, UPIID: "asha@upi",
			},
		},
		{
			name: "account number too short",
			req: domain.CreatePayoutRequest{
				MerchantID: uuid.New(), Amount: 100000,
				PayoutMethod: domain.PayoutMethodBankTransfer,
				BeneficiaryName: "Asha", AccountNumber: "12345678", IFSCCode: "HDFC0000123",
			},
		},
		{
			name: "malformed ifsc",
			req: domain.CreatePayoutRequest{
				MerchantID: uuid.New(), Amount: 100000,
				PayoutMethod: domain.PayoutMethodBankTransfer,
				BeneficiaryName: "Asha", AccountNumber: "123456789012", IFSCCode: "HDFC123",
			},
		},
		{
			name: "malformed vpa",
			req: domain.CreatePayoutRequest{
				MerchantID: uuid.New(), Amount: 100000,
				PayoutMethod: domain.PayoutMethodUPI, UPIID: "not a vpa",
			},
		},
		{
			name: "upi payout with bank fields",
			req: domain.CreatePayoutRequest{
				MerchantID: uuid.New(), Amount: 100000,
				PayoutMethod: domain.PayoutMethodUPI, UPIID: "asha@upi", AccountNumber: "123456789012",
			},
		},
		{
			name: "unknown method",
			req: domain.CreatePayoutRequest{
				MerchantID: uuid.New(), Amount: 100000,
				PayoutMethod: "wire",
			},
		},
	}

	repo := &serviceRepoStub{balance: 10000000}
	svc := newTestService(repo, &bankStub{})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreatePayout(context.Background(), tt.req)
			if _, ok := err.(*ValidationError); !ok {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func inFlightPayout(status string, retryCount int) *domain.PayoutRequest {
	return &domain.PayoutRequest{
		ID:           uuid.New(),
		MerchantID:   uuid.New(),
		Amount:       100000,
		Currency:     "INR",
		PayoutMethod: domain.PayoutMethodUPI,
		UPIID:        "asha@upi",
		Status:       status,
		RetryCount:   retryCount,
		MaxRetries:   3,
	}
}

func TestAdvanceViaGateway_SyncReferenceCompletes(t *testing.T) {
	repo := &serviceRepoStub{balance: 400000, payout: inFlightPayout(domain.PayoutStatusPending, 0)}
	svc := newTestService(repo, &bankStub{result: &bankclient.TransferResult{Status: "processed", ExternalRef: "UTR123456"}})

	if err := svc.AdvanceViaGateway(context.Background(), repo.payout.ID); err != nil {
		t.Fatalf("expected advance to succeed, got %v", err)
	}
	if !repo.markedProcessing {
		t.Fatal("expected payout to be marked processing before the gateway call")
	}
	if !repo.completedCalled {
		t.Fatal("expected payout to be finalized completed")
	}
	if repo.completedUTR != "UTR123456" {
		t.Fatalf("expected utr=UTR123456, got %s", repo.completedUTR)
	}
	if repo.completedEntry == nil || repo.completedEntry.EntryType != domain.LedgerEntryRelease {
		t.Fatalf("expected a release ledger entry, got %+v", repo.completedEntry)
	}
	if repo.completedEntry.BalanceAfter != repo.completedEntry.BalanceBefore {
		t.Fatal("release entries must not move the balance again")
	}
}

func TestAdvanceViaGateway_AcceptedWithoutRefStaysProcessing(t *testing.T) {
	repo := &serviceRepoStub{balance: 400000, payout: inFlightPayout(domain.PayoutStatusPending, 0)}
	svc := newTestService(repo, &bankStub{result: &bankclient.TransferResult{Status: "accepted"}})

	if err := svc.AdvanceViaGateway(context.Background(), repo.payout.ID); err != nil {
		t.Fatalf("expected advance to succeed, got %v", err)
	}
	if repo.completedCalled || repo.failedCalled || repo.requeueCalled {
		t.Fatal("expected payout to remain processing awaiting confirmation")
	}
}

func TestAdvanceViaGateway_TransientRequeuesWithBackoff(t *testing.T) {
	repo := &serviceRepoStub{balance: 400000, payout: inFlightPayout(domain.PayoutStatusProcessing, 0)}
	svc := newTestService(repo, &bankStub{err: &bankclient.TransientError{StatusCode: 503, Attempts: 1}})

	before := time.Now()
	if err := svc.AdvanceViaGateway(context.Background(), repo.payout.ID); err != nil {
		t.Fatalf("expected transient failure to be absorbed, got %v", err)
	}
	if !repo.requeueCalled {
		t.Fatal("expected payout to be requeued")
	}
	if repo.requeueCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", repo.requeueCount)
	}
	if repo.requeueAt.Before(before.Add(time.Second)) {
		t.Fatalf("expected a backoff delay before next attempt, got %s", repo.requeueAt.Sub(before))
	}
	if repo.failedCalled {
		t.Fatal("expected no failure finalization on a retryable error")
	}
}

func TestAdvanceViaGateway_TransientExhaustionFailsWithReversal(t *testing.T) {
	repo := &serviceRepoStub{balance: 400000, payout: inFlightPayout(domain.PayoutStatusProcessing, 0)}
	// The client already burned the whole attempt budget in-call.
	svc := newTestService(repo, &bankStub{err: &bankclient.TransientError{StatusCode: 503, Attempts: 3}})

	if err := svc.AdvanceViaGateway(context.Background(), repo.payout.ID); err != nil {
		t.Fatalf("expected exhaustion to finalize cleanly, got %v", err)
	}
	if repo.requeueCalled {
		t.Fatal("expected no requeue once the retry budget is exhausted")
	}
	if !repo.failedCalled {
		t.Fatal("expected payout to be finalized failed")
	}
	if repo.failedEntry == nil || repo.failedEntry.EntryType != domain.LedgerEntryReversal {
		t.Fatalf("expected a reversal ledger entry, got %+v", repo.failedEntry)
	}
	if repo.failedEntry.BalanceAfter != repo.failedEntry.BalanceBefore+100000 {
		t.Fatal("reversal must return the held amount to the balance")
	}
}

func TestAdvanceViaGateway_PermanentFailsImmediately(t *testing.T) {
	repo := &serviceRepoStub{balance: 400000, payout: inFlightPayout(domain.PayoutStatusProcessing, 0)}
	svc := newTestService(repo, &bankStub{err: &bankclient.PermanentError{StatusCode: 400, Code: "invalid_account", Detail: "account not found"}})

	if err := svc.AdvanceViaGateway(context.Background(), repo.payout.ID); err != nil {
		t.Fatalf("expected permanent failure to finalize cleanly, got %v", err)
	}
	if repo.requeueCalled {
		t.Fatal("expected no retry for a permanent rejection")
	}
	if !repo.failedCalled {
		t.Fatal("expected payout to be finalized failed")
	}
}

func TestConfirmViaStatusPoll_SuccessCompletes(t *testing.T) {
	payout := inFlightPayout(domain.PayoutStatusProcessing, 0)
	repo := &serviceRepoStub{balance: 400000, payout: payout}
	bank := &bankStub{statusResult: &bankclient.StatusResult{Status: "completed", ExternalRef: "UTR321"}}
	svc := newTestService(repo, bank)

	if err := svc.ConfirmViaStatusPoll(context.Background(), payout.ID); err != nil {
		t.Fatalf("expected poll to succeed, got %v", err)
	}
	if bank.polledRef != payout.ID.String() {
		t.Fatalf("expected poll by payout id, got %s", bank.polledRef)
	}
	if !repo.completedCalled || repo.completedUTR != "UTR321" {
		t.Fatal("expected polled success to finalize the payout")
	}
}

func TestConfirmViaStatusPoll_FailureWithRetriesRemainingRequeues(t *testing.T) {
	payout := inFlightPayout(domain.PayoutStatusProcessing, 0)
	repo := &serviceRepoStub{balance: 400000, payout: payout}
	bank := &bankStub{statusResult: &bankclient.StatusResult{Status: "failed", Reason: "beneficiary bank timeout"}}
	svc := newTestService(repo, bank)

	if err := svc.ConfirmViaStatusPoll(context.Background(), payout.ID); err != nil {
		t.Fatalf("expected poll to succeed, got %v", err)
	}
	if !repo.requeueCalled {
		t.Fatal("expected the payout to be requeued while retries remain")
	}
	if repo.requeueCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", repo.requeueCount)
	}
	if repo.failedCalled {
		t.Fatal("expected no finalization while retries remain")
	}
}

func TestConfirmViaStatusPoll_FailureAfterExhaustionReverses(t *testing.T) {
	payout := inFlightPayout(domain.PayoutStatusProcessing, 2)
	repo := &serviceRepoStub{balance: 400000, payout: payout}
	bank := &bankStub{statusResult: &bankclient.StatusResult{Status: "failed", Reason: "beneficiary bank timeout"}}
	svc := newTestService(repo, bank)

	if err := svc.ConfirmViaStatusPoll(context.Background(), payout.ID); err != nil {
		t.Fatalf("expected poll to succeed, got %v", err)
	}
	if repo.requeueCalled {
		t.Fatal("expected no requeue once the retry budget is spent")
	}
	if !repo.failedCalled {
		t.Fatal("expected polled failure to finalize the payout")
	}
	if repo.failedEntry == nil || repo.failedEntry.EntryType != domain.LedgerEntryReversal {
		t.Fatal("expected a reversal entry")
	}
}

func TestConfirmViaStatusPoll_TransportErrorLeavesInFlight(t *testing.T) {
	payout := inFlightPayout(domain.PayoutStatusProcessing, 0)
	repo := &serviceRepoStub{balance: 400000, payout: payout}
	bank := &bankStub{statusErr: &bankclient.TransientError{StatusCode: 502}}
	svc := newTestService(repo, bank)

	if err := svc.ConfirmViaStatusPoll(context.Background(), payout.ID); err != nil {
		t.Fatalf("expected poll error to be absorbed, got %v", err)
	}
	if repo.completedCalled || repo.failedCalled {
		t.Fatal("expected no finalization on a poll failure")
	}
}

func TestAdvanceViaGateway_TerminalPayoutIsLeftAlone(t *testing.T) {
	payout := inFlightPayout(domain.PayoutStatusCompleted, 0)
	repo := &serviceRepoStub{balance: 400000, payout: payout}
	svc := newTestService(repo, &bankStub{result: &bankclient.TransferResult{ExternalRef: "UTR999"}})

	err := svc.AdvanceViaGateway(context.Background(), payout.ID)
	if err != store.ErrPayoutTerminal {
		t.Fatalf("expected ErrPayoutTerminal, got %v", err)
	}
	if repo.completedCalled {
		t.Fatal("expected no second finalization")
	}
}
