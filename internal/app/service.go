/**
 * @description
 * This file contains the core business logic for the payout-service. The `Service`
 * struct owns the PayoutRequest state machine, coordinating between the database
 * repository, the bank rail client, the ledger and the message broker.
 *
 * Key features:
 * - Implements payout submission with validation, fee computation and the
 *   balance-check-then-hold critical section per merchant.
 * - Drives payouts through the gateway with durable, restart-safe retry
 *   bookkeeping stored on the payout row itself.
 * - Publishes lifecycle events to RabbitMQ for asynchronous consumers.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/bankclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/finvela/payout-service/internal/domain"
	"github.com/finvela/payout-service/internal/store"
	"github.com/finvela/payout-service/pkg/bankclient"
	"github.com/finvela/payout-service/pkg/rabbitmq"
)

const (
	// FeePercent is the processing fee charged on every payout.
	FeePercent = 0.02
	// TaxPercent is the tax applied to the processing fee.
	TaxPercent = 0.18

	defaultMaxRetries = 3
	backoffCap        = 5 * time.Minute
)

var (
	accountNumberPattern = regexp.MustCompile(`^\d{9,18}$`)
	ifscPattern          = regexp.MustCompile(`^[A-Z]{4}0[A-Z0-9]{6}$`)
	upiPattern           = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{1,255}@[a-zA-Z]{2,64}$`)
)

// ErrInsufficientBalance is returned when the merchant's available balance
// cannot cover the requested payout amount. No side effects occur.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ValidationError describes a malformed payout submission. The reason is safe
// to surface to the caller.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// BankGateway is the subset of the rail client the lifecycle manager needs.
type BankGateway interface {
	Transfer(ctx context.Context, req bankclient.TransferRequest) (*bankclient.TransferResult, error)
	CheckStatus(ctx context.Context, externalRef string) (*bankclient.StatusResult, error)
}

// Service provides the payout lifecycle business logic.
type Service struct {
	repo          store.Repository
	ledger        *Ledger
	bank          BankGateway
	eventProducer rabbitmq.Publisher
	maxRetries    int
}

// NewService creates a new payout service instance.
func NewService(repo store.Repository, ledger *Ledger, bank BankGateway, producer rabbitmq.Publisher, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Service{
		repo:          repo,
		ledger:        ledger,
		bank:          bank,
		eventProducer: producer,
		maxRetries:    maxRetries,
	}
}

// ComputeFees derives the processing fee, tax on fee and net amount for a
// payout amount in paise.
func ComputeFees(amount int64) (fee, tax, net int64) {
	fee = int64(math.Round(float64(amount) * FeePercent))
	tax = int64(math.Round(float64(fee) * TaxPercent))
	net = amount - fee - tax
	return fee, tax, net
}

// CreatePayout validates a submission, reserves funds and creates the payout
// in `pending`. The balance check and hold append run under the merchant's
// lock so two concurrent submissions cannot both pass against a balance only
// one of them can satisfy.
func (s *Service) CreatePayout(ctx context.Context, req domain.CreatePayoutRequest) (*domain.PayoutRequest, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	fee, tax, net := ComputeFees(req.Amount)
	if net < 0 {
		return nil, &ValidationError{Reason: "net amount after fee and tax is negative"}
	}

	unlock := s.ledger.LockMerchant(req.MerchantID)
	defer unlock()

	balance, err := s.ledger.AvailableBalance(ctx, req.MerchantID)
	if err != nil {
		return nil, err
	}
	if balance < req.Amount {
		return nil, ErrInsufficientBalance
	}

	now := time.Now().UTC()
	payout := &domain.PayoutRequest{
		ID:              uuid.New(),
		MerchantID:      req.MerchantID,
		Amount:          req.Amount,
		Currency:        "INR",
		Fee:             fee,
		Tax:             tax,
		NetAmount:       net,
		PayoutMethod:    req.PayoutMethod,
		BeneficiaryName: req.BeneficiaryName,
		AccountNumber:   req.AccountNumber,
		IFSCCode:        req.IFSCCode,
		UPIID:           req.UPIID,
		Description:     req.Description,
		Status:          domain.PayoutStatusPending,
		MaxRetries:      s.maxRetries,
		Priority:        req.Priority,
		NextAttemptAt:   &now,
	}

	hold := NewHoldEntry(req.MerchantID, payout.ID, req.Amount, balance,
		fmt.Sprintf("hold for payout %s", payout.ID))

	if err := s.repo.CreatePayoutWithHold(ctx, payout, hold); err != nil {
		return nil, fmt.Errorf("create payout: %w", err)
	}

	log.Printf("level=info component=payout_service op=create_payout payout_id=%s merchant_id=%s amount=%d net=%d method=%s",
		payout.ID, payout.MerchantID, payout.Amount, payout.NetAmount, payout.PayoutMethod)

	s.publishStatus(ctx, payout, "", "")
	return payout, nil
}

// AdvanceViaGateway attempts the transfer on the rail and advances the state
// machine based on the outcome. The caller (retry dispatcher) has already
// claimed the payout into `processing`.
func (s *Service) AdvanceViaGateway(ctx context.Context, payoutID uuid.UUID) error {
	payout, err := s.repo.FindPayoutByID(ctx, payoutID)
	if err != nil {
		return err
	}
	if payout.IsTerminal() {
		return store.ErrPayoutTerminal
	}
	if payout.Status == domain.PayoutStatusPending {
		if err := s.repo.MarkPayoutProcessing(ctx, payoutID); err != nil {
			return err
		}
		payout.Status = domain.PayoutStatusProcessing
	}

	result, err := s.bank.Transfer(ctx, bankclient.TransferRequest{
		PayoutID:        payout.ID,
		Amount:          payout.Amount,
		Currency:        payout.Currency,
		Method:          payout.PayoutMethod,
		BeneficiaryName: payout.BeneficiaryName,
		AccountNumber:   payout.AccountNumber,
		IFSCCode:        payout.IFSCCode,
		UPIID:           payout.UPIID,
		Narration:       payout.Description,
	})

	if err != nil {
		return s.handleGatewayFailure(ctx, payout, err)
	}

	if result.ExternalRef != "" {
		// Synchronous settlement reference: the rail confirmed in-band.
		return s.completePayout(ctx, payout, result.ExternalRef, "gateway settlement")
	}

	// Acceptance without a reference: stay processing until a webhook or a
	// status poll confirms the outcome.
	log.Printf("level=info component=payout_service op=advance payout_id=%s msg=\"gateway accepted; awaiting confirmation\" status=%s",
		payout.ID, result.Status)
	return nil
}

// handleGatewayFailure applies the retry/failure half of the state machine.
func (s *Service) handleGatewayFailure(ctx context.Context, payout *domain.PayoutRequest, gatewayErr error) error {
	var transient *bankclient.TransientError
	if errors.As(gatewayErr, &transient) {
		attempts := transient.Attempts
		if attempts < 1 {
			attempts = 1
		}
		newCount := payout.RetryCount + attempts
		if newCount < payout.MaxRetries {
			delay := backoffDelay(newCount)
			nextAttempt := time.Now().UTC().Add(delay)
			if err := s.repo.RequeuePayoutForRetry(ctx, payout.ID, newCount, nextAttempt, transient.Error()); err != nil {
				return fmt.Errorf("requeue payout: %w", err)
			}
			log.Printf("level=warn component=payout_service op=advance payout_id=%s msg=\"transient gateway failure; requeued\" retry_count=%d next_attempt_in=%s",
				payout.ID, newCount, delay)
			return nil
		}
		payout.RetryCount = newCount
		return s.failPayout(ctx, payout, fmt.Sprintf("retries exhausted: %v", transient))
	}

	var permanent *bankclient.PermanentError
	if errors.As(gatewayErr, &permanent) {
		// Client errors are not transient: fail without retry.
		return s.failPayout(ctx, payout, permanent.Error())
	}

	return fmt.Errorf("gateway transfer: %w", gatewayErr)
}

// completePayout finalizes a successful payout: settlement reference, status
// and the release ledger entry are committed atomically.
func (s *Service) completePayout(ctx context.Context, payout *domain.PayoutRequest, externalRef, via string) error {
	unlock := s.ledger.LockMerchant(payout.MerchantID)
	defer unlock()

	balance, err := s.ledger.AvailableBalance(ctx, payout.MerchantID)
	if err != nil {
		return err
	}
	release := NewReleaseEntry(payout.MerchantID, payout.ID, payout.Amount, balance,
		fmt.Sprintf("release for payout %s via %s", payout.ID, via))

	if err := s.repo.FinalizePayoutCompleted(ctx, payout.ID, externalRef, release); err != nil {
		return err
	}
	payout.Status = domain.PayoutStatusCompleted

	log.Printf("level=info component=payout_service op=complete payout_id=%s utr=%s via=%s", payout.ID, externalRef, via)
	s.publishStatus(ctx, payout, externalRef, "")
	return nil
}

// failPayout finalizes a failed payout and returns the held funds atomically.
func (s *Service) failPayout(ctx context.Context, payout *domain.PayoutRequest, reason string) error {
	unlock := s.ledger.LockMerchant(payout.MerchantID)
	defer unlock()

	balance, err := s.ledger.AvailableBalance(ctx, payout.MerchantID)
	if err != nil {
		return err
	}
	reversal := NewReversalEntry(payout.MerchantID, payout.ID, payout.Amount, balance,
		fmt.Sprintf("reversal for failed payout %s", payout.ID))

	if err := s.repo.FinalizePayoutFailed(ctx, payout.ID, reason, reversal); err != nil {
		return err
	}
	payout.Status = domain.PayoutStatusFailed

	log.Printf("level=warn component=payout_service op=fail payout_id=%s reason=%q", payout.ID, reason)
	s.publishStatus(ctx, payout, "", reason)
	return nil
}

// ConfirmViaStatusPoll asks the rail for the outcome of an in-flight transfer
// whose confirmation webhook has not arrived. The payout id doubles as the
// idempotency reference, so it is pollable even before a settlement reference
// is known.
func (s *Service) ConfirmViaStatusPoll(ctx context.Context, payoutID uuid.UUID) error {
	payout, err := s.repo.FindPayoutByID(ctx, payoutID)
	if err != nil {
		return err
	}
	if payout.Status != domain.PayoutStatusProcessing {
		return nil
	}

	ref := payout.ID.String()
	if payout.UTRNumber != nil && *payout.UTRNumber != "" {
		ref = *payout.UTRNumber
	}
	result, err := s.bank.CheckStatus(ctx, ref)
	if err != nil {
		// Poll failures are not outcomes. The webhook or the next sweep decides.
		log.Printf("level=warn component=payout_service op=status_poll payout_id=%s err=%v", payout.ID, err)
		return nil
	}

	switch result.Status {
	case "success", "successful", "completed", "processed":
		externalRef := result.ExternalRef
		if externalRef == "" {
			externalRef = ref
		}
		return s.completePayout(ctx, payout, externalRef, "status poll")
	case "failed", "failure", "reversed":
		reason := result.Reason
		if reason == "" {
			reason = "rail reported failure on status poll"
		}
		if newCount := payout.RetryCount + 1; newCount < payout.MaxRetries {
			delay := backoffDelay(newCount)
			if err := s.repo.RequeuePayoutForRetry(ctx, payout.ID, newCount, time.Now().UTC().Add(delay), reason); err != nil {
				return fmt.Errorf("requeue payout: %w", err)
			}
			log.Printf("level=warn component=payout_service op=status_poll payout_id=%s msg=\"rail reported failure; requeued\" retry_count=%d next_attempt_in=%s",
				payout.ID, newCount, delay)
			return nil
		}
		return s.failPayout(ctx, payout, reason)
	default:
		log.Printf("level=info component=payout_service op=status_poll payout_id=%s msg=\"still in flight\" status=%s", payout.ID, result.Status)
		return nil
	}
}

// GetPayout returns one payout by id.
func (s *Service) GetPayout(ctx context.Context, payoutID uuid.UUID) (*domain.PayoutRequest, error) {
	return s.repo.FindPayoutByID(ctx, payoutID)
}

// ListPayouts returns a filtered, paginated payout listing.
func (s *Service) ListPayouts(ctx context.Context, opts domain.PayoutListOptions) ([]domain.PayoutRequest, error) {
	return s.repo.ListPayouts(ctx, opts)
}

// RecordMerchantCredit books confirmed income for a merchant.
func (s *Service) RecordMerchantCredit(ctx context.Context, merchantID uuid.UUID, amount int64, description string) (*domain.LedgerEntry, error) {
	return s.ledger.RecordCredit(ctx, merchantID, amount, description)
}

// AdminOverrideStatus applies a manual, audited status correction.
func (s *Service) AdminOverrideStatus(ctx context.Context, payoutID uuid.UUID, override domain.AdminStatusOverride, actor string) (*domain.PayoutRequest, error) {
	switch override.Status {
	case domain.PayoutStatusPending, domain.PayoutStatusProcessing, domain.PayoutStatusCompleted,
		domain.PayoutStatusFailed, domain.PayoutStatusRejected:
	default:
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown status %q", override.Status)}
	}
	updated, err := s.repo.OverridePayoutStatus(ctx, payoutID, override, actor)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=payout_service op=admin_override payout_id=%s actor=%s status=%s", payoutID, actor, override.Status)
	s.publishStatus(ctx, updated, stringOrEmpty(updated.UTRNumber), stringOrEmpty(updated.FailureReason))
	return updated, nil
}

// publishStatus emits a lifecycle event. Publishing is best-effort and never
// fails the primary operation.
func (s *Service) publishStatus(ctx context.Context, payout *domain.PayoutRequest, utr, failureReason string) {
	if s.eventProducer == nil {
		return
	}
	event := domain.PayoutStatusEvent{
		PayoutID:      payout.ID,
		MerchantID:    payout.MerchantID,
		Status:        payout.Status,
		Amount:        payout.Amount,
		UTRNumber:     utr,
		FailureReason: failureReason,
		OccurredAt:    time.Now().UTC(),
	}
	routingKey := "payout.status." + payout.Status
	if err := s.eventProducer.Publish(ctx, rabbitmq.PayoutEventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=payout_service msg=\"status event publish failed\" payout_id=%s routing_key=%s err=%v",
			payout.ID, routingKey, err)
	}
}

func validateCreateRequest(req domain.CreatePayoutRequest) error {
	if req.MerchantID == uuid.Nil {
		return &ValidationError{Reason: "merchant_id is required"}
	}
	if req.Amount <= 0 {
		return &ValidationError{Reason: "amount must be greater than zero"}
	}
	switch req.PayoutMethod {
	case domain.PayoutMethodBankTransfer:
		if strings.TrimSpace(req.BeneficiaryName) == "" {
			return &ValidationError{Reason: "beneficiary_name is required for bank transfers"}
		}
		if !accountNumberPattern.MatchString(req.AccountNumber) {
			return &ValidationError{Reason: "account_number must be 9 to 18 digits"}
		}
		if !ifscPattern.MatchString(req.IFSCCode) {
			return &ValidationError{Reason: "ifsc_code is not a valid IFSC"}
		}
		if req.UPIID != "" {
			return &ValidationError{Reason: "upi_id must be empty for bank transfers"}
		}
	case domain.PayoutMethodUPI:
		if !upiPattern.MatchString(req.UPIID) {
			return &ValidationError{Reason: "upi_id is not a valid virtual payment address"}
		}
		if req.AccountNumber != "" || req.IFSCCode != "" {
			return &ValidationError{Reason: "bank fields must be empty for UPI payouts"}
		}
	default:
		return &ValidationError{Reason: fmt.Sprintf("unsupported payout_method %q", req.PayoutMethod)}
	}
	return nil
}

// backoffDelay returns 2^attempt seconds, capped.
func backoffDelay(attempt int) time.Duration {
	if attempt > 20 {
		return backoffCap
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
