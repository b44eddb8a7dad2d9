/**
 * @description
 * The reconciliation scanner periodically cross-checks the internal payout and
 * ledger state for inconsistencies a correct system should never produce. Each
 * run executes four checks, records every finding as a ReconciliationIssue,
 * writes a run summary and publishes an alert event when anything
 * high-severity turned up.
 *
 * Checks:
 * - stuck transactions: open holds on payouts idle past the stuck threshold.
 * - delayed payouts: in-flight payouts older than the delay threshold.
 * - missing confirmations: completed payouts without a settlement reference.
 * - duplicate references: one external reference on multiple payouts.
 *
 * @dependencies
 * - log/slog: structured run logging.
 * - internal/domain, internal/store: domain models and data access.
 * - pkg/rabbitmq: alert events.
 */

package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/finvela/payout-service/internal/domain"
	"github.com/finvela/payout-service/internal/store"
	"github.com/finvela/payout-service/pkg/rabbitmq"
)

// ReconcilerConfig holds the scanner thresholds.
type ReconcilerConfig struct {
	StuckAfter   time.Duration // open hold with no movement
	DelayedAfter time.Duration // payout still in flight
}

// Reconciler runs the periodic consistency scan.
type Reconciler struct {
	repo          store.Repository
	eventProducer rabbitmq.Publisher
	cfg           ReconcilerConfig
	logger        *slog.Logger
}

// NewReconciler creates a reconciliation scanner. Zero thresholds get
// conservative defaults.
func NewReconciler(repo store.Repository, producer rabbitmq.Publisher, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 30 * time.Minute
	}
	if cfg.DelayedAfter <= 0 {
		cfg.DelayedAfter = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{repo: repo, eventProducer: producer, cfg: cfg, logger: logger}
}

// Run executes one full scan. Check failures abort the run and are recorded on
// the run summary; partial results from earlier checks are still persisted.
func (r *Reconciler) Run(ctx context.Context) (*domain.ReconciliationRunSummary, error) {
	runID := uuid.New()
	started := time.Now().UTC()
	logger := r.logger.With("component", "reconciler", "run_id", runID)
	logger.Info("reconciliation run started")

	issues, runErr := r.collectIssues(ctx, runID)

	if len(issues) > 0 {
		if err := r.repo.InsertReconciliationIssues(ctx, issues); err != nil {
			logger.Error("failed to persist issues", "err", err)
			if runErr == nil {
				runErr = fmt.Errorf("persist issues: %w", err)
			}
		}
	}

	summary := &domain.ReconciliationRunSummary{
		RunID:      runID,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		IssueCount: len(issues),
		Succeeded:  runErr == nil,
	}
	var high []domain.ReconciliationIssue
	for _, issue := range issues {
		if issue.Severity == domain.SeverityHigh {
			high = append(high, issue)
		}
	}
	summary.HighCount = len(high)
	if runErr != nil {
		summary.Error = runErr.Error()
	}

	if err := r.repo.InsertReconciliationRun(ctx, summary); err != nil {
		logger.Error("failed to persist run summary", "err", err)
	}

	if len(high) > 0 && r.eventProducer != nil {
		alert := domain.ReconciliationAlertEvent{
			RunID:      runID,
			Issues:     high,
			OccurredAt: time.Now().UTC(),
		}
		if err := r.eventProducer.Publish(ctx, rabbitmq.PayoutEventsExchange, "reconciliation.alert", alert); err != nil {
			logger.Warn("alert publish failed", "err", err)
		}
	}

	logger.Info("reconciliation run finished",
		"issues", summary.IssueCount,
		"high", summary.HighCount,
		"succeeded", summary.Succeeded,
		"duration", summary.FinishedAt.Sub(summary.StartedAt))
	return summary, runErr
}

func (r *Reconciler) collectIssues(ctx context.Context, runID uuid.UUID) ([]domain.ReconciliationIssue, error) {
	now := time.Now().UTC()
	var issues []domain.ReconciliationIssue

	stuck, err := r.repo.FindPayoutsWithOpenHold(ctx, now.Add(-r.cfg.StuckAfter))
	if err != nil {
		return issues, fmt.Errorf("stuck transaction check: %w", err)
	}
	for i := range stuck {
		p := &stuck[i]
		issues = append(issues, newIssue(runID, domain.IssueStuckTransaction, &p.ID, nil, domain.SeverityMedium,
			fmt.Sprintf("payout %s has an open hold with no movement for over %s", p.ID, r.cfg.StuckAfter)))
	}

	delayed, err := r.repo.FindUnsettledPayouts(ctx, now.Add(-r.cfg.DelayedAfter))
	if err != nil {
		return issues, fmt.Errorf("delayed payout check: %w", err)
	}
	for i := range delayed {
		p := &delayed[i]
		issues = append(issues, newIssue(runID, domain.IssueDelayedPayout, &p.ID, nil, domain.SeverityHigh,
			fmt.Sprintf("payout %s has been %s for over %s", p.ID, p.Status, r.cfg.DelayedAfter)))
	}

	missing, err := r.repo.FindCompletedPayoutsWithoutRef(ctx)
	if err != nil {
		return issues, fmt.Errorf("missing confirmation check: %w", err)
	}
	for i := range missing {
		p := &missing[i]
		issues = append(issues, newIssue(runID, domain.IssueMissingConfirmation, &p.ID, nil, domain.SeverityMedium,
			fmt.Sprintf("payout %s is completed without a settlement reference", p.ID)))
	}

	dupes, err := r.repo.FindDuplicateExternalRefs(ctx)
	if err != nil {
		return issues, fmt.Errorf("duplicate reference check: %w", err)
	}
	for ref, payoutIDs := range dupes {
		ref := ref
		issues = append(issues, newIssue(runID, domain.IssueDuplicateReference, nil, &ref, domain.SeverityHigh,
			fmt.Sprintf("settlement reference %s appears on %d payouts", ref, len(payoutIDs))))
	}

	return issues, nil
}

func newIssue(runID uuid.UUID, kind string, payoutID *uuid.UUID, externalRef *string, severity, description string) domain.ReconciliationIssue {
	return domain.ReconciliationIssue{
		ID:          uuid.New(),
		RunID:       runID,
		Kind:        kind,
		PayoutID:    payoutID,
		ExternalRef: externalRef,
		Description: description,
		Severity:    severity,
		CreatedAt:   time.Now().UTC(),
	}
}

// ListIssues returns the most recent reconciliation issues.
func (r *Reconciler) ListIssues(ctx context.Context, limit int) ([]domain.ReconciliationIssue, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return r.repo.ListReconciliationIssues(ctx, limit)
}
