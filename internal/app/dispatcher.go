/**
 * @description
 * The retry dispatcher is the durable work queue driver for payout attempts.
 * Due payouts live in the payouts table itself (status plus next_attempt_at),
 * so scheduled work survives restarts. Each tick claims a batch with
 * FOR UPDATE SKIP LOCKED semantics and advances every claimed payout through
 * the gateway. Higher priority payouts are claimed first.
 *
 * @notes
 * - One payout failing must not sink the batch: per-payout errors are logged
 *   and the loop moves on.
 */

package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/finvela/payout-service/internal/domain"
	"github.com/finvela/payout-service/internal/store"
)

// Dispatcher polls for due payouts and drives them through the gateway.
type Dispatcher struct {
	repo      store.Repository
	service   *Service
	interval  time.Duration
	batchSize int

	// Processing payouts older than this get a status poll against the rail,
	// covering confirmations whose webhook never arrived.
	pollAfter time.Duration
}

// NewDispatcher creates a dispatcher. Zero values get sane defaults.
func NewDispatcher(repo store.Repository, service *Service, interval time.Duration, batchSize int) *Dispatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	return &Dispatcher{
		repo:      repo,
		service:   service,
		interval:  interval,
		batchSize: batchSize,
		pollAfter: 10 * time.Minute,
	}
}

// Run blocks, dispatching due payouts until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	log.Printf("level=info component=dispatcher msg=\"dispatcher started\" interval=%s batch_size=%d", d.interval, d.batchSize)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("level=info component=dispatcher msg=\"dispatcher stopped\"")
			return
		case <-ticker.C:
			d.dispatchOnce(ctx)
			d.pollOverdueConfirmations(ctx)
		}
	}
}

// dispatchOnce claims one batch of due payouts and advances each.
func (d *Dispatcher) dispatchOnce(ctx context.Context) {
	claimed, err := d.repo.ClaimDuePayouts(ctx, d.batchSize)
	if err != nil {
		log.Printf("level=error component=dispatcher msg=\"claim failed\" err=%v", err)
		return
	}
	if len(claimed) == 0 {
		return
	}
	log.Printf("level=info component=dispatcher msg=\"claimed due payouts\" count=%d", len(claimed))

	for i := range claimed {
		payout := &claimed[i]
		if err := d.service.AdvanceViaGateway(ctx, payout.ID); err != nil {
			if errors.Is(err, store.ErrPayoutTerminal) {
				continue
			}
			log.Printf("level=error component=dispatcher msg=\"advance failed\" payout_id=%s err=%v", payout.ID, err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// pollOverdueConfirmations asks the rail directly about processing payouts
// whose confirmation webhook is overdue.
func (d *Dispatcher) pollOverdueConfirmations(ctx context.Context) {
	overdue, err := d.repo.FindUnsettledPayouts(ctx, time.Now().UTC().Add(-d.pollAfter))
	if err != nil {
		log.Printf("level=error component=dispatcher msg=\"overdue lookup failed\" err=%v", err)
		return
	}

	polled := 0
	for i := range overdue {
		payout := &overdue[i]
		if payout.Status != domain.PayoutStatusProcessing {
			continue
		}
		if polled >= d.batchSize {
			return
		}
		polled++
		if err := d.service.ConfirmViaStatusPoll(ctx, payout.ID); err != nil {
			log.Printf("level=error component=dispatcher msg=\"status poll failed\" payout_id=%s err=%v", payout.ID, err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}
