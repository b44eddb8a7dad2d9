/**
 * @description
 * Concrete sinks for the bank gateway client. The audit sink writes one log
 * line per gateway call; the dead-letter sink persists exhausted transfers to
 * Postgres and mirrors them onto the event exchange for alerting.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/finvela/payout-service/internal/domain"
	"github.com/finvela/payout-service/internal/store"
	"github.com/finvela/payout-service/pkg/bankclient"
	"github.com/finvela/payout-service/pkg/rabbitmq"
)

// LogAuditSink writes gateway call audit records as log lines. Request bodies
// arrive already masked from the client.
type LogAuditSink struct{}

func (LogAuditSink) Record(ctx context.Context, rec bankclient.AuditRecord) {
	log.Printf("level=info component=gateway_audit rail=%s op=%s http_status=%d latency_ms=%d err=%q request=%s response=%s",
		rec.Rail, rec.Op, rec.HTTPStatus, rec.Latency.Milliseconds(), rec.Error, rec.Request, rec.Response)
}

// StoreDeadLetterSink persists dead letters to the database and publishes a
// mirror event. The database write is authoritative; the publish is best-effort.
type StoreDeadLetterSink struct {
	repo          store.Repository
	eventProducer rabbitmq.Publisher
}

// NewStoreDeadLetterSink creates the durable dead-letter sink.
func NewStoreDeadLetterSink(repo store.Repository, producer rabbitmq.Publisher) *StoreDeadLetterSink {
	return &StoreDeadLetterSink{repo: repo, eventProducer: producer}
}

func (s *StoreDeadLetterSink) Push(ctx context.Context, dl bankclient.DeadLetter) error {
	entry := &domain.DeadLetterEntry{
		ID:              uuid.New(),
		RequestPayload:  dl.Request,
		ResponsePayload: dl.Response,
		Error:           dl.Error,
		RetryCount:      dl.RetryCount,
		CreatedAt:       time.Now().UTC(),
	}
	if dl.PayoutID != uuid.Nil {
		id := dl.PayoutID
		entry.PayoutID = &id
	}
	if err := s.repo.AppendDeadLetter(ctx, entry); err != nil {
		return err
	}
	if s.eventProducer != nil {
		if err := s.eventProducer.Publish(ctx, rabbitmq.PayoutEventsExchange, "payout.deadletter", entry); err != nil {
			log.Printf("level=warn component=deadletter_sink msg=\"dead-letter event publish failed\" payout_id=%s err=%v", dl.PayoutID, err)
		}
	}
	return nil
}
