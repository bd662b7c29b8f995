package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/schjonhaug/tapcustody/internal/observability"
	"github.com/schjonhaug/tapcustody/internal/ports"
)

// OutboxWorker delivers events staged by custody transactions. Delivery is at least once;
// consumers deduplicate on the event id carried in every payload.
type OutboxWorker struct {
	logger    *slog.Logger
	outbox    ports.OutboxRepository
	publisher ports.EventPublisher
	interval  time.Duration
	batchSize int
	nowFn     func() time.Time
}

func NewOutboxWorker(logger *slog.Logger, outbox ports.OutboxRepository, publisher ports.EventPublisher, interval time.Duration, batchSize int) *OutboxWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxWorker{
		logger:    logger,
		outbox:    outbox,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the periodic outbox publish loop until context cancellation.
func (w *OutboxWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.ProcessOnce(ctx); err != nil {
			w.logger.ErrorContext(ctx, "outbox iteration failed",
				"module", "events.outbox_worker",
				"layer", "adapter",
				"operation", "outbox_process_once",
				"outcome", "failure",
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessOnce publishes one batch and returns how many events went out.
func (w *OutboxWorker) ProcessOnce(ctx context.Context) (int, error) {
	records, err := w.outbox.ClaimUnpublished(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	failed := 0
	for _, rec := range records {
		if err := w.publisher.Publish(ctx, rec.EventType, rec.Payload, rec.PartitionKey); err != nil {
			failed++
			observability.RecordOutboxPublish(rec.EventType, false)
			w.logger.WarnContext(ctx, "outbox publish failed; retry scheduled",
				"module", "events.outbox_worker",
				"layer", "adapter",
				"operation", "publish_event",
				"outcome", "failure",
				"outbox_id", rec.ID,
				"event_type", rec.EventType,
				"error", err,
			)
			if merr := w.outbox.MarkFailed(ctx, rec.ID, err.Error(), w.nowFn()); merr != nil {
				return published, merr
			}
			continue
		}
		observability.RecordOutboxPublish(rec.EventType, true)
		if err := w.outbox.MarkPublished(ctx, rec.ID, w.nowFn()); err != nil {
			return published, err
		}
		published++
	}

	if len(records) > 0 {
		w.logger.InfoContext(ctx, "outbox batch processed",
			"module", "events.outbox_worker",
			"layer", "adapter",
			"operation", "outbox_process_once",
			"outcome", "success",
			"batch_size", len(records),
			"published_count", published,
			"failed_count", failed,
		)
	}
	return published, nil
}
