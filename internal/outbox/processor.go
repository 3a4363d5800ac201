package outbox

import (
	"context"
	"time"

	"haven-chat/internal/feed"
	"haven-chat/internal/repository"
	"haven-chat/pkg/logger"
)

// Processor drains pending outbox rows into the change feed. A row is
// marked published only after a successful publish, so delivery is
// at-least-once; consumers must tolerate redelivery.
type Processor struct {
	repo       repository.OutboxRepository
	publisher  feed.Publisher
	log        *logger.Logger
	batchSize  int
	interval   time.Duration
	maxRetries int
}

func NewProcessor(repo repository.OutboxRepository, publisher feed.Publisher, log *logger.Logger, batchSize int, interval time.Duration, maxRetries int) *Processor {
	return &Processor{
		repo:       repo,
		publisher:  publisher,
		log:        log,
		batchSize:  batchSize,
		interval:   interval,
		maxRetries: maxRetries,
	}
}

func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.processBatch(ctx)
		}
	}
}

func (p *Processor) processBatch(ctx context.Context) {
	batch, err := p.repo.GetPending(ctx, p.batchSize)
	if err != nil || len(batch) == 0 {
		return
	}

	for _, row := range batch {
		if row.RetryCount >= p.maxRetries {
			_ = p.repo.MarkFailed(ctx, row.ID, "max retries exceeded")
			p.log.Errorf("outbox: giving up on event %s (%s)", row.ID, row.EventType)
			continue
		}

		ev, err := feed.Decode(row.Payload)
		if err != nil {
			// An undecodable payload never succeeds; fail it outright.
			_ = p.repo.MarkFailed(ctx, row.ID, err.Error())
			continue
		}

		if err := p.publisher.Publish(ctx, ev); err != nil {
			_ = p.repo.IncrementRetry(ctx, row.ID)
			p.log.Warnf("outbox: publish failed for event %s, will retry: %v", row.ID, err)
			continue
		}

		_ = p.repo.MarkPublished(ctx, row.ID)
	}
}
