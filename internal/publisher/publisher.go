// Package publisher drains the outbox to the event transport: poll oldest
// first, hand off, delete only after the hand-off is confirmed. A row whose
// deletion fails is redelivered on the next poll, so the output side is
// at-least-once; the event-id gate makes that safe end-to-end.
package publisher

import (
	"context"
	"time"

	"github.com/groupcast/group-service/internal/repo"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Publisher struct {
	repo     repo.RepositoryInterface
	limiter  *rate.Limiter
	log      *zap.SugaredLogger
	interval time.Duration
	batch    int
}

func New(r repo.RepositoryInterface, logger *zap.SugaredLogger, interval time.Duration, batch, rps, burst int) *Publisher {
	return &Publisher{
		repo:     r,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		log:      logger,
		interval: interval,
		batch:    batch,
	}
}

// Run polls until ctx is cancelled. Poll-level errors are logged and the
// loop resumes; losing the loop would silently stop all delivery.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info("outbox publisher started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.DrainOnce(ctx); err != nil {
				p.log.Errorf("poll outbox: %v", err)
			} else if n > 0 {
				p.log.Infof("published %d events", n)
			}
		}
	}
}

// DrainOnce publishes one batch in creation order and returns how many
// events were handed off and deleted. Hand-off is rate limited; a failed
// hand-off stops the batch so ordering is preserved on retry.
func (p *Publisher) DrainOnce(ctx context.Context) (int, error) {
	events, err := p.repo.PollOutbox(ctx, p.batch)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, evt := range events {
		if err := p.limiter.Wait(ctx); err != nil {
			return published, err
		}
		if err := p.repo.PublishEvent(ctx, evt); err != nil {
			p.log.Errorf("publish event %s: %v", evt.EventID, err)
			return published, nil
		}
		if err := p.repo.DeleteOutboxEvent(ctx, evt.EventID); err != nil {
			// the event was handed off; it will be republished next poll
			p.log.Errorf("delete event %s: %v", evt.EventID, err)
			return published, nil
		}
		published++
	}
	return published, nil
}
