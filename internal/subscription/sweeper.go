package subscription

import (
	"context"
	"log/slog"
	"time"

	"billingcore/internal/common/events"
)

// Sweeper periodically finds subscriptions due for renewal and emits
// a renewal-due event for each. Renewal itself runs in the consumer,
// so a slow provider call never blocks the sweep.
type Sweeper struct {
	service   *Service
	publisher Publisher
	interval  time.Duration
	batch     int
	logger    *slog.Logger
}

// NewSweeper creates a renewal sweeper.
func NewSweeper(service *Service, publisher Publisher, interval time.Duration, batch int, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		service:   service,
		publisher: publisher,
		interval:  interval,
		batch:     batch,
		logger:    logger,
	}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	due, err := s.service.ListDueForRenewal(ctx, time.Now().UTC(), s.batch)
	if err != nil {
		s.logger.Error("renewal sweep failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	s.logger.Info("renewal sweep", "due", len(due))
	for _, sub := range due {
		event, err := events.NewEvent(events.EventSubscriptionRenewalDue, "subscription", sub.ID, map[string]string{
			"subscription_id": sub.ID,
			"user_id":         sub.UserID,
		})
		if err != nil {
			s.logger.Error("failed to build renewal event", "subscription_id", sub.ID, "error", err)
			continue
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Error("failed to publish renewal event", "subscription_id", sub.ID, "error", err)
		}
	}
}
