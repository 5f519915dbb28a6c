package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kavos113/ctf-instancer/domain"
)

// Reaper stops running instances whose TTL has elapsed. Expiries go through
// the normal dispatcher path as synthetic stop requests, so they follow the
// same serialization and coalescing rules as user actions; only the rate
// limiter is bypassed.
type Reaper struct {
	dispatcher *Dispatcher
	clock      clockwork.Clock
	interval   time.Duration
	logger     *slog.Logger
}

func NewReaper(dispatcher *Dispatcher, clock clockwork.Clock, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		dispatcher: dispatcher,
		clock:      clock,
		interval:   interval,
		logger:     logger,
	}
}

func (r *Reaper) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			r.reap(ctx)
		}
	}
}

func (r *Reaper) reap(ctx context.Context) {
	for _, key := range r.dispatcher.ExpiredRunning(r.clock.Now()) {
		r.logger.Info("stopping expired instance",
			slog.String("user_id", key.UserID),
			slog.String("challenge_id", key.ChallengeID))

		req := domain.ActionRequest{
			UserID:      key.UserID,
			ChallengeID: key.ChallengeID,
			Action:      domain.ActionStop,
			Synthetic:   true,
		}
		if err := r.dispatcher.Submit(ctx, req); err != nil {
			r.logger.Error("failed to stop expired instance",
				slog.String("user_id", key.UserID),
				slog.String("challenge_id", key.ChallengeID),
				slog.Any("error", err))
		}
	}
}
