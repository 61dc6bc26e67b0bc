package notification

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const deferredBatch = 100

// Scheduler releases deferred deliveries and sweeps expired notifications.
type Scheduler struct {
	engine        *Engine
	queue         DeferredQueue
	pollInterval  time.Duration
	purgeInterval time.Duration
	logger        *zap.SugaredLogger
}

func NewScheduler(engine *Engine, queue DeferredQueue, pollInterval, purgeInterval time.Duration, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		engine:        engine,
		queue:         queue,
		pollInterval:  pollInterval,
		purgeInterval: purgeInterval,
		logger:        logger,
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	poll := time.NewTicker(s.pollInterval)
	defer poll.Stop()
	purge := time.NewTicker(s.purgeInterval)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			s.FlushDue(ctx)
		case <-purge.C:
			n, err := s.engine.PurgeExpired(ctx)
			if err != nil {
				s.logger.Warnf("purge expired notifications: %v", err)
				continue
			}
			if n > 0 {
				s.logger.Infof("purged %d expired notifications", n)
			}
		}
	}
}

// FlushDue dispatches every deferred delivery whose release time has passed.
func (s *Scheduler) FlushDue(ctx context.Context) int {
	sent := 0
	for {
		due, err := s.queue.PopDue(ctx, s.engine.now(), deferredBatch)
		if err != nil {
			s.logger.Warnf("read deferred deliveries: %v", err)
			return sent
		}
		for _, d := range due {
			if n := d.Notification; n != nil && n.Expired(s.engine.now()) {
				continue
			}
			if err := s.engine.DeliverDeferred(ctx, d); err == nil {
				sent++
			}
		}
		if len(due) < deferredBatch {
			return sent
		}
	}
}
