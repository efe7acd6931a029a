package reconcile

import (
	"context"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

// Sweeper periodically runs the buffered-webhook replay and the payload
// retention purge.
type Sweeper struct {
	service       *Service
	logger        *otelzap.Logger
	replayEvery   time.Duration
	purgeEvery    time.Duration
}

// NewSweeper creates a sweeper. Zero intervals fall back to sane defaults.
func NewSweeper(service *Service, replayEvery, purgeEvery time.Duration, logger *otelzap.Logger) *Sweeper {
	if replayEvery <= 0 {
		replayEvery = 1 * time.Minute
	}
	if purgeEvery <= 0 {
		purgeEvery = 6 * time.Hour
	}
	return &Sweeper{
		service:     service,
		logger:      logger,
		replayEvery: replayEvery,
		purgeEvery:  purgeEvery,
	}
}

// Run blocks until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	replayTicker := time.NewTicker(s.replayEvery)
	defer replayTicker.Stop()
	purgeTicker := time.NewTicker(s.purgeEvery)
	defer purgeTicker.Stop()

	s.logger.Info("reconciliation sweeper started",
		zap.Duration("replay_every", s.replayEvery),
		zap.Duration("purge_every", s.purgeEvery),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation sweeper stopped")
			return
		case <-replayTicker.C:
			replayed, err := s.service.ReplaySweep(ctx)
			if err != nil {
				s.logger.Error("replay sweep failed", zap.Error(err))
			} else if replayed > 0 {
				s.logger.Info("replay sweep done", zap.Int("replayed", replayed))
			}
		case <-purgeTicker.C:
			if _, err := s.service.PurgeStalePayloads(ctx); err != nil {
				s.logger.Error("payload purge failed", zap.Error(err))
			}
		}
	}
}
