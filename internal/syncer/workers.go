package syncer

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION WORKERS - forward catch-up, backward back-fill, gap scan
// ═══════════════════════════════════════════════════════════════════════════════

const (
	forwardIdleSleep  = 60 * time.Second
	forwardErrorSleep = 10 * time.Second
	forwardLag        = 2 // stay behind current_epoch so rounds are settled

	backwardStartDelay = 30 * time.Second
	backwardStepSleep  = 2 * time.Second
	backwardDoneSleep  = 5 * time.Minute

	gapStartDelay = 30 * time.Minute
	gapInterval   = 30 * time.Minute
	gapBatchLimit = 100
)

// RunForward keeps the store covering up to current_epoch − 2
func (s *Syncer) RunForward(ctx context.Context) {
	log.Info().Msg("[forward] Worker started")
	for {
		caughtUp, err := s.forwardPass(ctx)
		if ctx.Err() != nil {
			return
		}
		sleep := forwardErrorSleep
		if err != nil {
			log.Warn().Err(err).Msg("[forward] Pass failed")
		} else if caughtUp {
			sleep = forwardIdleSleep
		} else {
			continue
		}
		if !sleepCtx(ctx, sleep) {
			return
		}
	}
}

func (s *Syncer) forwardPass(ctx context.Context) (bool, error) {
	bounds, err := s.db.GetBoundaries(ctx)
	if err != nil {
		return false, err
	}
	current, err := s.chain.CurrentEpoch(ctx)
	if err != nil {
		return false, err
	}

	target := current - forwardLag
	start := bounds.MaxEpoch + 1
	if bounds.DistinctCount == 0 {
		// Empty store: begin at the target so the backward worker
		// owns history.
		start = target
	}
	if start > target {
		return true, nil
	}

	for epoch := start; epoch <= target; epoch++ {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		if skip, err := s.shouldSkip(ctx, epoch); err != nil {
			return false, err
		} else if skip {
			continue
		}
		if _, err := s.SyncEpoch(ctx, epoch); err != nil {
			return false, err
		}
	}
	return true, nil
}

// RunBackward back-fills history down to epoch 1
func (s *Syncer) RunBackward(ctx context.Context) {
	if !sleepCtx(ctx, backwardStartDelay) {
		return
	}
	log.Info().Msg("[backward] Worker started")

	for {
		bounds, err := s.db.GetBoundaries(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("[backward] Boundary read failed")
			if !sleepCtx(ctx, forwardErrorSleep) {
				return
			}
			continue
		}

		target := bounds.MinEpoch - 1
		if bounds.DistinctCount == 0 || target < 1 {
			if !sleepCtx(ctx, backwardDoneSleep) {
				return
			}
			continue
		}

		if skip, err := s.shouldSkip(ctx, target); err != nil {
			log.Warn().Err(err).Int64("epoch", target).Msg("[backward] Skip check failed")
		} else if !skip {
			if _, err := s.SyncEpoch(ctx, target); err != nil {
				log.Warn().Err(err).Int64("epoch", target).Msg("[backward] Sync failed")
			}
		}

		if !sleepCtx(ctx, backwardStepSleep) {
			return
		}
	}
}

// RunGapScan periodically fills holes inside the stored boundaries
func (s *Syncer) RunGapScan(ctx context.Context) {
	if !sleepCtx(ctx, gapStartDelay) {
		return
	}
	log.Info().Msg("[gapscan] Worker started")

	ticker := time.NewTicker(gapInterval)
	defer ticker.Stop()

	for {
		s.gapPass(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Syncer) gapPass(ctx context.Context) {
	missing, err := s.db.MissingEpochs(ctx, gapBatchLimit)
	if err != nil {
		log.Warn().Err(err).Msg("[gapscan] Missing-epoch scan failed")
		return
	}
	if len(missing) == 0 {
		return
	}
	log.Info().Int("count", len(missing)).Msg("[gapscan] Filling gaps")

	for _, epoch := range missing {
		if ctx.Err() != nil {
			return
		}
		if skip, err := s.shouldSkip(ctx, epoch); err != nil || skip {
			continue
		}
		if _, err := s.SyncEpoch(ctx, epoch); err != nil {
			log.Warn().Err(err).Int64("epoch", epoch).Msg("[gapscan] Sync failed")
		}
	}
}

// shouldSkip filters epochs that are already committed or have failed
// too often.
func (s *Syncer) shouldSkip(ctx context.Context, epoch int64) (bool, error) {
	done, err := s.db.HasFinalized(ctx, epoch)
	if err != nil {
		return false, err
	}
	if done {
		return true, nil
	}
	retries, err := s.db.RetryCount(ctx, epoch)
	if err != nil {
		return false, err
	}
	if retries >= s.retryMax {
		log.Debug().Int64("epoch", epoch).Int("retries", retries).Msg("[sync] Retry cap reached, skipping permanently")
		return true, nil
	}
	return false, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
