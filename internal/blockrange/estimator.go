package blockrange

import (
	"context"
	"fmt"

	"github.com/web3guy0/predsync/internal/store"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BLOCK-RANGE ESTIMATOR - data-driven epoch → block range mapping
// ═══════════════════════════════════════════════════════════════════════════════
//
// Re-uses already-persisted block numbers instead of probing the
// chain: an anchor epoch near the target pins the range, the observed
// blocks-per-epoch extrapolates it, and a ±50 block slack absorbs
// block-time jitter. Epochs with ≤5 recorded bets are rejected as
// anchors since their block extremes are unreliable.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	anchorSpan            = 5
	rateLookback          = 10
	minAnchorBets         = 5
	defaultBlocksPerEpoch = 410
	slack                 = 50
)

// Source provides per-epoch block aggregates, normally *store.DB
type Source interface {
	EpochBlockStats(ctx context.Context, epoch int64) (*store.BlockStats, error)
}

// Range is an inclusive block interval
type Range struct {
	From int64
	To   int64
}

// Estimator maps a target epoch to a block range wide enough to
// contain its events. Deterministic for a given store state.
type Estimator struct {
	src Source

	// Operational fallback for a freshly seeded store: when no anchor
	// exists and the target is the configured seed epoch, this range
	// is used instead of failing.
	seedEpoch int64
	seedRange *Range
}

// New creates an estimator over the given source
func New(src Source) *Estimator {
	return &Estimator{src: src}
}

// WithSeed configures the first-start fallback range
func (e *Estimator) WithSeed(epoch, fromBlock, toBlock int64) *Estimator {
	if epoch > 0 && fromBlock > 0 && toBlock >= fromBlock {
		e.seedEpoch = epoch
		e.seedRange = &Range{From: fromBlock, To: toBlock}
	}
	return e
}

// Estimate returns the block range for the target epoch, or an error
// when no usable anchor exists.
func (e *Estimator) Estimate(ctx context.Context, epoch int64) (*Range, error) {
	// Forward anchor: smallest populated epoch above the target.
	for anchor := epoch + 1; anchor <= epoch+anchorSpan; anchor++ {
		s, err := e.stats(ctx, anchor)
		if err != nil {
			return nil, err
		}
		if s == nil {
			continue
		}
		bpe, err := e.blocksPerEpoch(ctx, anchor)
		if err != nil {
			return nil, err
		}
		return &Range{
			From: s.MinBlock - bpe*(anchor-epoch) - slack,
			To:   s.MinBlock + slack,
		}, nil
	}

	// Backward anchor: largest populated epoch below the target.
	for anchor := epoch - 1; anchor >= epoch-anchorSpan && anchor >= 1; anchor-- {
		s, err := e.stats(ctx, anchor)
		if err != nil {
			return nil, err
		}
		if s == nil {
			continue
		}
		bpe, err := e.blocksPerEpoch(ctx, anchor)
		if err != nil {
			return nil, err
		}
		return &Range{
			From: s.MaxBlock - slack,
			To:   s.MaxBlock + bpe*(epoch-anchor) + slack,
		}, nil
	}

	if e.seedRange != nil && epoch == e.seedEpoch {
		return e.seedRange, nil
	}

	return nil, fmt.Errorf("no block-range anchor within %d epochs of %d", anchorSpan, epoch)
}

// stats returns nil when the epoch cannot serve as an anchor
func (e *Estimator) stats(ctx context.Context, epoch int64) (*store.BlockStats, error) {
	s, err := e.src.EpochBlockStats(ctx, epoch)
	if err != nil {
		return nil, fmt.Errorf("block stats epoch %d: %w", epoch, err)
	}
	if s.BetCount <= minAnchorBets || s.MinBlock <= 0 {
		return nil, nil
	}
	return s, nil
}

// blocksPerEpoch takes the maximum last-block step over consecutive
// populated pairs below the anchor. Maximum, not mean: the range must
// contain the events, an overshoot only widens the scan.
func (e *Estimator) blocksPerEpoch(ctx context.Context, anchor int64) (int64, error) {
	best := int64(0)
	prev := int64(0)
	prevEpoch := int64(0)

	lo := anchor - rateLookback
	if lo < 1 {
		lo = 1
	}
	for epoch := lo; epoch <= anchor; epoch++ {
		s, err := e.stats(ctx, epoch)
		if err != nil {
			return 0, err
		}
		if s == nil {
			prev = 0
			continue
		}
		if prev > 0 && epoch == prevEpoch+1 {
			if step := s.MaxBlock - prev; step > best {
				best = step
			}
		}
		prev = s.MaxBlock
		prevEpoch = epoch
	}

	if best == 0 {
		return defaultBlocksPerEpoch, nil
	}
	return best, nil
}
