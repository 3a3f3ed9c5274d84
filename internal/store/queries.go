package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Boundaries are the stored data extent used by the reconciliation
// workers and the gap scan.
type Boundaries struct {
	MinEpoch      int64
	MaxEpoch      int64
	DistinctCount int64
}

// GetBoundaries reads (min_epoch, max_epoch, distinct_count) from the
// round table. Zero values mean the store is empty.
func (d *DB) GetBoundaries(ctx context.Context) (*Boundaries, error) {
	var b struct {
		MinEpoch      *int64
		MaxEpoch      *int64
		DistinctCount int64
	}
	err := d.db.WithContext(ctx).Model(&Round{}).
		Select("MIN(epoch) as min_epoch, MAX(epoch) as max_epoch, COUNT(DISTINCT epoch) as distinct_count").
		Scan(&b).Error
	if err != nil {
		return nil, err
	}
	out := &Boundaries{DistinctCount: b.DistinctCount}
	if b.MinEpoch != nil {
		out.MinEpoch = *b.MinEpoch
	}
	if b.MaxEpoch != nil {
		out.MaxEpoch = *b.MaxEpoch
	}
	return out, nil
}

// HasFinalized reports whether the sync marker exists for an epoch
func (d *DB) HasFinalized(ctx context.Context, epoch int64) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&FinalizedEpoch{}).
		Where("epoch = ?", epoch).Count(&count).Error
	return count > 0, err
}

// RetryCount returns the failed-epoch retry counter, 0 when absent
func (d *DB) RetryCount(ctx context.Context, epoch int64) (int, error) {
	var row FailedEpoch
	err := d.db.WithContext(ctx).Where("epoch = ?", epoch).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.RetryCount, nil
}

// BlockStats are per-epoch block aggregates backing the range estimator
type BlockStats struct {
	MinBlock int64
	MaxBlock int64
	BetCount int64
}

// EpochBlockStats aggregates recorded bet blocks for one epoch
func (d *DB) EpochBlockStats(ctx context.Context, epoch int64) (*BlockStats, error) {
	var s struct {
		MinBlock *int64
		MaxBlock *int64
		BetCount int64
	}
	err := d.db.WithContext(ctx).Model(&HisBet{}).
		Select("MIN(block_number) as min_block, MAX(block_number) as max_block, COUNT(*) as bet_count").
		Where("epoch = ?", epoch).Scan(&s).Error
	if err != nil {
		return nil, err
	}
	out := &BlockStats{BetCount: s.BetCount}
	if s.MinBlock != nil {
		out.MinBlock = *s.MinBlock
	}
	if s.MaxBlock != nil {
		out.MaxBlock = *s.MaxBlock
	}
	return out, nil
}

// BetTimeForBlock returns the bet_time of any stored bet in the given
// block, saving a chain call when the block was seen before.
func (d *DB) BetTimeForBlock(ctx context.Context, blockNumber int64) (time.Time, bool, error) {
	var row HisBet
	err := d.db.WithContext(ctx).Where("block_number = ?", blockNumber).
		Limit(1).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return row.BetTime, true, nil
}

// RoundFeature is one finalized round's inputs to the momentum score
type RoundFeature struct {
	Epoch       int64
	UpRatio     float64
	PriceChange float64
	TotalAmount decimal.Decimal
	Result      string
}

// RecentRoundFeatures returns the last n finalized rounds, newest
// first, with up_ratio and relative price change precomputed.
func (d *DB) RecentRoundFeatures(ctx context.Context, n int) ([]RoundFeature, error) {
	var rounds []Round
	err := d.db.WithContext(ctx).Order("epoch DESC").Limit(n).Find(&rounds).Error
	if err != nil {
		return nil, err
	}

	features := make([]RoundFeature, 0, len(rounds))
	for _, r := range rounds {
		f := RoundFeature{Epoch: r.Epoch, TotalAmount: r.TotalAmount, Result: r.Result}
		if r.TotalAmount.IsPositive() {
			f.UpRatio, _ = r.UpAmount.Div(r.TotalAmount).Float64()
		}
		if r.LockPrice.IsPositive() {
			f.PriceChange, _ = r.ClosePrice.Sub(r.LockPrice).Div(r.LockPrice).Float64()
		}
		features = append(features, f)
	}
	return features, nil
}

// RealBetSums re-seeds the live aggregator from the realbet table
func (d *DB) RealBetSums(ctx context.Context, epoch int64) (up, down decimal.Decimal, err error) {
	var s struct {
		Up   decimal.Decimal
		Down decimal.Decimal
	}
	err = d.db.WithContext(ctx).Model(&RealBet{}).
		Select("COALESCE(SUM(CASE WHEN direction = 'UP' THEN amount ELSE 0 END), 0) as up, "+
			"COALESCE(SUM(CASE WHEN direction = 'DOWN' THEN amount ELSE 0 END), 0) as down").
		Where("epoch = ?", epoch).Scan(&s).Error
	return s.Up, s.Down, err
}

// MissingEpochs lists up to limit epochs absent from the round table
// within the stored boundaries, ascending.
func (d *DB) MissingEpochs(ctx context.Context, limit int) ([]int64, error) {
	b, err := d.GetBoundaries(ctx)
	if err != nil {
		return nil, err
	}
	if b.DistinctCount == 0 || b.DistinctCount >= b.MaxEpoch-b.MinEpoch+1 {
		return nil, nil
	}

	var present []int64
	if err := d.db.WithContext(ctx).Model(&Round{}).
		Where("epoch BETWEEN ? AND ?", b.MinEpoch, b.MaxEpoch).
		Order("epoch").Pluck("epoch", &present).Error; err != nil {
		return nil, err
	}

	have := make(map[int64]struct{}, len(present))
	for _, e := range present {
		have[e] = struct{}{}
	}

	missing := make([]int64, 0, limit)
	for e := b.MinEpoch; e <= b.MaxEpoch && len(missing) < limit; e++ {
		if _, ok := have[e]; !ok {
			missing = append(missing, e)
		}
	}
	return missing, nil
}
