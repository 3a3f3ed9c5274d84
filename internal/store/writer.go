package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// realbetRetention keeps live bets visible for a grace period after a
// round is finalized.
const realbetRetention = 600 * time.Second

// EpochWrite is everything one finalized epoch commits atomically
type EpochWrite struct {
	Round       Round
	Bets        []HisBet
	Claims      []Claim
	MultiClaims []MultiClaim
}

// WriteEpoch commits one epoch's sync in a single transaction: round
// upsert, DO-NOTHING multi-row inserts, realbet prune once past the
// retention window, finalized marker, and a write verification. A
// returned error means the transaction rolled back.
func (d *DB) WriteEpoch(ctx context.Context, w *EpochWrite) error {
	now := time.Now()
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "start_time"}, {Name: "epoch"}},
			UpdateAll: true,
		}).Create(&w.Round).Error; err != nil {
			return fmt.Errorf("round upsert: %w", err)
		}

		if len(w.Bets) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "bet_time"}, {Name: "tx_hash"}},
				DoNothing: true,
			}).CreateInBatches(w.Bets, 500).Error; err != nil {
				return fmt.Errorf("bet insert: %w", err)
			}
		}

		if len(w.Claims) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "block_number"}, {Name: "wallet_address"}, {Name: "bet_epoch"}},
				DoNothing: true,
			}).CreateInBatches(w.Claims, 500).Error; err != nil {
				return fmt.Errorf("claim insert: %w", err)
			}
		}

		if len(w.MultiClaims) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "epoch"}, {Name: "wallet_address"}},
				DoNothing: true,
			}).Create(&w.MultiClaims).Error; err != nil {
				return fmt.Errorf("multiclaim insert: %w", err)
			}
		}

		if now.Sub(w.Round.CloseTime) > realbetRetention {
			if err := tx.Where("epoch = ?", w.Round.Epoch).Delete(&RealBet{}).Error; err != nil {
				return fmt.Errorf("realbet prune: %w", err)
			}
		}

		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&FinalizedEpoch{Epoch: w.Round.Epoch, ProcessedAt: now}).Error; err != nil {
			return fmt.Errorf("marker insert: %w", err)
		}

		// Verify inside the transaction: round present, bet count
		// matches, marker present. Failure rolls everything back.
		var roundCount int64
		if err := tx.Model(&Round{}).Where("epoch = ?", w.Round.Epoch).Count(&roundCount).Error; err != nil {
			return err
		}
		if roundCount != 1 {
			return fmt.Errorf("verify: round row missing for epoch %d", w.Round.Epoch)
		}

		var betCount int64
		if err := tx.Model(&HisBet{}).Where("epoch = ?", w.Round.Epoch).Count(&betCount).Error; err != nil {
			return err
		}
		if betCount != int64(len(w.Bets)) {
			return fmt.Errorf("verify: bet count %d != parsed %d for epoch %d", betCount, len(w.Bets), w.Round.Epoch)
		}

		var markerCount int64
		if err := tx.Model(&FinalizedEpoch{}).Where("epoch = ?", w.Round.Epoch).Count(&markerCount).Error; err != nil {
			return err
		}
		if markerCount != 1 {
			return fmt.Errorf("verify: finalized marker missing for epoch %d", w.Round.Epoch)
		}
		return nil
	})
}

// InsertRealBets writes a live-bet batch in one transaction. Replayed
// buffer messages are absorbed by the (bet_time, tx_hash) key.
func (d *DB) InsertRealBets(ctx context.Context, bets []RealBet) error {
	if len(bets) == 0 {
		return nil
	}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "bet_time"}, {Name: "tx_hash"}},
		DoNothing: true,
	}).Create(&bets).Error
}

// UpsertFailedEpoch records an aborted sync attempt, incrementing the
// retry counter on repeat failures. The message is truncated to fit.
func (d *DB) UpsertFailedEpoch(ctx context.Context, epoch int64, stage, message string) error {
	if len(message) > 500 {
		message = message[:500]
	}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "epoch"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"error_message": message,
			"stage":         stage,
			"failed_at":     time.Now(),
			"retry_count":   gorm.Expr("failed_epoch.retry_count + 1"),
		}),
	}).Create(&FailedEpoch{
		Epoch:        epoch,
		ErrorMessage: message,
		Stage:        stage,
		FailedAt:     time.Now(),
		RetryCount:   1,
	}).Error
}

// AppendTradeLog persists one trader phase record
func (d *DB) AppendTradeLog(ctx context.Context, row *TradeLogRow) error {
	return d.db.WithContext(ctx).Create(row).Error
}
