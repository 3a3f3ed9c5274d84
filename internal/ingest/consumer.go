package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/predsync/internal/buffer"
	"github.com/web3guy0/predsync/internal/store"
	"github.com/web3guy0/predsync/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BUFFER CONSUMER - batch writer from the durable buffer to realbet
// ═══════════════════════════════════════════════════════════════════════════════

const (
	readBlock     = time.Second
	flushInterval = time.Second
)

// Reader is the durable-buffer consumer side
type Reader interface {
	Read(ctx context.Context, count int, block time.Duration) ([]buffer.Entry, error)
	Ack(ctx context.Context, ids ...string) error
}

// BetStore persists live-bet batches
type BetStore interface {
	InsertRealBets(ctx context.Context, bets []store.RealBet) error
}

// AnalysisPublisher hands stored bets to the wallet-analysis collaborator
type AnalysisPublisher interface {
	PublishAnalysisRequest(ctx context.Context, bet *types.Bet) error
}

// Consumer drains the buffer in batches: one transaction per flush,
// acknowledge only after commit, so a crash replays the batch and the
// (bet_time, tx_hash) key absorbs the duplicates.
type Consumer struct {
	buf       Reader
	db        BetStore
	analysis  AnalysisPublisher
	batchSize int

	pending   []buffer.Entry
	lastFlush time.Time
}

// NewConsumer creates a consumer with the given flush batch size
func NewConsumer(buf Reader, db BetStore, analysis AnalysisPublisher, batchSize int) *Consumer {
	return &Consumer{buf: buf, db: db, analysis: analysis, batchSize: batchSize, lastFlush: time.Now()}
}

// Run consumes until ctx is cancelled, then drains the current batch
func (c *Consumer) Run(ctx context.Context) {
	log.Info().Int("batch", c.batchSize).Msg("[consumer] Started")
	for {
		if ctx.Err() != nil {
			c.drain()
			return
		}

		if want := c.batchSize - len(c.pending); want > 0 {
			entries, err := c.buf.Read(ctx, want, readBlock)
			if err != nil {
				if ctx.Err() != nil {
					c.drain()
					return
				}
				log.Warn().Err(err).Msg("[consumer] Buffer read failed")
				time.Sleep(time.Second)
				continue
			}
			c.pending = append(c.pending, entries...)
		} else {
			// A failed flush left a full batch queued; hold off
			// reading so memory stays bounded while the store is
			// down, then retry the flush.
			select {
			case <-ctx.Done():
			case <-time.After(flushInterval):
			}
		}

		if len(c.pending) >= c.batchSize || (len(c.pending) > 0 && time.Since(c.lastFlush) >= flushInterval) {
			c.flush(ctx)
		}
	}
}

// flush writes the pending batch in one transaction, acknowledges,
// then republishes for analysis. A failed transaction keeps the
// entries unacknowledged so the buffer redelivers them.
func (c *Consumer) flush(ctx context.Context) {
	if len(c.pending) == 0 {
		c.lastFlush = time.Now()
		return
	}

	bets := make([]store.RealBet, 0, len(c.pending))
	ids := make([]string, 0, len(c.pending))
	for _, e := range c.pending {
		bets = append(bets, store.RealBet{
			BetTime:       e.Bet.BetTime,
			TxHash:        e.Bet.TxHash,
			Epoch:         e.Bet.Epoch,
			WalletAddress: e.Bet.WalletAddress,
			Direction:     string(e.Bet.Direction),
			Amount:        e.Bet.Amount,
			BlockNumber:   e.Bet.BlockNumber,
		})
		ids = append(ids, e.ID)
	}

	if err := c.db.InsertRealBets(ctx, bets); err != nil {
		log.Error().Err(err).Int("count", len(bets)).Msg("[consumer] Batch insert failed, buffer will redeliver")
		return
	}

	if err := c.buf.Ack(ctx, ids...); err != nil {
		// Already committed; redelivery is harmless under the
		// uniqueness constraint.
		log.Warn().Err(err).Msg("[consumer] Ack failed after commit")
	}

	for i := range c.pending {
		if err := c.analysis.PublishAnalysisRequest(ctx, &c.pending[i].Bet); err != nil {
			log.Debug().Err(err).Msg("[consumer] Analysis publish failed")
		}
	}

	log.Debug().Int("count", len(bets)).Msg("[consumer] Batch flushed")
	c.pending = c.pending[:0]
	c.lastFlush = time.Now()
}

// drain flushes whatever is queued during shutdown
func (c *Consumer) drain() {
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.flush(drainCtx)
	log.Info().Msg("[consumer] Drained")
}
