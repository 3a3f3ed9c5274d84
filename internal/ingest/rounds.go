package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/predsync/internal/bus"
	"github.com/web3guy0/predsync/internal/chain"
	"github.com/web3guy0/predsync/internal/types"
)

const roundPollInterval = 2 * time.Second

// RoundSource is the chain access the round watcher needs
type RoundSource interface {
	CurrentEpoch(ctx context.Context) (int64, error)
	Round(ctx context.Context, epoch int64) (*chain.RoundData, error)
}

// UpdatePublisher broadcasts round updates
type UpdatePublisher interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
}

// RoundWatcher polls the current round and broadcasts its state so
// the aggregator and trader can track epochs without their own chain
// polling. Ephemeral pub/sub, no buffering.
type RoundWatcher struct {
	source RoundSource
	pub    UpdatePublisher

	lastEpoch  int64
	lastStatus string
}

// NewRoundWatcher creates a watcher
func NewRoundWatcher(source RoundSource, pub UpdatePublisher) *RoundWatcher {
	return &RoundWatcher{source: source, pub: pub}
}

// Run polls until ctx is cancelled
func (w *RoundWatcher) Run(ctx context.Context) {
	log.Info().Msg("[rounds] Watcher started")
	ticker := time.NewTicker(roundPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.poll(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("[rounds] Poll failed")
			}
		}
	}
}

func (w *RoundWatcher) poll(ctx context.Context) error {
	epoch, err := w.source.CurrentEpoch(ctx)
	if err != nil {
		return err
	}

	round, err := w.source.Round(ctx, epoch)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	status := types.StatusLive
	switch {
	case round.OracleCalled || now >= round.CloseTimestamp:
		status = types.StatusEnded
	case now >= round.LockTimestamp:
		status = types.StatusLocked
	}

	update := types.RoundUpdate{
		Epoch:       epoch,
		LockTS:      round.LockTimestamp,
		CloseTS:     round.CloseTimestamp,
		UpAmount:    round.UpAmount,
		DownAmount:  round.DownAmount,
		TotalAmount: round.TotalAmount,
		Status:      status,
	}
	if status == types.StatusEnded && round.Finalized() {
		update.ClosePrice = round.ClosePrice
		if round.ClosePrice.GreaterThan(round.LockPrice) {
			update.Result = types.DirectionUp
		} else {
			update.Result = types.DirectionDown
		}
	}

	if err := w.pub.Publish(ctx, bus.RoundUpdateChannel, update); err != nil {
		return err
	}

	if epoch != w.lastEpoch || status != w.lastStatus {
		log.Info().Int64("epoch", epoch).Str("status", status).Msg("[rounds] Round state")
		w.lastEpoch = epoch
		w.lastStatus = status
	}
	return nil
}
