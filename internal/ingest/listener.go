package ingest

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/predsync/internal/chain"
	"github.com/web3guy0/predsync/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LIVE INGEST LISTENER - push-socket bet events → durable buffer
// ═══════════════════════════════════════════════════════════════════════════════

const (
	heartbeatInterval = 60 * time.Second
	stallTimeout      = 120 * time.Second
	reconnectDelay    = 5 * time.Second

	listenerCacheSize = 1000
)

// BetSource is the push-socket side of the chain client
type BetSource interface {
	WatchBets(ctx context.Context, sink chan<- chain.BetEvent) error
	BlockTime(ctx context.Context, number int64) (time.Time, error)
	CurrentEpoch(ctx context.Context) (int64, error)
}

// Appender is the durable-buffer producer side
type Appender interface {
	Add(ctx context.Context, bet *types.Bet) error
}

// InstantPublisher is the best-effort fan-out of fresh bets
type InstantPublisher interface {
	PublishInstantBet(ctx context.Context, bet *types.Bet) error
}

// Listener subscribes to live bet events, appends each to the buffer
// and publishes it on the instant-bet channel. The buffer write is the
// durable path; the publish is best-effort.
type Listener struct {
	source  BetSource
	buffer  Appender
	instant InstantPublisher

	blockTimes *lru.Cache[int64, time.Time]
	lastSeen   time.Time
}

// NewListener creates a listener
func NewListener(source BetSource, buf Appender, instant InstantPublisher) (*Listener, error) {
	blockTimes, err := lru.New[int64, time.Time](listenerCacheSize)
	if err != nil {
		return nil, err
	}
	return &Listener{source: source, buffer: buf, instant: instant, blockTimes: blockTimes}, nil
}

// Run maintains the subscription until ctx is cancelled, reconnecting
// with backoff on errors or confirmed stalls.
func (l *Listener) Run(ctx context.Context) {
	log.Info().Msg("[listener] Started")
	for {
		if err := l.watch(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("[listener] Subscription ended, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (l *Listener) watch(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan chain.BetEvent, 256)
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.source.WatchBets(watchCtx, events)
	}()

	l.lastSeen = time.Now()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case ev := <-events:
			l.lastSeen = time.Now()
			l.handle(ctx, ev)
		case <-heartbeat.C:
			// A lightweight read confirms the socket still answers.
			hbCtx, hbCancel := context.WithTimeout(ctx, 10*time.Second)
			_, err := l.source.CurrentEpoch(hbCtx)
			hbCancel()
			if err == nil {
				l.lastSeen = time.Now()
			} else if time.Since(l.lastSeen) > stallTimeout {
				return err
			}
		}
	}
}

func (l *Listener) handle(ctx context.Context, ev chain.BetEvent) {
	betTime, err := l.blockTime(ctx, ev.BlockNumber)
	if err != nil {
		log.Warn().Err(err).Int64("block", ev.BlockNumber).Msg("[listener] Block time lookup failed, using now")
		betTime = time.Now()
	}

	bet := &types.Bet{
		Epoch:         ev.Epoch,
		BetTime:       betTime,
		WalletAddress: ev.Sender,
		Direction:     ev.Direction,
		Amount:        ev.Amount,
		BlockNumber:   ev.BlockNumber,
		TxHash:        ev.TxHash,
	}

	if err := l.buffer.Add(ctx, bet); err != nil {
		log.Error().Err(err).Str("tx", bet.TxHash).Msg("[listener] Buffer append failed")
		return
	}
	if err := l.instant.PublishInstantBet(ctx, bet); err != nil {
		log.Debug().Err(err).Msg("[listener] Instant publish failed")
	}

	log.Debug().
		Int64("epoch", bet.Epoch).
		Str("dir", string(bet.Direction)).
		Str("amount", bet.Amount.String()).
		Msg("[listener] Bet buffered")
}

func (l *Listener) blockTime(ctx context.Context, number int64) (time.Time, error) {
	if t, ok := l.blockTimes.Get(number); ok {
		return t, nil
	}
	t, err := l.source.BlockTime(ctx, number)
	if err != nil {
		return time.Time{}, err
	}
	l.blockTimes.Add(number, t)
	return t, nil
}
