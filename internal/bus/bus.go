package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/predsync/internal/types"
)

// Channel names. Round updates and predictions are ephemeral pub/sub;
// only live bets go through the durable buffer.
const (
	RoundUpdateChannel = "round_update_channel"
	InstantBetChannel  = "instant_bet_channel"
	AnalysisChannel    = "analysis_channel"
	PredictionsChannel = "live_predictions"
	BacktestChannel    = "backtest_results"
	TradeLogChannel    = "trade_log"
)

const (
	predictionCacheKey = "latest_prediction"
	predictionCacheTTL = 30 * time.Minute

	epochLockTTL = 300 * time.Second
)

// Bus is the pub/sub fan-out plus the small keyed state that rides on
// the same Redis: the latest-prediction cache and the per-epoch sync
// lock. Publish and subscribe use separate clients so a slow
// subscriber cannot block the publish path.
type Bus struct {
	pub *redis.Client
	sub *redis.Client
}

// New connects both clients
func New(ctx context.Context, redisURL string) (*Bus, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	pub := redis.NewClient(opt)
	if err := pub.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{pub: pub, sub: redis.NewClient(opt)}, nil
}

// Close releases both connections
func (b *Bus) Close() error {
	if err := b.pub.Close(); err != nil {
		return err
	}
	return b.sub.Close()
}

// Publish JSON-encodes and broadcasts; late subscribers see only
// future messages.
func (b *Bus) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}
	return b.pub.Publish(ctx, channel, data).Err()
}

// PublishInstantBet wraps a live bet in its channel envelope
func (b *Bus) PublishInstantBet(ctx context.Context, bet *types.Bet) error {
	return b.Publish(ctx, InstantBetChannel, map[string]interface{}{
		"type": "instant_bet",
		"data": bet,
	})
}

// PublishAnalysisRequest hands a stored bet to the wallet-analysis
// collaborator.
func (b *Bus) PublishAnalysisRequest(ctx context.Context, bet *types.Bet) error {
	return b.Publish(ctx, AnalysisChannel, map[string]interface{}{
		"type": "analysis_request",
		"bet":  bet,
	})
}

// Subscribe returns a channel of raw payloads for the given channels.
// The goroutine exits when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) <-chan Message {
	pubsub := b.sub.Subscribe(ctx, channels...)
	out := make(chan Message, 256)

	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				default:
					log.Warn().Str("channel", msg.Channel).Msg("Subscriber backlog full, dropping message")
				}
			}
		}
	}()
	return out
}

// Message is one received pub/sub payload
type Message struct {
	Channel string
	Payload []byte
}

// CachePrediction stores the latest revision so a late dashboard
// subscriber can fetch it.
func (b *Bus) CachePrediction(ctx context.Context, p *types.Prediction) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return b.pub.Set(ctx, predictionCacheKey, data, predictionCacheTTL).Err()
}

// LatestPrediction reads the cached revision, nil when absent
func (b *Bus) LatestPrediction(ctx context.Context) (*types.Prediction, error) {
	data, err := b.pub.Get(ctx, predictionCacheKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p types.Prediction
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// AcquireEpochLock takes the per-epoch sync lock. False means a
// competing worker owns the epoch.
func (b *Bus) AcquireEpochLock(ctx context.Context, epoch int64) (bool, error) {
	return b.pub.SetNX(ctx, lockKey(epoch), 1, epochLockTTL).Result()
}

// ReleaseEpochLock frees the lock regardless of sync outcome
func (b *Bus) ReleaseEpochLock(ctx context.Context, epoch int64) error {
	return b.pub.Del(ctx, lockKey(epoch)).Err()
}

func lockKey(epoch int64) string {
	return fmt.Sprintf("processing:epoch:%d", epoch)
}
