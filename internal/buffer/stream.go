package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/predsync/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DURABLE EVENT BUFFER - Redis Stream with a consumer group
// ═══════════════════════════════════════════════════════════════════════════════
//
// Append-only log carrying live bets from the listener to the batch
// writer. At-least-once: entries stay pending until acknowledged, and
// a crashed consumer's pending entries are re-claimable.
//
// ═══════════════════════════════════════════════════════════════════════════════

const claimIdleTimeout = 60 * time.Second

// Entry is one delivered buffer message
type Entry struct {
	ID  string
	Bet types.Bet
}

// Stream wraps one named Redis stream and consumer group
type Stream struct {
	rdb    *redis.Client
	name   string
	group  string
	member string
}

// New connects and ensures the consumer group exists
func New(ctx context.Context, redisURL, name, group, member string) (*Stream, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	// MKSTREAM so the group can be created before the first entry.
	err = rdb.XGroupCreateMkStream(ctx, name, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create group: %w", err)
	}

	log.Info().Str("stream", name).Str("group", group).Msg("📨 Buffer ready")
	return &Stream{rdb: rdb, name: name, group: group, member: member}, nil
}

// Close releases the connection
func (s *Stream) Close() error {
	return s.rdb.Close()
}

// Add appends one live bet to the stream
func (s *Stream) Add(ctx context.Context, bet *types.Bet) error {
	payload, err := json.Marshal(bet)
	if err != nil {
		return fmt.Errorf("marshal bet: %w", err)
	}
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.name,
		Values: map[string]interface{}{"bet": string(payload)},
	}).Err()
}

// Read blocks up to block for up to count entries under the group.
// Stale pending entries from dead consumers are claimed first.
func (s *Stream) Read(ctx context.Context, count int, block time.Duration) ([]Entry, error) {
	claimed, _, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.name,
		Group:    s.group,
		Consumer: s.member,
		MinIdle:  claimIdleTimeout,
		Start:    "0",
		Count:    int64(count),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("autoclaim: %w", err)
	}

	entries, bad := decode(claimed)
	s.ackPoison(ctx, bad)
	if len(entries) >= count {
		return entries, nil
	}

	streams, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.member,
		Streams:  []string{s.name, ">"},
		Count:    int64(count - len(entries)),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	for _, str := range streams {
		decoded, b := decode(str.Messages)
		entries = append(entries, decoded...)
		s.ackPoison(ctx, b)
	}
	return entries, nil
}

// ackPoison acknowledges entries that can never decode; left pending
// they would be autoclaimed and skipped again on every read cycle.
func (s *Stream) ackPoison(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := s.Ack(ctx, ids...); err != nil {
		log.Warn().Err(err).Strs("ids", ids).Msg("Poison entry ack failed")
	}
}

// Ack acknowledges delivered entries after a successful commit
func (s *Stream) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.rdb.XAck(ctx, s.name, s.group, ids...).Err()
}

// Len returns the stream length for monitoring
func (s *Stream) Len(ctx context.Context) (int64, error) {
	return s.rdb.XLen(ctx, s.name).Result()
}

// PendingCount returns the unacknowledged entry count for monitoring
func (s *Stream) PendingCount(ctx context.Context) (int64, error) {
	p, err := s.rdb.XPending(ctx, s.name, s.group).Result()
	if err != nil {
		return 0, err
	}
	return p.Count, nil
}

// decode splits delivered messages into usable entries and the IDs of
// undecodable ones.
func decode(msgs []redis.XMessage) ([]Entry, []string) {
	entries := make([]Entry, 0, len(msgs))
	var bad []string
	for _, m := range msgs {
		raw, ok := m.Values["bet"].(string)
		if !ok {
			log.Warn().Str("id", m.ID).Msg("Buffer entry without bet payload, dropping")
			bad = append(bad, m.ID)
			continue
		}
		var bet types.Bet
		if err := json.Unmarshal([]byte(raw), &bet); err != nil {
			log.Warn().Err(err).Str("id", m.ID).Msg("Undecodable buffer entry, dropping")
			bad = append(bad, m.ID)
			continue
		}
		entries = append(entries, Entry{ID: m.ID, Bet: bet})
	}
	return entries, bad
}
