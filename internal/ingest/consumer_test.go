package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/predsync/internal/buffer"
	"github.com/web3guy0/predsync/internal/store"
	"github.com/web3guy0/predsync/internal/types"
)

type fakeBetStore struct {
	batches [][]store.RealBet
	err     error
}

func (f *fakeBetStore) InsertRealBets(_ context.Context, bets []store.RealBet) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, bets)
	return nil
}

type fakeAcker struct {
	acked []string
}

func (f *fakeAcker) Read(context.Context, int, time.Duration) ([]buffer.Entry, error) {
	return nil, nil
}

func (f *fakeAcker) Ack(_ context.Context, ids ...string) error {
	f.acked = append(f.acked, ids...)
	return nil
}

type fakeAnalysis struct {
	published []types.Bet
}

func (f *fakeAnalysis) PublishAnalysisRequest(_ context.Context, bet *types.Bet) error {
	f.published = append(f.published, *bet)
	return nil
}

func entry(id, tx string) buffer.Entry {
	return buffer.Entry{
		ID: id,
		Bet: types.Bet{
			Epoch:         100,
			BetTime:       time.Unix(1700000000, 0),
			WalletAddress: "0x1a2b3c4d5e6f7a8b9c0d1e2f3a4b5c6d7e8f9a0b",
			Direction:     types.DirectionUp,
			Amount:        decimal.NewFromFloat(0.5),
			TxHash:        tx,
			BlockNumber:   50000,
		},
	}
}

func TestFlushCommitsThenAcks(t *testing.T) {
	db := &fakeBetStore{}
	acker := &fakeAcker{}
	analysis := &fakeAnalysis{}
	c := NewConsumer(acker, db, analysis, 100)

	c.pending = []buffer.Entry{entry("1-0", "0xaa01"), entry("1-1", "0xaa02")}
	c.flush(context.Background())

	require.Len(t, db.batches, 1)
	assert.Len(t, db.batches[0], 2)
	assert.Equal(t, []string{"1-0", "1-1"}, acker.acked)
	assert.Len(t, analysis.published, 2)
	assert.Empty(t, c.pending)
}

func TestFlushKeepsEntriesOnInsertFailure(t *testing.T) {
	db := &fakeBetStore{err: errors.New("connection lost")}
	acker := &fakeAcker{}
	c := NewConsumer(acker, db, &fakeAnalysis{}, 100)

	c.pending = []buffer.Entry{entry("1-0", "0xaa01")}
	c.flush(context.Background())

	assert.Empty(t, acker.acked, "no ack without a commit")
	assert.Len(t, c.pending, 1, "entries stay pending for redelivery")
}

type countingReader struct {
	counts  []int
	entries []buffer.Entry
	served  bool
}

func (f *countingReader) Read(_ context.Context, count int, _ time.Duration) ([]buffer.Entry, error) {
	f.counts = append(f.counts, count)
	if f.served {
		return nil, nil
	}
	f.served = true
	return f.entries, nil
}

func (f *countingReader) Ack(context.Context, ...string) error { return nil }

func TestRunHoldsReadsWhileBatchStuck(t *testing.T) {
	db := &fakeBetStore{err: errors.New("connection lost")}
	rd := &countingReader{entries: []buffer.Entry{entry("1-0", "0xaa01"), entry("1-1", "0xaa02")}}
	c := NewConsumer(rd, db, &fakeAnalysis{}, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	// One read fills the batch; while the insert keeps failing no
	// further reads are issued, so memory stays bounded.
	assert.Equal(t, []int{2}, rd.counts)
	assert.Len(t, c.pending, 2)
}

func TestFlushEmptyIsNoop(t *testing.T) {
	db := &fakeBetStore{}
	acker := &fakeAcker{}
	c := NewConsumer(acker, db, &fakeAnalysis{}, 100)

	c.flush(context.Background())
	assert.Empty(t, db.batches)
	assert.Empty(t, acker.acked)
}
