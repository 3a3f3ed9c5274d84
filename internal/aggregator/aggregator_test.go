package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/predsync/internal/store"
	"github.com/web3guy0/predsync/internal/types"
)

type stubSource struct {
	up, down decimal.Decimal
	feats    []store.RoundFeature
}

func (f *stubSource) RealBetSums(context.Context, int64) (decimal.Decimal, decimal.Decimal, error) {
	return f.up, f.down, nil
}

func (f *stubSource) RecentRoundFeatures(context.Context, int) ([]store.RoundFeature, error) {
	return f.feats, nil
}

type fakeSink struct {
	published []*types.Prediction
	cached    []*types.Prediction
}

func (f *fakeSink) Publish(_ context.Context, _ string, payload interface{}) error {
	f.published = append(f.published, payload.(*types.Prediction))
	return nil
}

func (f *fakeSink) CachePrediction(_ context.Context, p *types.Prediction) error {
	f.cached = append(f.cached, p)
	return nil
}

func steadyHistory() []store.RoundFeature {
	feats := make([]store.RoundFeature, 5)
	for i := range feats {
		feats[i] = store.RoundFeature{
			Epoch:       int64(99 - i),
			UpRatio:     0.5,
			TotalAmount: decimal.NewFromInt(10),
			Result:      "UP",
		}
		if i%2 == 1 {
			feats[i].Result = "DOWN"
		}
	}
	return feats
}

func newTestAggregator(src FeatureSource, sink Sink) (*Aggregator, *time.Time) {
	a := New(src, sink, 5*time.Second, "live_predictions")
	clock := time.Unix(1700000000, 0)
	a.now = func() time.Time { return clock }
	return a, &clock
}

func upBet(epoch int64, amount float64) types.Bet {
	return types.Bet{Epoch: epoch, Direction: types.DirectionUp, Amount: decimal.NewFromFloat(amount)}
}

func downBet(epoch int64, amount float64) types.Bet {
	return types.Bet{Epoch: epoch, Direction: types.DirectionDown, Amount: decimal.NewFromFloat(amount)}
}

func TestFirstBetEmits(t *testing.T) {
	sink := &fakeSink{}
	a, _ := newTestAggregator(&stubSource{feats: steadyHistory()}, sink)
	ctx := context.Background()

	a.handleRound(ctx, types.RoundUpdate{Epoch: 100, Status: types.StatusLocked})
	a.handleBet(ctx, upBet(100, 1))

	require.Len(t, sink.published, 1)
	p := sink.published[0]
	assert.Equal(t, int64(100), p.Epoch)
	assert.Equal(t, 1, p.Version)
	assert.False(t, p.Final)
	assert.Len(t, sink.cached, 1)
}

func TestSmallMoveDoesNotEmit(t *testing.T) {
	sink := &fakeSink{}
	a, clock := newTestAggregator(&stubSource{feats: steadyHistory()}, sink)
	ctx := context.Background()

	a.handleRound(ctx, types.RoundUpdate{Epoch: 100, Status: types.StatusLocked})
	a.handleBet(ctx, upBet(100, 1))
	require.Len(t, sink.published, 1)

	*clock = clock.Add(4 * time.Second)
	a.handleBet(ctx, downBet(100, 0.02)) // ratio shifts by ~0.02, below the step
	assert.Len(t, sink.published, 1)
}

func TestRatioStepEmitsAfterRateLimit(t *testing.T) {
	sink := &fakeSink{}
	a, clock := newTestAggregator(&stubSource{feats: steadyHistory()}, sink)
	ctx := context.Background()

	a.handleRound(ctx, types.RoundUpdate{Epoch: 100, Status: types.StatusLocked})
	a.handleBet(ctx, upBet(100, 1))
	require.Len(t, sink.published, 1)

	// Big move inside the 3s window: held back.
	*clock = clock.Add(time.Second)
	a.handleBet(ctx, downBet(100, 1))
	assert.Len(t, sink.published, 1)

	// Still past the step relative to the last emit, window elapsed.
	*clock = clock.Add(3 * time.Second)
	a.handleBet(ctx, downBet(100, 0.01))
	require.Len(t, sink.published, 2)
	assert.Equal(t, 2, sink.published[1].Version)
}

func TestBetForOtherEpochDropped(t *testing.T) {
	sink := &fakeSink{}
	a, _ := newTestAggregator(&stubSource{feats: steadyHistory()}, sink)
	ctx := context.Background()

	a.handleRound(ctx, types.RoundUpdate{Epoch: 100, Status: types.StatusLocked})
	a.handleBet(ctx, upBet(99, 5))
	a.handleBet(ctx, upBet(101, 5))

	assert.Empty(t, sink.published)
	assert.True(t, a.state.upSum.IsZero())
}

func TestNewEpochResetsAndReseeds(t *testing.T) {
	sink := &fakeSink{}
	src := &stubSource{
		up:    decimal.NewFromInt(2),
		down:  decimal.NewFromInt(2),
		feats: steadyHistory(),
	}
	a, _ := newTestAggregator(src, sink)
	ctx := context.Background()

	a.handleRound(ctx, types.RoundUpdate{Epoch: 100, Status: types.StatusLocked})
	a.handleBet(ctx, upBet(100, 1))
	require.Len(t, sink.published, 1)

	a.handleRound(ctx, types.RoundUpdate{Epoch: 101, Status: types.StatusLocked})
	assert.Equal(t, int64(101), a.state.epoch)
	assert.True(t, a.state.upSum.Equal(decimal.NewFromInt(2)), "reseeded from store")
	assert.Zero(t, a.state.version)

	// A stale update for the finished epoch must not roll state back.
	a.handleRound(ctx, types.RoundUpdate{Epoch: 100, Status: types.StatusLocked})
	assert.Equal(t, int64(101), a.state.epoch)
}

func TestFinalTickEmitsOnce(t *testing.T) {
	sink := &fakeSink{}
	a, _ := newTestAggregator(&stubSource{feats: steadyHistory()}, sink)
	ctx := context.Background()

	a.handleRound(ctx, types.RoundUpdate{Epoch: 100, Status: types.StatusLocked})
	a.handleBet(ctx, upBet(100, 1))
	require.Len(t, sink.published, 1)

	a.handleFinalTick(ctx, 100)
	require.Len(t, sink.published, 2)
	assert.True(t, sink.published[1].Final)
	assert.Equal(t, 2, sink.published[1].Version)

	// Duplicate tick and a tick for a stale epoch are ignored.
	a.handleFinalTick(ctx, 100)
	a.handleFinalTick(ctx, 99)
	assert.Len(t, sink.published, 2)
}

func TestSlopeFollowsTrend(t *testing.T) {
	sink := &fakeSink{}
	a, clock := newTestAggregator(&stubSource{feats: steadyHistory()}, sink)
	ctx := context.Background()

	a.handleRound(ctx, types.RoundUpdate{Epoch: 100, Status: types.StatusLocked})

	// Up-flow accelerating over a few seconds.
	a.handleBet(ctx, downBet(100, 1))
	for i := 0; i < 4; i++ {
		*clock = clock.Add(time.Second)
		a.handleBet(ctx, upBet(100, 1))
	}
	assert.Greater(t, a.slope(), 0.0)
}
