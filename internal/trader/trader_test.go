package trader

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/predsync/internal/chain"
	"github.com/web3guy0/predsync/internal/config"
	"github.com/web3guy0/predsync/internal/store"
	"github.com/web3guy0/predsync/internal/types"
)

type fakeChain struct {
	nonce      uint64
	nonceCalls int
	ledger     chain.LedgerEntry
	ledgerErr  error
	placeErr   error
	placed     []placedBet
	mined      bool
}

type placedBet struct {
	dir      types.Direction
	epoch    int64
	amount   decimal.Decimal
	nonce    uint64
	gasPrice *big.Int
}

func (f *fakeChain) BufferSeconds(context.Context) (int64, error) { return 30, nil }

func (f *fakeChain) Ledger(context.Context, int64, string) (*chain.LedgerEntry, error) {
	if f.ledgerErr != nil {
		return nil, f.ledgerErr
	}
	l := f.ledger
	return &l, nil
}

func (f *fakeChain) PendingNonce(context.Context) (uint64, error) {
	f.nonceCalls++
	return f.nonce, nil
}

func (f *fakeChain) GasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) PlaceBet(_ context.Context, dir types.Direction, epoch int64, value decimal.Decimal, nonce uint64, gasPrice *big.Int) (string, error) {
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.placed = append(f.placed, placedBet{dir: dir, epoch: epoch, amount: value, nonce: nonce, gasPrice: gasPrice})
	return "0xdeadbeef", nil
}

func (f *fakeChain) WaitMined(context.Context, string) (bool, error) { return f.mined, nil }

func (f *fakeChain) Address() string { return "0x1a2b3c4d5e6f7a8b9c0d1e2f3a4b5c6d7e8f9a0b" }

type recordingSink struct {
	records []*types.TradeLogRecord
}

func (r *recordingSink) Publish(_ context.Context, _ string, payload interface{}) error {
	r.records = append(r.records, payload.(*types.TradeLogRecord))
	return nil
}

func (r *recordingSink) phases() []string {
	out := make([]string, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Phase)
	}
	return out
}

type nopStore struct{}

func (nopStore) AppendTradeLog(context.Context, *store.TradeLogRow) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		TraderEnabled: true,
		DryRun:        false,
		BetAmount:     decimal.NewFromFloat(0.001),
		MinConfidence: types.ConfidenceHigh,
		SideFilter:    "any",
		DeltaMS:       600,
		GasBump:       decimal.NewFromFloat(1.2),
		ArmEnabled:    true,
		ArmSlopeMin:   0.05,
		ArmVolumeMin:  1.5,
		ArmUpdiffMin:  0.10,
		ArmMaxAge:     30 * time.Second,
	}
}

// newTestTrader pins the clock and installs an epoch with its lock one
// minute out, so t_stop = lock - 30s buffer.
func newTestTrader(t *testing.T, cfg *config.Config, fc *fakeChain) (*Trader, *recordingSink, *time.Time) {
	t.Helper()
	sink := &recordingSink{}
	tr := New(cfg, fc, sink, nopStore{}, nil)
	clock := time.Unix(1700000000, 0)
	tr.now = func() time.Time { return clock }

	tr.handleRound(context.Background(), types.RoundUpdate{
		Epoch:  100,
		Status: types.StatusLive,
		LockTS: clock.Unix() + 60,
	})
	return tr, sink, &clock
}

func prediction(epoch int64, final bool, m types.Momentum) types.Prediction {
	return types.Prediction{
		Epoch:      epoch,
		Version:    3,
		Final:      final,
		Strategies: types.Strategies{Momentum: m},
	}
}

func strongMomentum(dir types.Direction) types.Momentum {
	return types.Momentum{
		Prediction: dir,
		Confidence: types.ConfidenceHigh,
		Score:      4,
		Features:   types.Features{Slope: 0.06, VolumeRatio: 1.8, UpRatioDiff: 0.2},
	}
}

func TestArmReservesNonce(t *testing.T) {
	fc := &fakeChain{nonce: 41}
	tr, sink, _ := newTestTrader(t, testConfig(), fc)
	ctx := context.Background()

	tr.handlePrediction(ctx, prediction(100, false, strongMomentum(types.DirectionUp)))

	require.Contains(t, tr.armed, int64(100))
	assert.Equal(t, uint64(41), tr.armed[100].nonce)
	assert.Equal(t, []string{"arm"}, sink.phases())

	// Second strong signal must not arm again.
	tr.handlePrediction(ctx, prediction(100, false, strongMomentum(types.DirectionUp)))
	assert.Equal(t, 1, fc.nonceCalls)
}

func TestArmRequiresStrongSignal(t *testing.T) {
	fc := &fakeChain{}
	tr, sink, _ := newTestTrader(t, testConfig(), fc)
	ctx := context.Background()

	weak := strongMomentum(types.DirectionUp)
	weak.Features.Slope = 0.01
	tr.handlePrediction(ctx, prediction(100, false, weak))

	assert.Empty(t, tr.armed)
	assert.Empty(t, sink.phases())
}

func TestConfidenceAndSideFilters(t *testing.T) {
	cfg := testConfig()
	cfg.SideFilter = "DOWN"
	fc := &fakeChain{}
	tr, sink, _ := newTestTrader(t, cfg, fc)
	ctx := context.Background()

	m := strongMomentum(types.DirectionUp)
	tr.handlePrediction(ctx, prediction(100, false, m)) // wrong side
	assert.Empty(t, tr.armed)

	m = strongMomentum(types.DirectionDown)
	m.Confidence = types.ConfidenceMedium
	tr.handlePrediction(ctx, prediction(100, false, m)) // below the floor
	assert.Empty(t, tr.armed)
	assert.Empty(t, sink.phases())
}

func TestDryRunMarksPlacedWithoutSending(t *testing.T) {
	cfg := testConfig()
	cfg.DryRun = true
	fc := &fakeChain{}
	tr, sink, clock := newTestTrader(t, cfg, fc)
	ctx := context.Background()

	// Move into the send window: t_stop - delta.
	*clock = clock.Add(30*time.Second - 600*time.Millisecond)
	tr.handlePrediction(ctx, prediction(100, true, strongMomentum(types.DirectionUp)))

	assert.Equal(t, []string{"final_dryrun"}, sink.phases())
	assert.Equal(t, placed, tr.state[100])
	assert.Empty(t, fc.placed)

	// The placed set blocks any further final for the epoch.
	tr.handlePrediction(ctx, prediction(100, true, strongMomentum(types.DirectionUp)))
	assert.Len(t, sink.records, 1)
}

func TestSendUsesArmedNonceAndBumpedGas(t *testing.T) {
	fc := &fakeChain{nonce: 41, mined: true}
	tr, sink, clock := newTestTrader(t, testConfig(), fc)
	ctx := context.Background()

	tr.handlePrediction(ctx, prediction(100, false, strongMomentum(types.DirectionUp)))
	require.Contains(t, tr.armed, int64(100))
	fc.nonce = 55 // a fresh query would now see a different nonce

	*clock = clock.Add(30*time.Second - 600*time.Millisecond)
	tr.handlePrediction(ctx, prediction(100, true, strongMomentum(types.DirectionUp)))

	require.Len(t, fc.placed, 1)
	assert.Equal(t, uint64(41), fc.placed[0].nonce, "armed nonce reused")
	assert.Equal(t, big.NewInt(1_200_000_000), fc.placed[0].gasPrice)
	assert.Equal(t, []string{"arm", "final_sent", "final_receipt"}, sink.phases())
	assert.Equal(t, placed, tr.state[100])
}

func TestSendWindowAbort(t *testing.T) {
	fc := &fakeChain{}
	tr, sink, clock := newTestTrader(t, testConfig(), fc)
	ctx := context.Background()

	// Inside the abort margin: 50ms before t_stop.
	*clock = clock.Add(30*time.Second - 50*time.Millisecond)
	tr.handlePrediction(ctx, prediction(100, true, strongMomentum(types.DirectionUp)))

	assert.Empty(t, fc.placed)
	assert.Empty(t, sink.phases())
	assert.Equal(t, notPlaced, tr.state[100])
}

func TestLedgerCrossCheckSkipsSend(t *testing.T) {
	fc := &fakeChain{ledger: chain.LedgerEntry{Amount: decimal.NewFromFloat(0.001)}}
	tr, _, clock := newTestTrader(t, testConfig(), fc)
	ctx := context.Background()

	*clock = clock.Add(30*time.Second - 600*time.Millisecond)
	tr.handlePrediction(ctx, prediction(100, true, strongMomentum(types.DirectionUp)))

	assert.Empty(t, fc.placed)
	assert.Equal(t, placed, tr.state[100])
}

func TestCleanRejectionMarksPlaced(t *testing.T) {
	fc := &fakeChain{placeErr: errors.New("execution reverted: Bet is too early/late")}
	tr, sink, clock := newTestTrader(t, testConfig(), fc)
	ctx := context.Background()

	*clock = clock.Add(30*time.Second - 600*time.Millisecond)
	tr.handlePrediction(ctx, prediction(100, true, strongMomentum(types.DirectionUp)))

	assert.Equal(t, placed, tr.state[100])
	assert.Equal(t, []string{"error"}, sink.phases())
}

func TestAmbiguousSendErrorMarksUncertain(t *testing.T) {
	fc := &fakeChain{placeErr: errors.New("context deadline exceeded")}
	tr, sink, clock := newTestTrader(t, testConfig(), fc)
	ctx := context.Background()

	*clock = clock.Add(30*time.Second - 600*time.Millisecond)
	tr.handlePrediction(ctx, prediction(100, true, strongMomentum(types.DirectionUp)))

	assert.Equal(t, uncertain, tr.state[100])
	assert.Equal(t, []string{"error"}, sink.phases())

	// Uncertain blocks a re-send exactly like placed.
	fc.placeErr = nil
	tr.handlePrediction(ctx, prediction(100, true, strongMomentum(types.DirectionUp)))
	assert.Empty(t, fc.placed)
}

func TestDisabledTraderIgnoresPredictions(t *testing.T) {
	cfg := testConfig()
	cfg.TraderEnabled = false
	fc := &fakeChain{}
	tr, sink, clock := newTestTrader(t, cfg, fc)
	ctx := context.Background()

	*clock = clock.Add(30*time.Second - 600*time.Millisecond)
	tr.handlePrediction(ctx, prediction(100, true, strongMomentum(types.DirectionUp)))
	tr.handlePrediction(ctx, prediction(100, false, strongMomentum(types.DirectionUp)))

	assert.Empty(t, sink.phases())
	assert.Empty(t, tr.armed)
}

func TestEndedRoundExpiresState(t *testing.T) {
	fc := &fakeChain{nonce: 41}
	tr, _, _ := newTestTrader(t, testConfig(), fc)
	ctx := context.Background()

	tr.handlePrediction(ctx, prediction(100, false, strongMomentum(types.DirectionUp)))
	require.Contains(t, tr.armed, int64(100))

	tr.handleRound(ctx, types.RoundUpdate{Epoch: 100, Status: types.StatusEnded})
	assert.NotContains(t, tr.armed, int64(100))
	assert.NotContains(t, tr.meta, int64(100))
}

func TestEndedRoundPrunesPlacedTail(t *testing.T) {
	fc := &fakeChain{}
	tr, _, _ := newTestTrader(t, testConfig(), fc)
	ctx := context.Background()

	for e := int64(90); e <= 100; e++ {
		tr.state[e] = placed
	}
	tr.handleRound(ctx, types.RoundUpdate{Epoch: 100, Status: types.StatusEnded})

	assert.NotContains(t, tr.state, int64(90))
	assert.NotContains(t, tr.state, int64(97))
	assert.Contains(t, tr.state, int64(98), "recent tail kept for the duplicate-final guard")
	assert.Contains(t, tr.state, int64(100))
}

func TestIsCleanRejection(t *testing.T) {
	assert.True(t, isCleanRejection(errors.New("nonce too low")))
	assert.True(t, isCleanRejection(errors.New("err: insufficient funds for transfer")))
	assert.False(t, isCleanRejection(errors.New("connection reset by peer")))
}
