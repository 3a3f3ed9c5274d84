package blockrange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/predsync/internal/store"
)

type fakeSource struct {
	stats map[int64]store.BlockStats
}

func (f *fakeSource) EpochBlockStats(_ context.Context, epoch int64) (*store.BlockStats, error) {
	s := f.stats[epoch]
	return &s, nil
}

func TestEstimateForwardAnchor(t *testing.T) {
	src := &fakeSource{stats: map[int64]store.BlockStats{
		102: {MinBlock: 50000, MaxBlock: 50400, BetCount: 10},
	}}
	est := New(src)

	rng, err := est.Estimate(context.Background(), 100)
	require.NoError(t, err)

	// No consecutive pair below the anchor, so the default rate applies:
	// from = 50000 - 410*2 - 50, to = 50000 + 50.
	assert.Equal(t, int64(49130), rng.From)
	assert.Equal(t, int64(50050), rng.To)
}

func TestEstimateBackwardAnchor(t *testing.T) {
	src := &fakeSource{stats: map[int64]store.BlockStats{
		104: {MinBlock: 40600, MaxBlock: 41000, BetCount: 20},
		105: {MinBlock: 41010, MaxBlock: 41420, BetCount: 20},
	}}
	est := New(src)

	rng, err := est.Estimate(context.Background(), 107)
	require.NoError(t, err)

	// The 104→105 pair observes 420 blocks per epoch.
	assert.Equal(t, int64(41370), rng.From)
	assert.Equal(t, int64(41420+420*2+50), rng.To)
}

func TestEstimateForwardWinsOverBackward(t *testing.T) {
	src := &fakeSource{stats: map[int64]store.BlockStats{
		99:  {MinBlock: 40000, MaxBlock: 40400, BetCount: 10},
		101: {MinBlock: 41000, MaxBlock: 41400, BetCount: 10},
	}}
	est := New(src)

	rng, err := est.Estimate(context.Background(), 100)
	require.NoError(t, err)

	// Forward anchor 101 is preferred; its min block caps the range.
	assert.Equal(t, int64(41050), rng.To)
}

func TestEstimateRejectsThinAnchors(t *testing.T) {
	src := &fakeSource{stats: map[int64]store.BlockStats{
		101: {MinBlock: 41000, MaxBlock: 41400, BetCount: 5}, // at the floor, rejected
	}}
	est := New(src)

	_, err := est.Estimate(context.Background(), 100)
	assert.Error(t, err)
}

func TestEstimateSeedFallback(t *testing.T) {
	est := New(&fakeSource{stats: map[int64]store.BlockStats{}}).
		WithSeed(10, 1000, 2000)

	rng, err := est.Estimate(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, &Range{From: 1000, To: 2000}, rng)

	// The seed only covers the configured epoch.
	_, err = est.Estimate(context.Background(), 11)
	assert.Error(t, err)
}

func TestEstimateNoAnchor(t *testing.T) {
	est := New(&fakeSource{stats: map[int64]store.BlockStats{}})

	_, err := est.Estimate(context.Background(), 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no block-range anchor")
}
