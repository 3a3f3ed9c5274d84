package aggregator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/web3guy0/predsync/internal/store"
	"github.com/web3guy0/predsync/internal/types"
)

func hist(results ...string) []store.RoundFeature {
	out := make([]store.RoundFeature, len(results))
	for i, r := range results {
		out[i] = store.RoundFeature{Result: r, UpRatio: 0.5}
	}
	return out
}

func TestScoreFallbackOnThinHistory(t *testing.T) {
	m := scoreMomentum(scoreInput{
		upRatio: 0.7,
		total:   2,
		hist:    hist("UP", "DOWN"),
	})
	assert.Equal(t, types.DirectionUp, m.Prediction)
	assert.Equal(t, types.ConfidenceMedium, m.Confidence)
	assert.Contains(t, m.Reasons[0], "insufficient history")

	m = scoreMomentum(scoreInput{upRatio: 0.3, total: 2})
	assert.Equal(t, types.DirectionDown, m.Prediction)
}

func TestScoreStreakReversal(t *testing.T) {
	m := scoreMomentum(scoreInput{
		upRatio:    0.5,
		total:      5,
		avgUpRatio: 0.5,
		avgVolume:  5,
		hist:       hist("UP", "UP", "UP", "DOWN", "UP"),
	})
	assert.Equal(t, types.DirectionDown, m.Prediction)
	assert.Contains(t, m.Reasons[0], "reversal")
}

func TestScoreFlowDeviation(t *testing.T) {
	m := scoreMomentum(scoreInput{
		upRatio:    0.75,
		total:      5,
		avgUpRatio: 0.5,
		avgVolume:  5,
		hist:       hist("UP", "DOWN", "UP", "DOWN", "UP"),
	})
	assert.Equal(t, types.DirectionUp, m.Prediction)
	assert.InDelta(t, 0.25, m.Features.UpRatioDiff, 1e-9)
}

func TestScoreBreakoutAfterCalm(t *testing.T) {
	quiet := hist("UP", "DOWN", "UP", "DOWN", "UP")
	quiet[0].PriceChange = 0.021 // sharp latest move, flat before
	m := scoreMomentum(scoreInput{
		upRatio:    0.5,
		total:      5,
		avgUpRatio: 0.5,
		avgVolume:  5,
		hist:       quiet,
	})
	assert.Equal(t, types.DirectionUp, m.Prediction)
	found := false
	for _, r := range m.Reasons {
		if strings.HasPrefix(r, "breakout") {
			found = true
		}
	}
	assert.True(t, found, "reasons: %v", m.Reasons)
}

func TestConfidenceHighOnStackedSignals(t *testing.T) {
	m := scoreMomentum(scoreInput{
		upRatio:    0.8,
		total:      9, // 1.8x the average volume
		avgUpRatio: 0.5,
		avgVolume:  5,
		slope:      0.05,
		hist:       hist("UP", "DOWN", "UP", "DOWN", "UP"),
	})
	assert.Equal(t, types.ConfidenceHigh, m.Confidence)
}

func TestConfidenceDowngradedOnThinVolume(t *testing.T) {
	m := scoreMomentum(scoreInput{
		upRatio:    0.8,
		total:      0.5, // a tenth of the average
		avgUpRatio: 0.5,
		avgVolume:  5,
		hist:       hist("UP", "DOWN", "UP", "DOWN", "UP"),
	})
	assert.Equal(t, types.ConfidenceLow, m.Confidence)
}

func TestFinalLiftsLowToMedium(t *testing.T) {
	m := scoreMomentum(scoreInput{
		upRatio:    0.8,
		total:      0.5,
		avgUpRatio: 0.5,
		avgVolume:  5,
		hist:       hist("UP", "DOWN", "UP", "DOWN", "UP"),
		final:      true,
	})
	assert.Equal(t, types.ConfidenceMedium, m.Confidence)
}

func TestPriceChangeStats(t *testing.T) {
	h := []store.RoundFeature{
		{PriceChange: 0.04},
		{PriceChange: 0.0},
		{PriceChange: 0.0},
	}
	sigma, latest := priceChangeStats(h)
	assert.InDelta(t, 0.04, latest, 1e-9)
	assert.Greater(t, sigma, 0.0)

	sigma, latest = priceChangeStats(nil)
	assert.Zero(t, sigma)
	assert.Zero(t, latest)
}
