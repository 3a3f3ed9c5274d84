package aggregator

import (
	"fmt"
	"math"

	"github.com/web3guy0/predsync/internal/store"
	"github.com/web3guy0/predsync/internal/types"
)

// Momentum score thresholds
const (
	flowDeviationMin = 0.10
	volumeHighRatio  = 1.5
	volumeMidRatio   = 1.2
	breakoutSigmaMax = 0.01
	breakoutMoveMin  = 0.02
	slopeStrongMin   = 0.04
	minHistory       = 3
	lowVolumeFactor  = 0.2
)

// scoreInput is everything the momentum strategy looks at
type scoreInput struct {
	upRatio    float64
	total      float64
	avgUpRatio float64
	avgVolume  float64
	slope      float64
	hist       []store.RoundFeature // newest first
	final      bool
}

// scoreMomentum computes the prediction, confidence and reasons for
// one revision. With fewer than three historical rounds it degrades
// to the flow-only fallback.
func scoreMomentum(in scoreInput) types.Momentum {
	features := types.Features{
		UpRatio:     in.upRatio,
		UpRatioDiff: in.upRatio - in.avgUpRatio,
		Slope:       in.slope,
	}
	if in.avgVolume > 0 {
		features.VolumeRatio = in.total / in.avgVolume
	}

	if len(in.hist) < minHistory {
		m := types.Momentum{
			Prediction: flowFallback(in.upRatio),
			Confidence: types.ConfidenceMedium,
			Reasons:    []string{"insufficient history, flow fallback"},
			Features:   features,
		}
		if in.final {
			m.Confidence = liftFinal(m.Confidence)
		}
		return m
	}

	up, down := 0, 0
	var reasons []string

	// Streak: three straight results suggest a reversal, two of
	// three lean continuation.
	upCount := 0
	streak := in.hist
	if len(streak) > 3 {
		streak = streak[:3]
	}
	for _, h := range streak {
		if h.Result == string(types.DirectionUp) {
			upCount++
		}
	}
	downCount := len(streak) - upCount
	switch {
	case upCount >= 3:
		down += 2
		reasons = append(reasons, "3 UP in a row, reversal")
	case downCount >= 3:
		up += 2
		reasons = append(reasons, "3 DOWN in a row, reversal")
	case upCount == 2:
		up++
		reasons = append(reasons, "2 of 3 UP")
	case downCount == 2:
		down++
		reasons = append(reasons, "2 of 3 DOWN")
	}

	// Flow deviation from the historical baseline.
	diff := features.UpRatioDiff
	if math.Abs(diff) > flowDeviationMin {
		if diff > 0 {
			up += 2
			reasons = append(reasons, fmt.Sprintf("up flow +%.2f over baseline", diff))
		} else {
			down += 2
			reasons = append(reasons, fmt.Sprintf("down flow %.2f under baseline", diff))
		}
	}

	// Heavy volume confirms a one-sided book.
	if features.VolumeRatio > volumeHighRatio {
		if in.upRatio > 0.6 {
			up++
			reasons = append(reasons, "high volume, UP heavy")
		} else if in.upRatio < 0.4 {
			down++
			reasons = append(reasons, "high volume, DOWN heavy")
		}
	}

	// Price breakout: quiet history then a sharp latest move.
	sigma, latest := priceChangeStats(in.hist)
	if sigma < breakoutSigmaMax && math.Abs(latest) > breakoutMoveMin {
		if latest > 0 {
			up += 2
		} else {
			down += 2
		}
		reasons = append(reasons, fmt.Sprintf("breakout %.3f after calm (σ=%.4f)", latest, sigma))
	}

	var prediction types.Direction
	switch {
	case up > down:
		prediction = types.DirectionUp
	case down > up:
		prediction = types.DirectionDown
	default:
		prediction = flowFallback(in.upRatio)
	}

	m := types.Momentum{
		Prediction: prediction,
		Confidence: confidence(in, features),
		Score:      up - down,
		Reasons:    reasons,
		Features:   features,
	}
	if in.final {
		m.Confidence = liftFinal(m.Confidence)
	}
	return m
}

func flowFallback(upRatio float64) types.Direction {
	if upRatio >= 0.5 {
		return types.DirectionUp
	}
	return types.DirectionDown
}

// confidence starts at medium and upgrades on strong signals; thin
// volume relative to history pulls it one notch back down.
func confidence(in scoreInput, f types.Features) string {
	score := 0
	if math.Abs(f.UpRatioDiff) > flowDeviationMin {
		score += 2
	}
	if f.VolumeRatio >= volumeHighRatio {
		score += 2
	} else if f.VolumeRatio >= volumeMidRatio {
		score++
	}
	if f.Slope > slopeStrongMin {
		score++
	}

	conf := types.ConfidenceMedium
	if score >= 3 {
		conf = types.ConfidenceHigh
	}

	if in.avgVolume > 0 && in.total < lowVolumeFactor*in.avgVolume {
		conf = downgrade(conf)
	}
	return conf
}

func downgrade(conf string) string {
	switch conf {
	case types.ConfidenceHigh:
		return types.ConfidenceMedium
	default:
		return types.ConfidenceLow
	}
}

func liftFinal(conf string) string {
	if conf == types.ConfidenceLow {
		return types.ConfidenceMedium
	}
	return conf
}

// priceChangeStats returns the standard deviation of the historical
// price changes and the most recent change.
func priceChangeStats(hist []store.RoundFeature) (sigma, latest float64) {
	if len(hist) == 0 {
		return 0, 0
	}
	latest = hist[0].PriceChange

	mean := 0.0
	for _, h := range hist {
		mean += h.PriceChange
	}
	mean /= float64(len(hist))

	variance := 0.0
	for _, h := range hist {
		d := h.PriceChange - mean
		variance += d * d
	}
	variance /= float64(len(hist))
	return math.Sqrt(variance), latest
}
