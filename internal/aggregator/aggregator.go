package aggregator

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/predsync/internal/store"
	"github.com/web3guy0/predsync/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LIVE PREDICTION AGGREGATOR
// ═══════════════════════════════════════════════════════════════════════════════
//
// One task owns all per-epoch state; round updates, live bets and the
// final-tick timer arrive through its mailbox and nothing else touches
// the state. A new epoch destroys and replaces it.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	seriesCap      = 50
	historyDepth   = 5
	emitMinGap     = 3 * time.Second
	ratioEmitStep  = 0.03
	slopeWindow    = 8 * time.Second
	finalTickFloor = 500 * time.Millisecond
)

// FeatureSource supplies historical features and live-bet reseeds
type FeatureSource interface {
	RecentRoundFeatures(ctx context.Context, n int) ([]store.RoundFeature, error)
	RealBetSums(ctx context.Context, epoch int64) (up, down decimal.Decimal, err error)
}

// Sink receives emitted revisions
type Sink interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
	CachePrediction(ctx context.Context, p *types.Prediction) error
}

type seriesPoint struct {
	t       time.Time
	upRatio float64
	total   float64
}

// epochState is everything the aggregator knows about the current
// round. Replaced wholesale on epoch change.
type epochState struct {
	epoch   int64
	upSum   decimal.Decimal
	downSum decimal.Decimal
	series  []seriesPoint

	hist       []store.RoundFeature
	avgUpRatio float64
	avgVolume  float64

	lastEmitRatio  float64
	lastEmitBucket string
	lastEmitAt     time.Time
	version        int
	finalEmitted   bool

	finalTimer *time.Timer
}

// Aggregator computes live momentum predictions for the current epoch
type Aggregator struct {
	src  FeatureSource
	sink Sink

	finalAdvance time.Duration
	channel      string

	rounds  chan types.RoundUpdate
	bets    chan types.Bet
	finalCh chan int64

	state *epochState
	now   func() time.Time
}

// New creates an aggregator. finalAdvance is the offset before lock
// at which the deterministic final revision fires.
func New(src FeatureSource, sink Sink, finalAdvance time.Duration, channel string) *Aggregator {
	return &Aggregator{
		src:          src,
		sink:         sink,
		finalAdvance: finalAdvance,
		channel:      channel,
		rounds:       make(chan types.RoundUpdate, 64),
		bets:         make(chan types.Bet, 1024),
		finalCh:      make(chan int64, 4),
		now:          time.Now,
	}
}

// OnRoundUpdate queues a round update into the mailbox
func (a *Aggregator) OnRoundUpdate(u types.RoundUpdate) {
	select {
	case a.rounds <- u:
	default:
		log.Warn().Int64("epoch", u.Epoch).Msg("[aggregator] Round mailbox full, dropping update")
	}
}

// OnBet queues a live bet into the mailbox
func (a *Aggregator) OnBet(b types.Bet) {
	select {
	case a.bets <- b:
	default:
		log.Warn().Str("tx", b.TxHash).Msg("[aggregator] Bet mailbox full, dropping")
	}
}

// Run processes the mailbox until ctx is cancelled
func (a *Aggregator) Run(ctx context.Context) {
	log.Info().Dur("final_advance", a.finalAdvance).Msg("[aggregator] Started")
	defer a.cancelFinalTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-a.rounds:
			a.handleRound(ctx, u)
		case b := <-a.bets:
			a.handleBet(ctx, b)
		case epoch := <-a.finalCh:
			a.handleFinalTick(ctx, epoch)
		}
	}
}

// handleRound resets state on a new epoch and (re)schedules the final
// tick from the update's lock time.
func (a *Aggregator) handleRound(ctx context.Context, u types.RoundUpdate) {
	if a.state == nil || u.Epoch > a.state.epoch {
		a.reset(ctx, u.Epoch)
	} else if u.Epoch < a.state.epoch {
		return
	}

	if u.Status == types.StatusLive && u.LockTS > 0 && !a.state.finalEmitted {
		a.scheduleFinal(u.Epoch, time.Unix(u.LockTS, 0))
	}
}

// reset destroys the previous epoch state, re-seeds sums from the
// live-bet table and refreshes the historical feature cache. Feature
// failures degrade gracefully to the flow fallback.
func (a *Aggregator) reset(ctx context.Context, epoch int64) {
	a.cancelFinalTimer()
	a.state = &epochState{
		epoch:   epoch,
		upSum:   decimal.Zero,
		downSum: decimal.Zero,
	}

	up, down, err := a.src.RealBetSums(ctx, epoch)
	if err != nil {
		log.Warn().Err(err).Int64("epoch", epoch).Msg("[aggregator] Reseed failed, starting from zero")
	} else {
		a.state.upSum = up
		a.state.downSum = down
	}

	hist, err := a.src.RecentRoundFeatures(ctx, historyDepth)
	if err != nil {
		log.Warn().Err(err).Msg("[aggregator] Feature fetch failed, flow fallback only")
	} else {
		a.state.hist = hist
		for _, h := range hist {
			a.state.avgUpRatio += h.UpRatio
			total, _ := h.TotalAmount.Float64()
			a.state.avgVolume += total
		}
		if len(hist) > 0 {
			a.state.avgUpRatio /= float64(len(hist))
			a.state.avgVolume /= float64(len(hist))
		}
	}

	log.Info().
		Int64("epoch", epoch).
		Str("up", a.state.upSum.String()).
		Str("down", a.state.downSum.String()).
		Int("history", len(a.state.hist)).
		Msg("[aggregator] New epoch")
}

// handleBet folds one live bet into the rolling stats. Bets for any
// other epoch than the current are dropped silently.
func (a *Aggregator) handleBet(ctx context.Context, b types.Bet) {
	if a.state == nil || b.Epoch != a.state.epoch {
		return
	}

	if b.Direction == types.DirectionUp {
		a.state.upSum = a.state.upSum.Add(b.Amount)
	} else {
		a.state.downSum = a.state.downSum.Add(b.Amount)
	}

	upRatio, total := a.flow()
	a.state.series = append(a.state.series, seriesPoint{t: a.now(), upRatio: upRatio, total: total})
	if len(a.state.series) > seriesCap {
		a.state.series = a.state.series[1:]
	}

	a.maybeEmit(ctx, false, false)
}

func (a *Aggregator) handleFinalTick(ctx context.Context, epoch int64) {
	if a.state == nil || epoch != a.state.epoch || a.state.finalEmitted {
		return
	}
	a.emit(ctx, true)
	a.state.finalEmitted = true
}

// scheduleFinal arms the one-shot final-revision timer, replacing any
// previous schedule for the epoch.
func (a *Aggregator) scheduleFinal(epoch int64, lockTime time.Time) {
	a.cancelFinalTimer()

	delay := time.Until(lockTime.Add(-a.finalAdvance))
	if delay < finalTickFloor {
		delay = finalTickFloor
	}
	a.state.finalTimer = time.AfterFunc(delay, func() {
		select {
		case a.finalCh <- epoch:
		default:
		}
	})
	log.Debug().Int64("epoch", epoch).Dur("in", delay).Msg("[aggregator] Final tick scheduled")
}

func (a *Aggregator) cancelFinalTimer() {
	if a.state != nil && a.state.finalTimer != nil {
		a.state.finalTimer.Stop()
		a.state.finalTimer = nil
	}
}

func (a *Aggregator) flow() (upRatio, total float64) {
	up, _ := a.state.upSum.Float64()
	down, _ := a.state.downSum.Float64()
	total = up + down
	if total > 0 {
		upRatio = up / total
	}
	return upRatio, total
}

func (a *Aggregator) bucket(total float64) string {
	if a.state.avgVolume <= 0 {
		return "base"
	}
	switch ratio := total / a.state.avgVolume; {
	case ratio >= volumeHighRatio:
		return "high"
	case ratio >= volumeMidRatio:
		return "mid"
	default:
		return "base"
	}
}

// maybeEmit decides whether the flow moved enough to publish a
// revision: ratio step, 0.5 crossing, or volume bucket change, rate
// limited to one emit per 3s unless forced.
func (a *Aggregator) maybeEmit(ctx context.Context, force, final bool) {
	upRatio, total := a.flow()
	bucket := a.bucket(total)

	if !force && !final {
		stepped := math.Abs(upRatio-a.state.lastEmitRatio) >= ratioEmitStep
		crossed := (upRatio >= 0.5) != (a.state.lastEmitRatio >= 0.5) && a.state.version > 0
		bucketMoved := a.state.lastEmitBucket != "" && bucket != a.state.lastEmitBucket

		if !stepped && !crossed && !bucketMoved && a.state.version > 0 {
			return
		}
		if a.state.version > 0 && a.now().Sub(a.state.lastEmitAt) < emitMinGap {
			return
		}
	}

	a.emit(ctx, final)
}

// emit publishes one revision and refreshes the emission watermarks
func (a *Aggregator) emit(ctx context.Context, final bool) {
	upRatio, total := a.flow()

	momentum := scoreMomentum(scoreInput{
		upRatio:    upRatio,
		total:      total,
		avgUpRatio: a.state.avgUpRatio,
		avgVolume:  a.state.avgVolume,
		slope:      a.slope(),
		hist:       a.state.hist,
		final:      final,
	})

	a.state.version++
	p := &types.Prediction{
		Epoch:      a.state.epoch,
		Timestamp:  a.now().UnixMilli(),
		Version:    a.state.version,
		Final:      final,
		Strategies: types.Strategies{Momentum: momentum},
	}

	if err := a.sink.Publish(ctx, a.channel, p); err != nil {
		log.Warn().Err(err).Int64("epoch", p.Epoch).Msg("[aggregator] Publish failed")
	}
	if err := a.sink.CachePrediction(ctx, p); err != nil {
		log.Debug().Err(err).Msg("[aggregator] Prediction cache write failed")
	}

	a.state.lastEmitRatio = upRatio
	a.state.lastEmitBucket = a.bucket(total)
	a.state.lastEmitAt = a.now()

	log.Info().
		Int64("epoch", p.Epoch).
		Int("version", p.Version).
		Bool("final", final).
		Str("prediction", string(momentum.Prediction)).
		Str("confidence", momentum.Confidence).
		Msg("[aggregator] 📈 Revision emitted")
}

// slope fits the up-ratio trend over the last 8 seconds of series
// points, in ratio per second.
func (a *Aggregator) slope() float64 {
	cutoff := a.now().Add(-slopeWindow)
	var pts []seriesPoint
	for _, p := range a.state.series {
		if p.t.After(cutoff) {
			pts = append(pts, p)
		}
	}
	if len(pts) < 2 {
		return 0
	}

	t0 := pts[0].t
	var sumX, sumY, sumXY, sumXX float64
	for _, p := range pts {
		x := p.t.Sub(t0).Seconds()
		y := p.upRatio
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	n := float64(len(pts))
	den := n*sumXX - sumX*sumX
	if den == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / den
}
