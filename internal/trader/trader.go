package trader

import (
	"context"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/predsync/internal/bus"
	"github.com/web3guy0/predsync/internal/chain"
	"github.com/web3guy0/predsync/internal/config"
	"github.com/web3guy0/predsync/internal/store"
	"github.com/web3guy0/predsync/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TIMED TRADER
// ═══════════════════════════════════════════════════════════════════════════════
//
// Consumes live predictions, pre-arms a nonce on strong pre-final
// signals, and dispatches at most one bet per epoch inside the safe
// window. Chain errors are reported, never retried: missing a round
// beats double-betting it.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	strategyName     = "momentum"
	armSafetyMS      = 500
	abortMarginMS    = 100
	earlySlackMS     = 1000
	rescheduleLeadMS = 500
	stateKeepEpochs  = 3
)

// ChainDealer is the chain access the trader needs
type ChainDealer interface {
	BufferSeconds(ctx context.Context) (int64, error)
	Ledger(ctx context.Context, epoch int64, addr string) (*chain.LedgerEntry, error)
	PendingNonce(ctx context.Context) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	PlaceBet(ctx context.Context, dir types.Direction, epoch int64, value decimal.Decimal, nonce uint64, gasPrice *big.Int) (string, error)
	WaitMined(ctx context.Context, txHash string) (bool, error)
	Address() string
}

// LogSink publishes phase records on the bus
type LogSink interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
}

// TradeStore persists phase records
type TradeStore interface {
	AppendTradeLog(ctx context.Context, row *store.TradeLogRow) error
}

// Notifier pushes operator alerts, best-effort
type Notifier interface {
	Notify(text string)
}

// placement state per epoch
type placeState int

const (
	notPlaced placeState = iota
	placed
	// uncertain: the send errored ambiguously (timeout, network);
	// the chain may still have accepted it. Blocks re-sending, shows
	// up in the trade log for manual resolution.
	uncertain
)

type epochMeta struct {
	lockMS  int64
	bufferS int64
	tStop   int64 // latest ms the contract accepts a bet
}

type armEntry struct {
	prediction types.Direction
	armedAt    time.Time
	nonce      uint64
	amount     decimal.Decimal
}

// Trader owns its arming and placement sets; all inputs arrive
// through the mailbox.
type Trader struct {
	cfg    *config.Config
	chain  ChainDealer
	sink   LogSink
	db     TradeStore
	notify Notifier

	rounds      chan types.RoundUpdate
	predictions chan types.Prediction

	meta    map[int64]epochMeta
	state   map[int64]placeState
	armed   map[int64]armEntry
	bufferS int64 // cached contract read, 0 = unknown

	now func() time.Time
}

// New creates a trader. notify may be nil.
func New(cfg *config.Config, dealer ChainDealer, sink LogSink, db TradeStore, notify Notifier) *Trader {
	return &Trader{
		cfg:         cfg,
		chain:       dealer,
		sink:        sink,
		db:          db,
		notify:      notify,
		rounds:      make(chan types.RoundUpdate, 64),
		predictions: make(chan types.Prediction, 64),
		meta:        make(map[int64]epochMeta),
		state:       make(map[int64]placeState),
		armed:       make(map[int64]armEntry),
		now:         time.Now,
	}
}

// OnRoundUpdate queues a round update
func (t *Trader) OnRoundUpdate(u types.RoundUpdate) {
	select {
	case t.rounds <- u:
	default:
	}
}

// OnPrediction queues a prediction
func (t *Trader) OnPrediction(p types.Prediction) {
	select {
	case t.predictions <- p:
	default:
		log.Warn().Int64("epoch", p.Epoch).Msg("[trader] Prediction mailbox full, dropping")
	}
}

// Run processes the mailbox until ctx is cancelled
func (t *Trader) Run(ctx context.Context) {
	log.Info().
		Bool("enabled", t.cfg.TraderEnabled).
		Bool("dry_run", t.cfg.DryRun).
		Str("amount", t.cfg.BetAmount.String()).
		Str("min_confidence", t.cfg.MinConfidence).
		Msg("[trader] 💰 Started")

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-t.rounds:
			t.handleRound(ctx, u)
		case p := <-t.predictions:
			t.handlePrediction(ctx, p)
		}
	}
}

func (t *Trader) handleRound(ctx context.Context, u types.RoundUpdate) {
	switch u.Status {
	case types.StatusEnded:
		// Committed round: expire its arming and meta. Placement
		// states keep a short tail so a late duplicate final still
		// hits the placed guard, then age out.
		delete(t.armed, u.Epoch)
		delete(t.meta, u.Epoch)
		for e := range t.state {
			if e <= u.Epoch-stateKeepEpochs {
				delete(t.state, e)
			}
		}
	default:
		if u.LockTS == 0 {
			return
		}
		bufferS, err := t.bufferSeconds(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("[trader] bufferSeconds read failed")
			return
		}
		lockMS := u.LockTS * 1000
		t.meta[u.Epoch] = epochMeta{
			lockMS:  lockMS,
			bufferS: bufferS,
			tStop:   lockMS - bufferS*1000,
		}
	}
}

func (t *Trader) handlePrediction(ctx context.Context, p types.Prediction) {
	if !t.cfg.TraderEnabled {
		return
	}
	if p.Final {
		t.handleFinal(ctx, p)
	} else {
		t.tryArm(ctx, p)
	}
}

// passesFilters applies the confidence floor and side filter
func (t *Trader) passesFilters(m types.Momentum) bool {
	if types.ConfidenceRank(m.Confidence) < types.ConfidenceRank(t.cfg.MinConfidence) {
		return false
	}
	if t.cfg.SideFilter != "any" && string(m.Prediction) != t.cfg.SideFilter {
		return false
	}
	return true
}

// tryArm reserves a nonce on a strong pre-final signal so the final
// send path is minimal. One arming per epoch, and none once the send
// window is too close.
func (t *Trader) tryArm(ctx context.Context, p types.Prediction) {
	if !t.cfg.ArmEnabled {
		return
	}
	m := p.Strategies.Momentum
	if !t.passesFilters(m) {
		return
	}
	if _, done := t.armed[p.Epoch]; done {
		return
	}
	if t.state[p.Epoch] != notPlaced {
		return
	}

	f := m.Features
	strongSlope := abs(f.Slope) >= t.cfg.ArmSlopeMin
	strongFlow := f.VolumeRatio >= t.cfg.ArmVolumeMin || abs(f.UpRatioDiff) >= t.cfg.ArmUpdiffMin
	if !strongSlope || !strongFlow {
		return
	}

	meta, ok := t.meta[p.Epoch]
	if !ok {
		return
	}
	if t.now().UnixMilli() >= meta.tStop-t.cfg.DeltaMS-armSafetyMS {
		return
	}

	nonce, err := t.chain.PendingNonce(ctx)
	if err != nil {
		log.Warn().Err(err).Int64("epoch", p.Epoch).Msg("[trader] Nonce reservation failed")
		return
	}

	t.armed[p.Epoch] = armEntry{
		prediction: m.Prediction,
		armedAt:    t.now(),
		nonce:      nonce,
		amount:     t.cfg.BetAmount,
	}

	rec := t.record(p, meta, "arm")
	rec.Nonce = &nonce
	rec.Success = true
	t.report(ctx, rec)

	log.Info().
		Int64("epoch", p.Epoch).
		Str("prediction", string(m.Prediction)).
		Uint64("nonce", nonce).
		Msg("[trader] 🎯 Armed")
}

// handleFinal runs the send-window decision tree for a final revision
func (t *Trader) handleFinal(ctx context.Context, p types.Prediction) {
	m := p.Strategies.Momentum
	if !t.passesFilters(m) {
		return
	}

	meta, ok := t.meta[p.Epoch]
	if !ok {
		log.Warn().Int64("epoch", p.Epoch).Msg("[trader] Final with no epoch meta, skipping")
		return
	}

	now := t.now().UnixMilli()
	tSend := meta.tStop - t.cfg.DeltaMS

	// Too early: come back just before the send moment.
	if now < tSend-earlySlackMS {
		delay := tSend - now - rescheduleLeadMS
		if delay < 0 {
			delay = 0
		}
		log.Debug().Int64("epoch", p.Epoch).Int64("in_ms", delay).Msg("[trader] Final early, rescheduling")
		time.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
			t.OnPrediction(p)
		})
		return
	}

	// Too late: one bet per round is the strict invariant, a miss is
	// preferable to a race with the lock.
	if now >= meta.tStop-abortMarginMS {
		log.Warn().Int64("epoch", p.Epoch).Int64("t_stop", meta.tStop).Msg("[trader] ⏱️ Send window missed")
		return
	}

	if t.state[p.Epoch] != notPlaced {
		return
	}

	// Cross-check the chain before sending: another instance or a
	// manual bet may already hold the position.
	ledger, err := t.chain.Ledger(ctx, p.Epoch, t.chain.Address())
	if err != nil {
		log.Warn().Err(err).Int64("epoch", p.Epoch).Msg("[trader] Ledger read failed, not sending")
		return
	}
	if ledger.Amount.IsPositive() {
		t.state[p.Epoch] = placed
		log.Info().Int64("epoch", p.Epoch).Msg("[trader] Ledger shows existing bet, skipping")
		return
	}

	if t.cfg.DryRun {
		rec := t.record(p, meta, "final_dryrun")
		rec.Success = true
		t.report(ctx, rec)
		t.state[p.Epoch] = placed
		log.Info().
			Int64("epoch", p.Epoch).
			Str("prediction", string(m.Prediction)).
			Msg("[trader] 🧪 DRY RUN: bet not sent")
		return
	}

	t.send(ctx, p, meta)
}

// send dispatches the transaction with a pinned nonce and bumped gas
func (t *Trader) send(ctx context.Context, p types.Prediction, meta epochMeta) {
	m := p.Strategies.Momentum
	amount := t.cfg.BetAmount

	var nonce uint64
	var err error
	if arm, ok := t.armed[p.Epoch]; ok &&
		arm.prediction == m.Prediction &&
		t.now().Sub(arm.armedAt) <= t.cfg.ArmMaxAge {
		nonce = arm.nonce
		amount = arm.amount
	} else {
		nonce, err = t.chain.PendingNonce(ctx)
		if err != nil {
			t.reportError(ctx, p, meta, "nonce: "+err.Error())
			return
		}
	}

	gasPrice, err := t.chain.GasPrice(ctx)
	if err != nil {
		t.reportError(ctx, p, meta, "gas price: "+err.Error())
		return
	}
	bumped := decimal.NewFromBigInt(gasPrice, 0).Mul(t.cfg.GasBump).Floor().BigInt()

	sendStart := t.now()
	txHash, err := t.chain.PlaceBet(ctx, m.Prediction, p.Epoch, amount, nonce, bumped)
	sendMS := t.now().Sub(sendStart).Milliseconds()

	if err != nil {
		if isCleanRejection(err) {
			t.state[p.Epoch] = placed
		} else {
			t.state[p.Epoch] = uncertain
		}
		t.reportError(ctx, p, meta, err.Error())
		return
	}
	t.state[p.Epoch] = placed

	rec := t.record(p, meta, "final_sent")
	rec.Nonce = &nonce
	rec.TxHash = txHash
	rec.SendMS = sendMS
	rec.Success = true
	t.report(ctx, rec)

	ok, err := t.chain.WaitMined(ctx, txHash)
	minedMS := t.now().Sub(sendStart).Milliseconds() - sendMS

	receipt := t.record(p, meta, "final_receipt")
	receipt.Nonce = &nonce
	receipt.TxHash = txHash
	receipt.SendMS = sendMS
	receipt.MinedMS = minedMS
	receipt.TotalMS = sendMS + minedMS
	receipt.Success = err == nil && ok
	if err != nil {
		receipt.Error = err.Error()
	}
	t.report(ctx, receipt)

	log.Info().
		Int64("epoch", p.Epoch).
		Str("tx", txHash).
		Bool("mined_ok", receipt.Success).
		Int64("total_ms", receipt.TotalMS).
		Msg("[trader] ✅ Bet dispatched")
}

// isCleanRejection reports whether the chain definitively refused the
// transaction, so the epoch can be marked placed instead of uncertain.
func isCleanRejection(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"insufficient funds", "nonce too low", "execution reverted"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (t *Trader) record(p types.Prediction, meta epochMeta, phase string) *types.TradeLogRecord {
	m := p.Strategies.Momentum
	return &types.TradeLogRecord{
		Epoch:      p.Epoch,
		Phase:      phase,
		Strategy:   strategyName,
		Prediction: m.Prediction,
		Confidence: m.Confidence,
		Amount:     t.cfg.BetAmount,
		DeltaMS:    t.cfg.DeltaMS,
		TStop:      meta.tStop,
		Version:    p.Version,
	}
}

func (t *Trader) reportError(ctx context.Context, p types.Prediction, meta epochMeta, msg string) {
	rec := t.record(p, meta, "error")
	rec.Error = msg
	t.report(ctx, rec)
	log.Error().Int64("epoch", p.Epoch).Str("error", msg).Msg("[trader] ❌ Send failed")
	if t.notify != nil {
		t.notify.Notify("trader error on epoch " + itoa(p.Epoch) + ": " + msg)
	}
}

// report publishes the phase record on the bus and appends it to the
// trade_log table, both best-effort. The publish path is append-only;
// nothing in this process reads trade_log back.
func (t *Trader) report(ctx context.Context, rec *types.TradeLogRecord) {
	if err := t.sink.Publish(ctx, bus.TradeLogChannel, rec); err != nil {
		log.Debug().Err(err).Msg("[trader] Trade-log publish failed")
	}
	row := &store.TradeLogRow{
		Epoch:      rec.Epoch,
		Phase:      rec.Phase,
		Strategy:   rec.Strategy,
		Prediction: string(rec.Prediction),
		Confidence: rec.Confidence,
		Amount:     rec.Amount,
		DeltaMS:    rec.DeltaMS,
		TStop:      rec.TStop,
		Version:    rec.Version,
		Nonce:      rec.Nonce,
		TxHash:     rec.TxHash,
		SendMS:     rec.SendMS,
		MinedMS:    rec.MinedMS,
		TotalMS:    rec.TotalMS,
		Success:    rec.Success,
		Error:      rec.Error,
	}
	if err := t.db.AppendTradeLog(ctx, row); err != nil {
		log.Warn().Err(err).Msg("[trader] Trade-log persist failed")
	}
	if t.notify != nil && (rec.Phase == "final_sent" || rec.Phase == "final_receipt") {
		t.notify.Notify("trader " + rec.Phase + " epoch " + itoa(rec.Epoch) + " " + string(rec.Prediction))
	}
}

// bufferSeconds caches the contract read; the margin changes only on
// contract upgrades.
func (t *Trader) bufferSeconds(ctx context.Context) (int64, error) {
	if t.bufferS > 0 {
		return t.bufferS, nil
	}
	s, err := t.chain.BufferSeconds(ctx)
	if err != nil {
		return 0, err
	}
	t.bufferS = s
	return s, nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
