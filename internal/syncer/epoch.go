package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/predsync/internal/blockrange"
	"github.com/web3guy0/predsync/internal/chain"
	"github.com/web3guy0/predsync/internal/store"
	"github.com/web3guy0/predsync/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PER-EPOCH SYNC - fetch / validate / parse / write / verify
// ═══════════════════════════════════════════════════════════════════════════════

// Stage tags recorded on the failed-epoch row
const (
	StageFetchRound   = "FETCH_ROUND"
	StageFetchEvents  = "FETCH_EVENTS"
	StageValidate     = "VALIDATE"
	StageParse        = "PARSE"
	StageVerifyTotals = "VERIFY_TOTALS"
	StageWriteTx      = "WRITE_TX"
)

var payoutRake = decimal.NewFromFloat(0.97)

// ChainReader is the chain access the syncer needs
type ChainReader interface {
	CurrentEpoch(ctx context.Context) (int64, error)
	Round(ctx context.Context, epoch int64) (*chain.RoundData, error)
	FilterBets(ctx context.Context, dir types.Direction, epoch, fromBlock, toBlock int64) ([]chain.BetEvent, error)
	FilterClaims(ctx context.Context, fromBlock, toBlock int64) ([]chain.ClaimEvent, error)
	BlockTime(ctx context.Context, number int64) (time.Time, error)
}

// Locker arbitrates per-epoch sync across workers and processes
type Locker interface {
	AcquireEpochLock(ctx context.Context, epoch int64) (bool, error)
	ReleaseEpochLock(ctx context.Context, epoch int64) error
}

// Notifier pushes operator alerts, best-effort
type Notifier interface {
	Notify(text string)
}

// Outcome of one sync attempt
type Outcome int

const (
	Synced Outcome = iota
	Skipped
	Failed
)

// Syncer drives the per-epoch state machine
type Syncer struct {
	chain ChainReader
	db    *store.DB
	lock  Locker
	est   *blockrange.Estimator

	retryMax     int
	rpcCallDelay time.Duration

	blockTimes *lru.Cache[int64, time.Time]
	rounds     *lru.Cache[int64, *chain.RoundData]

	taipei *time.Location
	notify Notifier
}

// WithNotifier enables an alert when an epoch exhausts its retries
func (s *Syncer) WithNotifier(n Notifier) *Syncer {
	s.notify = n
	return s
}

// New creates a syncer. cacheMax bounds both LRU caches.
func New(chainReader ChainReader, db *store.DB, lock Locker, est *blockrange.Estimator, retryMax, cacheMax int, rpcCallDelay time.Duration) (*Syncer, error) {
	blockTimes, err := lru.New[int64, time.Time](cacheMax)
	if err != nil {
		return nil, err
	}
	rounds, err := lru.New[int64, *chain.RoundData](cacheMax)
	if err != nil {
		return nil, err
	}
	taipei, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	return &Syncer{
		chain:        chainReader,
		db:           db,
		lock:         lock,
		est:          est,
		retryMax:     retryMax,
		rpcCallDelay: rpcCallDelay,
		blockTimes:   blockTimes,
		rounds:       rounds,
		taipei:       taipei,
	}, nil
}

// SyncEpoch finalizes one epoch. Skipped means a competing worker
// owns it or it is already committed; Failed leaves a failed-epoch
// row with the originating stage.
func (s *Syncer) SyncEpoch(ctx context.Context, epoch int64) (Outcome, error) {
	acquired, err := s.lock.AcquireEpochLock(ctx, epoch)
	if err != nil {
		return Failed, fmt.Errorf("lock: %w", err)
	}
	if !acquired {
		log.Debug().Int64("epoch", epoch).Msg("[sync] Epoch locked by another worker, skipping")
		return Skipped, nil
	}
	defer func() {
		if err := s.lock.ReleaseEpochLock(context.WithoutCancel(ctx), epoch); err != nil {
			log.Warn().Err(err).Int64("epoch", epoch).Msg("[sync] Lock release failed, TTL will expire it")
		}
	}()

	// Re-check under the lock: a racing worker may have committed
	// between our caller's check and the acquire.
	done, err := s.db.HasFinalized(ctx, epoch)
	if err != nil {
		return Failed, err
	}
	if done {
		return Skipped, nil
	}

	outcome, stage, err := s.run(ctx, epoch)
	if err != nil {
		log.Warn().Err(err).Int64("epoch", epoch).Str("stage", stage).Msg("[sync] Epoch failed")
		if dbErr := s.db.UpsertFailedEpoch(context.WithoutCancel(ctx), epoch, stage, err.Error()); dbErr != nil {
			log.Error().Err(dbErr).Int64("epoch", epoch).Msg("[sync] Could not record failure")
		}
		if s.notify != nil {
			if retries, rcErr := s.db.RetryCount(context.WithoutCancel(ctx), epoch); rcErr == nil && retries >= s.retryMax {
				s.notify.Notify(fmt.Sprintf("⚠️ Epoch %d gave up after %d retries at %s: %v", epoch, retries, stage, err))
			}
		}
	}
	return outcome, err
}

func (s *Syncer) run(ctx context.Context, epoch int64) (Outcome, string, error) {
	round, err := s.fetchRound(ctx, epoch)
	if err != nil {
		return Failed, StageFetchRound, err
	}

	rng, err := s.est.Estimate(ctx, epoch)
	if err != nil {
		return Failed, StageFetchEvents, err
	}

	bulls, bears, claims, err := s.fetchEvents(ctx, epoch, rng)
	if err != nil {
		return Failed, StageFetchEvents, err
	}

	if err := validateRound(round); err != nil {
		return Failed, StageValidate, err
	}
	if err := validateEvents(epoch, bulls, bears, claims); err != nil {
		return Failed, StageValidate, err
	}

	write, err := s.parse(ctx, round, bulls, bears, claims)
	if err != nil {
		return Failed, StageParse, err
	}

	if err := verifyTotals(round, write.Bets); err != nil {
		return Failed, StageVerifyTotals, err
	}

	if err := s.db.WriteEpoch(ctx, write); err != nil {
		return Failed, StageWriteTx, err
	}

	log.Info().
		Int64("epoch", epoch).
		Int("bets", len(write.Bets)).
		Int("claims", len(write.Claims)).
		Str("result", write.Round.Result).
		Msg("[sync] ✅ Epoch committed")
	return Synced, "", nil
}

// fetchRound reads round metadata with retry; only finalized rounds
// enter the cache.
func (s *Syncer) fetchRound(ctx context.Context, epoch int64) (*chain.RoundData, error) {
	if cached, ok := s.rounds.Get(epoch); ok {
		return cached, nil
	}

	var round *chain.RoundData
	err := s.withRetry(ctx, func() error {
		var err error
		round, err = s.chain.Round(ctx, epoch)
		return err
	})
	if err != nil {
		return nil, err
	}
	if round.Finalized() {
		s.rounds.Add(epoch, round)
	}
	return round, nil
}

// fetchEvents issues the three log queries concurrently, then pauses
// for the configured call delay to bound RPC pressure.
func (s *Syncer) fetchEvents(ctx context.Context, epoch int64, rng *blockrange.Range) (bulls, bears []chain.BetEvent, claims []chain.ClaimEvent, err error) {
	var wg sync.WaitGroup
	var bullErr, bearErr, claimErr error

	wg.Add(3)
	go func() {
		defer wg.Done()
		bullErr = s.withRetry(ctx, func() error {
			var e error
			bulls, e = s.chain.FilterBets(ctx, types.DirectionUp, epoch, rng.From, rng.To)
			return e
		})
	}()
	go func() {
		defer wg.Done()
		bearErr = s.withRetry(ctx, func() error {
			var e error
			bears, e = s.chain.FilterBets(ctx, types.DirectionDown, epoch, rng.From, rng.To)
			return e
		})
	}()
	go func() {
		defer wg.Done()
		claimErr = s.withRetry(ctx, func() error {
			var e error
			claims, e = s.chain.FilterClaims(ctx, rng.From, rng.To)
			return e
		})
	}()
	wg.Wait()

	for _, e := range []error{bullErr, bearErr, claimErr} {
		if e != nil {
			return nil, nil, nil, e
		}
	}

	select {
	case <-time.After(s.rpcCallDelay):
	case <-ctx.Done():
		return nil, nil, nil, ctx.Err()
	}
	return bulls, bears, claims, nil
}

// parse derives the stored rows from validated chain data
func (s *Syncer) parse(ctx context.Context, round *chain.RoundData, bulls, bears []chain.BetEvent, claims []chain.ClaimEvent) (*store.EpochWrite, error) {
	result := string(types.DirectionDown)
	if round.ClosePrice.GreaterThan(round.LockPrice) {
		result = string(types.DirectionUp)
	}

	row := store.Round{
		StartTime:   time.Unix(round.StartTimestamp, 0).In(s.taipei),
		Epoch:       round.Epoch,
		LockTime:    time.Unix(round.LockTimestamp, 0).In(s.taipei),
		CloseTime:   time.Unix(round.CloseTimestamp, 0).In(s.taipei),
		LockPrice:   round.LockPrice,
		ClosePrice:  round.ClosePrice,
		TotalAmount: round.TotalAmount,
		UpAmount:    round.UpAmount,
		DownAmount:  round.DownAmount,
		Result:      result,
	}
	if round.UpAmount.IsPositive() {
		row.UpPayout = payoutRake.Mul(round.TotalAmount).Div(round.UpAmount).Round(8)
	}
	if round.DownAmount.IsPositive() {
		row.DownPayout = payoutRake.Mul(round.TotalAmount).Div(round.DownAmount).Round(8)
	}

	bets := make([]store.HisBet, 0, len(bulls)+len(bears))
	for _, ev := range append(append([]chain.BetEvent{}, bulls...), bears...) {
		betTime, err := s.blockTime(ctx, ev.BlockNumber)
		if err != nil {
			return nil, err
		}
		bets = append(bets, store.HisBet{
			BetTime:       betTime,
			TxHash:        ev.TxHash,
			Epoch:         ev.Epoch,
			WalletAddress: ev.Sender,
			Direction:     string(ev.Direction),
			Amount:        ev.Amount,
			BlockNumber:   ev.BlockNumber,
		})
	}

	// Dedup claims on the physical key; one claim transaction may
	// repeat (block, wallet, bet_epoch) across filter overlaps.
	type claimKey struct {
		block    int64
		wallet   string
		betEpoch int64
	}
	seen := make(map[claimKey]struct{}, len(claims))
	claimRows := make([]store.Claim, 0, len(claims))
	perWalletEpochs := make(map[string]map[int64]struct{})
	perWalletSum := make(map[string]decimal.Decimal)

	for _, cl := range claims {
		key := claimKey{cl.BlockNumber, cl.Sender, cl.BetEpoch}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		claimRows = append(claimRows, store.Claim{
			BlockNumber:   cl.BlockNumber,
			WalletAddress: cl.Sender,
			BetEpoch:      cl.BetEpoch,
			Epoch:         round.Epoch,
			Amount:        cl.Amount,
		})
		if perWalletEpochs[cl.Sender] == nil {
			perWalletEpochs[cl.Sender] = make(map[int64]struct{})
			perWalletSum[cl.Sender] = decimal.Zero
		}
		perWalletEpochs[cl.Sender][cl.BetEpoch] = struct{}{}
		perWalletSum[cl.Sender] = perWalletSum[cl.Sender].Add(cl.Amount)
	}

	multi := multiClaims(round.Epoch, perWalletEpochs, perWalletSum)

	return &store.EpochWrite{Round: row, Bets: bets, Claims: claimRows, MultiClaims: multi}, nil
}

// Whale thresholds: 5 distinct bet epochs claimed, or 1 unit total.
var whaleAmount = decimal.NewFromInt(1)

const whaleEpochCount = 5

func multiClaims(epoch int64, epochs map[string]map[int64]struct{}, sums map[string]decimal.Decimal) []store.MultiClaim {
	var rows []store.MultiClaim
	for wallet, set := range epochs {
		if len(set) >= whaleEpochCount || sums[wallet].GreaterThanOrEqual(whaleAmount) {
			rows = append(rows, store.MultiClaim{
				Epoch:         epoch,
				WalletAddress: wallet,
				ClaimCount:    len(set),
				TotalAmount:   sums[wallet],
			})
		}
	}
	return rows
}

// blockTime resolves a block timestamp: LRU, then any stored bet for
// that block, then the chain.
func (s *Syncer) blockTime(ctx context.Context, number int64) (time.Time, error) {
	if t, ok := s.blockTimes.Get(number); ok {
		return t, nil
	}

	if t, ok, err := s.db.BetTimeForBlock(ctx, number); err != nil {
		return time.Time{}, err
	} else if ok {
		s.blockTimes.Add(number, t.In(s.taipei))
		return t.In(s.taipei), nil
	}

	var t time.Time
	err := s.withRetry(ctx, func() error {
		var err error
		t, err = s.chain.BlockTime(ctx, number)
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	t = t.In(s.taipei)
	s.blockTimes.Add(number, t)
	return t, nil
}

// verifyTotals recomputes the sums from parsed bets and requires them
// to agree with the chain-reported round totals.
func verifyTotals(round *chain.RoundData, bets []store.HisBet) error {
	up, down := decimal.Zero, decimal.Zero
	upCount, downCount := 0, 0
	hashes := make(map[string]struct{}, len(bets))

	for _, b := range bets {
		if _, dup := hashes[b.TxHash]; dup {
			return fmt.Errorf("duplicate tx hash %s", b.TxHash)
		}
		hashes[b.TxHash] = struct{}{}
		if b.Direction == string(types.DirectionUp) {
			up = up.Add(b.Amount)
			upCount++
		} else {
			down = down.Add(b.Amount)
			downCount++
		}
	}

	if upCount == 0 || downCount == 0 {
		return fmt.Errorf("missing UP/DOWN: %d up, %d down", upCount, downCount)
	}
	if up.Sub(round.UpAmount).Abs().GreaterThan(totalTolerance) {
		return fmt.Errorf("up sum %s != chain %s", up, round.UpAmount)
	}
	if down.Sub(round.DownAmount).Abs().GreaterThan(totalTolerance) {
		return fmt.Errorf("down sum %s != chain %s", down, round.DownAmount)
	}
	if up.Add(down).Sub(round.TotalAmount).Abs().GreaterThan(totalTolerance) {
		return fmt.Errorf("total sum %s != chain %s", up.Add(down), round.TotalAmount)
	}
	return nil
}

// withRetry retries transient chain errors with exponential backoff
func (s *Syncer) withRetry(ctx context.Context, fn func() error) error {
	backoff := time.Second
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= s.retryMax {
			return err
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
