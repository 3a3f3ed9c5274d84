package syncer

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/predsync/internal/chain"
)

// Validation bounds. A round outside these is treated as corrupt
// chain data and fails the epoch rather than entering the store.
var (
	priceFloor     = decimal.NewFromInt(50)
	priceCeil      = decimal.NewFromInt(5000)
	maxPriceChange = decimal.NewFromFloat(0.20)
	totalTolerance = decimal.NewFromFloat(0.001)
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// validAddress accepts lowercase 40-hex addresses, rejecting the zero
// address.
func validAddress(addr string) bool {
	if !addressPattern.MatchString(addr) {
		return false
	}
	for _, ch := range addr[2:] {
		if ch != '0' {
			return true
		}
	}
	return false
}

// validateRound checks the fetched round data, all or nothing
func validateRound(r *chain.RoundData) error {
	if !(r.StartTimestamp < r.LockTimestamp && r.LockTimestamp < r.CloseTimestamp) {
		return fmt.Errorf("timestamps not strictly increasing: %d/%d/%d",
			r.StartTimestamp, r.LockTimestamp, r.CloseTimestamp)
	}

	for _, p := range []decimal.Decimal{r.LockPrice, r.ClosePrice} {
		if !p.GreaterThan(priceFloor) || !p.LessThan(priceCeil) {
			return fmt.Errorf("price %s outside (%s, %s)", p, priceFloor, priceCeil)
		}
	}

	change := r.ClosePrice.Sub(r.LockPrice).Div(r.LockPrice).Abs()
	if change.GreaterThan(maxPriceChange) {
		return fmt.Errorf("Price change > 20%%: %s", change)
	}

	if r.TotalAmount.IsNegative() || r.UpAmount.IsNegative() || r.DownAmount.IsNegative() {
		return fmt.Errorf("negative amount in round totals")
	}
	if r.TotalAmount.IsZero() && r.UpAmount.IsZero() && r.DownAmount.IsZero() {
		return fmt.Errorf("round has zero totals")
	}
	diff := r.TotalAmount.Sub(r.UpAmount.Add(r.DownAmount)).Abs()
	if diff.GreaterThan(totalTolerance) {
		return fmt.Errorf("total %s != up+down %s", r.TotalAmount, r.UpAmount.Add(r.DownAmount))
	}
	return nil
}

// validateEvents checks the fetched event sets, all or nothing
func validateEvents(epoch int64, bulls, bears []chain.BetEvent, claims []chain.ClaimEvent) error {
	if len(bulls) == 0 || len(bears) == 0 {
		return fmt.Errorf("missing UP/DOWN bets: %d bull, %d bear", len(bulls), len(bears))
	}

	for _, set := range [][]chain.BetEvent{bulls, bears} {
		for _, ev := range set {
			if !validAddress(ev.Sender) {
				return fmt.Errorf("invalid bet sender %q in epoch %d", ev.Sender, epoch)
			}
			if !ev.Amount.IsPositive() {
				return fmt.Errorf("non-positive bet amount %s from %s", ev.Amount, ev.Sender)
			}
		}
	}

	if len(claims) == 0 {
		return fmt.Errorf("no claim events in range for epoch %d", epoch)
	}
	for _, cl := range claims {
		if cl.BetEpoch <= 0 || cl.BetEpoch >= epoch {
			return fmt.Errorf("claim bet_epoch %d out of range for epoch %d", cl.BetEpoch, epoch)
		}
		if !cl.Amount.IsPositive() {
			return fmt.Errorf("non-positive claim amount %s from %s", cl.Amount, cl.Sender)
		}
		if !validAddress(cl.Sender) {
			return fmt.Errorf("invalid claim sender %q", cl.Sender)
		}
	}
	return nil
}
