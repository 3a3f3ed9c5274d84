package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction of a bet or round result
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// Round status on the round_update channel
const (
	StatusLive   = "LIVE"
	StatusLocked = "LOCKED"
	StatusEnded  = "ENDED"
)

// Confidence levels, ordered
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// ConfidenceRank maps a confidence label to its ordering
func ConfidenceRank(c string) int {
	switch c {
	case ConfidenceHigh:
		return 2
	case ConfidenceMedium:
		return 1
	default:
		return 0
	}
}

// Bet is one wallet bet on a round, live or historical
type Bet struct {
	Epoch         int64           `json:"epoch"`
	BetTime       time.Time       `json:"bet_time"`
	WalletAddress string          `json:"wallet_address"`
	Direction     Direction       `json:"direction"`
	Amount        decimal.Decimal `json:"amount"`
	BlockNumber   int64           `json:"block_number"`
	TxHash        string          `json:"tx_hash"`
}

// RoundUpdate is the round_update_channel payload
type RoundUpdate struct {
	Epoch       int64           `json:"epoch"`
	LockTS      int64           `json:"lock_ts"`
	CloseTS     int64           `json:"close_ts"`
	UpAmount    decimal.Decimal `json:"up_amount"`
	DownAmount  decimal.Decimal `json:"down_amount"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Status      string          `json:"status"`
	Result      Direction       `json:"result,omitempty"`
	ClosePrice  decimal.Decimal `json:"close_price,omitempty"`
}

// Features are the inputs behind a momentum prediction
type Features struct {
	UpRatio     float64 `json:"up_ratio"`
	UpRatioDiff float64 `json:"up_ratio_diff"`
	VolumeRatio float64 `json:"volume_ratio"`
	Slope       float64 `json:"slope"`
}

// Momentum is one strategy's verdict inside a prediction
type Momentum struct {
	Prediction Direction `json:"prediction"`
	Confidence string    `json:"confidence"`
	Score      int       `json:"score"`
	Reasons    []string  `json:"reasons"`
	Features   Features  `json:"features"`
}

// Strategies holds the per-strategy verdicts of one revision
type Strategies struct {
	Momentum Momentum `json:"momentum"`
}

// Prediction is the live_predictions payload
type Prediction struct {
	Epoch      int64      `json:"epoch"`
	Timestamp  int64      `json:"timestamp"`
	Version    int        `json:"version"`
	Final      bool       `json:"final"`
	Strategies Strategies `json:"strategies"`
}

// TradeLogRecord is one trader phase record, published on trade_log
// and appended to the trade_log table.
type TradeLogRecord struct {
	Epoch      int64           `json:"epoch"`
	Phase      string          `json:"phase"` // arm, final_dryrun, final_sent, final_receipt, error
	Strategy   string          `json:"strategy"`
	Prediction Direction       `json:"prediction"`
	Confidence string          `json:"confidence"`
	Amount     decimal.Decimal `json:"amount"`
	DeltaMS    int64           `json:"delta_ms"`
	TStop      int64           `json:"t_stop"`
	Version    int             `json:"version"`
	Nonce      *uint64         `json:"nonce,omitempty"`
	TxHash     string          `json:"tx_hash,omitempty"`
	SendMS     int64           `json:"send_ms,omitempty"`
	MinedMS    int64           `json:"mined_ms,omitempty"`
	TotalMS    int64           `json:"total_ms,omitempty"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
}
