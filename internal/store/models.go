package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Models. Wallet columns are lowercase by construction; the chain
// boundary normalizes before anything reaches this package.

// Round is one finalized epoch. Keyed by (start_time, epoch) so the
// table can be time-partitioned; epoch alone stays unique.
type Round struct {
	StartTime   time.Time       `gorm:"primaryKey"`
	Epoch       int64           `gorm:"primaryKey;uniqueIndex:idx_round_epoch"`
	LockTime    time.Time       `gorm:"not null"`
	CloseTime   time.Time       `gorm:"not null"`
	LockPrice   decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	ClosePrice  decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	TotalAmount decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	UpAmount    decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	DownAmount  decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Result      string          `gorm:"size:4;not null"`
	UpPayout    decimal.Decimal `gorm:"type:decimal(20,8)"`
	DownPayout  decimal.Decimal `gorm:"type:decimal(20,8)"`
}

func (Round) TableName() string { return "round" }

// HisBet is one bet on a finalized round. Identity (bet_time, tx_hash)
// keeps time in the key for partitioning; tx_hash is globally unique.
type HisBet struct {
	BetTime       time.Time       `gorm:"primaryKey"`
	TxHash        string          `gorm:"primaryKey;size:66"`
	Epoch         int64           `gorm:"index;not null"`
	WalletAddress string          `gorm:"size:42;index;not null"`
	Direction     string          `gorm:"size:4;not null"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	BlockNumber   int64           `gorm:"index;not null"`
}

func (HisBet) TableName() string { return "hisbet" }

// RealBet is a bet on a not-yet-finalized round, pruned once the
// round is committed and 600s past close.
type RealBet struct {
	BetTime       time.Time       `gorm:"primaryKey"`
	TxHash        string          `gorm:"primaryKey;size:66"`
	Epoch         int64           `gorm:"index;not null"`
	WalletAddress string          `gorm:"size:42;index;not null"`
	Direction     string          `gorm:"size:4;not null"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	BlockNumber   int64           `gorm:"not null"`
}

func (RealBet) TableName() string { return "realbet" }

// Claim is one claim row. The physical key is
// (block_number, wallet_address, bet_epoch): a single claim
// transaction may cover several bet epochs.
type Claim struct {
	BlockNumber   int64           `gorm:"primaryKey"`
	WalletAddress string          `gorm:"primaryKey;size:42"`
	BetEpoch      int64           `gorm:"primaryKey"`
	Epoch         int64           `gorm:"index;not null"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,8);not null"`
}

func (Claim) TableName() string { return "claim" }

// MultiClaim flags a wallet whose claim activity in one epoch crossed
// the whale threshold. Recomputed during sync, never updated later.
type MultiClaim struct {
	Epoch         int64           `gorm:"primaryKey"`
	WalletAddress string          `gorm:"primaryKey;size:42"`
	ClaimCount    int             `gorm:"not null"`
	TotalAmount   decimal.Decimal `gorm:"type:decimal(20,8);not null"`
}

func (MultiClaim) TableName() string { return "multiclaim" }

// FinalizedEpoch marks that the per-epoch sync committed
type FinalizedEpoch struct {
	Epoch       int64     `gorm:"primaryKey"`
	ProcessedAt time.Time `gorm:"not null"`
}

func (FinalizedEpoch) TableName() string { return "finalized_epoch" }

// FailedEpoch records an aborted sync attempt with its stage tag
type FailedEpoch struct {
	Epoch        int64     `gorm:"primaryKey"`
	ErrorMessage string    `gorm:"size:500"`
	Stage        string    `gorm:"size:32"`
	FailedAt     time.Time `gorm:"not null"`
	RetryCount   int       `gorm:"not null;default:0"`
}

func (FailedEpoch) TableName() string { return "failed_epoch" }

// TradeLogRow is one persisted trader phase record
type TradeLogRow struct {
	ID         uint            `gorm:"primaryKey;autoIncrement"`
	Epoch      int64           `gorm:"index;not null"`
	Phase      string          `gorm:"size:16;not null"`
	Strategy   string          `gorm:"size:32"`
	Prediction string          `gorm:"size:4"`
	Confidence string          `gorm:"size:8"`
	Amount     decimal.Decimal `gorm:"type:decimal(20,8)"`
	DeltaMS    int64
	TStop      int64
	Version    int
	Nonce      *uint64
	TxHash     string `gorm:"size:66"`
	SendMS     int64
	MinedMS    int64
	TotalMS    int64
	Success    bool
	Error      string `gorm:"size:500"`
	CreatedAt  time.Time
}

func (TradeLogRow) TableName() string { return "trade_log" }
