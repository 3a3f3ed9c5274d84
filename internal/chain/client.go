package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/predsync/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PREDICTION CONTRACT CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Typed access to the on-chain prediction market: round reads, ledger
// reads, bet submission, and the BetBull/BetBear/Claim event filters.
// Prices decode at 8 decimals, amounts at 18.
//
// ═══════════════════════════════════════════════════════════════════════════════

const contractABI = `[
  {"name":"currentEpoch","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"bufferSeconds","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"rounds","type":"function","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[
    {"name":"epoch","type":"uint256"},
    {"name":"startTimestamp","type":"uint256"},
    {"name":"lockTimestamp","type":"uint256"},
    {"name":"closeTimestamp","type":"uint256"},
    {"name":"lockPrice","type":"int256"},
    {"name":"closePrice","type":"int256"},
    {"name":"lockOracleId","type":"uint256"},
    {"name":"closeOracleId","type":"uint256"},
    {"name":"totalAmount","type":"uint256"},
    {"name":"bullAmount","type":"uint256"},
    {"name":"bearAmount","type":"uint256"},
    {"name":"rewardBaseCalAmount","type":"uint256"},
    {"name":"rewardAmount","type":"uint256"},
    {"name":"oracleCalled","type":"bool"}]},
  {"name":"ledger","type":"function","stateMutability":"view","inputs":[{"name":"","type":"uint256"},{"name":"","type":"address"}],"outputs":[
    {"name":"position","type":"uint8"},
    {"name":"amount","type":"uint256"},
    {"name":"claimed","type":"bool"}]},
  {"name":"betBull","type":"function","stateMutability":"payable","inputs":[{"name":"epoch","type":"uint256"}],"outputs":[]},
  {"name":"betBear","type":"function","stateMutability":"payable","inputs":[{"name":"epoch","type":"uint256"}],"outputs":[]},
  {"name":"BetBull","type":"event","inputs":[{"name":"sender","type":"address","indexed":true},{"name":"epoch","type":"uint256","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"name":"BetBear","type":"event","inputs":[{"name":"sender","type":"address","indexed":true},{"name":"epoch","type":"uint256","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"name":"Claim","type":"event","inputs":[{"name":"sender","type":"address","indexed":true},{"name":"epoch","type":"uint256","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

// RoundData is a decoded rounds() tuple
type RoundData struct {
	Epoch          int64
	StartTimestamp int64
	LockTimestamp  int64
	CloseTimestamp int64
	LockPrice      decimal.Decimal
	ClosePrice     decimal.Decimal
	TotalAmount    decimal.Decimal
	UpAmount       decimal.Decimal
	DownAmount     decimal.Decimal
	OracleCalled   bool
}

// Finalized reports whether both prices are set on chain
func (r *RoundData) Finalized() bool {
	return r.LockPrice.IsPositive() && r.ClosePrice.IsPositive()
}

// BetEvent is a decoded BetBull or BetBear log
type BetEvent struct {
	Sender      string // lowercase 0x-prefixed
	Epoch       int64
	Amount      decimal.Decimal
	Direction   types.Direction
	BlockNumber int64
	TxHash      string // lowercase
}

// ClaimEvent is a decoded Claim log. Epoch is the bet epoch being
// claimed for; the submission epoch is known only to the caller.
type ClaimEvent struct {
	Sender      string
	BetEpoch    int64
	Amount      decimal.Decimal
	BlockNumber int64
	TxHash      string
}

// LedgerEntry is a decoded ledger() tuple
type LedgerEntry struct {
	Position uint8
	Amount   decimal.Decimal
	Claimed  bool
}

// Client wraps an RPC or WSS connection to the prediction contract
type Client struct {
	eth      *ethclient.Client
	abi      abi.ABI
	contract common.Address
	chainID  *big.Int

	key     *ecdsa.PrivateKey
	address common.Address

	bullTopic  common.Hash
	bearTopic  common.Hash
	claimTopic common.Hash
}

// Dial connects to an endpoint (http(s):// or wss://) and binds the
// contract. privateKey may be empty for read-only use.
func Dial(ctx context.Context, endpoint, contractAddr, privateKey string) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("parse ABI: %w", err)
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}

	c := &Client{
		eth:        eth,
		abi:        parsed,
		contract:   common.HexToAddress(contractAddr),
		chainID:    chainID,
		bullTopic:  parsed.Events["BetBull"].ID,
		bearTopic:  parsed.Events["BetBear"].ID,
		claimTopic: parsed.Events["Claim"].ID,
	}

	if privateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.key = key
		c.address = crypto.PubkeyToAddress(key.PublicKey)
	}

	log.Info().
		Str("contract", strings.ToLower(c.contract.Hex())).
		Str("chain_id", chainID.String()).
		Msg("⛓️ Chain client connected")

	return c, nil
}

// Close releases the underlying connection
func (c *Client) Close() {
	c.eth.Close()
}

// Address returns the signing address, lowercase
func (c *Client) Address() string {
	return strings.ToLower(c.address.Hex())
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	res, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := c.abi.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

// CurrentEpoch reads the contract's current epoch
func (c *Client) CurrentEpoch(ctx context.Context) (int64, error) {
	out, err := c.call(ctx, "currentEpoch")
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Int64(), nil
}

// BufferSeconds reads the contract's safety margin before lock
func (c *Client) BufferSeconds(ctx context.Context) (int64, error) {
	out, err := c.call(ctx, "bufferSeconds")
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Int64(), nil
}

// Round reads round metadata for one epoch
func (c *Client) Round(ctx context.Context, epoch int64) (*RoundData, error) {
	out, err := c.call(ctx, "rounds", big.NewInt(epoch))
	if err != nil {
		return nil, err
	}
	return &RoundData{
		Epoch:          out[0].(*big.Int).Int64(),
		StartTimestamp: out[1].(*big.Int).Int64(),
		LockTimestamp:  out[2].(*big.Int).Int64(),
		CloseTimestamp: out[3].(*big.Int).Int64(),
		LockPrice:      DecodePrice(out[4].(*big.Int)),
		ClosePrice:     DecodePrice(out[5].(*big.Int)),
		TotalAmount:    DecodeAmount(out[8].(*big.Int)),
		UpAmount:       DecodeAmount(out[9].(*big.Int)),
		DownAmount:     DecodeAmount(out[10].(*big.Int)),
		OracleCalled:   out[13].(bool),
	}, nil
}

// Ledger reads a wallet's position for an epoch
func (c *Client) Ledger(ctx context.Context, epoch int64, addr string) (*LedgerEntry, error) {
	out, err := c.call(ctx, "ledger", big.NewInt(epoch), common.HexToAddress(addr))
	if err != nil {
		return nil, err
	}
	return &LedgerEntry{
		Position: out[0].(uint8),
		Amount:   DecodeAmount(out[1].(*big.Int)),
		Claimed:  out[2].(bool),
	}, nil
}

// PendingNonce reserves the next nonce for the signing address
func (c *Client) PendingNonce(ctx context.Context) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, c.address)
}

// GasPrice reads the current suggested gas price
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	return c.eth.SuggestGasPrice(ctx)
}

// BlockTime returns the timestamp of a block
func (c *Client) BlockTime(ctx context.Context, number int64) (time.Time, error) {
	header, err := c.eth.HeaderByNumber(ctx, big.NewInt(number))
	if err != nil {
		return time.Time{}, fmt.Errorf("header %d: %w", number, err)
	}
	return time.Unix(int64(header.Time), 0), nil
}

// PlaceBet submits betBull or betBear with the given value. Nonce and
// gas price are pinned by the caller; gas limit is fixed since the bet
// functions have constant-shape execution.
func (c *Client) PlaceBet(ctx context.Context, dir types.Direction, epoch int64, value decimal.Decimal, nonce uint64, gasPrice *big.Int) (string, error) {
	if c.key == nil {
		return "", fmt.Errorf("no private key loaded")
	}

	method := "betBull"
	if dir == types.DirectionDown {
		method = "betBear"
	}
	data, err := c.abi.Pack(method, big.NewInt(epoch))
	if err != nil {
		return "", fmt.Errorf("pack %s: %w", method, err)
	}

	wei := value.Shift(18).BigInt()
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Value:    wei,
		Gas:      250000,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", err
	}
	return strings.ToLower(signed.Hash().Hex()), nil
}

// WaitMined blocks until the transaction is mined or ctx expires
func (c *Client) WaitMined(ctx context.Context, txHash string) (bool, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt.Status == gethtypes.ReceiptStatusSuccessful, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// DecodePrice converts an 8-decimal fixed-point contract value
func DecodePrice(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, -8)
}

// DecodeAmount converts an 18-decimal fixed-point contract value
func DecodeAmount(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, -18)
}

// NormalizeAddress lowercases a wallet address at the boundary
func NormalizeAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
