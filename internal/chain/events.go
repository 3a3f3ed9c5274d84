package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/web3guy0/predsync/internal/types"
)

// FilterBets queries BetBull or BetBear logs for one epoch over an
// inclusive block range.
func (c *Client) FilterBets(ctx context.Context, dir types.Direction, epoch, fromBlock, toBlock int64) ([]BetEvent, error) {
	topic := c.bullTopic
	if dir == types.DirectionDown {
		topic = c.bearTopic
	}
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(fromBlock),
		ToBlock:   big.NewInt(toBlock),
		Addresses: []common.Address{c.contract},
		Topics: [][]common.Hash{
			{topic},
			nil,
			{common.BigToHash(big.NewInt(epoch))},
		},
	}

	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter %s bets epoch %d: %w", dir, epoch, err)
	}

	events := make([]BetEvent, 0, len(logs))
	for _, lg := range logs {
		ev, err := c.decodeBet(lg)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// FilterClaims queries all Claim logs over an inclusive block range.
// The indexed epoch on a Claim log is the bet epoch being claimed.
func (c *Client) FilterClaims(ctx context.Context, fromBlock, toBlock int64) ([]ClaimEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(fromBlock),
		ToBlock:   big.NewInt(toBlock),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{c.claimTopic}},
	}

	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter claims: %w", err)
	}

	claims := make([]ClaimEvent, 0, len(logs))
	for _, lg := range logs {
		out, err := c.abi.Unpack("Claim", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack Claim: %w", err)
		}
		claims = append(claims, ClaimEvent{
			Sender:      NormalizeAddress(common.BytesToAddress(lg.Topics[1].Bytes())),
			BetEpoch:    new(big.Int).SetBytes(lg.Topics[2].Bytes()).Int64(),
			Amount:      DecodeAmount(out[0].(*big.Int)),
			BlockNumber: int64(lg.BlockNumber),
			TxHash:      strings.ToLower(lg.TxHash.Hex()),
		})
	}
	return claims, nil
}

// WatchBets subscribes to live BetBull/BetBear logs over the push
// socket. Decoded events are sent to sink until ctx is cancelled or
// the subscription errors; the subscription error is returned.
func (c *Client) WatchBets(ctx context.Context, sink chan<- BetEvent) error {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{c.bullTopic, c.bearTopic}},
	}

	logs := make(chan gethtypes.Log, 256)
	sub, err := c.eth.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return fmt.Errorf("subscribe bets: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("bet subscription: %w", err)
		case lg := <-logs:
			if lg.Removed {
				continue
			}
			ev, err := c.decodeBet(lg)
			if err != nil {
				return err
			}
			select {
			case sink <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Client) decodeBet(lg gethtypes.Log) (BetEvent, error) {
	name := "BetBull"
	dir := types.DirectionUp
	if lg.Topics[0] == c.bearTopic {
		name = "BetBear"
		dir = types.DirectionDown
	}
	out, err := c.abi.Unpack(name, lg.Data)
	if err != nil {
		return BetEvent{}, fmt.Errorf("unpack %s: %w", name, err)
	}
	return BetEvent{
		Sender:      NormalizeAddress(common.BytesToAddress(lg.Topics[1].Bytes())),
		Epoch:       new(big.Int).SetBytes(lg.Topics[2].Bytes()).Int64(),
		Amount:      DecodeAmount(out[0].(*big.Int)),
		Direction:   dir,
		BlockNumber: int64(lg.BlockNumber),
		TxHash:      strings.ToLower(lg.TxHash.Hex()),
	}, nil
}
