// Package evm watches the wrapped-token contract: live SwapToNative events
// plus a block-range scanner that catches up after downtime.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// wrappedTokenABI is the slice of the wTKN contract the bridge consumes.
const wrappedTokenABI = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"internalType":"address","name":"from","type":"address"},
		{"indexed":false,"internalType":"string","name":"nativeAddress","type":"string"},
		{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"}
	],"name":"SwapToNative","type":"event"},
	{"constant":true,"inputs":[{"internalType":"address","name":"account","type":"address"}],
	 "name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],
	 "payable":false,"stateMutability":"view","type":"function"}
]`

// SwapEvent is a parsed SwapToNative log.
type SwapEvent struct {
	Evm       string
	Native    string
	Amount    *big.Int // wTKN units, 18 decimals
	Hash      string
	Block     uint64
	Timestamp int64 // milliseconds, block.timestamp * 1000
}

// Client wraps an ethclient bound to the wTKN contract.
type Client struct {
	eth      *ethclient.Client
	contract common.Address
	abi      abi.ABI
	logger   *zap.SugaredLogger
}

func NewClient(rpcURL, contractAddress string, logger *zap.SugaredLogger) (*Client, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return newClient(eth, contractAddress, logger)
}

func newClient(eth *ethclient.Client, contractAddress string, logger *zap.SugaredLogger) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(wrappedTokenABI))
	if err != nil {
		return nil, fmt.Errorf("parse wTKN abi: %w", err)
	}
	return &Client{
		eth:      eth,
		contract: common.HexToAddress(contractAddress),
		abi:      parsed,
		logger:   logger,
	}, nil
}

// BlockNumber returns the current head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

// WrappedBalanceOf reads balanceOf(evm) on the wTKN contract.
func (c *Client) WrappedBalanceOf(ctx context.Context, evm string) (*big.Int, error) {
	data, err := c.abi.Pack("balanceOf", common.HexToAddress(evm))
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}

	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}

	var balance *big.Int
	if err := c.abi.UnpackIntoInterface(&balance, "balanceOf", result); err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	return balance, nil
}

// FilterSwapEvents fetches SwapToNative logs in [from, to], inclusive.
func (c *Client) FilterSwapEvents(ctx context.Context, from, to uint64) ([]SwapEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{c.abi.Events["SwapToNative"].ID}},
	}

	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}

	events := make([]SwapEvent, 0, len(logs))
	blockTimes := make(map[uint64]int64)
	for i := range logs {
		ev, err := c.parseLog(&logs[i])
		if err != nil {
			c.logger.Warnw("Unparseable SwapToNative log", "tx", logs[i].TxHash.Hex(), "error", err)
			continue
		}

		ts, ok := blockTimes[ev.Block]
		if !ok {
			header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(ev.Block))
			if err != nil {
				return nil, fmt.Errorf("header %d: %w", ev.Block, err)
			}
			ts = int64(header.Time) * 1000
			blockTimes[ev.Block] = ts
		}
		ev.Timestamp = ts

		events = append(events, *ev)
	}
	return events, nil
}

// SubscribeSwapEvents streams live SwapToNative logs into sink.
func (c *Client) SubscribeSwapEvents(ctx context.Context, sink chan<- SwapEvent) (ethereum.Subscription, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{c.abi.Events["SwapToNative"].ID}},
	}

	logs := make(chan types.Log, 32)
	sub, err := c.eth.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case lg, ok := <-logs:
				if !ok {
					return
				}
				ev, err := c.parseLog(&lg)
				if err != nil {
					c.logger.Warnw("Unparseable SwapToNative log", "tx", lg.TxHash.Hex(), "error", err)
					continue
				}
				if header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(ev.Block)); err == nil {
					ev.Timestamp = int64(header.Time) * 1000
				}
				select {
				case sink <- *ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}

func (c *Client) parseLog(lg *types.Log) (*SwapEvent, error) {
	if len(lg.Topics) < 2 {
		return nil, fmt.Errorf("missing indexed sender topic")
	}

	var payload struct {
		NativeAddress string
		Amount        *big.Int
	}
	if err := c.abi.UnpackIntoInterface(&payload, "SwapToNative", lg.Data); err != nil {
		return nil, err
	}

	return &SwapEvent{
		Evm:    common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		Native: payload.NativeAddress,
		Amount: payload.Amount,
		Hash:   lg.TxHash.Hex(),
		Block:  lg.BlockNumber,
	}, nil
}
