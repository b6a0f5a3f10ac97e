// Package chain reads DCA portfolio state from an EVM node.
//
// Every read is pinned to a block number so that a snapshot sees one
// consistent chain state. Token decimals never change and are memoized per
// portfolio for the life of the Reader.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/brokkr/snapshot-engine/internal/model"
)

// ErrChainRead wraps every failed node call or undecodable response.
var ErrChainRead = errors.New("chain: read failed")

// Caller is the part of *ethclient.Client the Reader uses.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Totals are the portfolio-wide token balances reported by equityValuation,
// scaled by token decimals.
type Totals struct {
	DepositToken  decimal.Decimal `json:"deposit_token"`
	BluechipToken decimal.Decimal `json:"bluechip_token"`
}

// Reader implements the chain reads of the valuation and snapshot services.
type Reader struct {
	client Caller

	mu               sync.Mutex
	depositDecimals  map[common.Address]uint8
	bluechipDecimals map[common.Address]uint8
}

// NewReader creates a Reader over an EVM client.
func NewReader(client Caller) *Reader {
	return &Reader{
		client:           client,
		depositDecimals:  make(map[common.Address]uint8),
		bluechipDecimals: make(map[common.Address]uint8),
	}
}

// Positions returns the user's positions in the portfolio at block, with
// deposit amounts in deposit-token units.
func (r *Reader) Positions(ctx context.Context, portfolio, user string, block int64) ([]model.Position, error) {
	pAddr, err := parseAddress(portfolio)
	if err != nil {
		return nil, err
	}
	uAddr, err := parseAddress(user)
	if err != nil {
		return nil, err
	}

	decimals, err := r.depositTokenDecimals(ctx, pAddr)
	if err != nil {
		return nil, err
	}

	out, err := r.call(ctx, portfolioABI, pAddr, blockArg(block), "depositorInfo", uAddr)
	if err != nil {
		return nil, err
	}
	info := *abi.ConvertType(out[0], new(depositorInfo)).(*depositorInfo)

	positions := make([]model.Position, 0, len(info.Positions))
	for i, p := range info.Positions {
		if !p.AmountSplit.IsInt64() || !p.InvestedAtHistoricalIndex.IsInt64() {
			return nil, fmt.Errorf("%w: position %d of %s out of range", ErrChainRead, i, user)
		}
		positions = append(positions, model.Position{
			DepositAmount:             decimal.NewFromBigInt(p.DepositAmount, -int32(decimals)),
			AmountSplit:               p.AmountSplit.Int64(),
			InvestedAtHistoricalIndex: p.InvestedAtHistoricalIndex.Int64(),
		})
	}
	return positions, nil
}

// CurrentPeriod returns the portfolio's period pointer at block.
func (r *Reader) CurrentPeriod(ctx context.Context, portfolio string, block int64) (int64, error) {
	pAddr, err := parseAddress(portfolio)
	if err != nil {
		return 0, err
	}
	out, err := r.call(ctx, portfolioABI, pAddr, blockArg(block), "currentDCAHistoryIndex")
	if err != nil {
		return 0, err
	}
	idx := out[0].(*big.Int)
	if !idx.IsInt64() {
		return 0, fmt.Errorf("%w: period pointer %s out of range", ErrChainRead, idx)
	}
	return idx.Int64(), nil
}

// BlockTimestamp returns the timestamp of block in milliseconds.
func (r *Reader) BlockTimestamp(ctx context.Context, block int64) (int64, error) {
	header, err := r.client.HeaderByNumber(ctx, blockArg(block))
	if err != nil {
		return 0, fmt.Errorf("%w: header %d: %w", ErrChainRead, block, err)
	}
	return int64(header.Time) * 1000, nil
}

// LatestBlock returns the current head block number.
func (r *Reader) LatestBlock(ctx context.Context) (int64, error) {
	n, err := r.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: block number: %w", ErrChainRead, err)
	}
	return int64(n), nil
}

// PortfolioTotals returns the portfolio's total deposit and bluechip
// balances at block.
func (r *Reader) PortfolioTotals(ctx context.Context, portfolio string, block int64) (Totals, error) {
	pAddr, err := parseAddress(portfolio)
	if err != nil {
		return Totals{}, err
	}

	eq, err := r.equity(ctx, pAddr, blockArg(block))
	if err != nil {
		return Totals{}, err
	}
	depDec, err := r.depositTokenDecimals(ctx, pAddr)
	if err != nil {
		return Totals{}, err
	}
	blueDec, err := r.bluechipTokenDecimals(ctx, pAddr)
	if err != nil {
		return Totals{}, err
	}

	return Totals{
		DepositToken:  decimal.NewFromBigInt(eq.TotalDepositToken, -int32(depDec)),
		BluechipToken: decimal.NewFromBigInt(eq.TotalBluechipToken, -int32(blueDec)),
	}, nil
}

func (r *Reader) equity(ctx context.Context, portfolio common.Address, block *big.Int) (equityTuple, error) {
	out, err := r.call(ctx, portfolioABI, portfolio, block, "equityValuation")
	if err != nil {
		return equityTuple{}, err
	}
	vals := *abi.ConvertType(out[0], new([]equityTuple)).(*[]equityTuple)
	if len(vals) == 0 {
		return equityTuple{}, fmt.Errorf("%w: empty equity valuation of %s", ErrChainRead, portfolio.Hex())
	}
	return vals[0], nil
}

func (r *Reader) depositTokenDecimals(ctx context.Context, portfolio common.Address) (uint8, error) {
	r.mu.Lock()
	d, ok := r.depositDecimals[portfolio]
	r.mu.Unlock()
	if ok {
		return d, nil
	}

	out, err := r.call(ctx, portfolioABI, portfolio, nil, "depositTokenInfo")
	if err != nil {
		return 0, err
	}
	d = out[1].(uint8)

	r.mu.Lock()
	r.depositDecimals[portfolio] = d
	r.mu.Unlock()
	return d, nil
}

func (r *Reader) bluechipTokenDecimals(ctx context.Context, portfolio common.Address) (uint8, error) {
	r.mu.Lock()
	d, ok := r.bluechipDecimals[portfolio]
	r.mu.Unlock()
	if ok {
		return d, nil
	}

	eq, err := r.equity(ctx, portfolio, nil)
	if err != nil {
		return 0, err
	}
	out, err := r.call(ctx, erc20ABI, eq.BluechipToken, nil, "decimals")
	if err != nil {
		return 0, err
	}
	d = out[0].(uint8)

	r.mu.Lock()
	r.bluechipDecimals[portfolio] = d
	r.mu.Unlock()
	return d, nil
}

// call packs, executes and unpacks a view call at block (nil for latest).
func (r *Reader) call(ctx context.Context, contract abi.ABI, to common.Address, block *big.Int, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: pack %s: %w", ErrChainRead, method, err)
	}

	result, err := r.client.CallContract(ctx, ethereum.CallMsg{
		To:   &to,
		Data: data,
	}, block)
	if err != nil {
		return nil, fmt.Errorf("%w: %s on %s: %w", ErrChainRead, method, to.Hex(), err)
	}

	out, err := contract.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %w", ErrChainRead, method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s returned nothing", ErrChainRead, method)
	}
	return out, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", ErrChainRead, s)
	}
	return common.HexToAddress(s), nil
}

func blockArg(block int64) *big.Int {
	if block <= 0 {
		return nil
	}
	return big.NewInt(block)
}
