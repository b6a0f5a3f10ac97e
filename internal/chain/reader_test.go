package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	portfolioAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bluechipAddr  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	userAddr      = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

// fakeNode answers view calls by method selector with canned values.
type fakeNode struct {
	mu     sync.Mutex
	calls  map[string]int
	blocks []*big.Int

	positions        map[common.Address][]positionTuple
	pointer          int64
	depositDecimals  uint8
	bluechipDecimals uint8
	equity           []equityTuple
	headerTime       uint64
	head             uint64
	err              error
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		calls: make(map[string]int),
		positions: map[common.Address][]positionTuple{
			userAddr: {
				{DepositAmount: big.NewInt(100_000_000), AmountSplit: big.NewInt(4), InvestedAtHistoricalIndex: big.NewInt(2)},
				{DepositAmount: big.NewInt(1_500_000), AmountSplit: big.NewInt(3), InvestedAtHistoricalIndex: big.NewInt(5)},
			},
		},
		pointer:          7,
		depositDecimals:  6,
		bluechipDecimals: 18,
		equity: []equityTuple{{
			TotalDepositToken:  big.NewInt(2_500_000_000),
			TotalBluechipToken: new(big.Int).Mul(big.NewInt(3), big.NewInt(1e17)),
			BluechipToken:      bluechipAddr,
		}},
		headerTime: 1_700_000_000,
		head:       19_000_000,
	}
}

func (n *fakeNode) method(contract abi.ABI, data []byte) (abi.Method, bool) {
	for _, m := range contract.Methods {
		if bytes.Equal(m.ID, data[:4]) {
			return m, true
		}
	}
	return abi.Method{}, false
}

func (n *fakeNode) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return nil, n.err
	}
	n.blocks = append(n.blocks, block)

	if *msg.To == bluechipAddr {
		m, ok := n.method(erc20ABI, msg.Data)
		if !ok {
			return nil, errors.New("execution reverted")
		}
		n.calls[m.Name]++
		return m.Outputs.Pack(n.bluechipDecimals)
	}

	m, ok := n.method(portfolioABI, msg.Data)
	if !ok {
		return nil, errors.New("execution reverted")
	}
	n.calls[m.Name]++

	switch m.Name {
	case "depositorInfo":
		args, err := m.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		user := args[0].(common.Address)
		return m.Outputs.Pack(depositorInfo{Positions: n.positions[user]})
	case "currentDCAHistoryIndex":
		return m.Outputs.Pack(big.NewInt(n.pointer))
	case "depositTokenInfo":
		return m.Outputs.Pack(common.HexToAddress("0xdead"), n.depositDecimals)
	case "equityValuation":
		return m.Outputs.Pack(n.equity)
	}
	return nil, fmt.Errorf("unexpected method %s", m.Name)
}

func (n *fakeNode) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	if n.err != nil {
		return nil, n.err
	}
	return &types.Header{Number: number, Time: n.headerTime}, nil
}

func (n *fakeNode) BlockNumber(context.Context) (uint64, error) {
	if n.err != nil {
		return 0, n.err
	}
	return n.head, nil
}

func TestPositions(t *testing.T) {
	node := newFakeNode()
	r := NewReader(node)

	positions, err := r.Positions(context.Background(), portfolioAddr.Hex(), userAddr.Hex(), 18_000_000)
	require.NoError(t, err)
	require.Len(t, positions, 2)

	assert.True(t, positions[0].DepositAmount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, int64(4), positions[0].AmountSplit)
	assert.Equal(t, int64(2), positions[0].InvestedAtHistoricalIndex)
	assert.True(t, positions[1].DepositAmount.Equal(decimal.RequireFromString("1.5")))

	// The positions read is pinned to the requested block.
	assert.Contains(t, node.blocks, big.NewInt(18_000_000))
}

func TestPositions_UnknownUserHasNone(t *testing.T) {
	r := NewReader(newFakeNode())

	positions, err := r.Positions(context.Background(), portfolioAddr.Hex(), "0x00000000000000000000000000000000000000ff", 1)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestDecimalsAreMemoized(t *testing.T) {
	node := newFakeNode()
	r := NewReader(node)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Positions(ctx, portfolioAddr.Hex(), userAddr.Hex(), 1)
		require.NoError(t, err)
		_, err = r.PortfolioTotals(ctx, portfolioAddr.Hex(), 1)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, node.calls["depositTokenInfo"])
	assert.Equal(t, 1, node.calls["decimals"])
}

func TestCurrentPeriod(t *testing.T) {
	r := NewReader(newFakeNode())

	p, err := r.CurrentPeriod(context.Background(), portfolioAddr.Hex(), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(7), p)
}

func TestPortfolioTotals(t *testing.T) {
	r := NewReader(newFakeNode())

	totals, err := r.PortfolioTotals(context.Background(), portfolioAddr.Hex(), 5)
	require.NoError(t, err)
	assert.True(t, totals.DepositToken.Equal(decimal.NewFromInt(2500)))
	assert.True(t, totals.BluechipToken.Equal(decimal.RequireFromString("0.3")))
}

func TestPortfolioTotals_EmptyValuation(t *testing.T) {
	node := newFakeNode()
	node.equity = nil
	r := NewReader(node)

	_, err := r.PortfolioTotals(context.Background(), portfolioAddr.Hex(), 5)
	assert.ErrorIs(t, err, ErrChainRead)
}

func TestBlockTimestampAndHead(t *testing.T) {
	r := NewReader(newFakeNode())
	ctx := context.Background()

	ts, err := r.BlockTimestamp(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000_000), ts)

	head, err := r.LatestBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(19_000_000), head)
}

func TestNodeErrorsWrapSentinel(t *testing.T) {
	node := newFakeNode()
	node.err = errors.New("connection refused")
	r := NewReader(node)
	ctx := context.Background()

	_, err := r.CurrentPeriod(ctx, portfolioAddr.Hex(), 1)
	assert.ErrorIs(t, err, ErrChainRead)
	assert.ErrorIs(t, err, node.err)

	_, err = r.BlockTimestamp(ctx, 1)
	assert.ErrorIs(t, err, ErrChainRead)

	_, err = r.LatestBlock(ctx)
	assert.ErrorIs(t, err, ErrChainRead)
}

func TestInvalidAddress(t *testing.T) {
	r := NewReader(newFakeNode())

	_, err := r.Positions(context.Background(), "not-an-address", userAddr.Hex(), 1)
	assert.ErrorIs(t, err, ErrChainRead)
}

func TestBlockArg(t *testing.T) {
	assert.Nil(t, blockArg(0))
	assert.Nil(t, blockArg(-1))
	assert.Equal(t, big.NewInt(42), blockArg(42))
}
