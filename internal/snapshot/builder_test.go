package snapshot_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokkr/snapshot-engine/internal/chain"
	"github.com/brokkr/snapshot-engine/internal/dca"
	"github.com/brokkr/snapshot-engine/internal/model"
	"github.com/brokkr/snapshot-engine/internal/snapshot"
)

const (
	btcPortfolio = "0xBTC0000000000000000000000000000000000001"
	ethPortfolio = "0xeth0000000000000000000000000000000000002"
	headBlock    = int64(20_000_000)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeChain struct {
	totals    map[string]chain.Totals
	totalsErr map[string]error
}

func (f *fakeChain) PortfolioTotals(_ context.Context, portfolio string, _ int64) (chain.Totals, error) {
	key := model.NormalizeAddress(portfolio)
	if err := f.totalsErr[key]; err != nil {
		return chain.Totals{}, err
	}
	return f.totals[key], nil
}

func (f *fakeChain) BlockTimestamp(_ context.Context, block int64) (int64, error) {
	return block * 1000, nil
}

func (f *fakeChain) LatestBlock(context.Context) (int64, error) {
	return headBlock, nil
}

type fakeUsers map[string][]string

func (f fakeUsers) PortfolioUsers(_ context.Context, portfolio string) ([]string, error) {
	return f[model.NormalizeAddress(portfolio)], nil
}

type fakePrices map[string]string

func (f fakePrices) PriceOf(_ context.Context, coinID string, _ int64) (decimal.Decimal, error) {
	p, ok := f[coinID]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", coinID)
	}
	return d(p), nil
}

// fakeValuer answers from a table keyed by user; an error entry fails the
// user, and a user listed in partial also reports an invalid position.
type fakeValuer struct {
	mu      sync.Mutex
	usd     map[string]string
	errs    map[string]error
	partial map[string]bool
	calls   []string
	onCall  func()
}

func (f *fakeValuer) EquityValuation(_ context.Context, user, portfolio, _ string, block int64) (model.UserValuation, error) {
	f.mu.Lock()
	f.calls = append(f.calls, user)
	onCall := f.onCall
	f.mu.Unlock()

	if onCall != nil {
		onCall()
	}

	if err := f.errs[user]; err != nil {
		return model.UserValuation{}, err
	}
	usd := decimal.Zero
	if s, ok := f.usd[user]; ok {
		usd = d(s)
	}
	val := model.UserValuation{
		User:      user,
		Portfolio: model.NormalizeAddress(portfolio),
		Block:     block,
		USD:       usd,
		Result: model.ValuationResult{
			NotYetInvested: usd.Div(decimal.NewFromInt(2)),
			Converted:      decimal.NewFromInt(1),
		},
	}
	if f.partial[user] {
		return val, fmt.Errorf("position 0: %w", dca.ErrInvalidPosition)
	}
	return val, nil
}

type recordingPublisher struct {
	events []string
	last   any
}

func (p *recordingPublisher) Publish(event string, payload any) {
	p.events = append(p.events, event)
	p.last = payload
}

func newBuilder(valuer *fakeValuer, ch *fakeChain, pub snapshot.Publisher) *snapshot.Builder {
	users := fakeUsers{
		model.NormalizeAddress(btcPortfolio): {"0xbbb", "0xaaa", "0xccc"},
		ethPortfolio:                         {"0xddd"},
	}
	prices := fakePrices{model.DepositCoinID: "0.999", "bitcoin": "60000", "ethereum": "3000"}
	cfg := snapshot.Config{
		Portfolios: []model.PortfolioConfig{
			{Address: btcPortfolio, BluechipCoinID: "bitcoin", ExtraUsers: []string{"0xEEE", "0xAAA"}},
			{Address: ethPortfolio, BluechipCoinID: "ethereum"},
		},
		Workers: 3,
	}
	return snapshot.NewBuilder(ch, users, valuer, prices, pub, cfg)
}

func defaultChain() *fakeChain {
	return &fakeChain{totals: map[string]chain.Totals{
		model.NormalizeAddress(btcPortfolio): {DepositToken: d("1000"), BluechipToken: d("0.5")},
		ethPortfolio:                         {DepositToken: d("10"), BluechipToken: d("2")},
	}}
}

func TestBuild(t *testing.T) {
	valuer := &fakeValuer{usd: map[string]string{
		"0xaaa": "150", "0xbbb": "5", "0xccc": "99.99", "0xddd": "1000", "0xeee": "100",
	}}
	pub := &recordingPublisher{}
	b := newBuilder(valuer, defaultChain(), pub)

	snap, err := b.Build(context.Background(), 19_000_000, d("100"))
	require.NoError(t, err)

	assert.NotEmpty(t, snap.RunID)
	assert.Equal(t, int64(19_000_000), snap.Block)
	require.Len(t, snap.Portfolios, 2)

	btc := snap.Portfolios[0]
	assert.Equal(t, model.NormalizeAddress(btcPortfolio), btc.Address)
	assert.Equal(t, "DCA bitcoin", btc.TokenName)
	// 1000 * 0.999 + 0.5 * 60000
	assert.True(t, btc.TVLUSD.Equal(d("30999")), "tvl = %s", btc.TVLUSD)
	assert.True(t, btc.Token1Price.Equal(d("60000")))

	// Below-threshold users are dropped; extras are merged and deduplicated.
	var got []string
	for _, h := range btc.Holdings {
		got = append(got, h.UserAddress)
	}
	assert.Equal(t, []string{"0xaaa", "0xeee"}, got)
	assert.Equal(t, model.DepositCoinID, btc.Holdings[0].Token0Name)
	assert.Equal(t, "bitcoin", btc.Holdings[0].Token1Name)
	assert.True(t, btc.Holdings[0].Token0Amount.Equal(d("75")))

	assert.Len(t, snap.Portfolios[1].Holdings, 1)
	assert.Len(t, valuer.calls, 5)

	assert.Equal(t, []string{snapshot.EventSnapshotCompleted}, pub.events)
	sum := pub.last.(snapshot.RunSummary)
	assert.Equal(t, snap.RunID, sum.RunID)
	assert.Equal(t, 3, sum.Holdings)

	latest, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, snap.RunID, latest.RunID)
}

func TestBuild_UserFailureIsIsolated(t *testing.T) {
	valuer := &fakeValuer{
		usd:     map[string]string{"0xaaa": "500", "0xccc": "300", "0xddd": "1", "0xeee": "200"},
		errs:    map[string]error{"0xbbb": errors.New("rpc timeout")},
		partial: map[string]bool{"0xccc": true},
	}
	b := newBuilder(valuer, defaultChain(), nil)

	snap, err := b.Build(context.Background(), 19_000_000, decimal.Zero)
	require.NoError(t, err)

	btc := snap.Portfolios[0]
	assert.Equal(t, 1, btc.Failed)
	var got []string
	for _, h := range btc.Holdings {
		got = append(got, h.UserAddress)
	}
	assert.Equal(t, []string{"0xaaa", "0xccc", "0xeee"}, got)
}

func TestBuild_PortfolioFailureIsOmitted(t *testing.T) {
	ch := defaultChain()
	ch.totalsErr = map[string]error{ethPortfolio: errors.New("execution reverted")}
	valuer := &fakeValuer{usd: map[string]string{"0xaaa": "1", "0xbbb": "1", "0xccc": "1", "0xeee": "1"}}
	b := newBuilder(valuer, ch, nil)

	snap, err := b.Build(context.Background(), 19_000_000, decimal.Zero)
	require.NoError(t, err)
	require.Len(t, snap.Portfolios, 1)
	assert.Equal(t, model.NormalizeAddress(btcPortfolio), snap.Portfolios[0].Address)
}

func TestBuild_CancelledMidRunKeepsLatest(t *testing.T) {
	valuer := &fakeValuer{usd: map[string]string{"0xaaa": "500", "0xbbb": "5", "0xccc": "1", "0xddd": "1", "0xeee": "1"}}
	pub := &recordingPublisher{}
	b := newBuilder(valuer, defaultChain(), pub)

	good, err := b.Build(context.Background(), 19_000_000, decimal.Zero)
	require.NoError(t, err)
	require.Len(t, pub.events, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	valuer.mu.Lock()
	valuer.onCall = cancel
	valuer.errs = map[string]error{}
	for _, u := range []string{"0xaaa", "0xbbb", "0xccc", "0xddd", "0xeee"} {
		valuer.errs[u] = context.Canceled
	}
	valuer.mu.Unlock()

	snap, err := b.Build(ctx, 19_000_001, decimal.Zero)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, snap)

	latest, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, good.RunID, latest.RunID)
	assert.Len(t, pub.events, 1, "an aborted run must not be published")
}

func TestBuild_DefaultsToHeadBlock(t *testing.T) {
	b := newBuilder(&fakeValuer{usd: map[string]string{}}, defaultChain(), nil)

	snap, err := b.Build(context.Background(), 0, d("1000000"))
	require.NoError(t, err)
	assert.Equal(t, headBlock, snap.Block)
}

func TestPortfolioLookup(t *testing.T) {
	b := newBuilder(&fakeValuer{}, defaultChain(), nil)

	pc, ok := b.Portfolio("0xbtc0000000000000000000000000000000000001")
	require.True(t, ok)
	assert.Equal(t, "bitcoin", pc.BluechipCoinID)

	_, ok = b.Portfolio("0xunknown")
	assert.False(t, ok)
}

func TestMergeUsers(t *testing.T) {
	got := snapshot.MergeUsers([]string{"0xB", "0xa", ""}, []string{" 0xA ", "0xc"})
	assert.Equal(t, []string{"0xa", "0xb", "0xc"}, got)
}
