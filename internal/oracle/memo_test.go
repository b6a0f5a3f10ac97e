package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMemo_ExpiresAfterTTL(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryMemo()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	q := Quote{CoinID: "bitcoin", Price: decimal.NewFromInt(42), Confidence: ConfidenceHourly}
	require.NoError(t, m.Set(ctx, "k", q, 5*time.Minute))

	got, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Price.Equal(q.Price))

	now = now.Add(5 * time.Minute)
	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryMemo_Miss(t *testing.T) {
	_, ok, err := NewMemoryMemo().Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoKey(t *testing.T) {
	assert.Equal(t, "price:bitcoin:3600000", memoKey("bitcoin", hourMs))
}

func TestMemoryMemo_SweepsUnreadExpiredEntries(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryMemo()
	m.now = func() time.Time { return now }
	ctx := context.Background()
	q := Quote{CoinID: "bitcoin", Price: decimal.NewFromInt(42)}

	// One key per hour, none read back.
	for h := int64(0); h < 10; h++ {
		require.NoError(t, m.Set(ctx, memoKey("bitcoin", h*hourMs), q, 5*time.Minute))
	}
	assert.Equal(t, 10, m.len())

	now = now.Add(5 * time.Minute)
	require.NoError(t, m.Set(ctx, memoKey("bitcoin", 99*hourMs), q, 5*time.Minute))
	assert.Equal(t, 1, m.len())

	_, ok, err := m.Get(ctx, memoKey("bitcoin", 99*hourMs))
	require.NoError(t, err)
	assert.True(t, ok)
}
