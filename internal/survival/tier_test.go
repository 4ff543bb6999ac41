package survival

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierOf_Bands(t *testing.T) {
	th := Thresholds{Critical: 1000, LowCompute: 5000, Normal: 10000}
	cases := []struct {
		balance float64
		want    Tier
	}{
		{-1, TierDead},
		{0, TierCritical},
		{400, TierCritical},
		{999.99, TierCritical},
		{1000, TierLowCompute},
		{4999, TierLowCompute},
		{5000, TierNormal},
		{8000, TierNormal},
		{10000, TierHigh},
		{1e9, TierHigh},
		{math.NaN(), TierCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TierOf(tc.balance, th), "balance %v", tc.balance)
	}
}

func TestTierOf_MonotonicAndPure(t *testing.T) {
	th := DefaultThresholds
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 2000; i++ {
		a := r.Float64()*30000 - 1000
		b := r.Float64()*30000 - 1000
		if a > b {
			a, b = b, a
		}
		require.LessOrEqual(t, TierOf(a, th).Rank(), TierOf(b, th).Rank(), "a=%v b=%v", a, b)
		require.Equal(t, TierOf(a, th), TierOf(a, th))
	}
}

func TestTier_AtLeastAndParse(t *testing.T) {
	assert.True(t, TierNormal.AtLeast(TierLowCompute))
	assert.True(t, TierNormal.AtLeast(TierNormal))
	assert.False(t, TierLowCompute.AtLeast(TierNormal))
	assert.True(t, TierDead.AtLeast(""))
	assert.True(t, TierCritical.Scarce())
	assert.False(t, TierHigh.Scarce())

	got, err := ParseTier("low_compute")
	require.NoError(t, err)
	assert.Equal(t, TierLowCompute, got)
	_, err = ParseTier("rich")
	assert.Error(t, err)
	assert.Len(t, Tiers(), 5)
}
