package economy

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScalingFactor(t *testing.T) {
	tests := []struct {
		money    int64
		expected float64
	}{
		{1, 1},
		{9, 1},
		{20, 10},
		{200, 100},
		{2000, 1000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, ScalingFactor(tt.money))
	}
}

func TestLogarithmicUtility(t *testing.T) {
	params := []float64{10, 20}
	holdings := []int{0, 1}
	// 10*ln(0+1) + 20*ln(1+1)
	expected := 20 * math.Log(2)
	assert.InDelta(t, expected, LogarithmicUtility(params, holdings, QuantityShift), 1e-9)
}

func TestLogarithmicUtilitySentinel(t *testing.T) {
	got := LogarithmicUtility([]float64{10}, []int{-2}, QuantityShift)
	assert.Less(t, got, -9000.0)
}

func TestMarginalUtility(t *testing.T) {
	params := []float64{10, 20}
	holdings := []int{1, 1}

	gain := MarginalUtility(params, holdings, []int{1, 0})
	expected := 10 * (math.Log(3) - math.Log(2))
	assert.InDelta(t, expected, gain, 1e-9)

	loss := MarginalUtility(params, holdings, []int{0, -1})
	assert.Negative(t, loss)

	// gaining and then losing the same bundle cancels out
	assert.InDelta(t, 0, MarginalUtility(params, holdings, []int{0, 0}), 1e-12)
}

func TestSampleEndowmentsConsistency(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	nbAgents, nbGoods, base := 5, 4, 2
	endowments := SampleEndowments(rng, nbAgents, nbGoods, base, 1, 3)

	require.Len(t, endowments, nbAgents)
	for _, row := range endowments {
		require.Len(t, row, nbGoods)
		for _, q := range row {
			assert.GreaterOrEqual(t, q, base)
		}
	}

	// per-good totals stay within the sampling bounds
	for g := 0; g < nbGoods; g++ {
		total := 0
		for i := 0; i < nbAgents; i++ {
			total += endowments[i][g]
		}
		assert.GreaterOrEqual(t, total, base*nbAgents+nbAgents*1)
		assert.LessOrEqual(t, total, base*nbAgents+nbAgents*3)
	}
}

func TestSampleUtilityParamsRowsShareTotal(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	scaling := ScalingFactor(200)
	params := SampleUtilityParams(rng, 6, 5, scaling)

	require.Len(t, params, 6)
	for _, row := range params {
		require.Len(t, row, 5)
		sum := 0.0
		for _, p := range row {
			assert.Positive(t, p)
			sum += p
		}
		assert.InDelta(t, scaling, sum, 1e-6)
	}
}

func TestEquilibriumPrices(t *testing.T) {
	endowments := [][]int{{1, 1}, {1, 1}}
	params := [][]float64{{10, 20}, {30, 40}}

	prices, goodHoldings, moneyHoldings := Equilibrium(endowments, params, 20, 10, QuantityShift)

	require.Len(t, prices, 2)
	// price[g] = sum_i params[i][g] / (shift*N + sum_i endowments[i][g])
	assert.InDelta(t, 40.0/4.0, prices[0], 1e-9)
	assert.InDelta(t, 60.0/4.0, prices[1], 1e-9)

	// holdings[i][g] = params[i][g]/price[g] - shift
	assert.InDelta(t, 10.0/10.0-1, goodHoldings[0][0], 1e-9)
	assert.InDelta(t, 40.0/15.0-1, goodHoldings[1][1], 1e-9)

	// money[i] = sum_g price[g]*(endowment[i][g]+shift) + money - scaling
	expectedMoney := 10.0*2 + 15.0*2 + 20 - 10
	assert.InDelta(t, expectedMoney, moneyHoldings[0], 1e-9)

	// an equilibrium reallocates, it does not create goods
	for g := 0; g < 2; g++ {
		total := 0.0
		supply := 0.0
		for i := 0; i < 2; i++ {
			total += goodHoldings[i][g]
			supply += float64(endowments[i][g])
		}
		assert.InDelta(t, supply, total, 1e-9)
	}
}
