// Package economy contains the pure economic model of the competition:
// utility scoring, endowment and preference sampling, and the closed-form
// competitive equilibrium used for post-hoc analytics.
package economy

import (
	"math"
	"math/rand"
)

// QuantityShift shifts good quantities inside the logarithm so that a zero
// holding still has a defined utility. Any positive integer works.
const QuantityShift = 1

// badBundleSentinel is returned per good when holdings+shift <= 0.
// Validated inputs never hit it.
const badBundleSentinel = -10000.0

// ScalingFactor returns the utility scaling factor for a money endowment,
// so that a good's marginal value is comparable in magnitude to money.
func ScalingFactor(moneyEndowment int64) float64 {
	digits := 1
	for v := moneyEndowment; v >= 10; v /= 10 {
		digits++
	}
	return math.Pow(10, float64(digits-1))
}

// LogarithmicUtility computes sum_g params[g] * ln(holdings[g] + shift).
func LogarithmicUtility(params []float64, holdings []int, shift int) float64 {
	total := 0.0
	for g, q := range holdings {
		if q+shift <= 0 {
			total += badBundleSentinel
			continue
		}
		total += params[g] * math.Log(float64(q+shift))
	}
	return total
}

// MarginalUtility computes the utility difference between holdings+delta
// and holdings. Negative delta entries model giving goods away.
func MarginalUtility(params []float64, holdings []int, delta []int) float64 {
	next := make([]int, len(holdings))
	for g, q := range holdings {
		next[g] = q + delta[g]
	}
	current := LogarithmicUtility(params, holdings, QuantityShift)
	return LogarithmicUtility(params, next, QuantityShift) - current
}

// SampleMoneyEndowments returns the initial money amount for every agent.
func SampleMoneyEndowments(nbAgents int, moneyEndowment int64) []int64 {
	out := make([]int64, nbAgents)
	for i := range out {
		out[i] = moneyEndowment
	}
	return out
}

// SampleEndowments samples the endowment matrix. Every agent starts with
// baseAmount instances of every good; the remaining instances per good are
// drawn uniformly and assigned to random agents to create differences.
func SampleEndowments(rng *rand.Rand, nbAgents, nbGoods, baseAmount, lowerBound, upperBound int) [][]int {
	instances := sampleGoodInstances(rng, nbAgents, nbGoods, baseAmount, lowerBound, upperBound)
	endowments := make([][]int, nbAgents)
	for i := range endowments {
		row := make([]int, nbGoods)
		for g := range row {
			row[g] = baseAmount
		}
		endowments[i] = row
	}
	for g := 0; g < nbGoods; g++ {
		extra := instances[g] - baseAmount*nbAgents
		for k := 0; k < extra; k++ {
			endowments[rng.Intn(nbAgents)][g]++
		}
	}
	return endowments
}

func sampleGoodInstances(rng *rand.Rand, nbAgents, nbGoods, baseAmount, lowerBound, upperBound int) []int {
	a := float64(baseAmount*nbAgents + nbAgents*lowerBound)
	b := float64(baseAmount*nbAgents + nbAgents*upperBound)
	out := make([]int, nbGoods)
	for g := range out {
		out[g] = int(math.Round(a + rng.Float64()*(b-a)))
	}
	return out
}

// SampleUtilityParams samples the preference matrix. Every row is a set of
// random fractions normalized to sum exactly to 1.0 and then scaled, so all
// rows share the same total. Rows whose rounded values collide are
// resampled so every row keeps the same number of distinct values.
func SampleUtilityParams(rng *rand.Rand, nbAgents, nbGoods int, scalingFactor float64) [][]float64 {
	decimals := 4
	if nbGoods >= 100 {
		decimals = 8
	}
	params := make([][]float64, nbAgents)
	for i := range params {
		row := sampleUtilityRow(rng, nbGoods, decimals, scalingFactor)
		for attempt := 0; attempt < 100 && distinctValues(row) != nbGoods; attempt++ {
			row = sampleUtilityRow(rng, nbGoods, decimals, scalingFactor)
		}
		params[i] = row
	}
	return params
}

func sampleUtilityRow(rng *rand.Rand, nbGoods, decimals int, scalingFactor float64) []float64 {
	pow := math.Pow(10, float64(decimals))
	integers := make([]int, nbGoods)
	total := 0
	for g := range integers {
		integers[g] = 1 + rng.Intn(101)
		total += integers[g]
	}
	fractions := make([]float64, nbGoods)
	sum := 0.0
	for g := range fractions {
		fractions[g] = math.Round(float64(integers[g])/float64(total)*pow) / pow
		sum += fractions[g]
	}
	if sum != 1.0 {
		// the last good absorbs the rounding error
		fractions[nbGoods-1] = math.Round((1.0-(sum-fractions[nbGoods-1]))*pow) / pow
	}
	for g := range fractions {
		fractions[g] *= scalingFactor
	}
	return fractions
}

func distinctValues(row []float64) int {
	seen := make(map[float64]struct{}, len(row))
	for _, v := range row {
		seen[v] = struct{}{}
	}
	return len(seen)
}

// Equilibrium computes the competitive-equilibrium prices and allocations of
// the log-utility market. Used for scoring and analytics only, never for
// live settlement.
func Equilibrium(endowments [][]int, scaledParams [][]float64, moneyEndowment float64, scalingFactor float64, shift int) (prices []float64, goodHoldings [][]float64, moneyHoldings []float64) {
	nbAgents := len(endowments)
	nbGoods := len(endowments[0])

	endowmentsByGood := make([]float64, nbGoods)
	paramsByGood := make([]float64, nbGoods)
	for i := 0; i < nbAgents; i++ {
		for g := 0; g < nbGoods; g++ {
			endowmentsByGood[g] += float64(endowments[i][g])
			paramsByGood[g] += scaledParams[i][g]
		}
	}

	prices = make([]float64, nbGoods)
	for g := range prices {
		prices[g] = paramsByGood[g] / (float64(shift*nbAgents) + endowmentsByGood[g])
	}

	goodHoldings = make([][]float64, nbAgents)
	moneyHoldings = make([]float64, nbAgents)
	for i := 0; i < nbAgents; i++ {
		row := make([]float64, nbGoods)
		spent := 0.0
		for g := 0; g < nbGoods; g++ {
			row[g] = scaledParams[i][g]/prices[g] - float64(shift)
			spent += prices[g] * float64(endowments[i][g]+shift)
		}
		goodHoldings[i] = row
		moneyHoldings[i] = spent + moneyEndowment - scalingFactor
	}
	return prices, goodHoldings, moneyHoldings
}
