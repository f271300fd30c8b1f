package aggregator

import "math"

// Stencil
//
// A reference distribution of USD-denominated payment volume, expressed on
// the same log10-USD grid as the value histogram. Real payment traffic
// clusters around recurring fiat magnitudes; the stencil encodes those
// clusters as a smoothed log-normal mixture. A candidate price is scored by
// how well the observed histogram, rebuilt at that price, lines up with it.

type stencilComponent struct {
	modeUSD float64
	sigma   float64 // in log10 decades
	weight  float64
}

// Payment-magnitude mixture. Weights reflect relative volume, sigmas widen
// with magnitude as larger transfers denominate more loosely.
var stencilComponents = []stencilComponent{
	{5, 0.06, 0.35},
	{10, 0.06, 0.50},
	{20, 0.06, 0.70},
	{50, 0.06, 1.00},
	{100, 0.07, 0.90},
	{200, 0.07, 0.70},
	{500, 0.08, 0.50},
	{1000, 0.08, 0.35},
	{2000, 0.09, 0.20},
	{5000, 0.10, 0.10},
}

// buildStencil evaluates the mixture at every bin center. Computed once.
func buildStencil() []float64 {
	bins := make([]float64, histBins)
	for i := range bins {
		center := histLogMin + (float64(i)+0.5)*histBinWidth
		var v float64
		for _, c := range stencilComponents {
			mu := math.Log10(c.modeUSD)
			d := center - mu
			v += c.weight * math.Exp(-d*d/(2*c.sigma*c.sigma))
		}
		bins[i] = v
	}
	return bins
}

var stencil = buildStencil()

// MatchScore rebuilds the histogram at candidate price P and returns its
// cosine against the stencil.
func MatchScore(valuesSats []int64, candidateUSD float64, scratch []float64) float64 {
	BuildHistogram(valuesSats, candidateUSD, scratch)
	return Cosine(scratch, stencil)
}

const (
	searchLow      = 0.80
	searchHigh     = 1.25
	searchStep     = 1.01 // geometric
	maxSearchIters = 6
)

// SearchBestPrice scans candidate prices geometrically across
// [searchLow, searchHigh] times the current guess for the best stencil
// match. A best hit on either edge widens the range one step and retries,
// bounded by maxSearchIters.
func SearchBestPrice(valuesSats []int64, guessUSD float64) (bestPrice, bestMatch float64) {
	lo := guessUSD * searchLow
	hi := guessUSD * searchHigh
	scratch := make([]float64, histBins)

	for iter := 0; iter < maxSearchIters; iter++ {
		bestPrice, bestMatch = 0, -1
		atLowEdge, atHighEdge := false, false

		first := true
		for p := lo; p <= hi*(1+1e-9); p *= searchStep {
			m := MatchScore(valuesSats, p, scratch)
			if m > bestMatch {
				bestMatch = m
				bestPrice = p
				atLowEdge = first
				atHighEdge = p*searchStep > hi*(1+1e-9)
			}
			first = false
		}

		switch {
		case atLowEdge:
			lo /= searchStep
		case atHighEdge:
			hi *= searchStep
		default:
			return bestPrice, bestMatch
		}
	}
	return bestPrice, bestMatch
}

// matchStrength rescales a raw cosine into [0,1]. Cosine floors around 0.2
// for unstructured windows and saturates near 0.8 for a clean fit.
func matchStrength(cos float64) float64 {
	s := (cos - 0.2) / 0.6
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
