package aggregator

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"strconv"
)

// Value histogram
//
// Outputs are binned in log10 USD space under a candidate price. The grid is
// fixed so histograms built at different candidate prices stay comparable
// bin-for-bin with the stencil.

const (
	histLogMin   = -2.0 // $0.01
	histLogMax   = 6.0  // $1,000,000
	histBinWidth = 0.05
	histBins     = int((histLogMax - histLogMin) / histBinWidth) // 160
)

// Round USD amounts that betray fiat-denominated transfers. Under a wrong
// candidate price these spikes drag the stencil match toward whichever price
// makes them land on payment modes, so they are downweighted rather than
// trusted.
var roundTargets = []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000, 10000}

const (
	roundTolerance  = 0.015
	roundDownweight = 0.2
)

func roundNumberWeight(usd float64) float64 {
	for _, target := range roundTargets {
		if math.Abs(usd-target) <= target*roundTolerance {
			return roundDownweight
		}
	}
	return 1.0
}

// BuildHistogram bins output values (sats) by their USD denomination at the
// given candidate price. Out-of-range values (dust, megatransfers) are
// skipped. The result is written into bins, which must have histBins slots.
func BuildHistogram(valuesSats []int64, priceUSD float64, bins []float64) {
	for i := range bins {
		bins[i] = 0
	}
	if priceUSD <= 0 {
		return
	}
	for _, sats := range valuesSats {
		usd := float64(sats) / 1e8 * priceUSD
		if usd <= 0 {
			continue
		}
		logUSD := math.Log10(usd)
		if logUSD < histLogMin || logUSD >= histLogMax {
			continue
		}
		bin := int((logUSD - histLogMin) / histBinWidth)
		bins[bin] += roundNumberWeight(usd)
	}
}

// Cosine computes the normalized dot product of two equal-length vectors.
// Zero when either vector is degenerate.
func Cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}

// Digest produces a short stable fingerprint of a histogram for the tick
// payload, so consumers can detect identical distributions cheaply.
func Digest(bins []float64) string {
	h := fnv.New64a()
	var buf [8]byte
	for _, v := range bins {
		// Quantize so float noise does not churn the digest.
		binary.LittleEndian.PutUint64(buf[:], uint64(v*16))
		h.Write(buf[:])
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
