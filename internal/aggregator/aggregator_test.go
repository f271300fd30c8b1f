package aggregator

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/utxoracle/utxoracle-live/internal/config"
)

func testPriceConfig() config.PriceConfig {
	return config.PriceConfig{
		TickIntervalMS:    500,
		WindowHours:       3,
		WindowMaxEntries:  200000,
		MinSamples:        1000,
		InitialGuessUSD:   48000,
		MinEmitConfidence: 0.3,
		EmitDeltaRel:      0.001,
		MinDeltaOutputs:   1 << 30, // opportunistic ticks off, tests drive ticks directly
	}
}

// synthesizeOutputs draws output values consistent with a known BTC price:
// USD payment amounts sampled from typical magnitudes with log-normal noise,
// converted to sats at trueprice.
func synthesizeOutputs(n int, truePriceUSD, sigma float64, rng *rand.Rand) []int64 {
	modes := []float64{5, 10, 20, 50, 100, 200, 500, 1000}
	weights := []float64{0.35, 0.5, 0.7, 1.0, 0.9, 0.7, 0.5, 0.35}
	var total float64
	for _, w := range weights {
		total += w
	}

	out := make([]int64, n)
	for i := range out {
		r := rng.Float64() * total
		usd := modes[len(modes)-1]
		for j, w := range weights {
			if r < w {
				usd = modes[j]
				break
			}
			r -= w
		}
		usd *= math.Exp(rng.NormFloat64() * sigma)
		out[i] = int64(usd / truePriceUSD * 1e8)
	}
	return out
}

func TestConvergenceToKnownPrice(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	agg := New(testPriceConfig())
	now := time.Now()

	for _, sats := range synthesizeOutputs(2000, 50000, 0.03, rng) {
		agg.window.Add(sats, now)
	}

	var lastConfidence float64
	for i := 0; i < 10; i++ {
		est, ok := agg.computeEstimate(now)
		require.True(t, ok)
		lastConfidence = est.Confidence
	}

	require.InDelta(t, 50000, agg.guess, 1000, "price should converge to within [49000, 51000]")
	require.GreaterOrEqual(t, lastConfidence, 0.8)
}

func TestEmptyWindowReportsZeroConfidence(t *testing.T) {
	agg := New(testPriceConfig())
	est, ok := agg.computeEstimate(time.Now())
	require.True(t, ok)
	require.Zero(t, est.Confidence)
	require.Zero(t, est.SampleSize)
	require.InDelta(t, 48000, est.PriceUSD, 1e-9, "price must not move on an empty window")
	require.False(t, est.Authoritative())
}

func TestConfidenceZeroBelowMinSamples(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	agg := New(testPriceConfig())
	now := time.Now()

	for _, sats := range synthesizeOutputs(500, 50000, 0.03, rng) {
		agg.window.Add(sats, now)
	}
	est, ok := agg.computeEstimate(now)
	require.True(t, ok)
	require.Zero(t, est.Confidence)
	require.Equal(t, 500, est.SampleSize)
}

func TestDegenerateWindowPreservesEstimate(t *testing.T) {
	agg := New(testPriceConfig())
	now := time.Now()

	// Dust outputs: 1 sat is under a cent at any plausible price, so every
	// value lands outside the histogram range and all match scores are zero.
	for i := 0; i < 2000; i++ {
		agg.window.Add(1, now)
	}

	before := agg.guess
	for i := 0; i < 20; i++ {
		_, ok := agg.computeEstimate(now)
		require.False(t, ok, "a degenerate histogram must skip the tick")
	}
	require.Equal(t, before, agg.guess, "the previous estimate must be preserved")

	agg.tick(now)
	select {
	case est := <-agg.ticks:
		t.Fatalf("degenerate tick must emit nothing, got %+v", est)
	default:
	}
}

func TestMaxStepClamp(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	cfg := testPriceConfig()
	cfg.InitialGuessUSD = 40000 // far from the true price
	agg := New(cfg)
	now := time.Now()

	for _, sats := range synthesizeOutputs(2000, 50000, 0.03, rng) {
		agg.window.Add(sats, now)
	}

	before := agg.guess
	_, ok := agg.computeEstimate(now)
	require.True(t, ok)
	require.LessOrEqual(t, math.Abs(agg.guess-before)/before, maxStepRel+1e-9)
}

func TestMonotoneTickIDs(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	agg := New(testPriceConfig())
	now := time.Now()
	for _, sats := range synthesizeOutputs(2000, 50000, 0.03, rng) {
		agg.window.Add(sats, now)
	}

	var lastID uint64
	for i := 0; i < 5; i++ {
		agg.tick(now)
	}
	for {
		select {
		case est := <-agg.ticks:
			require.Greater(t, est.TickID, lastID)
			lastID = est.TickID
			continue
		default:
		}
		break
	}
	require.NotZero(t, lastID, "confident ticks must have been emitted")
}

func TestWindowEviction(t *testing.T) {
	w := NewRollingWindow(time.Hour, 5)
	now := time.Now()

	w.Add(1, now.Add(-2*time.Hour)) // stale
	for i := 0; i < 7; i++ {
		w.Add(int64(i), now)
	}
	evicted := w.Evict(now)
	require.Equal(t, 3, evicted) // 1 by age + 2 over cap
	require.Equal(t, 5, w.Size())
}

func TestWindowShrinkHalvesCap(t *testing.T) {
	w := NewRollingWindow(time.Hour, 4096)
	now := time.Now()
	for i := 0; i < 4096; i++ {
		w.Add(int64(i), now)
	}
	w.Shrink(now)
	require.Equal(t, 2048, w.Size())
}
