package aggregator

import (
	"context"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/utxoracle/utxoracle-live/internal/config"
	"github.com/utxoracle/utxoracle-live/pkg/models"
)

// Price Aggregator
//
// Maintains the rolling on-chain price model. Each tick rebuilds the USD
// value histogram under the current guess, searches for the candidate price
// that best matches the payment stencil, and smooths the guess toward it.
// The loop is strictly single-threaded: observations arrive on a channel,
// ticks leave on a channel, and no other goroutine touches the window.

const maxStepRel = 0.05

type observation struct {
	Sats   int64
	SeenAt time.Time
}

type Aggregator struct {
	cfg    config.PriceConfig
	window *RollingWindow

	guess           float64
	tickID          uint64
	lastEmitPrice   float64
	lastEmitConf    float64
	everEmitted     bool
	pendingOutputs  int

	observations chan observation
	ticks        chan models.PriceEstimate
	shrinkReq    chan struct{}

	droppedObservations atomic.Uint64

	valueBuf []int64
	histBuf  []float64
}

func New(cfg config.PriceConfig) *Aggregator {
	return &Aggregator{
		cfg:          cfg,
		window:       NewRollingWindow(cfg.WindowAge(), cfg.WindowMaxEntries),
		guess:        cfg.InitialGuessUSD,
		observations: make(chan observation, 4096),
		ticks:        make(chan models.PriceEstimate, 64),
		shrinkReq:    make(chan struct{}, 1),
		histBuf:      make([]float64, histBins),
	}
}

// Ticks is the emitted price stream. Closed when Run returns.
func (a *Aggregator) Ticks() <-chan models.PriceEstimate { return a.ticks }

// Observe feeds one transaction output into the model. Never blocks; under
// backlog the observation is dropped and counted, the window catches up on
// later polls.
func (a *Aggregator) Observe(sats int64, seenAt time.Time) {
	select {
	case a.observations <- observation{Sats: sats, SeenAt: seenAt}:
	default:
		a.droppedObservations.Add(1)
	}
}

// DroppedObservations reports observations discarded due to backlog.
func (a *Aggregator) DroppedObservations() uint64 { return a.droppedObservations.Load() }

// RequestShrink asks the loop to halve the window cap. Called by the memory
// watchdog; coalesced if one is already pending.
func (a *Aggregator) RequestShrink() {
	select {
	case a.shrinkReq <- struct{}{}:
	default:
	}
}

// Run drives the tick loop until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.TickInterval())
	defer ticker.Stop()
	defer close(a.ticks)

	log.Printf("[Aggregator] Started: tick=%s window=%s minSamples=%d initialGuess=%.0f",
		a.cfg.TickInterval(), a.cfg.WindowAge(), a.cfg.MinSamples, a.guess)

	for {
		select {
		case <-ctx.Done():
			return
		case obs := <-a.observations:
			a.window.Add(obs.Sats, obs.SeenAt)
			a.pendingOutputs++
			if a.pendingOutputs >= a.cfg.MinDeltaOutputs {
				a.tick(time.Now())
			}
		case <-ticker.C:
			a.tick(time.Now())
		case <-a.shrinkReq:
			evicted := a.window.Shrink(time.Now())
			log.Printf("[Aggregator] Window shrunk under memory pressure, evicted %d entries", evicted)
		}
	}
}

// tick runs one model update. Any failure preserves the previous estimate
// and emits nothing.
func (a *Aggregator) tick(now time.Time) {
	a.pendingOutputs = 0
	a.window.Evict(now)

	est, ok := a.computeEstimate(now)
	if !ok {
		return
	}

	if a.shouldEmit(est) {
		a.tickID++
		est.TickID = a.tickID
		a.lastEmitPrice = est.PriceUSD
		a.lastEmitConf = est.Confidence
		a.everEmitted = true
		select {
		case a.ticks <- est:
		default:
			// Consumer stalled; the next tick supersedes this one anyway.
		}
	}
}

// computeEstimate is the pure model step: histogram, stencil search,
// smoothing, confidence. Returns ok=false when the tick must be skipped.
func (a *Aggregator) computeEstimate(now time.Time) (models.PriceEstimate, bool) {
	n := a.window.Size()
	if n == 0 {
		// An empty window still reports loss of signal, once.
		return models.PriceEstimate{
			WallTime:   now.UTC(),
			PriceUSD:   a.guess,
			Confidence: 0,
			SampleSize: 0,
		}, true
	}

	a.valueBuf = a.window.Values(a.valueBuf)

	best, bestCos := SearchBestPrice(a.valueBuf, a.guess)
	// A non-positive best match means the observed histogram is degenerate:
	// every window value fell outside the USD range, or nothing overlaps the
	// stencil. The search result is then just the scan edge, not a signal,
	// and following it would walk the estimate without bound.
	if best <= 0 || bestCos <= 0 || math.IsNaN(best) {
		log.Printf("[Aggregator] Degenerate histogram over %d samples at guess=%.2f, keeping previous estimate", n, a.guess)
		return models.PriceEstimate{}, false
	}

	strength := matchStrength(bestCos)

	// Convergence smoothing: stronger matches move faster, bounded to 5%
	// per tick either way.
	alpha := 0.2 + 0.6*strength
	next := (1-alpha)*a.guess + alpha*best
	maxStep := a.guess * maxStepRel
	if next > a.guess+maxStep {
		next = a.guess + maxStep
	} else if next < a.guess-maxStep {
		next = a.guess - maxStep
	}
	a.guess = next

	confidence := 0.0
	if n >= a.cfg.MinSamples {
		sampleFactor := math.Min(1, float64(n)/float64(2*a.cfg.MinSamples)+0.5)
		recency := a.window.RecentFraction(now, 30*time.Minute)
		recencyFactor := math.Min(1, recency/0.25)
		confidence = strength * sampleFactor * recencyFactor
	}

	BuildHistogram(a.valueBuf, a.guess, a.histBuf)
	return models.PriceEstimate{
		WallTime:        now.UTC(),
		PriceUSD:        a.guess,
		Confidence:      confidence,
		SampleSize:      n,
		HistogramDigest: Digest(a.histBuf),
	}, true
}

// shouldEmit applies the emission rules: confident ticks always go out,
// otherwise only meaningful price movement or a confidence collapse does.
func (a *Aggregator) shouldEmit(est models.PriceEstimate) bool {
	if !a.everEmitted {
		return true
	}
	if est.Confidence >= a.cfg.MinEmitConfidence {
		return true
	}
	if a.lastEmitPrice > 0 &&
		math.Abs(est.PriceUSD-a.lastEmitPrice)/a.lastEmitPrice >= a.cfg.EmitDeltaRel {
		return true
	}
	// Signal loss: confidence dropped to zero after confident emissions.
	if est.Confidence == 0 && a.lastEmitConf > 0 {
		return true
	}
	return false
}
